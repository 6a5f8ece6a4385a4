package care

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Hook identifies where an error was caught.  The string values are
// what the fume.care API expects.
type Hook string

const (
	// HookClientRender is a rendering error reported by the browser.
	HookClientRender Hook = "vue:error"
	// HookApp is an application-level error, on either side.
	HookApp Hook = "app:error"
	// HookServer is a panic while serving a request.
	HookServer Hook = "nitro:error"
	// HookUnhandledRejection is an unhandled promise rejection in the browser.
	HookUnhandledRejection Hook = "window:unhandledrejection"
)

// Valid reports whether h is one of the four known hooks.
func (h Hook) Valid() bool {
	switch h {
	case HookClientRender, HookApp, HookServer, HookUnhandledRejection:
		return true
	}
	return false
}

// OSInfo describes the host running the reporter.
type OSInfo struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Version  string `json:"version"`
}

// ProcessInfo describes the reporting process.
type ProcessInfo struct {
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

// Payload is the error record sent, JSON-encoded, as the `payload`
// field of a report.
type Payload struct {
	Hook        Hook        `json:"hook"`
	Name        string      `json:"name,omitempty"`
	Message     string      `json:"message,omitempty"`
	Stack       string      `json:"stack,omitempty"`
	Cause       string      `json:"cause,omitempty"`
	Client      bool        `json:"client"`
	Environment string      `json:"environment"`
	OS          OSInfo      `json:"os"`
	Process     ProcessInfo `json:"process"`
}

// ErrorFields are the error-shaped parts of a payload.
type ErrorFields struct {
	Name    string
	Message string
	Stack   string
	Cause   string
}

// NormalizeError pulls name, message, stack and cause out of v
// without assuming its type.  Understood shapes are error values,
// decoded JSON objects (map[string]any) and plain strings; anything
// else yields empty fields.  It never panics.
func NormalizeError(v any) (f ErrorFields) {
	defer func() {
		if recover() != nil {
			f = ErrorFields{}
		}
	}()

	switch e := v.(type) {
	case nil:
		return ErrorFields{}
	case error:
		return fromError(e)
	case map[string]any:
		return fromMap(e)
	case string:
		return ErrorFields{Message: e}
	case fmt.Stringer:
		return ErrorFields{Message: e.String()}
	}
	return ErrorFields{}
}

func fromError(err error) ErrorFields {
	f := ErrorFields{
		Name:    errorName(err),
		Message: err.Error(),
	}

	switch s := err.(type) {
	case interface{ Stack() string }:
		f.Stack = s.Stack()
	case interface{ StackTrace() string }:
		f.Stack = s.StackTrace()
	case interface{ Stack() []byte }:
		f.Stack = string(s.Stack())
	}

	var cause error
	if c, ok := err.(interface{ Cause() error }); ok {
		cause = c.Cause()
	} else {
		cause = errors.Unwrap(err)
	}
	if cause != nil {
		f.Cause = cause.Error()
	}
	return f
}

// errorName prefers an explicit name and otherwise uses the dynamic
// type, e.g. "fs.PathError" for a *fs.PathError.
func errorName(err error) string {
	switch n := err.(type) {
	case interface{ Name() string }:
		return n.Name()
	case interface{ ErrorName() string }:
		return n.ErrorName()
	}
	return strings.TrimLeft(fmt.Sprintf("%T", err), "*")
}

// getString copies m[name] into val if it is a string.
func getString(m map[string]any, name string, val *string) {
	if v, ok := m[name]; ok {
		if s, ok := v.(string); ok {
			*val = s
		}
	}
}

func fromMap(m map[string]any) ErrorFields {
	f := ErrorFields{}
	getString(m, "name", &f.Name)
	getString(m, "message", &f.Message)
	getString(m, "stack", &f.Stack)

	switch c := m["cause"].(type) {
	case nil:
	case string:
		f.Cause = c
	default:
		if b, err := json.Marshal(c); err == nil {
			f.Cause = string(b)
		}
	}
	return f
}

// newPayload assembles the payload for one report.
func newPayload(hook Hook, f ErrorFields, client bool, env string) Payload {
	return Payload{
		Hook:        hook,
		Name:        f.Name,
		Message:     f.Message,
		Stack:       f.Stack,
		Cause:       f.Cause,
		Client:      client,
		Environment: env,
		OS: OSInfo{
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
			Version:  runtime.Version(),
		},
		Process: ProcessInfo{
			PID:     os.Getpid(),
			Version: runtime.Version(),
		},
	}
}
