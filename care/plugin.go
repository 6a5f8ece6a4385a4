package care

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
)

// ErrAuthSourceMissing is returned by NewPlugin when AuthUtils is
// set but there is nothing to read users from.
var ErrAuthSourceMissing = errors.New("care: auth_utils is enabled but no AuthSource was provided")

// AuthSource looks up the signed-in user for a request.  The returned
// map is plucked using Config.AuthUtilsFields.
type AuthSource interface {
	User(*http.Request) (map[string]any, bool)
}

// AuthSourceFunc adapts a function to AuthSource.
type AuthSourceFunc func(*http.Request) (map[string]any, bool)

func (f AuthSourceFunc) User(r *http.Request) (map[string]any, bool) {
	return f(r)
}

// Plugin wires a Reporter into an HTTP server: a middleware for
// server-side errors and an ingest endpoint for browser errors.
type Plugin struct {
	Reporter        *Reporter
	Auth            AuthSource
	NumberOfProxies int   // for X-Forwarded-For on the client endpoint
	MaxBytes        int64 // largest accepted browser report

	ready sync.Once
}

// NewPlugin returns a Plugin reporting with cfg.  auth may be nil
// unless cfg.AuthUtils is set.
func NewPlugin(cfg Config, auth AuthSource) (*Plugin, error) {
	if cfg.AuthUtils && auth == nil {
		return nil, ErrAuthSourceMissing
	}
	return &Plugin{
		Reporter: NewReporter(cfg),
		Auth:     auth,
	}, nil
}

// Config returns the reporter's resolved configuration.
func (p *Plugin) Config() Config {
	return p.Reporter.Config
}

// Ready logs a one-time summary of the active configuration.  Call
// it once the host has finished wiring; Install calls it for you.
func (p *Plugin) Ready() {
	p.ready.Do(func() {
		cfg := p.Config()
		logger := p.Reporter.logger()
		if !cfg.Valid() {
			logger.Warn("No API key configured, error reporting is disabled")
			return
		}
		if cfg.Verbose {
			logger.Info("Error reporting enabled",
				"domain", cfg.APIDomain,
				"env", cfg.Environment,
				"auth_utils", cfg.AuthUtils,
				"auth_utils_fields", strings.Join(cfg.AuthUtilsFields, ","))
		}
	})
}

// Report sends err synchronously.  See Reporter.Report.
func (p *Plugin) Report(ctx context.Context, hook Hook, err any, req *http.Request) *Response {
	return p.Reporter.Report(ctx, hook, err, req)
}

// Install mounts the browser endpoints under prefix (e.g. "/care")
// and calls Ready.
func (p *Plugin) Install(mux *http.ServeMux, prefix string) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	mux.Handle(prefix+"/report", p.ClientHandler())
	mux.Handle(prefix+"/care.js", p.ScriptHandler())
	p.Ready()
}

// Scope returns r with a fresh Meta and r itself on its context, and
// the signed-in user copied into that Meta.
func (p *Plugin) Scope(r *http.Request) *http.Request {
	ctx := withRequest(WithMeta(r.Context()), r)
	r = r.WithContext(ctx)
	p.identify(r)
	return r
}

// identify plucks the configured user fields from the AuthSource.
func (p *Plugin) identify(r *http.Request) {
	cfg := p.Config()
	if !cfg.AuthUtils || p.Auth == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	user, ok := p.Auth.User(r)
	if !ok || user == nil {
		return
	}
	fields := make(map[string]string, len(cfg.AuthUtilsFields))
	for _, name := range cfg.AuthUtilsFields {
		if v, ok := user[name]; ok && v != nil {
			fields[name] = fmt.Sprint(v)
		}
	}
	SetUser(r.Context(), fields)
}

// Middleware gives every request its own Meta and reports panics as
// HookServer.  A panicking request gets a 500 unless the handler had
// already started writing.
func (p *Plugin) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = p.Scope(r)
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			p.Reporter.ReportAsync(r.Context(), Event{
				Hook:    HookServer,
				Err:     NewPanicError(rec, debug.Stack()),
				Request: r,
			})
			if sw.status == 0 {
				http.Error(sw, "Internal Server Error", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(sw, r)
	})
}

// HandleFunc adapts an error-returning handler.  A returned error is
// reported as HookApp and answered with a 500 if nothing was written.
func (p *Plugin) HandleFunc(fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		err := fn(sw, r)
		if err == nil {
			return
		}
		p.Reporter.ReportAsync(r.Context(), Event{Hook: HookApp, Err: err, Request: r})
		if sw.status == 0 {
			http.Error(sw, "Internal Server Error", http.StatusInternalServerError)
		}
	})
	wrapped := p.Middleware(h)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if MetaFrom(r.Context()) == nil {
			wrapped.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// PanicError carries a recovered panic value and the stack at the
// point of recovery.
type PanicError struct {
	Value any
	stack []byte
}

// NewPanicError wraps a value returned by recover.
func NewPanicError(v any, stack []byte) *PanicError {
	return &PanicError{Value: v, stack: stack}
}

func (e *PanicError) Error() string {
	return fmt.Sprint(e.Value)
}

func (e *PanicError) Name() string {
	if err, ok := e.Value.(error); ok {
		return errorName(err)
	}
	return "panic"
}

func (e *PanicError) Stack() string {
	return string(e.stack)
}

// Unwrap returns the panic value if it is an error, so errors.Is and
// errors.As see through the panic.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Cause is the cause of the panic value itself, one level below
// Unwrap.
func (e *PanicError) Cause() error {
	if err, ok := e.Value.(error); ok {
		return errors.Unwrap(err)
	}
	return nil
}

// statusWriter remembers whether a status has been written.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) WriteHeader(statusCode int) {
	if w.status == 0 {
		w.status = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}
