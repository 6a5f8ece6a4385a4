package care

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"sync"
)

// User is the identity attached to reports.  All fields are optional.
type User struct {
	ID     string `json:"id,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Snapshot is a point-in-time copy of a Meta, serialized as the
// `meta` field of a report.
type Snapshot struct {
	User  *User          `json:"user,omitempty"`
	Agent string         `json:"agent,omitempty"`
	Tags  map[string]any `json:"tags"`
}

// Meta holds the per-request (or per-session) metadata sent along
// with every report.  The zero value is ready to use.
type Meta struct {
	mu    sync.Mutex
	user  *User
	agent string
	tags  map[string]any
}

// NewMeta returns an empty Meta.
func NewMeta() *Meta {
	return &Meta{}
}

// SetUser replaces the stored user.  Only the id, email, name and
// avatar keys are kept; nothing from a previous SetUser survives.
func (m *Meta) SetUser(fields map[string]string) {
	u := &User{
		ID:     fields["id"],
		Email:  fields["email"],
		Name:   fields["name"],
		Avatar: fields["avatar"],
	}
	m.mu.Lock()
	m.user = u
	m.mu.Unlock()
}

// Tag sets a single tag, overwriting any earlier value for key.
func (m *Meta) Tag(key string, value any) {
	v := tagValue(value)
	m.mu.Lock()
	if m.tags == nil {
		m.tags = make(map[string]any)
	}
	m.tags[key] = v
	m.mu.Unlock()
}

// SetAgent replaces the stored user agent.
func (m *Meta) SetAgent(agent string) {
	m.mu.Lock()
	m.agent = agent
	m.mu.Unlock()
}

// Agent returns the stored user agent, if any.
func (m *Meta) Agent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agent
}

// Snapshot returns a copy of the current state.
func (m *Meta) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Agent: m.agent,
		Tags:  make(map[string]any, len(m.tags)),
	}
	if m.user != nil {
		u := *m.user
		s.User = &u
	}
	for k, v := range m.tags {
		s.Tags[k] = v
	}
	return s
}

// tagValue coerces v into one of string, bool, int64, uint64 or
// float64.  Anything else is stored as its fmt.Sprint form.  NaN and
// ±Inf become nil, which encodes as null, since JSON has no way to
// spell them.
func tagValue(v any) any {
	switch t := v.(type) {
	case string, bool, int64, uint64:
		return t
	case float64:
		return finite(t)
	case nil:
		return ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return finite(rv.Float())
	}
	return fmt.Sprint(v)
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

type ctxKey int

const (
	metaKey ctxKey = iota
	requestKey
)

// WithMeta returns a copy of ctx carrying a fresh Meta.
func WithMeta(ctx context.Context) context.Context {
	return context.WithValue(ctx, metaKey, NewMeta())
}

// MetaFrom returns the Meta attached to ctx, or nil.
func MetaFrom(ctx context.Context) *Meta {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(metaKey).(*Meta)
	return m
}

// withRequest records the inbound request on ctx so the agent
// lookup can fall back to its headers.
func withRequest(ctx context.Context, req *http.Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

func requestFrom(ctx context.Context) *http.Request {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(requestKey).(*http.Request)
	return r
}

// SetUser calls SetUser on the Meta in ctx, if there is one.
func SetUser(ctx context.Context, fields map[string]string) {
	if m := MetaFrom(ctx); m != nil {
		m.SetUser(fields)
	}
}

// Tag calls Tag on the Meta in ctx, if there is one.
func Tag(ctx context.Context, key string, value any) {
	if m := MetaFrom(ctx); m != nil {
		m.Tag(key, value)
	}
}

// SetAgent calls SetAgent on the Meta in ctx, if there is one.
func SetAgent(ctx context.Context, agent string) {
	if m := MetaFrom(ctx); m != nil {
		m.SetAgent(agent)
	}
}

// MetaSnapshot returns the snapshot of the Meta in ctx, or an empty
// snapshot when ctx has none.
func MetaSnapshot(ctx context.Context) Snapshot {
	if m := MetaFrom(ctx); m != nil {
		return m.Snapshot()
	}
	return Snapshot{Tags: map[string]any{}}
}
