package care

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMeta_TagLastWriteWins(t *testing.T) {
	m := NewMeta()
	m.Tag("page", "home")
	m.Tag("count", 1)
	m.Tag("page", "settings")
	m.Tag("beta", true)
	m.Tag("count", 2)

	want := Snapshot{Tags: map[string]any{
		"page":  "settings",
		"count": int64(2),
		"beta":  true,
	}}
	if diff := cmp.Diff(want, m.Snapshot()); diff != "" {
		t.Errorf("Snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestMeta_SetUserReplaces(t *testing.T) {
	m := NewMeta()
	m.SetUser(map[string]string{"id": "1", "email": "a@example.com", "name": "A"})
	m.SetUser(map[string]string{"id": "2", "avatar": "https://example.com/b.png", "role": "admin"})

	want := &User{ID: "2", Avatar: "https://example.com/b.png"}
	if diff := cmp.Diff(want, m.Snapshot().User); diff != "" {
		t.Errorf("User mismatch (-want +got):\n%s", diff)
	}
}

func TestMeta_SnapshotIsACopy(t *testing.T) {
	m := NewMeta()
	m.SetUser(map[string]string{"id": "1"})
	m.Tag("a", "b")

	s := m.Snapshot()
	s.Tags["a"] = "changed"
	s.User.ID = "changed"

	got := m.Snapshot()
	if got.Tags["a"] != "b" || got.User.ID != "1" {
		t.Errorf("Snapshot shares state with Meta: %+v", got)
	}
}

func TestMeta_ZeroValue(t *testing.T) {
	var m Meta
	m.Tag("k", "v")
	m.SetAgent("agent")
	if got := m.Snapshot(); got.Agent != "agent" || got.Tags["k"] != "v" {
		t.Errorf("zero Meta snapshot = %+v", got)
	}
}

func TestSnapshot_JSON(t *testing.T) {
	b, err := json.Marshal(NewMeta().Snapshot())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(b), `{"tags":{}}`; got != want {
		t.Errorf("empty snapshot JSON = %s, want %s", got, want)
	}

	m := NewMeta()
	m.SetUser(map[string]string{"id": "7"})
	m.SetAgent("Mozilla/5.0")
	m.Tag("n", 1.5)
	b, err = json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(b), `{"user":{"id":"7"},"agent":"Mozilla/5.0","tags":{"n":1.5}}`; got != want {
		t.Errorf("snapshot JSON = %s, want %s", got, want)
	}
}

type label string

func TestTagValue(t *testing.T) {
	tests := []struct {
		in   any
		want any
	}{
		{"s", "s"},
		{true, true},
		{42, int64(42)},
		{int8(-3), int64(-3)},
		{uint16(9), uint64(9)},
		{float32(0.5), float64(0.5)},
		{label("x"), "x"},
		{nil, ""},
		{[]int{1, 2}, "[1 2]"},
		{math.NaN(), nil},
		{math.Inf(1), nil},
		{float32(math.Inf(-1)), nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tagValue(tt.in)); diff != "" {
			t.Errorf("tagValue(%#v) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	// Without a Meta these are no-ops.
	ctx := context.Background()
	SetUser(ctx, map[string]string{"id": "1"})
	Tag(ctx, "k", "v")
	SetAgent(ctx, "a")
	if diff := cmp.Diff(Snapshot{Tags: map[string]any{}}, MetaSnapshot(ctx)); diff != "" {
		t.Errorf("MetaSnapshot mismatch (-want +got):\n%s", diff)
	}

	ctx = WithMeta(ctx)
	SetUser(ctx, map[string]string{"id": "1"})
	Tag(ctx, "k", "v")
	SetAgent(ctx, "a")
	want := Snapshot{User: &User{ID: "1"}, Agent: "a", Tags: map[string]any{"k": "v"}}
	if diff := cmp.Diff(want, MetaSnapshot(ctx)); diff != "" {
		t.Errorf("MetaSnapshot mismatch (-want +got):\n%s", diff)
	}

	// Each WithMeta starts from scratch.
	if got := MetaSnapshot(WithMeta(ctx)); got.User != nil || len(got.Tags) != 0 {
		t.Errorf("fresh Meta is not empty: %+v", got)
	}
}
