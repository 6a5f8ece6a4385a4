package echocare

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/scottlaird/care-reporter/care"
)

type sent struct {
	mu       sync.Mutex
	payloads []care.Payload
}

func (s *sent) all() []care.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]care.Payload(nil), s.payloads...)
}

func newTestEcho(t *testing.T) (*echo.Echo, *care.Plugin, *sent) {
	t.Helper()
	s := &sent{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Payload string `json:"payload"`
		}
		b, _ := io.ReadAll(r.Body)
		var p care.Payload
		if err := json.Unmarshal(b, &body); err == nil {
			json.Unmarshal([]byte(body.Payload), &p)
		}
		s.mu.Lock()
		s.payloads = append(s.payloads, p)
		s.mu.Unlock()
		io.WriteString(w, `{}`)
	}))
	t.Cleanup(srv.Close)

	p, err := care.NewPlugin(care.Config{APIKey: "abc", APIDomain: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewPlugin: %v", err)
	}
	e := echo.New()
	Install(e, p, "/care")

	e.GET("/panic", func(c echo.Context) error {
		care.Tag(c.Request().Context(), "route", c.Path())
		panic("kaboom")
	})
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "no such thing")
	})
	e.GET("/broken", func(c echo.Context) error {
		return errors.New("db down")
	})
	e.GET("/ok", func(c echo.Context) error {
		return c.String(http.StatusOK, "fine")
	})
	return e, p, s
}

func TestEcho(t *testing.T) {
	tests := []struct {
		path       string
		wantStatus int
		wantHooks  []care.Hook
	}{
		{"/panic", http.StatusInternalServerError, []care.Hook{care.HookServer}},
		{"/missing", http.StatusNotFound, nil},
		{"/broken", http.StatusInternalServerError, []care.Hook{care.HookApp}},
		{"/ok", http.StatusOK, nil},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e, p, s := newTestEcho(t)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
			p.Reporter.Wait()

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			got := s.all()
			if len(got) != len(tt.wantHooks) {
				t.Fatalf("got %d reports, want %d", len(got), len(tt.wantHooks))
			}
			for i, hook := range tt.wantHooks {
				if got[i].Hook != hook {
					t.Errorf("report %d hook = %q, want %q", i, got[i].Hook, hook)
				}
			}
		})
	}
}

func TestEcho_PanicStack(t *testing.T) {
	e, p, s := newTestEcho(t)
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/panic", nil))
	p.Reporter.Wait()

	got := s.all()
	if len(got) != 1 {
		t.Fatalf("got %d reports, want 1", len(got))
	}
	if got[0].Name != "panic" || got[0].Message != "kaboom" || !strings.Contains(got[0].Stack, "goroutine") {
		t.Errorf("payload = %+v", got[0])
	}
}

func TestEcho_ClientEndpoints(t *testing.T) {
	e, p, s := newTestEcho(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/care/care.js", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /care/care.js = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	body := strings.NewReader(`{"hook":"vue:error","name":"TypeError","message":"x"}`)
	e.ServeHTTP(rec, httptest.NewRequest("POST", "/care/report", body))
	p.Reporter.Wait()
	if rec.Code != http.StatusAccepted {
		t.Errorf("POST /care/report = %d, want 202", rec.Code)
	}
	got := s.all()
	if len(got) != 1 || got[0].Hook != care.HookClientRender || !got[0].Client {
		t.Errorf("reports = %+v", got)
	}
}

func TestShouldReport(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("x"), true},
		{echo.NewHTTPError(http.StatusBadRequest), false},
		{echo.NewHTTPError(http.StatusBadGateway), true},
		{care.NewPanicError("x", nil), false},
	}
	for _, tt := range tests {
		if got := shouldReport(tt.err); got != tt.want {
			t.Errorf("shouldReport(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
