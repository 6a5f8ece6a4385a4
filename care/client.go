package care

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed client.js
var clientScript []byte

// ClientReport is what the browser script POSTs for one error.
type ClientReport struct {
	Hook    Hook           `json:"hook"`
	Name    string         `json:"name,omitempty"`
	Message string         `json:"message,omitempty"`
	Stack   string         `json:"stack,omitempty"`
	Cause   any            `json:"cause,omitempty"`
	Agent   string         `json:"agent,omitempty"` // navigator.userAgent
	URL     string         `json:"url,omitempty"`   // location.href
	Tags    map[string]any `json:"tags,omitempty"`
	User    map[string]any `json:"user,omitempty"`
}

// errorValue returns the error-shaped part of the report in the form
// NormalizeError understands.
func (c ClientReport) errorValue() map[string]any {
	m := map[string]any{}
	if c.Name != "" {
		m["name"] = c.Name
	}
	if c.Message != "" {
		m["message"] = c.Message
	}
	if c.Stack != "" {
		m["stack"] = c.Stack
	}
	if c.Cause != nil {
		m["cause"] = c.Cause
	}
	return m
}

var errUnknownHook = errors.New("unknown hook")

// ParseClientReport decodes a browser report and checks its hook.
func ParseClientReport(msg []byte) (ClientReport, error) {
	c := ClientReport{}
	if err := json.Unmarshal(msg, &c); err != nil {
		return c, err
	}
	if !c.Hook.Valid() {
		return c, fmt.Errorf("%w %q", errUnknownHook, c.Hook)
	}
	return c, nil
}

// ClientHandler is a http.Handler accepting browser error reports
// and forwarding them through the plugin's Reporter.
type ClientHandler struct {
	plugin *Plugin
}

// ClientHandler returns the browser ingest endpoint.
func (p *Plugin) ClientHandler() *ClientHandler {
	return &ClientHandler{plugin: p}
}

// MaximumBytes returns the maximum number of bytes allowed in a
// POST request.  Any requests larger than this will fail and return a
// 413.
func (ch *ClientHandler) MaximumBytes() int64 {
	if ch.plugin.MaxBytes > 0 {
		return ch.plugin.MaxBytes
	} else {
		return 1 << 20 // 1 MB
	}
}

// clientIP picks the address from X-Forwarded-For when proxies are
// expected, and the directly connected address otherwise.
func (ch *ClientHandler) clientIP(req *http.Request) string {
	if n := ch.plugin.NumberOfProxies; n > 0 {
		ips := req.Header.Get("X-Forwarded-For")
		addresses := strings.Split(ips, ",")
		if ips != "" && len(addresses) >= n {
			return strings.TrimSpace(addresses[len(addresses)-n])
		}
	}
	h, _, err := net.SplitHostPort(req.RemoteAddr)
	if err == nil {
		return h
	}
	return ""
}

// ServeHTTP handles browser report requests.
func (ch *ClientHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	span := trace.SpanFromContext(ctx)
	span.AddEvent("Received report")

	// fail handles failures, making sure that the span is
	// updated, an HTTP error is returned, and status code metrics
	// are updated.
	fail := func(status int, err error, msg string) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		http.Error(resp, msg, status)
		clientReports.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	}

	if req.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, nil, "POST required")
		return
	}

	cap := ch.MaximumBytes()
	body, err := io.ReadAll(io.LimitReader(req.Body, cap+1))
	if err != nil {
		slog.Error("Unable to read from req.Body", "error", err)
		fail(http.StatusBadRequest, err, "Read error")
		return
	}
	clientReportBytes.Observe(float64(len(body)))

	if int64(len(body)) > cap {
		slog.Error("Report truncated", "size", len(body))
		fail(http.StatusRequestEntityTooLarge, nil, "Too big")
		return
	}

	report, err := ParseClientReport(body)
	if err != nil {
		slog.Error("Unable to parse report", "error", err)
		fail(http.StatusBadRequest, err, "Parse error")
		return
	}

	req = ch.plugin.Scope(req)
	ctx = req.Context()
	meta := MetaFrom(ctx)
	if report.User != nil {
		fields := make(map[string]string, len(report.User))
		for k, v := range report.User {
			if v != nil {
				fields[k] = fmt.Sprint(v)
			}
		}
		meta.SetUser(fields)
	}
	for k, v := range report.Tags {
		meta.Tag(k, v)
	}
	if report.URL != "" {
		meta.Tag("url", report.URL)
	}
	if ip := ch.clientIP(req); ip != "" {
		meta.Tag("client_ip", ip)
	}

	// The inbound request stays on ctx only, so the agent the
	// browser reported wins over the POST's own User-Agent.
	ch.plugin.Reporter.ReportAsync(ctx, Event{
		Hook:   report.Hook,
		Err:    report.errorValue(),
		Client: true,
		Agent:  report.Agent,
	})

	resp.WriteHeader(http.StatusAccepted)
	io.WriteString(resp, "OK\n")
	span.SetStatus(codes.Ok, "")
	clientReports.WithLabelValues("202").Inc()
}

// ScriptHandler serves the browser script that reports window errors
// and unhandled rejections to the ClientHandler next to it.
func (p *Plugin) ScriptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(clientScript)
	})
}
