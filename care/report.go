package care

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Event is a single error to report.
type Event struct {
	Hook Hook
	Err  any // error, decoded JSON object, string, or anything else

	// Client marks errors that happened in the browser.
	Client bool
	// Agent is the user agent the browser reported for itself.
	Agent string
	// Request is the HTTP request being served when the error happened.
	Request *http.Request
	// Config overrides the reporter's Config for this event only.
	Config Config
}

// Response is the reply from the issue endpoint.  Body holds the
// decoded JSON, which may be any JSON value, not just an object.
type Response struct {
	StatusCode int
	Body       any
}

// OK reports whether the endpoint accepted the report.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Meta returns the `meta` field of an object body, if any.
func (r *Response) Meta() any {
	if m, ok := r.Body.(map[string]any); ok {
		return m["meta"]
	}
	return nil
}

// issueRequest is the body POSTed to /api/issue.  Payload and Meta
// are JSON documents carried as strings.
type issueRequest struct {
	Key     string `json:"key"`
	Payload string `json:"payload"`
	Meta    string `json:"meta"`
}

// Reporter sends error reports to fume.care.  Nothing it does ever
// returns an error or panics into the caller; failures are logged
// (when Config.Verbose is set) and otherwise dropped.
type Reporter struct {
	Config  Config
	Client  *http.Client // nil means an otelhttp-instrumented default client
	Logger  *slog.Logger // nil means slog.Default()
	Archive Archive      // optional

	wg sync.WaitGroup
}

// NewReporter returns a Reporter using cfg on top of DefaultConfig.
func NewReporter(cfg Config) *Reporter {
	return &Reporter{Config: Resolve(DefaultConfig(), cfg)}
}

// defaultClient sends without a timeout beyond the transport's own.
// The empty propagator keeps trace headers off the outbound request;
// the fume.care API only expects Content-Type.
var defaultClient = &http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithPropagators(propagation.NewCompositeTextMapPropagator())),
}

func (r *Reporter) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return defaultClient
}

func (r *Reporter) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "fume.care")
}

// Report sends err, caught by hook while serving req (which may be
// nil).  See Send.
func (r *Reporter) Report(ctx context.Context, hook Hook, err any, req *http.Request) *Response {
	return r.Send(ctx, Event{Hook: hook, Err: err, Request: req})
}

// ReportAsync runs Send on its own goroutine.  Use Wait to block
// until outstanding sends finish.
func (r *Reporter) ReportAsync(ctx context.Context, ev Event) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Send(ctx, ev)
	}()
}

// Wait blocks until every ReportAsync call has finished.
func (r *Reporter) Wait() {
	r.wg.Wait()
}

// Send builds a report for ev and POSTs it to {APIDomain}/api/issue.
// It returns the decoded response whatever its status, or nil if the
// config has no API key, the reply was not JSON, or anything else
// went wrong.  The request is not cancelled when ctx is.
func (r *Reporter) Send(ctx context.Context, ev Event) (resp *Response) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	cfg := Resolve(DefaultConfig(), Resolve(r.Config, ev.Config))
	if !cfg.Valid() {
		reportsSkipped.Inc()
		return nil
	}

	start := time.Now()
	logger := r.logger()
	span := trace.SpanFromContext(ctx)
	span.AddEvent("Dispatching report")
	reportsTotal.WithLabelValues(string(ev.Hook)).Inc()

	record := ArchiveRecord{
		ID:        uuid.New(),
		Timestamp: start,
		Hook:      ev.Hook,
		Client:    ev.Client,
	}

	// fail handles failures, making sure the span, metrics, log
	// and archive all see them.
	fail := func(reason string, err error) {
		reportFailures.WithLabelValues(reason).Inc()
		reportLatency.Observe(time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "fume.care report failed")
		if cfg.Verbose {
			logger.Error("Failed to send error", "hook", ev.Hook, "reason", reason, "error", err)
		}
		record.Status = StatusFailed
		r.archive(ctx, cfg, record)
		resp = nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			fail("panic", fmt.Errorf("panic while reporting: %v", rec))
		}
	}()

	meta := MetaFrom(ctx)
	if meta == nil {
		meta = NewMeta()
	}
	if meta.Agent() == "" {
		meta.SetAgent(ResolveAgent(ctx, &ev))
	}

	fields := NormalizeError(ev.Err)
	record.Name = fields.Name
	record.Message = fields.Message
	payload := newPayload(ev.Hook, fields, ev.Client, cfg.Environment)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		fail("marshal", err)
		return
	}
	metaJSON, err := json.Marshal(meta.Snapshot())
	if err != nil {
		fail("marshal", err)
		return
	}
	record.Payload = string(payloadJSON)
	record.Meta = string(metaJSON)

	url := cfg.Endpoint()
	if cfg.Verbose {
		logger.Info("Stored meta being sent", "meta", record.Meta)
		logger.Info("Error going to fume.care", "hook", ev.Hook, "url", url, "payload", record.Payload)
	}

	body, err := json.Marshal(issueRequest{
		Key:     cfg.APIKey,
		Payload: record.Payload,
		Meta:    record.Meta,
	})
	if err != nil {
		fail("marshal", err)
		return
	}

	out, reason, err := r.post(ctx, url, body)
	if err != nil {
		fail(reason, err)
		return
	}

	reportLatency.Observe(time.Since(start).Seconds())
	if !out.OK() {
		// The endpoint's reply still goes back to the caller.
		reportFailures.WithLabelValues("status").Inc()
		span.SetStatus(codes.Error, fmt.Sprintf("fume.care returned status %d", out.StatusCode))
		if cfg.Verbose {
			logger.Error("Failed to send error", "hook", ev.Hook, "status", out.StatusCode, "meta", out.Meta())
		}
		record.Status = StatusFailed
		r.archive(ctx, cfg, record)
		return out
	}

	span.AddEvent("Report sent")
	if cfg.Verbose {
		logger.Info("Error sent successfully", "meta", out.Meta())
	}
	record.Status = StatusSent
	r.archive(ctx, cfg, record)
	return out
}

// post sends body and decodes the JSON reply, whatever the status.
// On failure it also returns a short reason for the failure metric.
func (r *Reporter) post(ctx context.Context, url string, body []byte) (*Response, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, "request", fmt.Errorf("unable to build request for %q: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client().Do(req)
	if err != nil {
		return nil, "transport", err
	}
	defer res.Body.Close()

	out := &Response{StatusCode: res.StatusCode}
	if err := json.NewDecoder(res.Body).Decode(&out.Body); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty response body")
		}
		return nil, "decode", fmt.Errorf("unable to decode status %d response from %s: %w", res.StatusCode, url, err)
	}
	return out, "", nil
}

func (r *Reporter) archive(ctx context.Context, cfg Config, record ArchiveRecord) {
	if r.Archive == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil && cfg.Verbose {
			r.logger().Error("Archive panicked", "id", record.ID, "panic", rec)
		}
	}()
	if err := r.Archive.Write(ctx, record); err != nil && cfg.Verbose {
		r.logger().Error("Unable to archive report", "id", record.ID, "error", err)
	}
}
