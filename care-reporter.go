package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/scottlaird/care-reporter/care"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	oltpgrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const serviceName = "care-reporter"

var (
	listenAddr      = flag.String("listen", ":8080", "Port (and optionally host) to listen for HTTP requests on.")
	readTimeout     = flag.Int("read_timeout", 10, "Seconds to wait for HTTP reads to finish.")
	writeTimeout    = flag.Int("write_timeout", 10, "Seconds to wait for HTTP writes to finish.")
	shutdownTimeout = flag.Duration("shutdown_timeout", 10*time.Second, "How long to wait for in-flight requests and reports on shutdown.")
	maxMsgSize      = flag.Int("max_message_size", 1<<20, "Maximum number of bytes allowed in a browser report.")
	numberOfProxies = flag.Int("number_of_proxies", 0, "Number of HTTP proxies to expect; this controls how client IPs are extracted from X-Forwarded-For headers.")
	configPath      = flag.String("config", "", "Optional YAML config file; CARE_* environment variables override it.")
	prefix          = flag.String("prefix", "/care", "Path prefix for the report endpoint and browser script.")
	allowOrigin     = flag.String("allow_origin", "*", "Access-Control-Allow-Origin for the report endpoint; empty disables CORS headers.")
	metricsAddr     = flag.String("metrics_listen", "", "If set, serve Prometheus metrics on this address.")
	dbTable         = flag.String("db_table", "", "If set, archive every report to this database table (see DB_DRIVER and DSN).")
	trace           = flag.Bool("trace", false, "Enable otel tracing.")
	otelLogs        = flag.Bool("otel_logs", false, "Send logs to an OTLP/HTTP collector instead of stderr.")
)

func newResource() *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName))
}

func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := oltpgrpc.New(context.Background())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}

// initLogger routes slog through the otel log bridge.
func initLogger() (*sdklog.LoggerProvider, error) {
	exporter, err := otlploghttp.New(context.Background())
	if err != nil {
		return nil, err
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(newResource()),
	)
	slog.SetDefault(otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(lp)))
	return lp, nil
}

// corsMiddleware lets pages on other origins POST reports to the relay.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	if origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	flag.Parse()

	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Unable to load .env: %v\n", err)
		os.Exit(1)
	}

	if *otelLogs {
		lp, err := initLogger()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Unable to initialize otel logger: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			lp.Shutdown(context.Background())
		}()
	}

	// Set up otel tracing
	if *trace {
		tp, err := initTracer()
		if err != nil {
			slog.Error("Unable to initialize otel tracer", "error", err)
			os.Exit(1)
		}
		defer func() {
			tp.Shutdown(context.Background())
		}()
	}

	cfg, err := care.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Unable to load config", "error", err)
		os.Exit(1)
	}

	// The relay has no notion of a signed-in user; browser reports
	// carry their own.
	cfg.AuthUtils = false

	plugin, err := care.NewPlugin(cfg, nil)
	if err != nil {
		slog.Error("Unable to create plugin", "error", err)
		os.Exit(1)
	}
	plugin.NumberOfProxies = *numberOfProxies
	plugin.MaxBytes = int64(*maxMsgSize)

	if *dbTable != "" {
		db := care.NewSqlArchive(*dbTable)
		if err := db.Connect(context.Background()); err != nil {
			slog.Error("Unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		plugin.Reporter.Archive = db
	}

	if *metricsAddr != "" {
		go func() {
			slog.Info("Serving metrics", "addr", *metricsAddr)
			if err := care.RunMetricsServer(*metricsAddr); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	plugin.Install(mux, *prefix)

	var handler http.Handler
	handler = corsMiddleware(*allowOrigin, plugin.Middleware(mux))
	if *trace {
		handler = otelhttp.NewHandler(handler, "care")
	}

	s := &http.Server{
		Addr:           *listenAddr,
		Handler:        handler,
		ReadTimeout:    time.Duration(*readTimeout) * time.Second,
		WriteTimeout:   time.Duration(*writeTimeout) * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening", "addr", s.Addr)
		errCh <- s.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
		shCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shCtx); err != nil {
			slog.Error("Graceful shutdown failed", "error", err)
			s.Close()
		}
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
		}
	}

	// Let reports accepted before shutdown finish sending.
	done := make(chan struct{})
	go func() {
		plugin.Reporter.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(*shutdownTimeout):
		slog.Warn("Gave up waiting for reports to send")
	}
}
