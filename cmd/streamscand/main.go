// Command streamscand exposes the streaming pattern-matching engine as an
// HTTP service: one rule file compiled at startup (and reloadable on
// demand), any number of named streams addressed by UUID, and a handful
// of endpoints mirroring the Scanner's library surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	streamscan "github.com/swarmguard/streamscan"
	"github.com/swarmguard/streamscan/internal/corelog"
	"github.com/swarmguard/streamscan/internal/otelinit"
	"github.com/swarmguard/streamscan/internal/resilience"
	"github.com/swarmguard/streamscan/internal/rules"
)

// engine bundles the live Scanner with the mutex that serialises access
// to it. The Scanner's own operations are synchronous and non-reentrant,
// so concurrent HTTP requests queue on mu.
type engine struct {
	mu      sync.Mutex
	scanner *streamscan.Scanner
	source  string // compiled rule source, kept for reload diagnostics
}

func loadScanner(path string) (*streamscan.Scanner, string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	compiled, err := rules.Compile("default", string(src))
	if err != nil {
		return nil, "", err
	}
	sc, err := streamscan.NewScanner(compiled)
	if err != nil {
		return nil, "", err
	}
	return sc, string(src), nil
}

func (e *engine) reload(path string) error {
	sc, src, err := loadScanner(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scanner = sc
	e.source = src
	return nil
}

func main() {
	service := "streamscand"
	corelog.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, resilienceMetrics := otelinit.InitMetrics(ctx, service)
	_ = resilienceMetrics

	ruleFile := os.Getenv("STREAMSCAN_RULE_FILE")
	if ruleFile == "" {
		ruleFile = "./rules/default.yar"
	}

	e := &engine{}
	if err := e.reload(ruleFile); err != nil {
		slog.Error("initial rule load failed", "error", err, "path", ruleFile)
		os.Exit(1)
	}

	if cachePath := os.Getenv("STREAMSCAN_OFFSET_CACHE_PATH"); cachePath != "" {
		if err := e.scanner.EnableOffsetCache(cachePath); err != nil {
			slog.Warn("offset cache disabled", "error", err)
		}
	}
	e.scanner.EnableDeduplication(os.Getenv("STREAMSCAN_DEDUP") == "1")
	if to := os.Getenv("STREAMSCAN_TIMEOUT_MS"); to != "" {
		if ms, err := time.ParseDuration(to + "ms"); err == nil {
			e.scanner.SetTimeout(ms)
		}
	}
	e.scanner.SetRuleMatchCallback(func(namespace string, streamID uuid.UUID, rule string, traceIDs []string) {
		slog.Info("rule matched", "namespace", namespace, "stream", streamID, "rule", rule, "trace_ids", traceIDs)
	})

	meter := otel.Meter(service)
	scanCounter, _ := meter.Int64Counter("streamscan_scan_calls_total")
	scanErrors, _ := meter.Int64Counter("streamscan_scan_errors_total")
	scanDuration, _ := meter.Float64Histogram("streamscan_scan_duration_seconds")
	reloadCounter, _ := meter.Int64Counter("streamscan_rule_reloads_total")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// /v1/streams/{id}/line and /v1/streams/{id}/chunk accept the raw body
	// as the unit to submit; /v1/streams/{id} (GET) returns the current
	// view, (DELETE) closes it, and /v1/streams/{id}/reset (POST) resets.
	mux.HandleFunc("/v1/streams/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/v1/streams/")
		parts := strings.SplitN(rest, "/", 2)
		id, err := uuid.Parse(parts[0])
		if err != nil {
			http.Error(w, "invalid stream id", http.StatusBadRequest)
			return
		}
		action := ""
		if len(parts) == 2 {
			action = parts[1]
		}

		e.mu.Lock()
		defer e.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && action == "line":
			handleScan(w, r, e.scanner.ScanLine, id, scanCounter, scanErrors, scanDuration)
		case r.Method == http.MethodPost && action == "chunk":
			handleScan(w, r, e.scanner.ScanChunk, id, scanCounter, scanErrors, scanDuration)
		case r.Method == http.MethodPost && action == "reset":
			e.scanner.ResetStream(id)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && action == "":
			view, ok := e.scanner.GetMatches(id)
			if !ok {
				http.Error(w, "unknown stream", http.StatusNotFound)
				return
			}
			writeJSON(w, view)
		case r.Method == http.MethodDelete && action == "":
			final, ok := e.scanner.CloseStream(id)
			if !ok {
				http.Error(w, "unknown stream", http.StatusNotFound)
				return
			}
			writeJSON(w, final)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	mux.HandleFunc("/v1/streams", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		e.mu.Lock()
		ids := e.scanner.ActiveStreams()
		e.mu.Unlock()
		writeJSON(w, ids)
	})

	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		usage := e.scanner.ContextsMemoryUsage()
		active := len(e.scanner.ActiveStreams())
		e.mu.Unlock()
		writeJSON(w, map[string]any{"contexts_memory_usage_bytes": usage, "active_streams": active})
	})

	mux.HandleFunc("/v1/rules/reload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, err := resilience.Retry(r.Context(), 3, 100*time.Millisecond, func() (struct{}, error) {
			return struct{}{}, e.reload(ruleFile)
		})
		if err != nil {
			reloadCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("status", "failure")))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		reloadCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("status", "success")))
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("service started", "rule_file", ruleFile)
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func handleScan(
	w http.ResponseWriter, r *http.Request,
	submit func(uuid.UUID, []byte) error,
	id uuid.UUID,
	scanCounter, scanErrors metric.Int64Counter,
	scanDuration metric.Float64Histogram,
) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		scanErrors.Add(r.Context(), 1)
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	start := time.Now()
	err = submit(id, body)
	scanDuration.Record(r.Context(), time.Since(start).Seconds())
	scanCounter.Add(r.Context(), 1)
	if err != nil {
		var se *streamscan.ScanError
		if errors.As(err, &se) && se.Kind == streamscan.ErrTimeout {
			scanErrors.Add(r.Context(), 1, metric.WithAttributes(attribute.String("kind", "timeout")))
			http.Error(w, err.Error(), http.StatusRequestTimeout)
			return
		}
		scanErrors.Add(r.Context(), 1)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
