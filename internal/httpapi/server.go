// Package httpapi exposes the orchestrator's HTTP surface: submission intake (buffered or
// SSE-streamed), cancellation, health, and metrics. It adapts internet-facing requests onto
// the admission registry and pipeline driver, and never embeds pipeline logic itself.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moonbitlang/submission-orchestrator/internal/admission"
	"github.com/moonbitlang/submission-orchestrator/internal/pipeline"
	"github.com/moonbitlang/submission-orchestrator/pkg/logging"
	"github.com/moonbitlang/submission-orchestrator/pkg/metrics"
)

// Server wires the admission registry and pipeline driver behind net/http, with an optional
// systemd socket-activated listener taking the place of a configured address.
type Server struct {
	Registry *admission.Registry
	Driver   *pipeline.Driver
	Metrics  *metrics.Registry
	Addr     string

	httpServer *http.Server
}

// New builds a Server ready to Start.
func New(registry *admission.Registry, driver *pipeline.Driver, m *metrics.Registry, addr string) *Server {
	return &Server{Registry: registry, Driver: driver, Metrics: m, Addr: addr}
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleInfo)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/test", s.handleTest)
	mux.HandleFunc("/cancel", s.handleCancel)
	if s.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Gatherer, promhttp.HandlerOpts{}))
	}
	return withLoggingAndRecovery(mux)
}

// withLoggingAndRecovery wraps a handler with a thin middleware chain: a panic in any handler
// is converted into a 500 instead of taking down the listener goroutine, and every request is
// logged at debug level with its outcome.
func withLoggingAndRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error("httpapi", fmt.Errorf("%v", rec), "panic handling %s %s", r.Method, r.URL.Path)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
		logging.Debug("httpapi", "%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// Start begins serving. It prefers systemd-provided listeners (socket activation) over binding
// s.Addr directly, matching the teacher's aggregator server's activation handling.
func (s *Server) Start(ctx context.Context) error {
	handler := s.mux()

	listenersWithNames, err := activation.ListenersWithNames()
	if err != nil {
		logging.Warn("httpapi", "systemd activation lookup failed: %v", err)
	}

	var systemdListeners []net.Listener
	for name, listeners := range listenersWithNames {
		for i, l := range listeners {
			logging.Info("httpapi", "systemd listener %d for %s", i, name)
			systemdListeners = append(systemdListeners, l)
		}
	}

	if len(systemdListeners) > 0 {
		logging.Info("httpapi", "using %d systemd-provided listener(s)", len(systemdListeners))
		s.httpServer = &http.Server{Handler: handler}
		for _, l := range systemdListeners {
			go func(l net.Listener) {
				if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
					logging.Error("httpapi", err, "listener error")
				}
			}(l)
		}
		return nil
	}

	s.httpServer = &http.Server{Addr: s.Addr, Handler: handler}
	logging.Info("httpapi", "listening on %s", s.Addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("httpapi", err, "server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Submission Orchestrator",
		"version": "1.0",
		"endpoints": map[string]string{
			"POST /test":   "Submit project for testing",
			"POST /cancel": "Cancel a running test by request_id",
			"GET /health":  "Health check",
			"GET /metrics": "Prometheus metrics",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(body)
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// testRequestBody mirrors the JSON body the reference server accepts for POST /test.
type testRequestBody struct {
	ProjectName    string `json:"project_name"`
	RequestID      string `json:"request_id"`
	BuildTimeout   *int   `json:"build_timeout"`
	TestTimeout    *int   `json:"test_timeout"`
	PerTestTimeout *int   `json:"per_test_timeout"`
	TestName       string `json:"test_name"`
	TestFile       string `json:"test_file"`
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
		return
	}

	var body testRequestBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respondDecodeError(w, r)
			return
		}
	}
	if body.ProjectName == "" {
		body.ProjectName = "toml"
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	logging.Info("httpapi", "received test request: %s (request_id=%s)", body.ProjectName, logging.TruncateSubmissionID(body.RequestID))

	req, conflict := s.Registry.TryAdmit(body.ProjectName, body.RequestID)
	if conflict.Reason != admission.ConflictNone {
		s.respondConflict(w, r, body, conflict)
		return
	}
	defer s.Registry.Release(body.RequestID)

	if s.Metrics != nil {
		s.Metrics.SubmissionsAdmitted.WithLabelValues(body.ProjectName).Inc()
		s.Metrics.ActiveSubmissions.Set(float64(s.Registry.ActiveCount()))
		defer s.Metrics.ActiveSubmissions.Set(float64(s.Registry.ActiveCount() - 1))
	}

	sub := pipeline.Submission{
		SubmissionID:    body.RequestID,
		ProjectID:       body.ProjectName,
		BuildDeadline:   durationOrDefault(body.BuildTimeout, s.Driver.Timeouts.BuildTimeout),
		TestDeadline:    durationOrDefault(body.TestTimeout, s.Driver.Timeouts.GenericTestTimeout),
		PerTestDeadline: optionalDuration(body.PerTestTimeout),
		TestNameFilter:  body.TestName,
		TestFileFilter:  body.TestFile,
		Streaming:       wantsSSE(r),
	}

	if sub.Streaming {
		s.serveStreaming(w, r, sub, req)
		return
	}
	s.serveBuffered(w, r, sub, req)
}

func durationOrDefault(seconds *int, fallback time.Duration) time.Duration {
	if seconds == nil {
		return fallback
	}
	return time.Duration(*seconds) * time.Second
}

func optionalDuration(seconds *int) time.Duration {
	if seconds == nil {
		return 0
	}
	return time.Duration(*seconds) * time.Second
}

func (s *Server) respondDecodeError(w http.ResponseWriter, r *http.Request) {
	if wantsSSE(r) {
		sink, flush := newSSESink(w)
		sink.Error("request", "Invalid JSON")
		sink.Done(false)
		flush()
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": "Invalid JSON"})
}

func (s *Server) respondConflict(w http.ResponseWriter, r *http.Request, body testRequestBody, conflict admission.Conflict) {
	if s.Metrics != nil {
		s.Metrics.AdmissionConflicts.WithLabelValues(string(conflict.Reason)).Inc()
	}

	var msg string
	if conflict.Reason == admission.ConflictRequestIDBusy {
		msg = fmt.Sprintf("request_id '%s' is already running for project '%s'. Use a unique request_id.",
			body.RequestID, conflict.HolderProject)
	} else {
		msg = fmt.Sprintf("A test for project '%s' is already running (request_id: %s). Cancel it first with POST /cancel.",
			body.ProjectName, conflict.HolderSubmission)
	}

	if wantsSSE(r) {
		sink, flush := newSSESink(w)
		sink.errorWithFields("request", msg, conflict.HolderSubmission, conflict.HolderProject)
		sink.Done(false)
		flush()
		return
	}

	writeJSON(w, http.StatusConflict, map[string]any{
		"error":                msg,
		"active_request_id":   conflict.HolderSubmission,
		"active_project_name": conflict.HolderProject,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Not found"})
		return
	}

	var body struct {
		RequestID string `json:"request_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	}
	if body.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "request_id required"})
		return
	}

	status := s.Registry.Cancel(body.RequestID, s.Driver.Timeouts.GracePeriod)
	if s.Metrics != nil {
		s.Metrics.CancellationsHandled.WithLabelValues(string(status)).Inc()
	}
	logging.Info("httpapi", "cancel request for %s: %s", logging.TruncateSubmissionID(body.RequestID), status)
	writeJSON(w, http.StatusOK, map[string]any{"request_id": body.RequestID, "status": status})
}
