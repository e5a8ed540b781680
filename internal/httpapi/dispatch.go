package httpapi

import (
	"net/http"
	"time"

	"github.com/moonbitlang/submission-orchestrator/internal/admission"
	"github.com/moonbitlang/submission-orchestrator/internal/pipeline"
	"github.com/moonbitlang/submission-orchestrator/pkg/logging"
)

// serveStreaming runs sub's pipeline with an SSE sink wired directly to the response, framing
// every progress event as it occurs. Run is given the request context, so a client that
// disconnects mid-stream cancels it: the supervisor or multiplexer running the current phase
// terminates the child and the phase is reported as cancelled.
func (s *Server) serveStreaming(w http.ResponseWriter, r *http.Request, sub pipeline.Submission, req *admission.Request) {
	logging.Info("httpapi", "client requested SSE streaming for %s", logging.TruncateSubmissionID(sub.SubmissionID))
	sink, _ := newSSESink(w)
	s.Driver.Run(r.Context(), sub, req, sink)
}

// serveBuffered runs sub's pipeline against a no-op sink and returns the final Verdict as one
// JSON document, mirroring the reference server's legacy (non-streaming) response shape.
func (s *Server) serveBuffered(w http.ResponseWriter, r *http.Request, sub pipeline.Submission, req *admission.Request) {
	verdict := s.Driver.Run(r.Context(), sub, req, pipeline.NoopSink{})

	status := http.StatusOK
	if verdict.Build.Status == pipeline.StatusError {
		status = http.StatusInternalServerError
	}

	var testResult map[string]any
	if verdict.Test != nil {
		testResult = phaseVerdictJSON(*verdict.Test)
	}

	writeJSON(w, status, map[string]any{
		"request_id":   verdict.SubmissionID,
		"project_name": verdict.ProjectID,
		"build_result": phaseVerdictJSON(verdict.Build),
		"test_result":  testResult,
		"timestamp":    verdict.CompletedAt.Format(time.RFC3339),
	})
}

func phaseVerdictJSON(v pipeline.PhaseVerdict) map[string]any {
	out := map[string]any{
		"status":    string(v.Status),
		"exit_code": v.ExitCode,
	}
	if v.Message != "" {
		out["message"] = v.Message
	}
	if len(v.Output) > 0 {
		out["output"] = v.Output
	}
	if v.Partial {
		out["partial"] = true
	}
	return out
}
