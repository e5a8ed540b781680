package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/moonbitlang/submission-orchestrator/internal/pipeline"
)

// sseSink implements pipeline.EventSink by framing each call as one SSE event: "event: <name>"
// followed by "data: <json>", a blank line, then an immediate flush so the client sees progress
// as it happens rather than buffered at the end of the response.
type sseSink struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, func()) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	s := &sseSink{w: w, f: flusher}
	return s, s.flush
}

func (s *sseSink) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}

func (s *sseSink) emit(event string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload)
	s.flush()
}

// KeepAlive writes an SSE comment line, routed here from the multiplexer's idle ticker via
// pipeline.EventSink so the connection stays open while the child process is silent.
func (s *sseSink) KeepAlive() {
	fmt.Fprint(s.w, ": keep-alive\n\n")
	s.flush()
}

func (s *sseSink) RequestID(submissionID string) {
	if submissionID == "" {
		return
	}
	s.emit("request_id", map[string]any{"request_id": submissionID})
}

func (s *sseSink) Phase(phase, projectID, status string) {
	s.emit("phase", map[string]any{"phase": phase, "project_name": projectID, "status": status})
}

func (s *sseSink) Error(phase, message string) {
	s.emit("error", map[string]any{"phase": phase, "message": message})
}

// errorWithFields is used for admission-conflict errors, which carry the busy holder's
// identity alongside the phase/message pair every other error event uses.
func (s *sseSink) errorWithFields(phase, message, activeRequestID, activeProjectName string) {
	s.emit("error", map[string]any{
		"phase":               phase,
		"message":             message,
		"active_request_id":   activeRequestID,
		"active_project_name": activeProjectName,
	})
}

func (s *sseSink) TestResult(testID, status string, ordinal int, total *int, message string) {
	data := map[string]any{"test_name": testID, "status": status}
	if ordinal > 0 {
		data["ordinal"] = ordinal
	}
	if total != nil {
		data["total"] = *total
	}
	if message != "" {
		data["message"] = message
	}
	s.emit("test_result", data)
}

func (s *sseSink) Summary(total, passed, failed int) {
	s.emit("summary", map[string]any{"total": total, "passed": passed, "failed": failed})
}

func (s *sseSink) Done(success bool) {
	s.emit("done", map[string]any{"success": success})
}

var _ pipeline.EventSink = (*sseSink)(nil)
