package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbitlang/submission-orchestrator/internal/admission"
	"github.com/moonbitlang/submission-orchestrator/internal/config"
	"github.com/moonbitlang/submission-orchestrator/internal/pipeline"
	"github.com/moonbitlang/submission-orchestrator/pkg/metrics"
)

type nopMaterialiser struct{}

func (nopMaterialiser) Sync(src, dst string) error { return nil }

func newTestServer(t *testing.T) (*Server, *admission.Registry) {
	reg := admission.NewRegistry()
	driver := pipeline.NewDriver(reg, nopMaterialiser{}, t.TempDir(), config.Defaults(), metrics.New())
	return New(reg, driver, metrics.New(), ":0"), reg
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleInfoListsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Submission Orchestrator", body["service"])
}

func TestHandleInfoUnknownPathIs404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleTestReturnsConflictWhenProjectBusy(t *testing.T) {
	s, reg := newTestServer(t)
	_, conflict := reg.TryAdmit("toml", "sub-already-running")
	require.Equal(t, admission.ConflictNone, conflict.Reason)

	body := bytes.NewBufferString(`{"project_name":"toml","request_id":"sub-new"}`)
	req := httptest.NewRequest(http.MethodPost, "/test", body)
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sub-already-running", resp["active_request_id"])
	assert.Equal(t, "toml", resp["active_project_name"])
}

func TestHandleTestReturnsConflictForDuplicateRequestID(t *testing.T) {
	s, reg := newTestServer(t)
	_, conflict := reg.TryAdmit("proj-a", "dup-id")
	require.Equal(t, admission.ConflictNone, conflict.Reason)

	body := bytes.NewBufferString(`{"project_name":"proj-b","request_id":"dup-id"}`)
	req := httptest.NewRequest(http.MethodPost, "/test", body)
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "dup-id")
}

func TestHandleTestConflictViaSSESendsErrorThenDone(t *testing.T) {
	s, reg := newTestServer(t)
	reg.TryAdmit("toml", "holder")

	body := bytes.NewBufferString(`{"project_name":"toml","request_id":"sub-new"}`)
	req := httptest.NewRequest(http.MethodPost, "/test", body)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)

	out := w.Body.String()
	assert.Contains(t, out, "event: error")
	assert.Contains(t, out, "event: done")
	assert.Contains(t, out, `"success":false`)
}

func TestHandleTestInvalidJSONReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCancelRequiresRequestID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/cancel", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCancelUnknownSubmissionReportsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/cancel", bytes.NewBufferString(`{"request_id":"nope"}`))
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(admission.CancelNotFound), resp["status"])
}

func TestHandleCancelMarksAdmittedSubmission(t *testing.T) {
	s, reg := newTestServer(t)
	reg.TryAdmit("proj", "sub-1")

	req := httptest.NewRequest(http.MethodPost, "/cancel", bytes.NewBufferString(`{"request_id":"sub-1"}`))
	w := httptest.NewRecorder()

	s.mux().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(admission.CancelNoProcess), resp["status"])

	active, ok := reg.Lookup("proj")
	require.True(t, ok)
	assert.True(t, active.Cancelled())
}

func TestHandleTestAutoGeneratesRequestIDWhenMissing(t *testing.T) {
	s, _ := newTestServer(t)
	body := bytes.NewBufferString(`{"project_name":"missing-project"}`)
	req := httptest.NewRequest(http.MethodPost, "/test", body)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.mux().ServeHTTP(w, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}

	// Missing project materialises nothing and short-circuits with a 500 build error.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["request_id"])
}
