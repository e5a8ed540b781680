// Package admission enforces the one-active-submission-per-project rule and tracks the
// child handle attached to each admitted request so it can be cancelled by submission id.
package admission

import (
	"sync"
	"time"

	"github.com/moonbitlang/submission-orchestrator/pkg/logging"
)

// ChildHandle is anything admission can terminate on cancellation. *supervisor.Process
// satisfies this structurally; admission never imports the supervisor package, so the
// pipeline driver is the only place that wires the two together.
type ChildHandle interface {
	Terminate(gracePeriod time.Duration) error
	Running() bool
}

// ConflictReason explains why TryAdmit refused a request.
type ConflictReason string

const (
	ConflictNone          ConflictReason = ""
	ConflictProjectBusy   ConflictReason = "project_busy"
	ConflictRequestIDBusy ConflictReason = "request_id_busy"
)

// Conflict describes why a submission was refused admission and, per §4.1, identifies the
// holder of the resource that was busy so the caller can report it back to the client.
type Conflict struct {
	Reason           ConflictReason
	HolderSubmission string
	HolderProject    string
}

// Request is the registry's record of one admitted, in-flight submission.
type Request struct {
	SubmissionID string
	ProjectID    string
	AdmittedAt   time.Time

	mu        sync.Mutex
	child     ChildHandle
	cancelled bool
}

// Cancelled reports whether Cancel has been called for this request.
func (r *Request) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Registry is the admission singleton: at most one active request per project id, addressable
// both by project (for conflict checks) and by submission id (for cancellation).
type Registry struct {
	mu           sync.Mutex
	byProject    map[string]*Request
	bySubmission map[string]*Request
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byProject:    make(map[string]*Request),
		bySubmission: make(map[string]*Request),
	}
}

// TryAdmit admits submissionID for projectID if and only if projectID has no other active
// request and submissionID is not already in use for a different project. On success it
// returns the new Request record; on conflict it returns the reason and the busy resource's
// current holder, mirroring the reference server's try_register_request.
func (reg *Registry) TryAdmit(projectID, submissionID string) (*Request, Conflict) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if holder, busy := reg.byProject[projectID]; busy {
		return nil, Conflict{
			Reason:           ConflictProjectBusy,
			HolderSubmission: holder.SubmissionID,
			HolderProject:    holder.ProjectID,
		}
	}

	if holder, busy := reg.bySubmission[submissionID]; busy {
		return nil, Conflict{
			Reason:           ConflictRequestIDBusy,
			HolderSubmission: holder.SubmissionID,
			HolderProject:    holder.ProjectID,
		}
	}

	req := &Request{
		SubmissionID: submissionID,
		ProjectID:    projectID,
		AdmittedAt:   time.Now(),
	}
	reg.byProject[projectID] = req
	reg.bySubmission[submissionID] = req
	return req, Conflict{}
}

// AttachChild records the running child for submissionID so a concurrent Cancel can reach it.
// It returns false if submissionID is unknown (already released, or never admitted).
func (reg *Registry) AttachChild(submissionID string, child ChildHandle) bool {
	reg.mu.Lock()
	req, ok := reg.bySubmission[submissionID]
	reg.mu.Unlock()
	if !ok {
		return false
	}
	req.mu.Lock()
	req.child = child
	req.mu.Unlock()
	return true
}

// Release removes submissionID's request from both indexes, freeing its project for a new
// admission. It is safe to call more than once.
func (reg *Registry) Release(submissionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	req, ok := reg.bySubmission[submissionID]
	if !ok {
		return
	}
	delete(reg.bySubmission, submissionID)
	if reg.byProject[req.ProjectID] == req {
		delete(reg.byProject, req.ProjectID)
	}
}

// CancelStatus is the outcome Cancel reports back to the HTTP surface, using the three-value
// vocabulary from §4.1/§4.7: "cancelled", "no_process", "not_found". It mirrors the reference
// server's cancel_request exactly, including its idempotence: calling Cancel again for a
// submission whose child has since exited returns "no_process", not some distinct "already
// done" status — there is no such fourth state in the source.
type CancelStatus string

const (
	CancelNotFound  CancelStatus = "not_found"
	CancelNoProcess CancelStatus = "no_process"
	CancelCancelled CancelStatus = "cancelled"
)

// Cancel marks submissionID as cancelled and, if a child process is currently attached and
// still running, terminates it. The lock is released before the blocking Terminate call so a
// slow child kill never stalls admission or cancellation of unrelated submissions.
func (reg *Registry) Cancel(submissionID string, gracePeriod time.Duration) CancelStatus {
	reg.mu.Lock()
	req, ok := reg.bySubmission[submissionID]
	reg.mu.Unlock()
	if !ok {
		return CancelNotFound
	}

	req.mu.Lock()
	req.cancelled = true
	child := req.child
	req.mu.Unlock()

	if child == nil || !child.Running() {
		return CancelNoProcess
	}

	if err := child.Terminate(gracePeriod); err != nil {
		logging.Warn("admission", "terminate %s: %v", submissionID, err)
	}
	return CancelCancelled
}

// Lookup returns the active request for projectID, if any.
func (reg *Registry) Lookup(projectID string) (*Request, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	req, ok := reg.byProject[projectID]
	return req, ok
}

// ActiveCount returns the number of currently admitted requests, used by the metrics gauge.
func (reg *Registry) ActiveCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.bySubmission)
}
