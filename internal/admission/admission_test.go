package admission

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChild struct {
	mu          sync.Mutex
	terminated  bool
	gracePeriod time.Duration
	err         error
	stopped     bool
}

func (f *fakeChild) Terminate(gracePeriod time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = true
	f.gracePeriod = gracePeriod
	return f.err
}

func (f *fakeChild) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped
}

func TestTryAdmitSingleRequestPerProject(t *testing.T) {
	reg := NewRegistry()

	req, conflict := reg.TryAdmit("proj-a", "sub-1")
	require.NotNil(t, req)
	assert.Equal(t, ConflictNone, conflict.Reason)

	req2, conflict2 := reg.TryAdmit("proj-a", "sub-2")
	assert.Nil(t, req2)
	assert.Equal(t, ConflictProjectBusy, conflict2.Reason)
	assert.Equal(t, "sub-1", conflict2.HolderSubmission)
}

func TestTryAdmitSameSubmissionIDDifferentProject(t *testing.T) {
	reg := NewRegistry()

	req, conflict := reg.TryAdmit("proj-a", "sub-1")
	require.NotNil(t, req)
	assert.Equal(t, ConflictNone, conflict.Reason)

	req2, conflict2 := reg.TryAdmit("proj-b", "sub-1")
	assert.Nil(t, req2)
	assert.Equal(t, ConflictRequestIDBusy, conflict2.Reason)
	assert.Equal(t, "proj-a", conflict2.HolderProject)
}

func TestTryAdmitDifferentProjectsIndependent(t *testing.T) {
	reg := NewRegistry()

	_, conflict1 := reg.TryAdmit("proj-a", "sub-1")
	_, conflict2 := reg.TryAdmit("proj-b", "sub-2")
	assert.Equal(t, ConflictNone, conflict1.Reason)
	assert.Equal(t, ConflictNone, conflict2.Reason)
}

func TestReleaseFreesProjectForReadmission(t *testing.T) {
	reg := NewRegistry()

	reg.TryAdmit("proj-a", "sub-1")
	reg.Release("sub-1")

	req, conflict := reg.TryAdmit("proj-a", "sub-2")
	require.NotNil(t, req)
	assert.Equal(t, ConflictNone, conflict.Reason)
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	reg.TryAdmit("proj-a", "sub-1")
	reg.Release("sub-1")
	assert.NotPanics(t, func() { reg.Release("sub-1") })
}

func TestAttachChildUnknownSubmissionFails(t *testing.T) {
	reg := NewRegistry()
	ok := reg.AttachChild("never-admitted", &fakeChild{})
	assert.False(t, ok)
}

func TestCancelTerminatesAttachedChild(t *testing.T) {
	reg := NewRegistry()
	reg.TryAdmit("proj-a", "sub-1")
	child := &fakeChild{}
	require.True(t, reg.AttachChild("sub-1", child))

	status := reg.Cancel("sub-1", 5*time.Second)
	assert.Equal(t, CancelCancelled, status)
	child.mu.Lock()
	assert.True(t, child.terminated)
	assert.Equal(t, 5*time.Second, child.gracePeriod)
	child.mu.Unlock()
}

func TestCancelWithoutAttachedChildReportsNoProcess(t *testing.T) {
	reg := NewRegistry()
	reg.TryAdmit("proj-a", "sub-1")

	status := reg.Cancel("sub-1", time.Second)
	assert.Equal(t, CancelNoProcess, status)

	req, ok := reg.Lookup("proj-a")
	require.True(t, ok)
	assert.True(t, req.Cancelled())
}

func TestCancelWithExitedChildReportsNoProcess(t *testing.T) {
	reg := NewRegistry()
	reg.TryAdmit("proj-a", "sub-1")
	child := &fakeChild{stopped: true}
	reg.AttachChild("sub-1", child)

	status := reg.Cancel("sub-1", time.Second)
	assert.Equal(t, CancelNoProcess, status)
	child.mu.Lock()
	assert.False(t, child.terminated)
	child.mu.Unlock()
}

func TestCancelUnknownSubmission(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, CancelNotFound, reg.Cancel("nope", time.Second))
}

func TestCancelIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	reg.TryAdmit("proj-a", "sub-1")
	child := &fakeChild{}
	reg.AttachChild("sub-1", child)

	first := reg.Cancel("sub-1", time.Second)
	second := reg.Cancel("sub-1", time.Second)

	assert.Equal(t, CancelCancelled, first)
	assert.Equal(t, CancelCancelled, second)
}

func TestCancelSurvivesTerminateError(t *testing.T) {
	reg := NewRegistry()
	reg.TryAdmit("proj-a", "sub-1")
	child := &fakeChild{err: errors.New("boom")}
	reg.AttachChild("sub-1", child)

	status := reg.Cancel("sub-1", time.Second)
	assert.Equal(t, CancelCancelled, status)
}

func TestActiveCountReflectsAdmissionsAndReleases(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, 0, reg.ActiveCount())

	reg.TryAdmit("proj-a", "sub-1")
	reg.TryAdmit("proj-b", "sub-2")
	assert.Equal(t, 2, reg.ActiveCount())

	reg.Release("sub-1")
	assert.Equal(t, 1, reg.ActiveCount())
}
