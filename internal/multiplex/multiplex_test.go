package multiplex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChild struct {
	lines      chan string
	done       chan struct{}
	exitCode   int
	terminated bool
	mu         sync.Mutex
}

func newFakeChild() *fakeChild {
	return &fakeChild{lines: make(chan string, 64), done: make(chan struct{})}
}

func (f *fakeChild) Lines() <-chan string { return f.lines }
func (f *fakeChild) Done() <-chan struct{} { return f.done }
func (f *fakeChild) ExitCode() int         { return f.exitCode }
func (f *fakeChild) Terminate(gracePeriod time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.terminated {
		f.terminated = true
		close(f.done)
	}
	return nil
}

func (f *fakeChild) finish(exitCode int) {
	f.exitCode = exitCode
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.terminated {
		f.terminated = true
		close(f.lines)
		close(f.done)
	}
}

func TestRunEmitsTestResultsThenSummaryThenDone(t *testing.T) {
	child := newFakeChild()
	child.lines <- `{"test_name":"a","status":"pass"}`
	child.lines <- `{"test_name":"b","status":"fail"}`
	child.lines <- `{"total":2,"passed":1,"failed":1}`
	go child.finish(1)

	var events []Event
	result := Run(context.Background(), child, Options{GracePeriod: time.Second}, func(e Event) error {
		events = append(events, e)
		return nil
	})

	require.Len(t, events, 4)
	assert.Equal(t, EventTestResult, events[0].Type)
	assert.Equal(t, 1, events[0].Ordinal)
	assert.Equal(t, EventTestResult, events[1].Type)
	assert.Equal(t, 2, events[1].Ordinal)
	assert.Equal(t, EventSummary, events[2].Type)
	assert.Equal(t, EventDone, events[3].Type)
	assert.Equal(t, "test_failed", result.Status)
	assert.Equal(t, 2, result.TestsSeen)
}

func TestRunStampsTotalFromTestCountPreamble(t *testing.T) {
	child := newFakeChild()
	child.lines <- `{"test_count":3}`
	child.lines <- `{"test_name":"a","status":"pass"}`
	child.lines <- `{"test_name":"b","status":"pass"}`
	go child.finish(0)

	var events []Event
	Run(context.Background(), child, Options{GracePeriod: time.Second}, func(e Event) error {
		events = append(events, e)
		return nil
	})

	require.Len(t, events, 3)
	assert.Equal(t, EventTestResult, events[0].Type)
	assert.Equal(t, 3, events[0].Data["total"])
	assert.Equal(t, EventTestResult, events[1].Type)
	assert.Equal(t, 3, events[1].Data["total"])
}

func TestRunIgnoresUnrecognizedLines(t *testing.T) {
	child := newFakeChild()
	child.lines <- "==> build output, not json"
	child.lines <- `{"unrelated":true}`
	go child.finish(0)

	var events []Event
	Run(context.Background(), child, Options{GracePeriod: time.Second}, func(e Event) error {
		events = append(events, e)
		return nil
	})

	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Type)
}

func TestRunDeadlineProducesTimedOutAndTerminatesChild(t *testing.T) {
	child := newFakeChild()

	var events []Event
	result := Run(context.Background(), child, Options{Deadline: 50 * time.Millisecond, GracePeriod: time.Second}, func(e Event) error {
		events = append(events, e)
		return nil
	})

	assert.Equal(t, "timed_out", result.Status)
	assert.True(t, result.Partial)
	require.Len(t, events, 2)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, EventDone, events[1].Type)
	child.mu.Lock()
	assert.True(t, child.terminated)
	child.mu.Unlock()
}

func TestRunCancelFlagTerminatesChild(t *testing.T) {
	child := newFakeChild()

	result := Run(context.Background(), child, Options{GracePeriod: time.Second, Cancel: func() bool { return true }}, func(e Event) error {
		return nil
	})

	assert.Equal(t, "cancelled", result.Status)
	assert.True(t, result.Partial)
}

func TestRunSubscriberDisconnectStopsEarly(t *testing.T) {
	child := newFakeChild()
	child.lines <- `{"test_name":"a","status":"pass"}`

	calls := 0
	result := Run(context.Background(), child, Options{GracePeriod: time.Second}, func(e Event) error {
		calls++
		return errors.New("client gone")
	})

	assert.Equal(t, "disconnected", result.Status)
	assert.Equal(t, 1, calls)
	child.mu.Lock()
	assert.True(t, child.terminated)
	child.mu.Unlock()
}

func TestRunContextCancellation(t *testing.T) {
	child := newFakeChild()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result := Run(ctx, child, Options{GracePeriod: time.Second}, func(e Event) error { return nil })
	assert.Equal(t, "cancelled", result.Status)
}
