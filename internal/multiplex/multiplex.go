// Package multiplex turns a supervised child's raw stdout lines into the ordered event feed
// the streaming transport adapter forwards to clients: per-test results, a final summary,
// periodic keep-alives, and a terminal done/error event.
package multiplex

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names the shape of a single emitted event.
type EventType string

const (
	EventTestCount  EventType = "test_count"
	EventTestResult EventType = "test_result"
	EventSummary    EventType = "summary"
	EventError      EventType = "error"
	EventDone       EventType = "done"
	EventKeepAlive  EventType = "keepalive"
)

// Event is one entry in the ordered event feed. Ordinal increases monotonically across the
// whole run so a client (or test) can detect drops or reordering.
type Event struct {
	Type    EventType
	Ordinal int
	Data    map[string]any
	Message string
}

// ChildSource is the subset of *supervisor.Process the multiplexer consumes. Defined here
// rather than imported so this package stays a pure consumer and never needs to know how the
// child was spawned.
type ChildSource interface {
	Lines() <-chan string
	Done() <-chan struct{}
	ExitCode() int
	Terminate(gracePeriod time.Duration) error
}

// Options configures one multiplexed run.
type Options struct {
	Deadline      time.Duration
	KeepAlive     time.Duration
	GracePeriod   time.Duration
	// Cancel is polled once per tick; when it reports true the child is terminated and a
	// cancelled done event is emitted.
	Cancel func() bool
}

// Result summarizes how the run ended, independent of the individual events already emitted.
type Result struct {
	Status       string
	TestsSeen    int
	LastSummary  map[string]any
	Partial      bool
}

// Run drains child's stdout line by line, decoding each line as a JSON event and forwarding it
// through emit with a monotonically increasing ordinal. Every second it also checks the overall
// deadline, the cancellation flag, and whether a keep-alive is due. If emit returns an error
// (the subscriber went away) the child is terminated and Run returns immediately.
//
// This mirrors the reference server's selector-based streaming loop: a single one-second tick
// interleaves output consumption with timeout and disconnect detection instead of running them
// on independent goroutines.
func Run(ctx context.Context, child ChildSource, opts Options, emit func(Event) error) Result {
	ordinal := 0
	testsSeen := 0
	var lastSummary map[string]any
	// testTotal tracks the test_count preamble, mirroring the reference server's test_total:
	// once set, every subsequent test_result event is stamped with it, per §4.3.
	var testTotal *int

	var deadlineCh <-chan time.Time
	var deadlineTimer *time.Timer
	if opts.Deadline > 0 {
		deadlineTimer = time.NewTimer(opts.Deadline)
		defer deadlineTimer.Stop()
		deadlineCh = deadlineTimer.C
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	lastKeepAlive := time.Now()

	emitOrdinal := func(e Event) error {
		ordinal++
		e.Ordinal = ordinal
		return emit(e)
	}

	for {
		select {
		case line, ok := <-child.Lines():
			if !ok {
				continue
			}
			ev, recognized := decodeLine(line)
			if !recognized {
				continue
			}
			switch ev.Type {
			case EventTestCount:
				if n, ok := toInt(ev.Data["test_count"]); ok {
					testTotal = &n
				}
				continue
			case EventTestResult:
				testsSeen++
				if testTotal != nil {
					ev.Data["total"] = *testTotal
				}
			case EventSummary:
				lastSummary = ev.Data
			}
			if err := emitOrdinal(ev); err != nil {
				_ = child.Terminate(opts.GracePeriod)
				return Result{Status: "disconnected", TestsSeen: testsSeen, LastSummary: lastSummary, Partial: true}
			}

		case <-child.Done():
			// Consume any stdout lines still buffered before reporting completion.
			if len(child.Lines()) > 0 {
				continue
			}
			status := "test_passed"
			if child.ExitCode() != 0 {
				status = "test_failed"
			}
			_ = emitOrdinal(Event{Type: EventDone, Data: map[string]any{"status": status, "exit_code": child.ExitCode()}})
			return Result{Status: status, TestsSeen: testsSeen, LastSummary: lastSummary}

		case <-deadlineCh:
			_ = child.Terminate(opts.GracePeriod)
			_ = emitOrdinal(Event{Type: EventError, Message: "timed out waiting for test completion"})
			_ = emitOrdinal(Event{Type: EventDone, Data: map[string]any{"status": "timed_out"}})
			return Result{Status: "timed_out", TestsSeen: testsSeen, LastSummary: lastSummary, Partial: true}

		case <-ctx.Done():
			_ = child.Terminate(opts.GracePeriod)
			_ = emitOrdinal(Event{Type: EventDone, Data: map[string]any{"status": "cancelled"}})
			return Result{Status: "cancelled", TestsSeen: testsSeen, LastSummary: lastSummary, Partial: true}

		case now := <-ticker.C:
			if opts.Cancel != nil && opts.Cancel() {
				_ = child.Terminate(opts.GracePeriod)
				_ = emitOrdinal(Event{Type: EventDone, Data: map[string]any{"status": "cancelled"}})
				return Result{Status: "cancelled", TestsSeen: testsSeen, LastSummary: lastSummary, Partial: true}
			}
			if opts.KeepAlive > 0 && now.Sub(lastKeepAlive) >= opts.KeepAlive {
				lastKeepAlive = now
				if err := emit(Event{Type: EventKeepAlive}); err != nil {
					_ = child.Terminate(opts.GracePeriod)
					return Result{Status: "disconnected", TestsSeen: testsSeen, LastSummary: lastSummary, Partial: true}
				}
			}
		}
	}
}

// decodeLine classifies a raw stdout line as a test-count preamble, a test result, a summary,
// or an unrecognized line (e.g. build chatter printed before the JSON stream starts), following
// the shape-detection the reference server uses: presence of "test_count" marks the upfront
// count preamble, "test_name" marks a per-test result, "passed"/"failed" counters alongside
// "total" mark the summary.
func decodeLine(line string) (Event, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return Event{}, false
	}

	if _, ok := data["test_count"]; ok {
		return Event{Type: EventTestCount, Data: data}, true
	}
	if _, ok := data["test_name"]; ok {
		return Event{Type: EventTestResult, Data: data}, true
	}
	if _, hasTotal := data["total"]; hasTotal {
		if _, hasPassed := data["passed"]; hasPassed {
			return Event{Type: EventSummary, Data: data}, true
		}
	}
	return Event{}, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
