package supervisor

import (
	"context"
	"strings"
	"time"
)

// Status is the terminal outcome of a buffered supervised run.
type Status string

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Verdict is the result of a single buffered run: every line of output is captured up front
// and handed back once the child has exited or been terminated.
type Verdict struct {
	Status   Status
	ExitCode int
	Stdout   []string
	Stderr   []string
	Message  string
}

// Options configures a buffered run.
type Options struct {
	Dir         string
	Env         []string
	Timeout     time.Duration
	GracePeriod time.Duration
	// Cancel, if non-nil, is polled once per second; once it reports true the child is
	// terminated and the run is reported as cancelled.
	Cancel func() bool
	// Attach, if non-nil, is invoked once immediately after the child is spawned, before Run
	// blocks on it. The pipeline driver uses this to register the running child with the
	// admission registry so a concurrent /cancel request can reach it directly instead of
	// waiting for the next poll tick.
	Attach func(*Process)
}

// Run spawns argv, drains its output, and blocks until it exits, the timeout elapses, or Cancel
// reports true. It is the non-streaming entry point used for phases whose result is a single
// pass/fail verdict (build, and the generic buffered test runner) rather than a live event feed.
func Run(ctx context.Context, argv []string, opts Options) Verdict {
	proc, err := Spawn(ctx, opts.Dir, opts.Env, argv...)
	if err != nil {
		return Verdict{Status: StatusError, ExitCode: -1, Message: err.Error()}
	}
	if opts.Attach != nil {
		opts.Attach(proc)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer = time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	pollTicker := time.NewTicker(1 * time.Second)
	defer pollTicker.Stop()

	for {
		select {
		case _, ok := <-proc.Lines():
			if !ok {
				// stdout EOF; keep waiting on Done for the wait() to finish reaping.
				continue
			}
		case <-proc.Done():
			return finishedVerdict(proc)
		case <-timeoutCh:
			_ = proc.Terminate(opts.GracePeriod)
			return Verdict{
				Status:   StatusTimedOut,
				ExitCode: proc.ExitCode(),
				Stdout:   proc.Stdout(),
				Stderr:   proc.Stderr(),
				Message:  "timed out waiting for completion",
			}
		case <-pollTicker.C:
			if opts.Cancel != nil && opts.Cancel() {
				_ = proc.Terminate(opts.GracePeriod)
				return Verdict{
					Status:   StatusCancelled,
					ExitCode: proc.ExitCode(),
					Stdout:   proc.Stdout(),
					Stderr:   proc.Stderr(),
					Message:  "cancelled",
				}
			}
		case <-ctx.Done():
			_ = proc.Terminate(opts.GracePeriod)
			return Verdict{
				Status:   StatusCancelled,
				ExitCode: proc.ExitCode(),
				Stdout:   proc.Stdout(),
				Stderr:   proc.Stderr(),
				Message:  ctx.Err().Error(),
			}
		}
	}
}

func finishedVerdict(proc *Process) Verdict {
	status := StatusPassed
	if proc.ExitCode() != 0 {
		status = StatusFailed
	}
	return Verdict{
		Status:   status,
		ExitCode: proc.ExitCode(),
		Stdout:   proc.Stdout(),
		Stderr:   proc.Stderr(),
		Message:  strings.Join(lastN(proc.Stderr(), 5), "\n"),
	}
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
