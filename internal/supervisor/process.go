// Package supervisor owns subprocess lifecycle: spawning a child in its own process group,
// capturing its stdout/stderr line by line, and terminating it (and anything it forked) on
// timeout or cancellation via a grace period followed by a forceful kill.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Process wraps a running child and exposes its output as a line stream alongside the raw
// captured buffers a caller may want once the process has exited.
type Process struct {
	cmd *exec.Cmd

	lines chan string
	done  chan struct{}

	mu         sync.Mutex
	stdout     []string
	stderr     []string
	exitCode   int
	waitErr    error
	terminated bool
}

// Spawn starts argv[0] with the remaining elements as arguments, in dir, with the given
// environment appended to the current process environment. The child is placed in its own
// process group so Terminate can reach everything it forks.
//
// Spawn deliberately does not use exec.CommandContext: cancellation is handled explicitly by
// the caller via Terminate, so that SIGTERM-then-grace-then-SIGKILL policy applies uniformly
// whether the run is stopped by a deadline, a cancellation flag, or context cancellation.
func Spawn(ctx context.Context, dir string, env []string, argv ...string) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("supervisor: empty argv")
	}
	_ = ctx

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	configureProcAttr(cmd)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", argv[0], err)
	}

	p := &Process{
		cmd:   cmd,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(func() error {
		p.capture(stdoutPipe, &p.stdout, true)
		return nil
	})
	g.Go(func() error {
		p.capture(stderrPipe, &p.stderr, false)
		return nil
	})

	go func() {
		_ = g.Wait()
		close(p.lines)
		p.waitErr = cmd.Wait()
		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		} else {
			p.exitCode = -1
		}
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

// capture scans r line by line, appending every line to buf and, for stdout, forwarding it on
// the Lines channel so a streaming consumer can interleave it with deadline checks.
func (p *Process) capture(r io.Reader, buf *[]string, forward bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		*buf = append(*buf, line)
		p.mu.Unlock()
		if forward {
			p.lines <- line
		}
	}
}

// Lines returns the channel of stdout lines, closed once the child's stdout has reached EOF.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// Done is closed once the child has exited and all output has been captured.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Running reports whether the child has not yet exited, mirroring the reference server's
// `proc.poll() is None` check in cancel_request.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stdout returns the captured stdout lines. Safe to call only after Done is closed.
func (p *Process) Stdout() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stdout))
	copy(out, p.stdout)
	return out
}

// Stderr returns the captured stderr lines. Safe to call only after Done is closed.
func (p *Process) Stderr() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stderr))
	copy(out, p.stderr)
	return out
}

// ExitCode returns the child's exit code, or -1 if it was killed by a signal or never produced
// a process state. Valid only after Done is closed.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// WaitErr returns the error cmd.Wait() produced, if any. Valid only after Done is closed.
func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Terminate sends SIGTERM to the child's process group and waits up to gracePeriod for it to
// exit on its own before escalating to SIGKILL. It is idempotent: a second call after the
// process has already exited is a no-op.
func (p *Process) Terminate(gracePeriod time.Duration) error {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := killProcessGroup(pid, sigterm); err != nil {
		return fmt.Errorf("supervisor: sigterm process group: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(gracePeriod):
	}

	if err := killProcessGroup(pid, sigkill); err != nil {
		return fmt.Errorf("supervisor: sigkill process group: %w", err)
	}

	<-p.done
	return nil
}
