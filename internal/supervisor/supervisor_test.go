package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPassed(t *testing.T) {
	v := Run(context.Background(), []string{"sh", "-c", "echo ok"}, Options{
		Timeout:     5 * time.Second,
		GracePeriod: time.Second,
	})
	assert.Equal(t, StatusPassed, v.Status)
	assert.Equal(t, 0, v.ExitCode)
	assert.Equal(t, []string{"ok"}, v.Stdout)
}

func TestRunFailed(t *testing.T) {
	v := Run(context.Background(), []string{"sh", "-c", "echo boom 1>&2; exit 1"}, Options{
		Timeout:     5 * time.Second,
		GracePeriod: time.Second,
	})
	assert.Equal(t, StatusFailed, v.Status)
	assert.Equal(t, 1, v.ExitCode)
	assert.Equal(t, []string{"boom"}, v.Stderr)
}

func TestRunTimesOut(t *testing.T) {
	v := Run(context.Background(), []string{"sh", "-c", "sleep 30"}, Options{
		Timeout:     200 * time.Millisecond,
		GracePeriod: 200 * time.Millisecond,
	})
	assert.Equal(t, StatusTimedOut, v.Status)
}

func TestRunCancelled(t *testing.T) {
	cancelled := false
	v := Run(context.Background(), []string{"sh", "-c", "sleep 30"}, Options{
		Timeout:     30 * time.Second,
		GracePeriod: 200 * time.Millisecond,
		Cancel: func() bool {
			cancelled = true
			return true
		},
	})
	assert.Equal(t, StatusCancelled, v.Status)
	assert.True(t, cancelled)
}

func TestRunInvokesAttachBeforeBlocking(t *testing.T) {
	var attached *Process
	v := Run(context.Background(), []string{"sh", "-c", "echo ok"}, Options{
		Timeout:     5 * time.Second,
		GracePeriod: time.Second,
		Attach: func(p *Process) {
			attached = p
		},
	})
	assert.Equal(t, StatusPassed, v.Status)
	require.NotNil(t, attached)
	assert.True(t, attached.PID() > 0)
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	v := Run(ctx, []string{"sh", "-c", "sleep 30"}, Options{
		Timeout:     30 * time.Second,
		GracePeriod: 200 * time.Millisecond,
	})
	assert.Equal(t, StatusCancelled, v.Status)
}
