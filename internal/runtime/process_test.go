//go:build !windows

package runtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/meetbot/internal/types"
)

func newShellRuntime(t *testing.T, script string, maxConcurrent int) *Process {
	t.Helper()
	p, err := NewProcess(Options{
		Command:       "/bin/sh",
		Args:          []string{"-c", script},
		WorkDir:       t.TempDir(),
		MaxConcurrent: maxConcurrent,
		StopGrace:     200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitForExit(t *testing.T, p *Process, h types.WorkerHandle) types.WorkerStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st, err := p.Status(context.Background(), h)
		require.NoError(t, err)
		if st.State == types.WorkerExited {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("worker %s did not exit", h)
	return types.WorkerStatus{}
}

func TestProcessStartPassesEnvironment(t *testing.T) {
	p := newShellRuntime(t, `echo "$MEETING_URL|$BOT_NAME|$LANGUAGE"`, 2)
	ctx := context.Background()

	h, err := p.Start(ctx, testSpec())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(h), "proc-"))

	st := waitForExit(t, p, h)
	assert.Equal(t, 0, st.ExitCode)

	logPath, err := p.LogPath(h)
	require.NoError(t, err)
	out, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "https://meet.google.com/abc-defg-hij|Notetaker|es\n", string(out))
}

func TestProcessExitCode(t *testing.T) {
	p := newShellRuntime(t, "exit 3", 1)

	h, err := p.Start(context.Background(), testSpec())
	require.NoError(t, err)

	st := waitForExit(t, p, h)
	assert.Equal(t, 3, st.ExitCode)
}

func TestProcessStopIsIdempotent(t *testing.T) {
	p := newShellRuntime(t, "sleep 30", 1)
	ctx := context.Background()

	h, err := p.Start(ctx, testSpec())
	require.NoError(t, err)

	st, err := p.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerRunning, st.State)

	require.NoError(t, p.Stop(ctx, h))
	require.NoError(t, p.Stop(ctx, h))

	st, err = p.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerExited, st.State)
}

func TestProcessStopEscalatesToKill(t *testing.T) {
	p := newShellRuntime(t, `trap '' TERM; while true; do sleep 0.05; done`, 1)
	ctx := context.Background()

	h, err := p.Start(ctx, testSpec())
	require.NoError(t, err)
	// Give the shell time to install its trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Stop(ctx, h))
	assert.Less(t, time.Since(start), 3*time.Second)

	st, err := p.Status(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerExited, st.State)
}

func TestProcessUnknownHandle(t *testing.T) {
	p := newShellRuntime(t, "true", 1)
	ctx := context.Background()

	_, err := p.Status(ctx, "proc-missing")
	assert.ErrorIs(t, err, types.ErrHandleNotFound)
	assert.ErrorIs(t, p.Stop(ctx, "proc-missing"), types.ErrHandleNotFound)
}

func TestProcessCapacity(t *testing.T) {
	p := newShellRuntime(t, "sleep 30", 1)
	ctx := context.Background()

	h, err := p.Start(ctx, testSpec())
	require.NoError(t, err)

	_, err = p.Start(ctx, testSpec())
	assert.ErrorIs(t, err, types.ErrResourceExhausted)

	require.NoError(t, p.Stop(ctx, h))

	h2, err := p.Start(ctx, testSpec())
	require.NoError(t, err, "slot should be released after stop")
	require.NoError(t, p.Stop(ctx, h2))
}

func TestProcessInvalidSpec(t *testing.T) {
	p := newShellRuntime(t, "true", 1)

	spec := testSpec()
	spec.MeetingURL = ""
	_, err := p.Start(context.Background(), spec)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	spec = testSpec()
	spec.Env = map[string]string{"BAD=NAME": "x"}
	_, err = p.Start(context.Background(), spec)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	// A rejected spec must not hold a slot
	h, err := p.Start(context.Background(), testSpec())
	require.NoError(t, err)
	waitForExit(t, p, h)
}

func TestProcessMissingExecutable(t *testing.T) {
	p, err := NewProcess(Options{
		Command:       "/nonexistent/meetbot-worker",
		WorkDir:       t.TempDir(),
		MaxConcurrent: 1,
		StopGrace:     time.Second,
	})
	require.NoError(t, err)

	_, err = p.Start(context.Background(), testSpec())
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)
	assert.NoError(t, p.slots.reserve(), "failed start must give its slot back")
}
