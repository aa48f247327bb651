package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/meetbot/internal/config"
	"github.com/user/meetbot/internal/orchestrator"
	"github.com/user/meetbot/internal/registry"
	"github.com/user/meetbot/internal/transcript"
	"github.com/user/meetbot/internal/types"
)

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := readPID(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PID file not found")

	path, err := writePIDFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, pidFileName), path)

	pid, err := readPID(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0644))
	_, err = readPID(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid PID file")
}

func TestReadPIDStaleProcess(t *testing.T) {
	dir := t.TempDir()
	// PIDs this large are never allocated on Linux.
	require.NoError(t, os.WriteFile(filepath.Join(dir, pidFileName), []byte(strconv.Itoa(1<<30)), 0644))
	_, err := readPID(dir)
	require.Error(t, err)
}

func TestBuildNotifier(t *testing.T) {
	cfg := config.Default()
	d, err := buildNotifier(cfg)
	require.NoError(t, err)
	assert.Nil(t, d, "no targets configured")

	cfg.Notify.WebhookURL = "http://127.0.0.1:1/hook"
	d, err = buildNotifier(cfg)
	require.NoError(t, err)
	require.NotNil(t, d)
}

func TestParseMeetingID(t *testing.T) {
	assert.Equal(t, types.MeetingID("zoom:123456789"), parseMeetingID("zoom:123456789"))
	assert.Equal(t, types.NewMeetingID("google_meet", "abc-defg-hij"), parseMeetingID("abc-defg-hij"))
}

type fakeRuntime struct {
	persistent bool

	mu    sync.Mutex
	n     int
	stops []types.WorkerHandle
}

func (f *fakeRuntime) Start(context.Context, types.WorkerSpec) (types.WorkerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return types.WorkerHandle(fmt.Sprintf("w-%d", f.n)), nil
}

func (f *fakeRuntime) Status(context.Context, types.WorkerHandle) (types.WorkerStatus, error) {
	return types.WorkerStatus{State: types.WorkerRunning}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, h types.WorkerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, h)
	return nil
}

func (f *fakeRuntime) Persistent() bool { return f.persistent }
func (f *fakeRuntime) Close() error { return nil }

func TestReleaseWorkers(t *testing.T) {
	for _, persistent := range []bool{false, true} {
		t.Run(fmt.Sprintf("persistent=%v", persistent), func(t *testing.T) {
			ctx := context.Background()
			rt := &fakeRuntime{persistent: persistent}
			reg := registry.New("")
			orch := orchestrator.New(reg, rt, transcript.NewGateway(transcript.NewStore(t.TempDir())), orchestrator.Config{})
			for _, code := range []string{"aaa-aaaa-aaa", "bbb-bbbb-bbb"} {
				_, err := orch.RequestSession(ctx, types.JoinRequest{NativeMeetingID: code})
				require.NoError(t, err)
			}

			releaseWorkers(ctx, orch, rt)

			if persistent {
				assert.Empty(t, rt.stops)
				assert.Len(t, orch.ListSessions(types.StatusActive), 2)
				return
			}
			assert.Len(t, rt.stops, 2)
			assert.Len(t, orch.ListSessions(types.StatusStopped), 2)
			assert.Empty(t, orch.ListSessions(types.StatusActive))
		})
	}
}
