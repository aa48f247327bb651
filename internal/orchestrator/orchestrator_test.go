package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/meetbot/internal/registry"
	"github.com/user/meetbot/internal/transcript"
	"github.com/user/meetbot/internal/types"
)

type fakeRuntime struct {
	mu        sync.Mutex
	startFn   func(ctx context.Context, spec types.WorkerSpec) (types.WorkerHandle, error)
	stopFn    func(h types.WorkerHandle)
	specs     []types.WorkerSpec
	stops     []types.WorkerHandle
	stopErr   error
	statuses  map[types.WorkerHandle]types.WorkerStatus
	statusErr map[types.WorkerHandle]error
	next      int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		statuses:  make(map[types.WorkerHandle]types.WorkerStatus),
		statusErr: make(map[types.WorkerHandle]error),
	}
}

func (f *fakeRuntime) Start(ctx context.Context, spec types.WorkerSpec) (types.WorkerHandle, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	fn := f.startFn
	f.next++
	h := types.WorkerHandle(fmt.Sprintf("h-%d", f.next))
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return h, nil
}

func (f *fakeRuntime) Status(_ context.Context, h types.WorkerHandle) (types.WorkerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statusErr[h]; err != nil {
		return types.WorkerStatus{}, err
	}
	if st, ok := f.statuses[h]; ok {
		return st, nil
	}
	return types.WorkerStatus{State: types.WorkerRunning}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, h types.WorkerHandle) error {
	f.mu.Lock()
	fn := f.stopFn
	f.mu.Unlock()
	if fn != nil {
		fn(h)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, h)
	return f.stopErr
}

func (f *fakeRuntime) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeRuntime) stopped() []types.WorkerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.WorkerHandle(nil), f.stops...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
}

func (r *recordingNotifier) Notify(n types.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) statuses() []types.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.SessionStatus
	for _, n := range r.sent {
		out = append(out, n.Status)
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	reg      *registry.Registry
	rt       *fakeRuntime
	gw       *transcript.Gateway
	notifier *recordingNotifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := registry.New("")
	rt := newFakeRuntime()
	gw := transcript.NewGateway(transcript.NewStore(t.TempDir()))
	n := &recordingNotifier{}
	return &harness{
		orch:     New(reg, rt, gw, cfg, WithNotifier(n)),
		reg:      reg,
		rt:       rt,
		gw:       gw,
		notifier: n,
	}
}

var meet = types.JoinRequest{Platform: PlatformGoogleMeet, NativeMeetingID: "abc-defg-hij", BotName: "Scribe", Language: "en"}

const meetID = types.MeetingID("google_meet:abc-defg-hij")

func TestRequestSessionStartsWorker(t *testing.T) {
	h := newHarness(t, Config{
		PublicURL: "http://meetbot.internal:8080/",
		WorkerEnv: map[string]string{"LOG_LEVEL": "debug"},
	})

	rec, err := h.orch.RequestSession(context.Background(), meet)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, rec.Status)
	assert.Equal(t, meetID, rec.MeetingID)
	assert.Equal(t, types.WorkerHandle("h-1"), rec.WorkerHandle)
	assert.NotEmpty(t, rec.SessionID)

	require.Len(t, h.rt.specs, 1)
	spec := h.rt.specs[0]
	assert.Equal(t, "https://meet.google.com/abc-defg-hij", spec.MeetingURL)
	assert.Equal(t, "Scribe", spec.BotName)
	assert.Equal(t, "en", spec.Language)
	assert.Equal(t, "debug", spec.Env["LOG_LEVEL"])
	assert.Equal(t, "http://meetbot.internal:8080/transcripts/google_meet:abc-defg-hij", spec.Env["TRANSCRIPT_CALLBACK_URL"])

	stored, err := h.orch.GetSession(meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, stored.Status)
	assert.Equal(t, []types.SessionStatus{types.StatusActive}, h.notifier.statuses())
}

func TestRequestSessionDefaults(t *testing.T) {
	h := newHarness(t, Config{DefaultBotName: "Notetaker", DefaultLanguage: "es"})

	rec, err := h.orch.RequestSession(context.Background(), types.JoinRequest{NativeMeetingID: "xyz-abcd-efg"})
	require.NoError(t, err)
	assert.Equal(t, PlatformGoogleMeet, rec.Platform)
	assert.Equal(t, "Notetaker", rec.BotName)
	assert.Equal(t, "es", rec.Language)
	_, ok := h.rt.specs[0].Env["TRANSCRIPT_CALLBACK_URL"]
	assert.False(t, ok)
}

func TestRequestSessionMeetingURLs(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	zoom, err := h.orch.RequestSession(ctx, types.JoinRequest{Platform: PlatformZoom, NativeMeetingID: "8675309123"})
	require.NoError(t, err)
	assert.Equal(t, "https://zoom.us/j/8675309123", zoom.MeetingURL)

	teams, err := h.orch.RequestSession(ctx, types.JoinRequest{Platform: PlatformTeams, NativeMeetingID: "19meeting_abc"})
	require.NoError(t, err)
	assert.Equal(t, "https://teams.microsoft.com/l/meetup-join/19meeting_abc", teams.MeetingURL)
}

func TestRequestSessionInvalid(t *testing.T) {
	tests := []struct {
		name string
		req  types.JoinRequest
	}{
		{"empty native id", types.JoinRequest{NativeMeetingID: ""}},
		{"malformed meet code", types.JoinRequest{NativeMeetingID: "not a code"}},
		{"unsupported platform", types.JoinRequest{Platform: "webex", NativeMeetingID: "123"}},
		{"zoom letters", types.JoinRequest{Platform: PlatformZoom, NativeMeetingID: "abc"}},
		{"bad language", types.JoinRequest{NativeMeetingID: "abc-defg-hij", Language: "Spanish!"}},
		{"control chars in name", types.JoinRequest{NativeMeetingID: "abc-defg-hij", BotName: "bot\x07"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			_, err := h.orch.RequestSession(context.Background(), tt.req)
			assert.ErrorIs(t, err, types.ErrInvalidSpec)
			assert.Equal(t, 0, h.rt.startCount())
			assert.Empty(t, h.orch.ListSessions())
		})
	}
}

func TestRequestSessionDuplicate(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)

	_, err = h.orch.RequestSession(ctx, meet)
	assert.ErrorIs(t, err, types.ErrDuplicateSession)
	assert.Equal(t, 1, h.rt.startCount())

	rec, err := h.orch.GetSession(meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, rec.Status, "duplicate must not disturb the running session")
}

func TestRequestSessionConcurrentSingleWinner(t *testing.T) {
	h := newHarness(t, Config{})

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.RequestSession(context.Background(), meet)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, types.ErrDuplicateSession):
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, dups)
	assert.Equal(t, 1, h.rt.startCount())
}

func TestRequestSessionStartFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.startFn = func(context.Context, types.WorkerSpec) (types.WorkerHandle, error) {
		return "", fmt.Errorf("create worker container: %w: daemon down", types.ErrRuntimeUnavailable)
	}

	_, err := h.orch.RequestSession(context.Background(), meet)
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)

	rec, err := h.orch.GetSession(meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "daemon down")
	assert.NotNil(t, rec.EndedAt)
	assert.Equal(t, []types.SessionStatus{types.StatusFailed}, h.notifier.statuses())

	// A failed session does not block a new request.
	h.rt.startFn = nil
	rec, err = h.orch.RequestSession(context.Background(), meet)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, rec.Status)
}

func TestRequestSessionResourceExhausted(t *testing.T) {
	h := newHarness(t, Config{})
	h.rt.startFn = func(context.Context, types.WorkerSpec) (types.WorkerHandle, error) {
		return "", fmt.Errorf("%w: all 1 worker slots in use", types.ErrResourceExhausted)
	}

	_, err := h.orch.RequestSession(context.Background(), meet)
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
	rec, err := h.orch.GetSession(meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
}

func TestRequestSessionStartTimeout(t *testing.T) {
	h := newHarness(t, Config{StartTimeout: 50 * time.Millisecond})
	h.rt.startFn = func(ctx context.Context, _ types.WorkerSpec) (types.WorkerHandle, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	start := time.Now()
	_, err := h.orch.RequestSession(context.Background(), meet)
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)

	rec, err := h.orch.GetSession(meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "timed out")
}

func TestRequestSessionCallerCancelDoesNotAbortStart(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.rt.startFn = func(sctx context.Context, _ types.WorkerSpec) (types.WorkerHandle, error) {
		cancel()
		if sctx.Err() != nil {
			return "", sctx.Err()
		}
		return "h-x", nil
	}

	rec, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, rec.Status)
}

func TestDistinctMeetingsStartInParallel(t *testing.T) {
	h := newHarness(t, Config{})
	release := make(chan struct{})
	h.rt.startFn = func(_ context.Context, spec types.WorkerSpec) (types.WorkerHandle, error) {
		if spec.MeetingID == meetID {
			<-release
		}
		return types.WorkerHandle("h-" + string(spec.SessionID)), nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RequestSession(context.Background(), meet)
		done <- err
	}()

	require.Eventually(t, func() bool { return h.rt.startCount() == 1 }, time.Second, 5*time.Millisecond)
	rec, err := h.orch.RequestSession(context.Background(), types.JoinRequest{NativeMeetingID: "zzz-yyyy-xxx"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, rec.Status)

	close(release)
	require.NoError(t, <-done)
}

func TestStopSession(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)

	rec, err := h.orch.StopSession(ctx, meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, rec.Status)
	assert.Equal(t, []types.WorkerHandle{"h-1"}, h.rt.stopped())

	again, err := h.orch.StopSession(ctx, meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, again.Status)
	assert.Len(t, h.rt.stopped(), 1, "stopping an ended session must not touch the runtime")

	assert.Equal(t, []types.SessionStatus{types.StatusActive, types.StatusStopped}, h.notifier.statuses())
}

func TestStopSessionNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.StopSession(context.Background(), "google_meet:nop-nope-nop")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestStopSessionWorkerAlreadyGone(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)

	h.rt.stopErr = fmt.Errorf("%w: container h-1", types.ErrHandleNotFound)
	rec, err := h.orch.StopSession(ctx, meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, rec.Status)
}

func TestStopSessionRuntimeFailure(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)

	h.rt.stopErr = fmt.Errorf("stop worker container: %w: daemon down", types.ErrRuntimeUnavailable)
	_, err = h.orch.StopSession(ctx, meetID)
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)

	rec, err := h.orch.GetSession(meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, rec.Status)
}

func TestStopDuringStartIsHonoured(t *testing.T) {
	h := newHarness(t, Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	h.rt.startFn = func(context.Context, types.WorkerSpec) (types.WorkerHandle, error) {
		close(entered)
		<-release
		return "h-late", nil
	}

	type result struct {
		rec *types.SessionRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := h.orch.RequestSession(context.Background(), meet)
		done <- result{rec, err}
	}()
	<-entered

	pending, err := h.orch.StopSession(context.Background(), meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarting, pending.Status)
	assert.True(t, pending.StopRequested)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, types.StatusStopped, res.rec.Status)
	assert.Equal(t, []types.WorkerHandle{"h-late"}, h.rt.stopped())

	rec, err := h.orch.GetSession(meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, rec.Status)
}

func TestStopSessionRacingStopDoesNotWait(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.rt.stopFn = func(types.WorkerHandle) {
		close(entered)
		<-release
	}

	done := make(chan *types.SessionRecord, 1)
	go func() {
		rec, err := h.orch.StopSession(ctx, meetID)
		assert.NoError(t, err)
		done <- rec
	}()
	<-entered

	second, err := h.orch.StopSession(ctx, meetID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopping, second.Status)

	close(release)
	first := <-done
	assert.Equal(t, types.StatusStopped, first.Status)
	assert.Len(t, h.rt.stopped(), 1, "the racing call must not stop the worker again")
}

func TestGetTranscriptWindow(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)
	for _, text := range []string{"uno", "dos", "tres"} {
		_, err := h.orch.IngestUtterance(ctx, meetID, transcript.Entry{Speaker: "Ana", Text: text})
		require.NoError(t, err)
	}

	snap, err := h.orch.GetTranscriptWindow(ctx, meetID, types.TranscriptQuery{Since: 2})
	require.NoError(t, err)
	require.Len(t, snap.Utterances, 1)
	assert.Equal(t, "tres", snap.Utterances[0].Text)
	assert.Equal(t, int64(3), snap.LastSeq)
	assert.True(t, snap.Partial)
	assert.Equal(t, types.StatusActive, snap.Status)

	_, err = h.orch.GetTranscriptWindow(ctx, "google_meet:nop-nope-nop", types.TranscriptQuery{})
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestGetTranscript(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.GetTranscript(ctx, meetID)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)

	_, err = h.orch.GetTranscript(ctx, meetID)
	assert.ErrorIs(t, err, types.ErrTranscriptUnavailable)

	_, err = h.orch.IngestUtterance(ctx, meetID, transcript.Entry{Speaker: "Ana", Text: "hola"})
	require.NoError(t, err)

	snap, err := h.orch.GetTranscript(ctx, meetID)
	require.NoError(t, err)
	assert.True(t, snap.Partial)
	assert.Equal(t, types.StatusActive, snap.Status)

	_, err = h.orch.StopSession(ctx, meetID)
	require.NoError(t, err)

	snap, err = h.orch.GetTranscript(ctx, meetID)
	require.NoError(t, err)
	assert.False(t, snap.Partial)
	assert.Equal(t, types.StatusStopped, snap.Status)
	require.Len(t, snap.Utterances, 1)
	assert.Equal(t, "hola", snap.Utterances[0].Text)
}

func TestStopImmediatelyThenTranscriptUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)
	_, err = h.orch.StopSession(ctx, meetID)
	require.NoError(t, err)

	_, err = h.orch.GetTranscript(ctx, meetID)
	assert.ErrorIs(t, err, types.ErrTranscriptUnavailable)
}

func TestIngestUnknownMeeting(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.IngestUtterance(context.Background(), meetID, transcript.Entry{Text: "hola"})
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestListSessionsFilter(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.orch.RequestSession(ctx, meet)
	require.NoError(t, err)
	_, err = h.orch.RequestSession(ctx, types.JoinRequest{NativeMeetingID: "zzz-yyyy-xxx"})
	require.NoError(t, err)
	_, err = h.orch.StopSession(ctx, meetID)
	require.NoError(t, err)

	assert.Len(t, h.orch.ListSessions(), 2)
	active := h.orch.ListSessions(types.StatusActive)
	require.Len(t, active, 1)
	assert.Equal(t, types.MeetingID("google_meet:zzz-yyyy-xxx"), active[0].MeetingID)
	assert.Len(t, h.orch.ListSessions(types.StatusStopped, types.StatusFailed), 1)
}

func TestResolveMeetingID(t *testing.T) {
	h := newHarness(t, Config{})
	assert.Equal(t, meetID, h.orch.ResolveMeetingID("abc-defg-hij"))
	assert.Equal(t, types.MeetingID("zoom:123456789"), h.orch.ResolveMeetingID("zoom:123456789"))
}
