// Package orchestrator maps meeting requests onto isolated workers and
// drives each session through its lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/user/meetbot/internal/registry"
	"github.com/user/meetbot/internal/transcript"
	"github.com/user/meetbot/internal/types"
)

// Transcripts is the transcript gateway as seen by the orchestrator.
type Transcripts interface {
	types.TranscriptSource
	FetchWindow(ctx context.Context, id types.MeetingID, q types.TranscriptQuery) (*types.TranscriptSnapshot, error)
	Append(ctx context.Context, id types.MeetingID, e transcript.Entry) (types.Utterance, error)
}

// Config holds the defaults and limits applied to every session.
type Config struct {
	DefaultPlatform string
	DefaultBotName  string
	DefaultLanguage string
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	// PublicURL is the externally reachable base URL of the HTTP API. When
	// set, workers are told where to post utterances.
	PublicURL string
	WorkerEnv map[string]string
}

func (c *Config) applyDefaults() {
	if c.DefaultPlatform == "" {
		c.DefaultPlatform = PlatformGoogleMeet
	}
	if c.DefaultBotName == "" {
		c.DefaultBotName = "Notetaker"
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "es"
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 60 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(types.Notification) {}

// Orchestrator is the public face of the session lifecycle. It is safe for
// concurrent use; operations on one meeting are serialised while distinct
// meetings proceed in parallel.
type Orchestrator struct {
	reg         *registry.Registry
	rt          types.WorkerRuntime
	transcripts Transcripts
	notifier    types.Notifier
	cfg         Config
	locks       *keyLocks
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sends lifecycle notifications to n.
func WithNotifier(n types.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func New(reg *registry.Registry, rt types.WorkerRuntime, transcripts Transcripts, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		reg:         reg,
		rt:          rt,
		transcripts: transcripts,
		notifier:    nopNotifier{},
		cfg:         cfg,
		locks:       newKeyLocks(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ResolveMeetingID accepts either a full "<platform>:<id>" identifier or a
// bare native id on the default platform.
func (o *Orchestrator) ResolveMeetingID(raw string) types.MeetingID {
	if strings.Contains(raw, ":") {
		return types.MeetingID(raw)
	}
	return types.NewMeetingID(o.cfg.DefaultPlatform, raw)
}

// RequestSession validates req, registers a session and starts its worker.
// On success the returned record is Active, or Stopped when a stop arrived
// while the worker was starting. On failure the session is left Failed.
func (o *Orchestrator) RequestSession(ctx context.Context, req types.JoinRequest) (*types.SessionRecord, error) {
	req = o.withDefaults(req)
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	meetingURL, err := MeetingURL(req.Platform, req.NativeMeetingID)
	if err != nil {
		return nil, err
	}
	id := types.NewMeetingID(req.Platform, req.NativeMeetingID)

	lock := o.locks.get(id)
	lock.Lock()
	rec := &types.SessionRecord{
		SessionID:       types.NewSessionID(),
		MeetingID:       id,
		Platform:        req.Platform,
		NativeMeetingID: req.NativeMeetingID,
		MeetingURL:      meetingURL,
		BotName:         req.BotName,
		Language:        req.Language,
		Status:          types.StatusRequested,
	}
	if err := o.reg.Register(rec); err != nil {
		lock.Unlock()
		return nil, err
	}
	if _, err := o.reg.UpdateStatus(id, types.StatusStarting); err != nil {
		o.failLocked(id, err)
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()

	slog.Info("starting worker", "meeting_id", id, "session_id", rec.SessionID, "bot_name", rec.BotName)
	spec := o.workerSpec(rec)
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StartTimeout)
	handle, startErr := o.rt.Start(startCtx, spec)
	if startErr != nil && errors.Is(startCtx.Err(), context.DeadlineExceeded) {
		startErr = fmt.Errorf("%w: worker start timed out after %s: %v", types.ErrRuntimeUnavailable, o.cfg.StartTimeout, startErr)
	}
	cancel()

	lock.Lock()
	defer lock.Unlock()

	if startErr != nil {
		slog.Error("worker start failed", "meeting_id", id, "error", startErr)
		o.failLocked(id, startErr)
		return nil, startErr
	}

	cur, err := o.reg.SetHandle(id, handle)
	if err != nil {
		slog.Error("bind worker handle failed", "meeting_id", id, "handle", handle, "error", err)
		if stopErr := o.stopWorker(ctx, handle); stopErr != nil {
			slog.Warn("stop orphaned worker failed", "handle", handle, "error", stopErr)
		}
		o.failLocked(id, err)
		return nil, err
	}

	if cur.StopRequested {
		slog.Info("stop requested during start", "meeting_id", id, "handle", handle)
		if _, err := o.reg.UpdateStatus(id, types.StatusStopping); err != nil {
			return nil, err
		}
		return o.commitStop(id, o.stopWorker(ctx, handle))
	}

	active, err := o.reg.UpdateStatus(id, types.StatusActive)
	if err != nil {
		return nil, err
	}
	slog.Info("worker started", "meeting_id", id, "handle", handle)
	o.notify(active, "Bot "+active.BotName+" is joining "+active.MeetingURL)
	return active, nil
}

// StopSession stops the meeting's worker. Stopping a session that has
// already ended returns it unchanged. A stop that lands while the worker is
// still starting is recorded and carried out once the start commits.
//
// A call that races another stop already in progress does not wait for it:
// it returns the record in Stopping and leaves the runtime alone. Poll
// GetSession for the outcome.
func (o *Orchestrator) StopSession(ctx context.Context, id types.MeetingID) (*types.SessionRecord, error) {
	lock := o.locks.get(id)
	lock.Lock()

	rec, err := o.reg.Lookup(id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	switch rec.Status {
	case types.StatusStopped, types.StatusFailed, types.StatusStopping:
		lock.Unlock()
		return rec, nil
	case types.StatusRequested, types.StatusStarting:
		rec, err = o.reg.MarkStopRequested(id)
		lock.Unlock()
		if err == nil {
			slog.Info("stop deferred until worker start completes", "meeting_id", id)
		}
		return rec, err
	}

	rec, err = o.reg.UpdateStatus(id, types.StatusStopping)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	stopErr := o.stopWorker(ctx, rec.WorkerHandle)

	lock.Lock()
	defer lock.Unlock()
	return o.commitStop(id, stopErr)
}

// GetTranscript returns everything the meeting's worker has reported so
// far. A session that has ended still returns its transcript.
func (o *Orchestrator) GetTranscript(ctx context.Context, id types.MeetingID) (*types.TranscriptSnapshot, error) {
	return o.GetTranscriptWindow(ctx, id, types.TranscriptQuery{})
}

// GetTranscriptWindow is GetTranscript restricted to q.
func (o *Orchestrator) GetTranscriptWindow(ctx context.Context, id types.MeetingID, q types.TranscriptQuery) (*types.TranscriptSnapshot, error) {
	rec, err := o.reg.Lookup(id)
	if err != nil {
		return nil, err
	}
	snap, err := o.transcripts.FetchWindow(ctx, id, q)
	if err != nil {
		return nil, err
	}
	snap.Status = rec.Status
	snap.Partial = !rec.Status.IsTerminal()
	return snap, nil
}

// IngestUtterance records an utterance reported by the meeting's worker.
func (o *Orchestrator) IngestUtterance(ctx context.Context, id types.MeetingID, e transcript.Entry) (types.Utterance, error) {
	if _, err := o.reg.Lookup(id); err != nil {
		return types.Utterance{}, err
	}
	return o.transcripts.Append(ctx, id, e)
}

// GetSession returns the current record for the meeting.
func (o *Orchestrator) GetSession(id types.MeetingID) (*types.SessionRecord, error) {
	return o.reg.Lookup(id)
}

// ListSessions returns sessions newest first, optionally only those in
// one of statuses.
func (o *Orchestrator) ListSessions(statuses ...types.SessionStatus) []*types.SessionRecord {
	all := o.reg.List()
	if len(statuses) == 0 {
		return all
	}
	want := make(map[types.SessionStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	out := all[:0]
	for _, rec := range all {
		if want[rec.Status] {
			out = append(out, rec)
		}
	}
	return out
}

func (o *Orchestrator) withDefaults(req types.JoinRequest) types.JoinRequest {
	req.Platform = strings.TrimSpace(req.Platform)
	req.NativeMeetingID = strings.TrimSpace(req.NativeMeetingID)
	req.BotName = strings.TrimSpace(req.BotName)
	req.Language = strings.TrimSpace(req.Language)
	if req.Platform == "" {
		req.Platform = o.cfg.DefaultPlatform
	}
	if req.BotName == "" {
		req.BotName = o.cfg.DefaultBotName
	}
	if req.Language == "" {
		req.Language = o.cfg.DefaultLanguage
	}
	return req
}

func (o *Orchestrator) workerSpec(rec *types.SessionRecord) types.WorkerSpec {
	env := make(map[string]string, len(o.cfg.WorkerEnv)+1)
	for k, v := range o.cfg.WorkerEnv {
		env[k] = v
	}
	if o.cfg.PublicURL != "" {
		env["TRANSCRIPT_CALLBACK_URL"] = strings.TrimRight(o.cfg.PublicURL, "/") +
			"/transcripts/" + url.PathEscape(string(rec.MeetingID))
	}
	return types.WorkerSpec{
		SessionID:  rec.SessionID,
		MeetingID:  rec.MeetingID,
		MeetingURL: rec.MeetingURL,
		BotName:    rec.BotName,
		Language:   rec.Language,
		Env:        env,
	}
}

// stopWorker asks the runtime to stop handle. A handle the runtime no
// longer knows is already gone and counts as stopped.
func (o *Orchestrator) stopWorker(ctx context.Context, handle types.WorkerHandle) error {
	if handle == "" {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
	defer cancel()

	err := o.rt.Stop(stopCtx, handle)
	if errors.Is(err, types.ErrHandleNotFound) {
		slog.Warn("worker already gone", "handle", handle)
		return nil
	}
	return err
}

// commitStop finishes a stop for a session in Stopping. Caller must hold
// the meeting lock.
func (o *Orchestrator) commitStop(id types.MeetingID, stopErr error) (*types.SessionRecord, error) {
	if stopErr != nil {
		slog.Error("worker stop failed", "meeting_id", id, "error", stopErr)
		o.failLocked(id, stopErr)
		return nil, stopErr
	}
	rec, err := o.reg.UpdateStatus(id, types.StatusStopped)
	if err != nil {
		return nil, err
	}
	slog.Info("session stopped", "meeting_id", id)
	o.notify(rec, "Bot "+rec.BotName+" left the meeting")
	return rec, nil
}

// failLocked moves the session to Failed. Caller must hold the meeting lock.
func (o *Orchestrator) failLocked(id types.MeetingID, cause error) {
	rec, err := o.reg.Fail(id, cause)
	if err != nil {
		slog.Warn("mark session failed", "meeting_id", id, "error", err)
		return
	}
	o.notify(rec, rec.Error)
}

func (o *Orchestrator) notify(rec *types.SessionRecord, msg string) {
	o.notifier.Notify(types.Notification{
		MeetingID: rec.MeetingID,
		SessionID: rec.SessionID,
		Status:    rec.Status,
		BotName:   rec.BotName,
		Message:   msg,
		At:        o.now(),
	})
}
