// Package registry holds the authoritative set of bot sessions, keyed by
// meeting, and enforces their lifecycle rules.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/meetbot/internal/types"
)

// maxRetiredHandles bounds the handles remembered after their records are
// replaced or pruned. The oldest are forgotten first.
const maxRetiredHandles = 10000

// Registry maps meetings to their session records. At most one
// non-terminal record exists per meeting. When path is set, every
// mutation is followed by an atomic JSON snapshot of all records.
//
// A worker handle binds to one record for good: handles of replaced or
// removed records are retired and refused afterwards, up to the last
// maxRetiredHandles of them.
type Registry struct {
	mu      sync.RWMutex
	records map[types.MeetingID]*types.SessionRecord
	handles map[types.WorkerHandle]types.MeetingID
	retired map[types.WorkerHandle]struct{}
	order   []types.WorkerHandle // retired, oldest first
	path    string
	now     func() time.Time
}

// snapshot is the on-disk form. Older snapshots are a bare array of
// records.
type snapshot struct {
	Sessions       []*types.SessionRecord `json:"sessions"`
	RetiredHandles []types.WorkerHandle   `json:"retired_handles,omitempty"`
}

// New creates a Registry. An empty path keeps the registry in memory only.
func New(path string) *Registry {
	return &Registry{
		records: make(map[types.MeetingID]*types.SessionRecord),
		handles: make(map[types.WorkerHandle]types.MeetingID),
		retired: make(map[types.WorkerHandle]struct{}),
		path:    path,
		now:     time.Now,
	}
}

// SnapshotPath returns the conventional snapshot location under dataDir.
func SnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "sessions", "sessions.json")
}

// Load replaces the in-memory state with the snapshot on disk. A missing
// snapshot leaves the registry empty.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session snapshot: %w", err)
	}

	var snap snapshot
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &snap.Sessions)
	} else {
		err = json.Unmarshal(data, &snap)
	}
	if err != nil {
		return fmt.Errorf("unmarshal session snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[types.MeetingID]*types.SessionRecord, len(snap.Sessions))
	r.handles = make(map[types.WorkerHandle]types.MeetingID)
	r.retired = make(map[types.WorkerHandle]struct{}, len(snap.RetiredHandles))
	r.order = nil
	for _, h := range snap.RetiredHandles {
		r.retireLocked(h)
	}
	for _, rec := range snap.Sessions {
		if err := ValidateStatus(rec.Status); err != nil {
			return fmt.Errorf("session %s: %w", rec.MeetingID, err)
		}
		r.records[rec.MeetingID] = rec
		if rec.WorkerHandle != "" {
			r.handles[rec.WorkerHandle] = rec.MeetingID
		}
	}
	return nil
}

// Register inserts rec, replacing a terminal record for the same meeting.
func (r *Registry) Register(rec *types.SessionRecord) error {
	if rec == nil || rec.MeetingID == "" {
		return fmt.Errorf("%w: record requires a meeting id", types.ErrInvalidSpec)
	}
	if err := ValidateStatus(rec.Status); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, replacing := r.records[rec.MeetingID]
	if replacing && !existing.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", types.ErrDuplicateSession, rec.MeetingID, existing.Status)
	}
	if rec.WorkerHandle != "" {
		if err := r.handleFreeLocked(rec.WorkerHandle, ""); err != nil {
			return err
		}
	}
	if replacing {
		r.retireLocked(existing.WorkerHandle)
	}

	stored := rec.Clone()
	now := r.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	r.records[stored.MeetingID] = stored
	if stored.WorkerHandle != "" {
		r.handles[stored.WorkerHandle] = stored.MeetingID
	}
	r.persistLocked()
	return nil
}

// Lookup returns a copy of the record for id.
func (r *Registry) Lookup(id types.MeetingID) (*types.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	return rec.Clone(), nil
}

// UpdateStatus moves the record to status and returns the updated copy.
func (r *Registry) UpdateStatus(id types.MeetingID, status types.SessionStatus) (*types.SessionRecord, error) {
	return r.mutate(id, func(rec *types.SessionRecord) error {
		return r.transitionLocked(rec, status)
	})
}

// Fail moves the record to Failed and records cause.
func (r *Registry) Fail(id types.MeetingID, cause error) (*types.SessionRecord, error) {
	return r.mutate(id, func(rec *types.SessionRecord) error {
		if err := r.transitionLocked(rec, types.StatusFailed); err != nil {
			return err
		}
		if cause != nil {
			rec.Error = cause.Error()
		}
		return nil
	})
}

// SetHandle binds a worker handle to a non-terminal record.
func (r *Registry) SetHandle(id types.MeetingID, handle types.WorkerHandle) (*types.SessionRecord, error) {
	return r.mutate(id, func(rec *types.SessionRecord) error {
		if rec.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", types.ErrInvalidTransition, id, rec.Status)
		}
		if err := r.handleFreeLocked(handle, id); err != nil {
			return err
		}
		if rec.WorkerHandle != "" && rec.WorkerHandle != handle {
			return fmt.Errorf("%w: %s already has handle %s", types.ErrInvalidTransition, id, rec.WorkerHandle)
		}
		rec.WorkerHandle = handle
		r.handles[handle] = id
		return nil
	})
}

// MarkStopRequested flags a non-terminal record so an in-flight start
// stops the worker as soon as it commits.
func (r *Registry) MarkStopRequested(id types.MeetingID) (*types.SessionRecord, error) {
	return r.mutate(id, func(rec *types.SessionRecord) error {
		if rec.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", types.ErrInvalidTransition, id, rec.Status)
		}
		rec.StopRequested = true
		return nil
	})
}

// Remove deletes a terminal record.
func (r *Registry) Remove(id types.MeetingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", types.ErrSessionActive, id, rec.Status)
	}
	delete(r.records, id)
	r.retireLocked(rec.WorkerHandle)
	r.persistLocked()
	return nil
}

// List returns copies of all records, newest first.
func (r *Registry) List() []*types.SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.SessionRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// handleFreeLocked fails if handle is bound to a record other than id or
// has been retired.
func (r *Registry) handleFreeLocked(handle types.WorkerHandle, id types.MeetingID) error {
	if owner, ok := r.handles[handle]; ok && owner != id {
		return fmt.Errorf("%w: handle %s already bound to %s", types.ErrInvalidSpec, handle, owner)
	}
	if _, ok := r.retired[handle]; ok {
		return fmt.Errorf("%w: handle %s belonged to an earlier session", types.ErrInvalidSpec, handle)
	}
	return nil
}

// retireLocked unbinds handle and refuses it from now on.
func (r *Registry) retireLocked(handle types.WorkerHandle) {
	if handle == "" {
		return
	}
	delete(r.handles, handle)
	if _, ok := r.retired[handle]; ok {
		return
	}
	r.retired[handle] = struct{}{}
	r.order = append(r.order, handle)
	if len(r.order) > maxRetiredHandles {
		delete(r.retired, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Registry) mutate(id types.MeetingID, fn func(rec *types.SessionRecord) error) (*types.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrSessionNotFound, id)
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = r.now()
	r.persistLocked()
	return rec.Clone(), nil
}

func (r *Registry) transitionLocked(rec *types.SessionRecord, to types.SessionStatus) error {
	if err := ValidateTransition(rec.Status, to); err != nil {
		return fmt.Errorf("session %s: %w", rec.MeetingID, err)
	}
	rec.Status = to
	if to.IsTerminal() {
		ended := r.now()
		rec.EndedAt = &ended
	}
	return nil
}

// persistLocked writes the snapshot. The in-memory state stays
// authoritative, so a failed write is logged rather than returned.
func (r *Registry) persistLocked() {
	if r.path == "" {
		return
	}
	if err := r.saveLocked(); err != nil {
		slog.Warn("persist session snapshot failed", "path", r.path, "error", err)
	}
}

func (r *Registry) saveLocked() error {
	records := make([]*types.SessionRecord, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].MeetingID < records[j].MeetingID
	})

	data, err := json.MarshalIndent(snapshot{Sessions: records, RetiredHandles: r.order}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp snapshot: %w", err)
	}
	return nil
}
