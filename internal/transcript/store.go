// Package transcript stores the utterances workers report for a meeting
// and serves them back as ordered, possibly partial, snapshots.
package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/meetbot/internal/types"
)

// Store is a JSONL-backed append-only utterance log.
// Utterances are stored per meeting in transcripts/<platform>/<native_id>.jsonl.
type Store struct {
	root  string
	mu    sync.Mutex
	locks map[types.MeetingID]*sync.Mutex
	seqs  map[types.MeetingID]int64
}

// NewStore creates a file-backed Store rooted at the given directory.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[types.MeetingID]*sync.Mutex),
		seqs:  make(map[types.MeetingID]int64),
	}
}

func (s *Store) getLock(id types.MeetingID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *Store) path(id types.MeetingID) (string, error) {
	platform, native := id.Split()
	for _, part := range []string{platform, native} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: bad meeting id %q", types.ErrInvalidSpec, id)
		}
	}
	return filepath.Join(s.root, "transcripts", platform, native+".jsonl"), nil
}

// lastSeq returns the highest sequence number on disk. Caller must hold the
// meeting lock.
func (s *Store) lastSeq(id types.MeetingID, path string) (int64, error) {
	s.mu.Lock()
	seq, ok := s.seqs[id]
	s.mu.Unlock()
	if ok {
		return seq, nil
	}

	if err := trimTornTail(path); err != nil {
		return 0, err
	}
	err := scanFile(path, func(u types.Utterance) { seq = u.Seq })
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.seqs[id] = seq
	s.mu.Unlock()
	return seq, nil
}

// Append writes u to the meeting's log, assigning the next sequence number.
func (s *Store) Append(_ context.Context, id types.MeetingID, u *types.Utterance) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	last, err := s.lastSeq(id, path)
	if err != nil {
		return err
	}
	u.Seq = last + 1

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()

	// Encode writes the trailing newline. HTML escaping would inflate
	// caption text that is full of < > & by up to six times.
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(u); err != nil {
		return fmt.Errorf("write utterance: %w", err)
	}

	s.mu.Lock()
	s.seqs[id] = u.Seq
	s.mu.Unlock()
	return nil
}

// Read returns every utterance recorded for the meeting in sequence order.
// A meeting with no log yields an empty slice.
func (s *Store) Read(ctx context.Context, id types.MeetingID) ([]types.Utterance, error) {
	page, err := s.ReadWindow(ctx, id, types.TranscriptQuery{})
	if err != nil {
		return nil, err
	}
	return page.Utterances, nil
}

// Page is a window of a meeting's log.
type Page struct {
	Utterances []types.Utterance
	LastSeq    int64 // newest seq on disk, regardless of the window
	HasMore    bool  // utterances past the window exist
}

// ReadWindow returns the utterances with seq greater than q.Since, at most
// q.Limit of them when q.Limit is positive.
func (s *Store) ReadWindow(_ context.Context, id types.MeetingID, q types.TranscriptQuery) (Page, error) {
	if q.Since < 0 || q.Limit < 0 {
		return Page{}, fmt.Errorf("%w: since and limit must not be negative", types.ErrInvalidSpec)
	}
	path, err := s.path(id)
	if err != nil {
		return Page{}, err
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	var page Page
	err = scanFile(path, func(u types.Utterance) {
		page.LastSeq = u.Seq
		if u.Seq <= q.Since {
			return
		}
		if q.Limit > 0 && len(page.Utterances) >= q.Limit {
			page.HasMore = true
			return
		}
		page.Utterances = append(page.Utterances, u)
	})
	return page, err
}

// Count returns the number of utterances recorded for the meeting.
func (s *Store) Count(ctx context.Context, id types.MeetingID) (int64, error) {
	utts, err := s.Read(ctx, id)
	if err != nil {
		return 0, err
	}
	return int64(len(utts)), nil
}

// trimTornTail makes the log end in a newline so the next append starts on
// a fresh line. An unterminated tail that does not decode is dropped.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read transcript file: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if json.Valid(data[keep:]) {
		return appendNewline(path)
	}
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("trim transcript file: %w", err)
	}
	return nil
}

// scanFile calls fn for each utterance in the log. Lines have no length
// limit. A final line without a newline is read if it decodes.
func scanFile(path string, fn func(types.Utterance)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var u types.Utterance
			jerr := json.Unmarshal(line, &u)
			switch {
			case jerr == nil:
				fn(u)
			case err == io.EOF:
				// Torn write from a crash; the line was never acknowledged.
				return nil
			default:
				return fmt.Errorf("unmarshal utterance: %w", jerr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read transcript file: %w", err)
		}
	}
}

func appendNewline(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write transcript file: %w", err)
	}
	return nil
}
