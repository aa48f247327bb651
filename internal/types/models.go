// internal/types/models.go
package types

import (
	"time"
)

// SessionStatus is the lifecycle state of a bot session.
type SessionStatus string

const (
	StatusRequested SessionStatus = "requested"
	StatusStarting  SessionStatus = "starting"
	StatusActive    SessionStatus = "active"
	StatusStopping  SessionStatus = "stopping"
	StatusStopped   SessionStatus = "stopped"
	StatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

type SessionRecord struct {
	SessionID       SessionID     `json:"session_id"`
	MeetingID       MeetingID     `json:"meeting_id"`
	Platform        string        `json:"platform"`
	NativeMeetingID string        `json:"native_meeting_id"`
	MeetingURL      string        `json:"meeting_url"`
	BotName         string        `json:"bot_name"`
	Language        string        `json:"language"`
	WorkerHandle    WorkerHandle  `json:"worker_handle,omitempty"`
	Status          SessionStatus `json:"status"`
	StopRequested   bool          `json:"stop_requested,omitempty"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// Clone returns a deep copy safe to hand out to callers.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndedAt != nil {
		ended := *r.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

// JoinRequest is what a caller supplies to put a bot into a meeting.
type JoinRequest struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	BotName         string `json:"bot_name"`
	Language        string `json:"language"`
}

// WorkerSpec is everything a runtime needs to launch one worker.
type WorkerSpec struct {
	SessionID  SessionID
	MeetingID  MeetingID
	MeetingURL string
	BotName    string
	Language   string
	Env        map[string]string
}

// Environ renders the worker environment contract as KEY=VALUE pairs.
// Extra entries never override the contract variables.
func (s WorkerSpec) Environ() []string {
	env := make([]string, 0, len(s.Env)+5)
	for k, v := range s.Env {
		switch k {
		case "MEETING_URL", "BOT_NAME", "LANGUAGE", "MEETING_ID", "SESSION_ID":
			continue
		}
		env = append(env, k+"="+v)
	}
	return append(env,
		"MEETING_URL="+s.MeetingURL,
		"BOT_NAME="+s.BotName,
		"LANGUAGE="+s.Language,
		"MEETING_ID="+string(s.MeetingID),
		"SESSION_ID="+string(s.SessionID),
	)
}

type WorkerState string

const (
	WorkerRunning WorkerState = "running"
	WorkerExited  WorkerState = "exited"
	WorkerUnknown WorkerState = "unknown"
)

// WorkerStatus is a point-in-time observation of a worker. ExitCode is
// only meaningful when State is WorkerExited.
type WorkerStatus struct {
	State    WorkerState `json:"state"`
	ExitCode int         `json:"exit_code,omitempty"`
}

// Utterance is one timestamped line of transcript produced by a worker.
type Utterance struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// TranscriptSnapshot is the transcript available at FetchedAt. Partial is
// true while the session may still produce utterances.
// LastSeq is the newest seq on record, so a caller paging with Since knows
// where the log ends.
type TranscriptSnapshot struct {
	MeetingID  MeetingID     `json:"meeting_id"`
	Status     SessionStatus `json:"status"`
	Partial    bool          `json:"partial"`
	Utterances []Utterance   `json:"utterances"`
	LastSeq    int64         `json:"last_seq"`
	HasMore    bool          `json:"has_more,omitempty"`
	FetchedAt  time.Time     `json:"fetched_at"`
	TokenCount int           `json:"token_count,omitempty"`
}

// TranscriptQuery selects a window of a transcript. The zero value selects
// everything.
type TranscriptQuery struct {
	Since int64 // only utterances with a greater seq
	Limit int   // at most this many; 0 means no limit
}

// Notification describes a committed session lifecycle change.
type Notification struct {
	MeetingID MeetingID     `json:"meeting_id"`
	SessionID SessionID     `json:"session_id"`
	Status    SessionStatus `json:"status"`
	BotName   string        `json:"bot_name"`
	Message   string        `json:"message,omitempty"`
	At        time.Time     `json:"at"`
}
