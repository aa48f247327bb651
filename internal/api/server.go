// Package api exposes the session orchestrator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/meetbot/internal/registry"
	"github.com/user/meetbot/internal/transcript"
	"github.com/user/meetbot/internal/types"
)

const maxBodyBytes = 1 << 20

// maxPageLimit caps the limit parameter of listing endpoints.
const maxPageLimit = 1000

// Service is the orchestrator as seen by the HTTP layer.
type Service interface {
	RequestSession(ctx context.Context, req types.JoinRequest) (*types.SessionRecord, error)
	StopSession(ctx context.Context, id types.MeetingID) (*types.SessionRecord, error)
	GetTranscriptWindow(ctx context.Context, id types.MeetingID, q types.TranscriptQuery) (*types.TranscriptSnapshot, error)
	IngestUtterance(ctx context.Context, id types.MeetingID, e transcript.Entry) (types.Utterance, error)
	GetSession(id types.MeetingID) (*types.SessionRecord, error)
	ListSessions(statuses ...types.SessionStatus) []*types.SessionRecord
	ResolveMeetingID(raw string) types.MeetingID
}

// Feed streams newly ingested utterances.
type Feed interface {
	Subscribe(id types.MeetingID) (<-chan types.Utterance, func())
}

// Server is the HTTP handler for the bot and transcript endpoints.
type Server struct {
	svc  Service
	feed Feed
	mux  *http.ServeMux
}

// NewServer creates a Server. A nil feed disables the live stream endpoint.
func NewServer(svc Service, feed Feed) *Server {
	s := &Server{
		svc:  svc,
		feed: feed,
		mux:  http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /bots", s.handleRequestBot)
	s.mux.HandleFunc("GET /bots", s.handleListBots)
	s.mux.HandleFunc("GET /bots/{meeting_id}", s.handleGetBot)
	s.mux.HandleFunc("DELETE /bots/{meeting_id}", s.handleStopBot)
	s.mux.HandleFunc("GET /transcripts/{meeting_id}", s.handleGetTranscript)
	s.mux.HandleFunc("POST /transcripts/{meeting_id}", s.handleIngest)
	s.mux.HandleFunc("GET /transcripts/{meeting_id}/stream", s.handleStream)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BotResponse is returned by POST /bots.
type BotResponse struct {
	MeetingID      types.MeetingID     `json:"meeting_id"`
	BotContainerID types.WorkerHandle  `json:"bot_container_id"`
	Status         types.SessionStatus `json:"status"`
	Message        string              `json:"message"`
	SessionID      types.SessionID     `json:"session_id"`
}

func (s *Server) handleRequestBot(w http.ResponseWriter, r *http.Request) {
	var req types.JoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}

	rec, err := s.svc.RequestSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	msg := "Bot requested, it will be admitted in about 10 seconds"
	if rec.Status == types.StatusStopped {
		msg = "Bot was stopped before it joined"
	}
	writeJSON(w, http.StatusCreated, BotResponse{
		MeetingID:      rec.MeetingID,
		BotContainerID: rec.WorkerHandle,
		Status:         rec.Status,
		Message:        msg,
		SessionID:      rec.SessionID,
	})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	var statuses []types.SessionStatus
	if q := r.URL.Query().Get("status"); q != "" {
		for _, part := range strings.Split(q, ",") {
			st := types.SessionStatus(strings.TrimSpace(part))
			if err := registry.ValidateStatus(st); err != nil {
				writeMessage(w, http.StatusBadRequest, "invalid_status", "unknown status "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	limit, err := intParam(r, "limit", maxPageLimit)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	recs := s.svc.ListSessions(statuses...)
	w.Header().Set("X-Total-Count", strconv.Itoa(len(recs)))
	recs = recs[min(offset, len(recs)):]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []*types.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetSession(s.meetingID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StopResponse is returned by DELETE /bots/{meeting_id}.
type StopResponse struct {
	MeetingID types.MeetingID     `json:"meeting_id"`
	Status    types.SessionStatus `json:"status"`
}

func (s *Server) handleStopBot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.StopSession(r.Context(), s.meetingID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StopResponse{MeetingID: rec.MeetingID, Status: rec.Status})
}

// TranscriptResponse is returned by GET /transcripts/{meeting_id}.
type TranscriptResponse struct {
	MeetingID  types.MeetingID     `json:"meeting_id"`
	Status     types.SessionStatus `json:"status"`
	Partial    bool                `json:"partial"`
	Transcript string              `json:"transcript"`
	Utterances []types.Utterance   `json:"utterances"`
	LastSeq    int64               `json:"last_seq"`
	HasMore    bool                `json:"has_more"`
	TokenCount int                 `json:"token_count,omitempty"`
	FetchedAt  time.Time           `json:"fetched_at"`
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	q, err := transcriptQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	snap, err := s.svc.GetTranscriptWindow(r.Context(), s.meetingID(r), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TranscriptResponse{
		MeetingID:  snap.MeetingID,
		Status:     snap.Status,
		Partial:    snap.Partial,
		Transcript: transcript.JoinText(snap.Utterances),
		Utterances: snap.Utterances,
		LastSeq:    snap.LastSeq,
		HasMore:    snap.HasMore,
		TokenCount: snap.TokenCount,
		FetchedAt:  snap.FetchedAt,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var entry transcript.Entry
	if err := decodeBody(w, r, &entry); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}

	u, err := s.svc.IngestUtterance(r.Context(), s.meetingID(r), entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) meetingID(r *http.Request) types.MeetingID {
	return s.svc.ResolveMeetingID(r.PathValue("meeting_id"))
}

// transcriptQuery reads ?since=<seq>&limit=<n>. A missing limit means the
// whole remainder of the transcript.
func transcriptQuery(r *http.Request) (types.TranscriptQuery, error) {
	since, err := intParam(r, "since", 0)
	if err != nil {
		return types.TranscriptQuery{}, err
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		return types.TranscriptQuery{}, err
	}
	return types.TranscriptQuery{Since: int64(since), Limit: limit}, nil
}

// intParam parses a non-negative integer query parameter. Limits above
// maxPageLimit are rejected.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	if name == "limit" && n > maxPageLimit {
		return 0, fmt.Errorf("limit must be at most %d", maxPageLimit)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{types.ErrInvalidSpec, http.StatusBadRequest, "invalid_spec"},
	{types.ErrDuplicateSession, http.StatusConflict, "duplicate_session"},
	{types.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{types.ErrHandleNotFound, http.StatusNotFound, "handle_not_found"},
	{types.ErrTranscriptUnavailable, http.StatusNotFound, "transcript_unavailable"},
	{types.ErrRuntimeUnavailable, http.StatusServiceUnavailable, "runtime_unavailable"},
	{types.ErrResourceExhausted, http.StatusTooManyRequests, "resource_exhausted"},
	{types.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{types.ErrSessionActive, http.StatusConflict, "session_active"},
}

// StatusFor maps an error to its HTTP status and error code. Several kinds
// share a status (404 for a missing session, handle or transcript; 409 for
// duplicates, bad transitions and active sessions), so clients should switch
// on the code, which is unique per kind.
func StatusFor(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		slog.Warn("request rejected", "code", code, "error", err)
		w.Header().Set("Retry-After", "30")
	}
	writeMessage(w, status, code, msg)
}

func writeMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
