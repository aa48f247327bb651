package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/meetbot/internal/types"
)

const (
	writeWait   = 10 * time.Second
	pingPeriod  = 30 * time.Second
	backlogPage = 500
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream sends the utterances recorded after ?since, then every new
// one, until the client goes away. The backlog is read ?limit utterances
// at a time.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeMessage(w, http.StatusNotImplemented, "stream_disabled", "live transcript stream not configured")
		return
	}
	q, err := transcriptQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if q.Limit == 0 {
		q.Limit = backlogPage
	}
	id := s.meetingID(r)
	if _, err := s.svc.GetSession(id); err != nil {
		writeError(w, err)
		return
	}

	// Subscribe before reading the backlog so nothing falls in between.
	live, cancel := s.feed.Subscribe(id)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "meeting_id", id, "error", err)
		return
	}
	defer conn.Close()

	last, err := s.sendBacklog(r, conn, id, q)
	if err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case u, ok := <-live:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(writeWait))
				return
			}
			if u.Seq <= last {
				continue
			}
			if err := writeUtterance(conn, u); err != nil {
				return
			}
			last = u.Seq
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeUtterance(conn *websocket.Conn, u types.Utterance) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(u)
}

// sendBacklog writes the recorded utterances after q.Since and returns the
// seq of the last one sent.
func (s *Server) sendBacklog(r *http.Request, conn *websocket.Conn, id types.MeetingID, q types.TranscriptQuery) (int64, error) {
	last := q.Since
	for {
		snap, err := s.svc.GetTranscriptWindow(r.Context(), id, types.TranscriptQuery{Since: last, Limit: q.Limit})
		if errors.Is(err, types.ErrTranscriptUnavailable) {
			return last, nil
		}
		if err != nil {
			slog.Warn("load transcript backlog failed", "meeting_id", id, "error", err)
			return last, nil
		}
		for _, u := range snap.Utterances {
			if err := writeUtterance(conn, u); err != nil {
				return last, err
			}
			last = u.Seq
		}
		if !snap.HasMore || len(snap.Utterances) == 0 {
			return last, nil
		}
	}
}
