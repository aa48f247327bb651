package transcript

import (
	"log/slog"
	"sync"

	"github.com/user/meetbot/internal/types"
)

const subscriberBuffer = 64

type subscriber struct {
	ch   chan types.Utterance
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans new utterances out to live subscribers of a meeting. A
// subscriber that falls behind by more than its buffer is disconnected.
type Hub struct {
	mu   sync.Mutex
	subs map[types.MeetingID]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[types.MeetingID]map[*subscriber]struct{})}
}

// Subscribe returns a channel of utterances appended after the call and a
// cancel func that must be called to release it.
func (h *Hub) Subscribe(id types.MeetingID) (<-chan types.Utterance, func()) {
	sub := &subscriber{ch: make(chan types.Utterance, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[id] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.drop(id, sub) }
}

func (h *Hub) drop(id types.MeetingID, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish delivers u to every subscriber of the meeting without blocking.
func (h *Hub) Publish(id types.MeetingID, u types.Utterance) {
	h.mu.Lock()
	var lagging []*subscriber
	for sub := range h.subs[id] {
		select {
		case sub.ch <- u:
		default:
			lagging = append(lagging, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range lagging {
		slog.Warn("transcript subscriber too slow, disconnecting", "meeting_id", id)
		h.drop(id, sub)
	}
}

// Subscribers returns the number of live subscribers for the meeting.
func (h *Hub) Subscribers(id types.MeetingID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}
