package transcript

import (
	"context"
	"fmt"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/meetbot/internal/types"
)

// DefaultSpeaker labels utterances whose speaker could not be identified.
const DefaultSpeaker = "Unknown"

// Size caps on a normalised utterance, in bytes.
const (
	MaxTextBytes    = 64 << 10
	MaxSpeakerBytes = 256
)

// Entry is an utterance as reported by a worker, before normalisation.
// HTML is used instead of Text when the worker scraped caption markup.
type Entry struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	HTML       string    `json:"html"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence"`
}

// Gateway is the read/write surface over stored transcripts.
type Gateway struct {
	store  *Store
	hub    *Hub
	tokens TokenCounter
	now    func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTokenCounter makes Fetch fill in TokenCount.
func WithTokenCounter(tc TokenCounter) Option {
	return func(g *Gateway) { g.tokens = tc }
}

func NewGateway(store *Store, opts ...Option) *Gateway {
	g := &Gateway{
		store: store,
		hub:   NewHub(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Append normalises e, records it and publishes it to live subscribers.
func (g *Gateway) Append(ctx context.Context, id types.MeetingID, e Entry) (types.Utterance, error) {
	text, err := normalise(e)
	if err != nil {
		return types.Utterance{}, err
	}
	if text == "" {
		return types.Utterance{}, fmt.Errorf("%w: empty utterance", types.ErrInvalidSpec)
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return types.Utterance{}, fmt.Errorf("%w: confidence %v out of range", types.ErrInvalidSpec, *e.Confidence)
	}

	if len(text) > MaxTextBytes {
		return types.Utterance{}, fmt.Errorf("%w: utterance text is %d bytes, limit %d", types.ErrInvalidSpec, len(text), MaxTextBytes)
	}
	if n := len(strings.TrimSpace(e.Speaker)); n > MaxSpeakerBytes {
		return types.Utterance{}, fmt.Errorf("%w: speaker is %d bytes, limit %d", types.ErrInvalidSpec, n, MaxSpeakerBytes)
	}

	u := types.Utterance{
		Timestamp:  e.Timestamp,
		Speaker:    strings.TrimSpace(e.Speaker),
		Text:       text,
		Confidence: e.Confidence,
	}
	if u.Speaker == "" {
		u.Speaker = DefaultSpeaker
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = g.now().UTC()
	}

	if err := g.store.Append(ctx, id, &u); err != nil {
		return types.Utterance{}, err
	}
	g.hub.Publish(id, u)
	return u, nil
}

// Fetch returns everything recorded so far for the meeting. Session status
// is left for the caller to fill in.
func (g *Gateway) Fetch(ctx context.Context, id types.MeetingID) (*types.TranscriptSnapshot, error) {
	return g.FetchWindow(ctx, id, types.TranscriptQuery{})
}

// FetchWindow is Fetch restricted to q. It reports ErrTranscriptUnavailable
// only when nothing at all has been recorded; a window past the end yields
// an empty snapshot. TokenCount covers the window.
func (g *Gateway) FetchWindow(ctx context.Context, id types.MeetingID, q types.TranscriptQuery) (*types.TranscriptSnapshot, error) {
	page, err := g.store.ReadWindow(ctx, id, q)
	if err != nil {
		return nil, err
	}
	if page.LastSeq == 0 {
		return nil, fmt.Errorf("%w: nothing recorded for %s", types.ErrTranscriptUnavailable, id)
	}

	utts := page.Utterances
	if utts == nil {
		utts = []types.Utterance{}
	}
	snap := &types.TranscriptSnapshot{
		MeetingID:  id,
		Utterances: utts,
		LastSeq:    page.LastSeq,
		HasMore:    page.HasMore,
		FetchedAt:  g.now().UTC(),
	}
	if g.tokens != nil && len(utts) > 0 {
		snap.TokenCount = g.tokens.Count(JoinText(utts))
	}
	return snap, nil
}

// Subscribe streams utterances appended from now on.
func (g *Gateway) Subscribe(id types.MeetingID) (<-chan types.Utterance, func()) {
	return g.hub.Subscribe(id)
}

// JoinText renders utterances as "Speaker: text" lines.
func JoinText(utts []types.Utterance) string {
	var b strings.Builder
	for i, u := range utts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(u.Speaker)
		b.WriteString(": ")
		b.WriteString(u.Text)
	}
	return b.String()
}

func normalise(e Entry) (string, error) {
	text := e.Text
	if strings.TrimSpace(e.HTML) != "" {
		md, err := htmltomarkdown.ConvertString(e.HTML)
		if err != nil {
			return "", fmt.Errorf("%w: convert caption html: %v", types.ErrInvalidSpec, err)
		}
		text = md
	}
	return strings.Join(strings.Fields(text), " "), nil
}
