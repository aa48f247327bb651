package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/meetbot/internal/retry"
	"github.com/user/meetbot/internal/types"
)

func fastRetry() *retry.Policy {
	return &retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}
}

func note(id types.MeetingID, status types.SessionStatus) types.Notification {
	return types.Notification{MeetingID: id, SessionID: "s-1", Status: status, BotName: "Notetaker", At: time.Now()}
}

func TestRegistryBroadcast(t *testing.T) {
	reg := NewRegistry()
	var got []string
	reg.Register("b", SenderFunc(func(_ context.Context, n types.Notification) error {
		got = append(got, "b")
		return errors.New("boom")
	}))
	reg.Register("a", SenderFunc(func(_ context.Context, n types.Notification) error {
		got = append(got, "a")
		return nil
	}))

	err := reg.Broadcast(context.Background(), note("zoom:123456789", types.StatusActive))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: boom")
	assert.Equal(t, []string{"a", "b"}, got)

	assert.Error(t, reg.Deliver(context.Background(), "missing", note("zoom:1", types.StatusActive)))
}

func TestDispatcherPreservesPerMeetingOrder(t *testing.T) {
	reg := NewRegistry()
	var mu sync.Mutex
	var order []types.SessionStatus
	reg.Register("rec", SenderFunc(func(_ context.Context, n types.Notification) error {
		mu.Lock()
		order = append(order, n.Status)
		mu.Unlock()
		return nil
	}))

	d := NewDispatcher(reg, fastRetry(), 2)
	d.Start(context.Background())
	defer d.Stop()

	id := types.MeetingID("google_meet:abc-defg-hij")
	for _, s := range []types.SessionStatus{types.StatusActive, types.StatusStopping, types.StatusStopped} {
		d.Notify(note(id, s))
	}
	require.True(t, d.WaitIdle(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []types.SessionStatus{types.StatusActive, types.StatusStopping, types.StatusStopped}, order)
}

func TestDispatcherConcurrencyBound(t *testing.T) {
	reg := NewRegistry()
	var running, maxSeen int32
	reg.Register("slow", SenderFunc(func(context.Context, types.Notification) error {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if cur <= old || atomic.CompareAndSwapInt32(&maxSeen, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}))

	d := NewDispatcher(reg, fastRetry(), 2)
	d.Start(context.Background())
	defer d.Stop()

	for _, code := range []string{"1", "2", "3", "4", "5"} {
		d.Notify(note(types.NewMeetingID("zoom", code), types.StatusActive))
	}
	require.True(t, d.WaitIdle(2*time.Second))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(2))
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.Register("flaky", SenderFunc(func(context.Context, types.Notification) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}))
	var permanentCalls int32
	reg.Register("broken", SenderFunc(func(context.Context, types.Notification) error {
		atomic.AddInt32(&permanentCalls, 1)
		return retry.Permanent(errors.New("webhook returned 404 Not Found"))
	}))

	d := NewDispatcher(reg, fastRetry(), 1)
	d.Start(context.Background())
	defer d.Stop()

	d.Notify(note("zoom:123456789", types.StatusFailed))
	require.True(t, d.WaitIdle(2*time.Second))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&permanentCalls))
}

func TestDispatcherDropsWhenNotStarted(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.Register("rec", SenderFunc(func(context.Context, types.Notification) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	d := NewDispatcher(reg, fastRetry(), 1)
	d.Notify(note("zoom:1", types.StatusActive))
	assert.True(t, d.WaitIdle(100*time.Millisecond))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	d.Start(context.Background())
	d.Stop()
	d.Notify(note("zoom:1", types.StatusActive))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestWebhookSend(t *testing.T) {
	var got types.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := note("google_meet:abc-defg-hij", types.StatusStopped)
	require.NoError(t, NewWebhook(srv.URL).Send(context.Background(), n))
	assert.Equal(t, n.MeetingID, got.MeetingID)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestWebhookErrorClassification(t *testing.T) {
	for code, permanent := range map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusNotFound:            true,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          false,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		err := NewWebhook(srv.URL).Send(context.Background(), note("zoom:1", types.StatusActive))
		srv.Close()

		require.Error(t, err, code)
		assert.Equal(t, permanent, retry.IsPermanent(err), code)
	}
}

type fakeBot struct {
	sent    []tgbotapi.MessageConfig
	failMD  bool
	failAll error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg)
	if f.failAll != nil {
		return tgbotapi.Message{}, f.failAll
	}
	if f.failMD && msg.ParseMode != "" {
		return tgbotapi.Message{}, errors.New("Bad Request: can't parse entities")
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramSend(t *testing.T) {
	bot := &fakeBot{}
	tg := &Telegram{bot: bot, chatID: 42}

	n := note("google_meet:abc-defg-hij", types.StatusActive)
	n.Message = "Bot Notetaker is joining https://meet.google.com/abc-defg-hij"
	require.NoError(t, tg.Send(context.Background(), n))

	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Equal(t, tgbotapi.ModeMarkdown, bot.sent[0].ParseMode)
	assert.Contains(t, bot.sent[0].Text, "Bot joined")
	assert.Contains(t, bot.sent[0].Text, "google_meet:abc-defg-hij")
}

func TestTelegramFallsBackToPlainText(t *testing.T) {
	bot := &fakeBot{failMD: true}
	tg := &Telegram{bot: bot, chatID: 42}

	require.NoError(t, tg.Send(context.Background(), note("zoom:123456789", types.StatusFailed)))
	require.Len(t, bot.sent, 2)
	assert.Equal(t, "", bot.sent[1].ParseMode)
}

func TestTelegramClientErrorsArePermanent(t *testing.T) {
	bot := &fakeBot{failAll: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	tg := &Telegram{bot: bot, chatID: 42}

	err := tg.Send(context.Background(), note("zoom:123456789", types.StatusFailed))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	bot.failAll = errors.New("connection reset by peer")
	err = tg.Send(context.Background(), note("zoom:123456789", types.StatusFailed))
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}

func TestNewTelegramRequiresChat(t *testing.T) {
	_, err := NewTelegram("123:abc", 0)
	assert.Error(t, err)
}

func TestSplitMessage(t *testing.T) {
	assert.Len(t, splitMessage("short"), 1)
	parts := splitMessage(strings.Repeat("x", maxTelegramMessage*2+1))
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 1)
}

func TestSplitMessageKeepsRunesWhole(t *testing.T) {
	// Two- and three-byte runes, so the byte limit falls inside one.
	text := strings.Repeat("é€", maxTelegramMessage)
	parts := splitMessage(text)
	require.Len(t, parts, 2)
	for i, p := range parts {
		assert.True(t, utf8.ValidString(p), "part %d cut inside a rune", i)
		assert.Equal(t, maxTelegramMessage, utf8.RuneCountInString(p))
	}
	assert.Equal(t, text, strings.Join(parts, ""))

	// At the limit in runes but far over it in bytes: still one message.
	assert.Len(t, splitMessage(strings.Repeat("€", maxTelegramMessage)), 1)
}
