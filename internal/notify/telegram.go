package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/meetbot/internal/retry"
	"github.com/user/meetbot/internal/types"
)

// maxTelegramMessage is Telegram's message limit, in characters.
const maxTelegramMessage = 4096

// botAPI is the part of tgbotapi.BotAPI the sender uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts notifications to a single chat.
type Telegram struct {
	bot    botAPI
	chatID int64
}

// NewTelegram authenticates with the Bot API and returns a sender for chatID.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram notifications need a token and a chat id")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	slog.Info("telegram notifications enabled", "bot", bot.Self.UserName, "chat_id", chatID)
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Send(ctx context.Context, n types.Notification) error {
	for _, part := range splitMessage(formatNotification(n)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(t.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				return classifyTelegramError(err)
			}
		}
	}
	return nil
}

func classifyTelegramError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
		return retry.Permanent(fmt.Errorf("send telegram message: %w", err))
	}
	return fmt.Errorf("send telegram message: %w", err)
}

func formatNotification(n types.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* `%s`", statusLabel(n.Status), n.MeetingID)
	if n.BotName != "" {
		fmt.Fprintf(&b, "\nBot: %s", n.BotName)
	}
	if n.Message != "" {
		fmt.Fprintf(&b, "\n%s", n.Message)
	}
	if n.SessionID != "" {
		fmt.Fprintf(&b, "\nSession: `%s`", n.SessionID)
	}
	return b.String()
}

func statusLabel(s types.SessionStatus) string {
	switch s {
	case types.StatusActive:
		return "Bot joined"
	case types.StatusStopped:
		return "Bot left"
	case types.StatusFailed:
		return "Bot failed"
	default:
		return "Session " + string(s)
	}
}

func splitMessage(text string) []string {
	if utf8.RuneCountInString(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for text != "" {
		end, n := 0, 0
		for end < len(text) && n < maxTelegramMessage {
			_, size := utf8.DecodeRuneInString(text[end:])
			end += size
			n++
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
