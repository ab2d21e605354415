package alerts

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink sends alerts to a Telegram chat. INFO alerts are filtered
// out; the chat carries only actionable events.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authenticates the bot and returns the sink.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot auth: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

// Name implements Sink.
func (t *TelegramSink) Name() string { return "telegram" }

// Deliver implements Sink.
func (t *TelegramSink) Deliver(ctx context.Context, a Alert) error {
	if a.Severity == SeverityInfo {
		return nil
	}
	text := fmt.Sprintf("[%s] %s\n%s\n\n%s", a.Severity, a.Component, a.Title, a.Body)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
