// Package dispatch renders notifications and sends them through a
// messaging channel, guarding every send with the delivery ledger.
package dispatch

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Messenger is the outbound channel the dispatcher sends through.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram is the Messenger implementation backed by the Bot API.
type Telegram struct {
	api telegramAPI
}

// NewTelegram creates a Telegram messenger with the given bot token.
func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api}, nil
}

// SendMessage sends a text message to the given chat.
func (t *Telegram) SendMessage(_ context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
