package notify

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramSender implements ChatSender against the real Telegram Bot
// API. Grounded in bot/telegram.go's NewTelegramBot construction and
// send/sendMarkdown helpers, generalized from that file's single fixed
// chatID field into a per-call chat id argument so one bot instance can
// serve every linked user rather than one hardcoded operator chat.
type TelegramSender struct {
	api *tgbotapi.BotAPI
	log zerolog.Logger
}

// NewTelegramSender constructs the sender from a bot token.
func NewTelegramSender(token string, log zerolog.Logger) (*TelegramSender, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	l := log.With().Str("component", "notify_telegram").Logger()
	l.Info().Str("username", api.Self.UserName).Msg("telegram bot initialized")
	return &TelegramSender{api: api, log: l}, nil
}

// SendMarkdown implements ChatSender.
func (s *TelegramSender) SendMarkdown(chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	msg := tgbotapi.NewMessage(id, text)
	msg.ParseMode = "Markdown"
	_, err = s.api.Send(msg)
	return err
}
