package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramAdapter implements Adapter over the Telegram bot API with long
// polling.
type TelegramAdapter struct {
	token   string
	bot     *tgbotapi.BotAPI
	handler MessageHandler
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewTelegramAdapter creates a Telegram gateway adapter.
func NewTelegramAdapter(token string, logger *zap.Logger) *TelegramAdapter {
	return &TelegramAdapter{token: token, logger: logger}
}

func (a *TelegramAdapter) Platform() string { return "telegram" }

func (a *TelegramAdapter) OnMessage(h MessageHandler) { a.handler = h }

// Connect authenticates the bot and starts the update poll loop.
func (a *TelegramAdapter) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}
	a.bot = bot

	ctx, a.cancel = context.WithCancel(ctx)
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := bot.GetUpdatesChan(cfg)

	go func() {
		for {
			select {
			case <-ctx.Done():
				bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				a.onUpdate(update)
			}
		}
	}()

	a.logger.Info("telegram adapter connected", zap.String("user", bot.Self.UserName))
	return nil
}

func (a *TelegramAdapter) onUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" || a.handler == nil {
		return
	}
	if update.Message.From != nil && update.Message.From.IsBot {
		return
	}
	a.handler(&InboundMessage{
		Platform:  "telegram",
		ChannelID: strconv.FormatInt(update.Message.Chat.ID, 10),
		UserID:    strconv.FormatInt(update.Message.From.ID, 10),
		UserName:  update.Message.From.UserName,
		Content:   update.Message.Text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

// Send posts a message to a Telegram chat.
func (a *TelegramAdapter) Send(_ context.Context, msg *OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChannelID, err)
	}
	out := tgbotapi.NewMessage(chatID, msg.Content)
	if _, err := a.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Close stops the update loop.
func (a *TelegramAdapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}
