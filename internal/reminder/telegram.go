package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"github.com/healthsync/go-healthsync/pkg/circuitbreaker"
	"github.com/healthsync/go-healthsync/pkg/idempotency"
)

// TelegramConfig holds bot settings
type TelegramConfig struct {
	Token string
	// Offline skips the getMe call at startup
	Offline bool
	// APIURL overrides the Bot API endpoint
	APIURL string
}

// TelegramNotifier sends reminders through the Telegram Bot API
type TelegramNotifier struct {
	bot     *telebot.Bot
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// TelegramBreakerConfig returns breaker settings where chat-level rejections
// (blocked bot, unknown chat) do not count against the API
func TelegramBreakerConfig(base circuitbreaker.Config) circuitbreaker.Config {
	base.IsCallerError = idempotency.IsTerminal
	return base
}

// NewTelegramNotifier creates the bot client. Long polling is only started
// by Listen.
func NewTelegramNotifier(cfg TelegramConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}

	bot, err := telebot.NewBot(telebot.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: cfg.Offline,
		Poller:  &telebot.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c telebot.Context) {
			fields := []zap.Field{zap.Error(err)}
			if c != nil && c.Chat() != nil {
				fields = append(fields, zap.Int64("chat_id", c.Chat().ID))
			}
			logger.Error("telegram handler error", fields...)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &TelegramNotifier{bot: bot, breaker: breaker, logger: logger}, nil
}

// Notify implements Notifier
func (n *TelegramNotifier) Notify(ctx context.Context, chatID int64, text string) error {
	return n.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := n.bot.Send(&telebot.User{ID: chatID}, text, &telebot.SendOptions{ParseMode: telebot.ModeHTML})
		return classifyTelegramError(err)
	})
}

// classifyTelegramError marks errors tied to the chat itself as terminal
func classifyTelegramError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, telebot.ErrBlockedByUser) ||
		errors.Is(err, telebot.ErrChatNotFound) ||
		errors.Is(err, telebot.ErrUserIsDeactivated) {
		return idempotency.Terminal(err)
	}
	var apiErr *telebot.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 400 || apiErr.Code == 403) {
		return idempotency.Terminal(err)
	}
	return err
}

// Listen answers /start with the chat id users enter on their profile, and
// blocks until Stop
func (n *TelegramNotifier) Listen() {
	n.bot.Handle("/start", func(c telebot.Context) error {
		return c.Send(fmt.Sprintf(
			"Welcome to HealthSync reminders.\nYour chat ID is <code>%d</code>. Enter it in your HealthSync profile to receive daily medication reminders.",
			c.Chat().ID), &telebot.SendOptions{ParseMode: telebot.ModeHTML})
	})
	n.logger.Info("telegram bot listening")
	n.bot.Start()
}

// Stop ends long polling
func (n *TelegramNotifier) Stop() {
	n.bot.Stop()
}
