// Package telegram is the chat transport. It long-polls for updates,
// extracts (command, caller handle, argument text) triples, and relays
// the dispatcher's single response string back to the chat.
package telegram

import (
	"context"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// pollTimeout is the long-poll timeout in seconds for GetUpdates.
const pollTimeout = 30

// msgNoUsername is sent to callers whose Telegram account has no
// username; handles are the authorization key, so there is nothing to
// look up for them.
const msgNoUsername = "You need to set a Telegram username to use this bot."

// Dispatcher turns one command triple into one response string.
// An empty response means no reply is sent.
type Dispatcher interface {
	Dispatch(ctx context.Context, command, handle, args string) string
}

// Bot runs the long-polling update loop.
type Bot struct {
	api            *tgbotapi.BotAPI
	dispatcher     Dispatcher
	logger         *slog.Logger
	commandTimeout time.Duration
}

// New authenticates against the Telegram API and returns a Bot.
func New(token string, dispatcher Dispatcher, commandTimeout time.Duration, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	return &Bot{
		api:            api,
		dispatcher:     dispatcher,
		logger:         logger.With("component", "telegram"),
		commandTimeout: commandTimeout,
	}, nil
}

// Username returns the bot's own Telegram username.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Run polls for updates until the context is cancelled. Updates are
// handled one at a time; the dispatcher has no ordering requirements
// beyond that.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout

	updates := b.api.GetUpdatesChan(cfg)
	b.logger.Info("bot started", "username", b.Username())

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bot stopping")
			b.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// handleUpdate resolves one update to at most one reply.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.commandTimeout)
	defer cancel()

	reply := b.replyFor(ctx, update)
	if reply == "" {
		return
	}

	msg := tgbotapi.NewMessage(update.Message.Chat.ID, reply)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("send reply failed",
			slog.Int64("chat_id", update.Message.Chat.ID),
			slog.String("error", err.Error()),
		)
	}
}

// replyFor extracts the command triple and consults the dispatcher.
func (b *Bot) replyFor(ctx context.Context, update tgbotapi.Update) string {
	message := update.Message
	if message.From == nil {
		return ""
	}
	if message.From.UserName == "" {
		return msgNoUsername
	}

	// The "@" prefix is part of the authorization key, matching the
	// users file format.
	handle := "@" + message.From.UserName

	if message.IsCommand() {
		return b.dispatcher.Dispatch(ctx, message.Command(), handle, message.CommandArguments())
	}
	return b.dispatcher.Dispatch(ctx, "", handle, message.Text)
}
