// Package notify sends fire-and-forget Telegram alerts for events an
// operator needs to see promptly: fills, protective-stop takeovers, and
// panic-close engagements. Delivery never blocks the caller — messages are
// queued on a buffered channel and a single goroutine drains it.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reduceclose/internal/config"
)

// Notifier sends alerts to a single configured Telegram chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	queue chan string
}

// New connects to the Telegram Bot API. If cfg.Enabled is false, it returns
// a Notifier whose Send calls are no-ops, so callers never need to branch on
// whether notifications are configured.
func New(cfg config.TelegramConfig, logger *slog.Logger) (*Notifier, error) {
	logger = logger.With("component", "notify")
	if !cfg.Enabled {
		return &Notifier{logger: logger}, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}

	n := &Notifier{
		api:    api,
		chatID: cfg.ChatID,
		logger: logger,
		queue:  make(chan string, 64),
	}
	return n, nil
}

// Run drains the send queue until ctx is canceled. No-op when Telegram is
// disabled.
func (n *Notifier) Run(ctx context.Context) {
	if n.api == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(msg)
		}
	}
}

// Send queues a message for delivery. Never blocks: if the queue is full the
// message is dropped and logged, since a backed-up notifier should not stall
// the trading path that's reporting the event.
func (n *Notifier) Send(msg string) {
	if n.api == nil {
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.logger.Warn("notify queue full, dropping message")
	}
}

// Fill reports a closing order's execution.
func (n *Notifier) Fill(symbol, side, mode string, qty, price string, reason string) {
	n.Send(fmt.Sprintf("fill %s %s %s qty=%s price=%s reason=%s", symbol, side, mode, qty, price, reason))
}

// ExternalTakeover reports that a foreign protective order has taken over
// stop-loss duty for a symbol+side.
func (n *Notifier) ExternalTakeover(symbol, side string) {
	n.Send(fmt.Sprintf("external stop detected, yielding: %s %s", symbol, side))
}

// PanicClose reports that the forced-liquidation slicer engaged for a
// symbol+side at a given tier.
func (n *Notifier) PanicClose(symbol, side string, tier int, distToLiq string) {
	n.Send(fmt.Sprintf("PANIC CLOSE engaged: %s %s tier=%d dist_to_liq=%s", symbol, side, tier, distToLiq))
}

func (n *Notifier) deliver(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Warn("telegram send failed", "error", err)
	}
}
