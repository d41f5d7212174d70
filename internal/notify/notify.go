// Package notify implements the notification emitter: it converts
// state-machine transitions and reconciler findings into user-facing
// chat messages, enforcing per-user preferences and deduplication.
// Grounded in original_source/app/services/fill_notification_service.py's
// _send_fill_notification (chat-id lookup, settings gate, notional
// threshold) and bot/telegram.go's markdown message style.
package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hyperswipe/sidecar/internal/orderstate"
	"github.com/hyperswipe/sidecar/internal/reconciler"
	"github.com/hyperswipe/sidecar/internal/tracker"
)

// NotificationSettings mirrors the per-user preferences the original
// source stores alongside a user's chat link.
type NotificationSettings struct {
	FillsEnabled        bool
	PnlEnabled          bool
	LiquidationEnabled  bool
	DailyDigestEnabled  bool
	MinNotificationValue decimal.Decimal
}

// ChatLinkStore resolves a user's chat identifier and notification
// preferences. Implemented in cmd/sidecard by an adapter over
// internal/database.
type ChatLinkStore interface {
	GetChatID(user string) (string, bool)
	GetNotificationSettings(user string) NotificationSettings
	RecordNotificationSent(user, category string, notional decimal.Decimal)
}

// ChatSender is the narrow interface to the external chat client.
// Retry/backoff is the chat client's own concern; the emitter treats a
// send as best-effort.
type ChatSender interface {
	SendMarkdown(chatID, text string) error
}

const dedupBucket = time.Minute

// Emitter is the notification emitter (C6 in the design docs).
type Emitter struct {
	mu   sync.Mutex
	seen map[string]time.Time // dedup key -> last sent

	store  ChatLinkStore
	sender ChatSender
	log    zerolog.Logger
}

func NewEmitter(store ChatLinkStore, sender ChatSender, log zerolog.Logger) *Emitter {
	return &Emitter{
		seen:   make(map[string]time.Time),
		store:  store,
		sender: sender,
		log:    log.With().Str("component", "notify").Logger(),
	}
}

// OnTransition subscribes to orderstate's transition cue. Only
// fill-producing transitions (partial/complete fill) trigger a
// notification here; other transitions are informational only.
func (e *Emitter) OnTransition(t orderstate.Transition, ctx *orderstate.OrderContext) {
	if t.Event != orderstate.EventPartialFill && t.Event != orderstate.EventCompleteFill {
		return
	}

	fillSize, _ := decimal.NewFromString(t.Meta["fill_size"])
	fillPrice, _ := decimal.NewFromString(t.Meta["fill_price"])
	if fillSize.IsZero() && t.Event == orderstate.EventCompleteFill {
		fillSize = ctx.FilledSize
	}
	if fillPrice.IsZero() {
		fillPrice = ctx.Price
	}

	notional := fillSize.Mul(fillPrice)
	side := "Buy"
	if !ctx.IsBuy {
		side = "Sell"
	}

	e.emit(ctx.User, "fills", notional, func(s NotificationSettings) bool { return s.FillsEnabled }, func(chatID string) {
		text := fmt.Sprintf("*Order Fill*\n\n%s %s\nSize: %s @ %s\nNotional: $%s",
			side, ctx.TrackingID, fillSize.StringFixed(4), fillPrice.StringFixed(2), notional.StringFixed(2))
		e.send(chatID, text)
	})
}

// OnTrackingStarted implements tracker.NotificationSink. Tracking
// lifecycle cues are logged only; they produce no chat message.
func (e *Emitter) OnTrackingStarted(trackingID, user string) {
	e.log.Debug().Str("tracking_id", trackingID).Str("user", user).Msg("order tracking started")
}

// OnTrackingCompleted implements tracker.NotificationSink (logged only).
func (e *Emitter) OnTrackingCompleted(trackingID, user string, stats tracker.TrackingStats) {
	e.log.Debug().Str("tracking_id", trackingID).Str("user", user).
		Int("push_events", stats.PushEvents).Int("poll_count", stats.PollCount).
		Dur("duration", stats.Duration).Msg("order tracking completed")
}

// OnPositionClosed implements reconciler.Sink. A close always means the
// position flattened, so every threshold-crossing dedup key held for
// this (user, asset) is cleared here: the next time the position
// reopens and re-crosses a threshold, it is free to notify again.
func (e *Emitter) OnPositionClosed(c reconciler.ClosedPosition) {
	e.clearThresholdDedup(c.User, c.AssetIndex)

	e.emit(c.User, "pnl", c.RealizedPnl.Abs(), func(s NotificationSettings) bool { return s.PnlEnabled }, func(chatID string) {
		sign := "+"
		if c.RealizedPnl.IsNegative() {
			sign = ""
		}
		text := fmt.Sprintf("*Position Closed*\n\n%s\nExit: %s\nSize: %s\nRealized P&L: %s$%s",
			c.Coin, c.ExitPrice.StringFixed(2), c.ClosedSize.Abs().StringFixed(4), sign, c.RealizedPnl.StringFixed(2))
		e.send(chatID, text)
	})
}

func (e *Emitter) clearThresholdDedup(user string, assetIndex int) {
	prefix := fmt.Sprintf("%s:%d:", user, assetIndex)
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.seen {
		if strings.HasPrefix(key, prefix) {
			delete(e.seen, key)
		}
	}
}

// OnThresholdCrossing implements reconciler.Sink.
func (e *Emitter) OnThresholdCrossing(c reconciler.ThresholdCrossing) {
	key := fmt.Sprintf("%s:%d:%d", c.User, c.AssetIndex, c.Threshold)
	e.mu.Lock()
	if _, already := e.seen[key]; already {
		e.mu.Unlock()
		return
	}
	e.seen[key] = time.Now()
	e.mu.Unlock()

	e.emit(c.User, "pnl", c.UnrealizedPnl.Abs(), func(s NotificationSettings) bool { return s.PnlEnabled }, func(chatID string) {
		sign := ""
		if c.PnlPercent >= 0 {
			sign = "+"
		}
		text := fmt.Sprintf("*P&L Alert*\n\n%s crossed %d%%\nCurrent: %s%.1f%%",
			c.Coin, c.Threshold, sign, c.PnlPercent)
		e.send(chatID, text)
	})
}

// emit centralizes the lookup -> settings gate -> threshold gate -> send
// -> record pipeline shared by every notification kind.
func (e *Emitter) emit(user, category string, notional decimal.Decimal, enabled func(NotificationSettings) bool, doSend func(chatID string)) {
	if e.store == nil {
		return
	}
	chatID, ok := e.store.GetChatID(user)
	if !ok {
		return
	}

	settings := e.store.GetNotificationSettings(user)
	if !enabled(settings) {
		return
	}
	if notional.LessThan(settings.MinNotificationValue) {
		return
	}

	doSend(chatID)
	e.store.RecordNotificationSent(user, category, notional)
}

func (e *Emitter) send(chatID, text string) {
	if e.sender == nil {
		return
	}
	if err := e.sender.SendMarkdown(chatID, text); err != nil {
		e.log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to send notification")
	}
}
