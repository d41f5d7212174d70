// Package tracker implements the hybrid order tracker: binds push
// events and polled snapshots into state-machine transitions for an
// order cohort, and cleans up terminal/expired orders. Grounded in
// original_source/app/services/industry_grade_order_tracker.py.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hyperswipe/sidecar/internal/assets"
	"github.com/hyperswipe/sidecar/internal/exchange"
	"github.com/hyperswipe/sidecar/internal/orderstate"
	"github.com/hyperswipe/sidecar/internal/upstream"
)

// Strategy selects how an individual order is tracked.
type Strategy string

const (
	WebsocketOnly Strategy = "websocket_only"
	PollingOnly   Strategy = "polling_only"
	Hybrid        Strategy = "hybrid"
)

// Config bundles the tracker's global tunables.
type Config struct {
	TrackingDuration    time.Duration
	PollingInterval     time.Duration
	WebsocketTimeout    time.Duration
	MaxConcurrentOrders int
	CleanupEvery        time.Duration
	CleanupMaxAge       time.Duration
}

const recentEventWindow = 10 * time.Minute
const fillSizeTolerance = "0.001"
const correlationMaxAge = 5 * time.Minute

// eventRecord is one entry of a per-order ring buffer, pruned to the
// last 10 minutes, mirroring OrderTracker.recent_events.
type eventRecord struct {
	at   time.Time
	kind string
}

type orderTracker struct {
	trackingID string
	strategy   Strategy
	user       string

	createdAt    time.Time
	lastPush     time.Time
	lastPoll     time.Time
	pushCount    int
	pollCount    int
	active       bool
	recentEvents []eventRecord
}

func (ot *orderTracker) recordPush(kind string) {
	now := time.Now()
	ot.lastPush = now
	ot.pushCount++
	ot.recentEvents = append(ot.recentEvents, eventRecord{at: now, kind: kind})
	ot.pruneEvents(now)
}

func (ot *orderTracker) recordPoll() {
	ot.lastPoll = time.Now()
	ot.pollCount++
}

func (ot *orderTracker) pruneEvents(now time.Time) {
	cutoff := now.Add(-recentEventWindow)
	kept := ot.recentEvents[:0]
	for _, e := range ot.recentEvents {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	ot.recentEvents = kept
}

// shouldContinueTracking mirrors should_continue_tracking(): active AND
// age < tracking_duration AND current state not terminal.
func (ot *orderTracker) shouldContinueTracking(cfg Config, state orderstate.State) bool {
	if !ot.active {
		return false
	}
	if time.Since(ot.createdAt) >= cfg.TrackingDuration {
		return false
	}
	return !state.Terminal()
}

// shouldUsePollingFallback mirrors should_use_polling_fallback() exactly.
func (ot *orderTracker) shouldUsePollingFallback(cfg Config) bool {
	switch ot.strategy {
	case PollingOnly:
		return true
	case WebsocketOnly:
		return false
	default: // Hybrid
		if ot.lastPush.IsZero() {
			return time.Since(ot.createdAt) > cfg.WebsocketTimeout
		}
		return time.Since(ot.lastPush) > cfg.WebsocketTimeout
	}
}

// NotificationSink receives lifecycle cues the notification emitter wants to
// react to (tracking started/completed), independent of the per-order
// state_changed cue the state machine already emits.
type NotificationSink interface {
	OnTrackingStarted(trackingID, user string)
	OnTrackingCompleted(trackingID, user string, stats TrackingStats)
}

// TrackingStats summarizes one completed tracker's activity.
type TrackingStats struct {
	PushEvents int
	PollCount  int
	Duration   time.Duration
}

// Tracker is the hybrid push/poll order tracker.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	machine  *orderstate.Machine
	client   *exchange.Client
	assets   *assets.Table
	sink     NotificationSink
	trackers map[string]*orderTracker

	stopCh chan struct{}
	log    zerolog.Logger
}

func NewTracker(cfg Config, machine *orderstate.Machine, client *exchange.Client, table *assets.Table, sink NotificationSink, log zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		machine:  machine,
		client:   client,
		assets:   table,
		sink:     sink,
		trackers: make(map[string]*orderTracker),
		stopCh:   make(chan struct{}),
		log:      log.With().Str("component", "tracker").Logger(),
	}
}

// TrackOrder begins tracking a freshly-created order. Returns an error
// if the concurrent-order ceiling is reached or the order is already
// tracked.
func (t *Tracker) TrackOrder(trackingID, user string, strategy Strategy) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.trackers[trackingID]; exists {
		return fmt.Errorf("order %s already tracked", trackingID)
	}
	if len(t.trackers) >= t.cfg.MaxConcurrentOrders {
		return fmt.Errorf("max concurrent orders reached (%d)", t.cfg.MaxConcurrentOrders)
	}

	t.trackers[trackingID] = &orderTracker{
		trackingID: trackingID,
		strategy:   strategy,
		user:       user,
		createdAt:  time.Now(),
		active:     true,
	}

	if t.sink != nil {
		t.sink.OnTrackingStarted(trackingID, user)
	}
	return nil
}

// StopTrackingOrder removes a tracker without a completion notification
// (used for operator/administrative teardown, distinct from the
// cleanup loop's natural expiry path).
func (t *Tracker) StopTrackingOrder(trackingID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trackers, trackingID)
}

// OnUserEvents implements upstream.UserEventsSink structurally: it is
// the push-event entry point fed by the upstream multiplexer for every
// user-events frame.
func (t *Tracker) OnUserEvents(f upstream.UserEventsFrame) {
	for _, fill := range f.Fills {
		t.processFill(f.User, fill)
	}
	for _, ord := range f.Orders {
		t.processOrderStatus(ord)
	}
}

// processFill correlates an inbound fill to a tracked order: match by
// exchange_order_id if present, else by asset_index equal + size within
// 1e-3 + age < 5 minutes. On match, lazily binds the exchange_order_id
// for future correlation.
func (t *Tracker) processFill(user string, fill exchange.Fill) {
	assetIndex, _ := t.assets.Index(fill.Coin)

	t.mu.Lock()
	target := t.findTrackerForFill(user, fill, assetIndex)
	if target == nil {
		t.mu.Unlock()
		t.log.Debug().Str("coin", fill.Coin).Msg("fill did not correlate to any tracked order")
		return
	}
	target.recordPush("fill")
	trackingID := target.trackingID
	t.mu.Unlock()

	ctx, ok := t.machine.Get(trackingID)
	if !ok {
		return
	}
	if ctx.ExchangeOrderID == "" && fill.ExchangeOrderID != "" {
		ctx.ExchangeOrderID = fill.ExchangeOrderID
	}

	remaining := ctx.Size.Sub(ctx.FilledSize).Sub(fill.Size)
	event := orderstate.EventPartialFill
	if remaining.LessThanOrEqual(decimal.Zero) {
		event = orderstate.EventCompleteFill
	}

	if _, err := t.machine.Trigger(trackingID, event, orderstate.EventData{
		FillSize:  fill.Size,
		FillPrice: fill.Price,
	}); err != nil {
		t.log.Warn().Err(err).Str("tracking_id", trackingID).Msg("failed to apply fill event")
	}
}

func (t *Tracker) findTrackerForFill(user string, fill exchange.Fill, assetIndex int) *orderTracker {
	if fill.ExchangeOrderID != "" {
		for _, ot := range t.trackers {
			if ot.user == user {
				if ctx, ok := t.machine.Get(ot.trackingID); ok && ctx.ExchangeOrderID == fill.ExchangeOrderID {
					return ot
				}
			}
		}
	}

	tolerance, _ := decimal.NewFromString(fillSizeTolerance)
	for _, ot := range t.trackers {
		if ot.user != user {
			continue
		}
		ctx, ok := t.machine.Get(ot.trackingID)
		if !ok || ctx.ExchangeOrderID != "" {
			continue
		}
		if ctx.AssetIndex != assetIndex {
			continue
		}
		if ctx.Size.Sub(fill.Size).Abs().GreaterThan(tolerance) {
			continue
		}
		if time.Since(ot.createdAt) >= correlationMaxAge {
			continue
		}
		return ot
	}
	return nil
}

func (t *Tracker) processOrderStatus(upd upstream.OrderStatusUpdate) {
	trackingID, ok := t.findByExchangeOrderID(upd.ExchangeOrderID)
	if !ok {
		return
	}

	var event orderstate.Event
	switch upd.Status {
	case "open":
		event = orderstate.EventConfirmOpen
	case "cancelled":
		event = orderstate.EventCancel
	case "rejected":
		event = orderstate.EventReject
	default:
		return
	}

	t.mu.Lock()
	if ot, exists := t.trackers[trackingID]; exists {
		ot.recordPush("order_status")
	}
	t.mu.Unlock()

	if _, err := t.machine.Trigger(trackingID, event, orderstate.EventData{}); err != nil {
		t.log.Warn().Err(err).Str("tracking_id", trackingID).Msg("failed to apply order status event")
	}
}

func (t *Tracker) findByExchangeOrderID(exchangeOrderID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ot := range t.trackers {
		if ctx, ok := t.machine.Get(ot.trackingID); ok && ctx.ExchangeOrderID == exchangeOrderID {
			return id, true
		}
	}
	return "", false
}

// Run starts the polling and cleanup loops. It blocks until ctx is
// cancelled.
func (t *Tracker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.pollingLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.cleanupLoop(ctx)
	}()
	wg.Wait()
}

func (t *Tracker) pollingLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.pollDueOrders(ctx)
		}
	}
}

// pollDueOrders groups orders whose fallback predicate is true by user
// and issues one batch_get_order_statuses call per user.
func (t *Tracker) pollDueOrders(ctx context.Context) {
	byUser := make(map[string][]*orderTracker)

	t.mu.Lock()
	for _, ot := range t.trackers {
		if ot.shouldUsePollingFallback(t.cfg) {
			byUser[ot.user] = append(byUser[ot.user], ot)
		}
	}
	t.mu.Unlock()

	for user, trackers := range byUser {
		t.pollUserOrders(ctx, user, trackers)
	}
}

func (t *Tracker) pollUserOrders(ctx context.Context, user string, trackers []*orderTracker) {
	ids := make([]string, 0, len(trackers))
	byID := make(map[string]*orderTracker, len(trackers))
	for _, ot := range trackers {
		ctxOrder, ok := t.machine.Get(ot.trackingID)
		if !ok || ctxOrder.ExchangeOrderID == "" {
			continue
		}
		ids = append(ids, ctxOrder.ExchangeOrderID)
		byID[ctxOrder.ExchangeOrderID] = ot
	}
	if len(ids) == 0 {
		return
	}

	open, err := t.client.BatchGetOrderStatuses(ctx, user, ids)
	if err != nil {
		t.log.Warn().Err(err).Str("user", user).Msg("poll failed")
		return
	}

	for exchangeOrderID, ot := range byID {
		t.mu.Lock()
		ot.recordPoll()
		t.mu.Unlock()
		ctxOrder, ok := t.machine.Get(ot.trackingID)
		if !ok {
			continue
		}

		if _, stillOpen := open[exchangeOrderID]; stillOpen {
			if ctxOrder.State == orderstate.Pending || ctxOrder.State == orderstate.Submitted {
				_, _ = t.machine.Trigger(ot.trackingID, orderstate.EventConfirmOpen, orderstate.EventData{})
			}
			continue
		}

		t.handleMissingOrder(ctx, ot, ctxOrder)
	}
}

// handleMissingOrder queries recent fills since the order's creation
// time when it no longer appears in open orders. If fills are found,
// they are summed into a synthetic CompleteFill at volume-weighted
// average price; otherwise the order is cancelled with reason
// "not_in_open_orders".
func (t *Tracker) handleMissingOrder(ctx context.Context, ot *orderTracker, order *orderstate.OrderContext) {
	fills, err := t.client.GetUserFills(ctx, order.User, ot.createdAt)
	if err != nil {
		t.log.Warn().Err(err).Str("tracking_id", ot.trackingID).Msg("failed to query fills for missing order")
		return
	}

	var matched []exchange.Fill
	for _, f := range fills {
		if f.ExchangeOrderID == order.ExchangeOrderID {
			matched = append(matched, f)
		}
	}

	if len(matched) == 0 {
		_, _ = t.machine.Trigger(ot.trackingID, orderstate.EventCancel, orderstate.EventData{Reason: "not_in_open_orders"})
		return
	}

	totalSize := decimal.Zero
	weightedPx := decimal.Zero
	for _, f := range matched {
		totalSize = totalSize.Add(f.Size)
		weightedPx = weightedPx.Add(f.Price.Mul(f.Size))
	}
	avgPrice := decimal.Zero
	if totalSize.IsPositive() {
		avgPrice = weightedPx.Div(totalSize)
	}

	_, _ = t.machine.Trigger(ot.trackingID, orderstate.EventCompleteFill, orderstate.EventData{
		FillSize:  totalSize,
		FillPrice: avgPrice,
	})
}

func (t *Tracker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanupInactive()
			t.machine.CleanupOldOrders(t.cfg.CleanupMaxAge)
		}
	}
}

func (t *Tracker) cleanupInactive() {
	t.mu.Lock()
	var toRemove []*orderTracker
	for id, ot := range t.trackers {
		ctxOrder, ok := t.machine.Get(id)
		state := orderstate.Pending
		if ok {
			state = ctxOrder.State
		}
		if !ot.shouldContinueTracking(t.cfg, state) {
			toRemove = append(toRemove, ot)
		}
	}
	for _, ot := range toRemove {
		delete(t.trackers, ot.trackingID)
	}
	t.mu.Unlock()

	for _, ot := range toRemove {
		if t.sink != nil {
			t.sink.OnTrackingCompleted(ot.trackingID, ot.user, TrackingStats{
				PushEvents: ot.pushCount,
				PollCount:  ot.pollCount,
				Duration:   time.Since(ot.createdAt),
			})
		}
	}
}

// Stop halts the polling and cleanup loops.
func (t *Tracker) Stop() {
	close(t.stopCh)
}

// Statistics mirrors get_tracking_statistics() at a summary level.
func (t *Tracker) Statistics() (active int, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ot := range t.trackers {
		total++
		if ot.active {
			active++
		}
	}
	return active, total
}
