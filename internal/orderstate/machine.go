package orderstate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// transitionTable mirrors order_state_machine.py's _setup_state_machine
// exactly, including the Submitted+CompleteFill->Filled immediate-fill
// path, kept legal even though no ordinary caller constructs it.
var transitionTable = map[State]map[Event]State{
	Pending: {
		EventSubmit: Submitted,
		EventFail:   Failed,
	},
	Submitted: {
		EventConfirmOpen:  Open,
		EventCompleteFill: Filled,
		EventReject:       Rejected,
		EventFail:         Failed,
	},
	Open: {
		EventPartialFill:  PartiallyFilled,
		EventCompleteFill: Filled,
		EventCancel:       Cancelled,
		EventExpire:       Expired,
		EventReject:       Rejected,
	},
	PartiallyFilled: {
		EventPartialFill:  PartiallyFilled,
		EventCompleteFill: Filled,
		EventCancel:       Cancelled,
		EventExpire:       Expired,
	},
	Filled:    {},
	Cancelled: {},
	Rejected:  {},
	Expired:   {},
	Failed:    {},
}

// Machine is the pure, I/O-free transition engine for order lifecycles. It is safe for
// concurrent use: all mutation happens under an internal mutex, matching
// transitions never suspend: no blocking call is ever made while the
// lock is held.
type Machine struct {
	mu     sync.Mutex
	orders map[string]*OrderContext
	log    zerolog.Logger

	// onTransition is the logical state_changed(old,new,event_data) cue
	// cue emitted for subscribers on every applied transition. Invoked
	// synchronously, outside the lock.
	onTransition func(Transition)
}

// NewMachine constructs an empty state machine. onTransition may be nil.
func NewMachine(log zerolog.Logger, onTransition func(Transition)) *Machine {
	return &Machine{
		orders:       make(map[string]*OrderContext),
		log:          log.With().Str("component", "orderstate").Logger(),
		onTransition: onTransition,
	}
}

// CreateOrder registers a new order in Pending state. Returns an error if
// trackingID is already known.
func (m *Machine) CreateOrder(ctx *OrderContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[ctx.TrackingID]; exists {
		return fmt.Errorf("order %s already exists", ctx.TrackingID)
	}

	ctx.State = Pending
	ctx.RemainingSize = ctx.Size.Sub(ctx.FilledSize)
	ctx.LastUpdated = time.Now()
	m.orders[ctx.TrackingID] = ctx

	m.log.Info().Str("tracking_id", ctx.TrackingID).Msg("created order in pending state")
	return nil
}

// Get returns the order context, if known.
func (m *Machine) Get(trackingID string) (*OrderContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.orders[trackingID]
	return ctx, ok
}

// ByUser returns every order belonging to user (lowercase compared).
func (m *Machine) ByUser(user string) []*OrderContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OrderContext
	for _, ctx := range m.orders {
		if strings.EqualFold(ctx.User, user) {
			out = append(out, ctx)
		}
	}
	return out
}

// ByState returns every order currently in the given state.
func (m *Machine) ByState(s State) []*OrderContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OrderContext
	for _, ctx := range m.orders {
		if ctx.State == s {
			out = append(out, ctx)
		}
	}
	return out
}

// EventData carries the per-event payload fields the handlers consume.
type EventData struct {
	ExchangeOrderID string
	FillSize        decimal.Decimal
	FillPrice       decimal.Decimal
	Reason          string
	Error           string
}

// Trigger applies event to trackingID's order. Invalid events in the
// current state are dropped (logged, no transition) rather than
// erroring loudly: invalid events are logged but never cause a
// transition.
func (m *Machine) Trigger(trackingID string, event Event, data EventData) (Transition, error) {
	m.mu.Lock()

	ctx, ok := m.orders[trackingID]
	if !ok {
		m.mu.Unlock()
		return Transition{}, fmt.Errorf("order %s not found", trackingID)
	}

	oldState := ctx.State
	validEvents := transitionTable[oldState]
	newState, valid := validEvents[event]

	meta := map[string]string{}
	now := time.Now()

	if !valid {
		m.log.Warn().
			Str("tracking_id", trackingID).
			Str("event", string(event)).
			Str("state", string(oldState)).
			Msg("invalid event for current state, dropping")
		t := Transition{TrackingID: trackingID, Event: event, OldState: oldState, NewState: oldState, Applied: false}
		ctx.pushEvent(event, now, meta)
		m.mu.Unlock()
		return t, nil
	}

	// Event handlers run before the transition, matching the source's
	// ordering (event handler, then state flip, then state handler).
	m.applyEventHandler(ctx, event, data, meta)

	ctx.PreviousState = oldState
	ctx.State = newState
	ctx.LastUpdated = now
	ctx.pushEvent(event, now, meta)

	t := Transition{TrackingID: trackingID, Event: event, OldState: oldState, NewState: newState, Applied: true, Meta: meta}
	ctx.pushHistory(t, now)

	m.log.Info().
		Str("tracking_id", trackingID).
		Str("from", string(oldState)).
		Str("to", string(newState)).
		Msg("order transitioned")

	m.applyStateHandler(ctx, newState)

	cb := m.onTransition
	m.mu.Unlock()

	if cb != nil {
		cb(t)
	}
	return t, nil
}

func (m *Machine) applyEventHandler(ctx *OrderContext, event Event, data EventData, meta map[string]string) {
	switch event {
	case EventSubmit:
		if data.ExchangeOrderID != "" {
			ctx.ExchangeOrderID = data.ExchangeOrderID
		}
	case EventPartialFill:
		ctx.FilledSize = decimal.Min(ctx.FilledSize.Add(data.FillSize), ctx.Size)
		ctx.RemainingSize = ctx.Size.Sub(ctx.FilledSize)
		meta["fill_size"] = data.FillSize.String()
		meta["fill_price"] = data.FillPrice.String()
	case EventCompleteFill:
		ctx.FilledSize = ctx.Size
		ctx.RemainingSize = decimal.Zero
		meta["fill_price"] = data.FillPrice.String()
	case EventCancel:
		reason := data.Reason
		if reason == "" {
			reason = "user requested"
		}
		ctx.Reason = reason
		meta["reason"] = reason
	case EventReject:
		reason := data.Reason
		if reason == "" {
			reason = "unknown rejection reason"
		}
		ctx.Reason = reason
		meta["reason"] = reason
	case EventFail:
		errMsg := data.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		ctx.Error = errMsg
		meta["error"] = errMsg
	case EventConfirmOpen, EventExpire:
		// no extra metadata
	}
}

func (m *Machine) applyStateHandler(ctx *OrderContext, s State) {
	switch s {
	case Submitted:
		ctx.SubmittedAt = time.Now()
	case PartiallyFilled:
		pct := 0.0
		if ctx.Size.IsPositive() {
			pct, _ = ctx.FilledSize.Div(ctx.Size).Mul(decimal.NewFromInt(100)).Float64()
		}
		m.log.Info().Str("tracking_id", ctx.TrackingID).Float64("pct", pct).Msg("order partially filled")
	case Rejected:
		m.log.Warn().Str("tracking_id", ctx.TrackingID).Str("reason", ctx.Reason).Msg("order rejected")
	case Failed:
		m.log.Error().Str("tracking_id", ctx.TrackingID).Str("error", ctx.Error).Msg("order failed")
	}
}

// CleanupOldOrders drops terminal orders whose last update predates
// maxAge. No default is baked in here deliberately: the caller (the
// tracker's
// cleanup loop) must always pass an explicit duration, per DESIGN.md's
// resolution of the 24h-vs-1h discrepancy observed in the source.
func (m *Machine) CleanupOldOrders(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var toRemove []string
	for id, ctx := range m.orders {
		if ctx.State.Terminal() && ctx.LastUpdated.Before(cutoff) {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(m.orders, id)
	}
	if len(toRemove) > 0 {
		m.log.Info().Int("count", len(toRemove)).Msg("cleaned up old orders")
	}
	return len(toRemove)
}

// Statistics summarizes the current order population, grounded in
// get_statistics().
type Statistics struct {
	TotalOrders    int
	ByState        map[State]int
	ActiveOrders   int
	TerminalOrders int
}

func (m *Machine) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{ByState: make(map[State]int)}
	for _, ctx := range m.orders {
		stats.TotalOrders++
		stats.ByState[ctx.State]++
		if ctx.State.Terminal() {
			stats.TerminalOrders++
		} else {
			stats.ActiveOrders++
		}
	}
	return stats
}
