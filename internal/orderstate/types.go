// Package orderstate implements the order lifecycle state machine:
// a pure, I/O-free transition table plus the OrderContext record it
// operates on. Grounded in original_source/app/services/
// order_state_machine.py.
package orderstate

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is one node of the order lifecycle.
type State string

const (
	Pending         State = "pending"
	Submitted       State = "submitted"
	Open            State = "open"
	PartiallyFilled State = "partially_filled"
	Filled          State = "filled"
	Cancelled       State = "cancelled"
	Rejected        State = "rejected"
	Expired         State = "expired"
	Failed          State = "failed"
)

// Terminal reports whether no further transitions are legal from s.
func (s State) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired, Failed:
		return true
	default:
		return false
	}
}

// Event is a trigger fed into the state machine for one order.
type Event string

const (
	EventSubmit       Event = "submit"
	EventConfirmOpen  Event = "confirm_open"
	EventPartialFill  Event = "partial_fill"
	EventCompleteFill Event = "complete_fill"
	EventCancel       Event = "cancel"
	EventReject       Event = "reject"
	EventExpire       Event = "expire"
	EventFail         Event = "fail"
)

// OrderType and TimeInForce mirror the exchange's own order parameter
// enumerations; both are carried through unopinionated.
type OrderType string

const (
	OrderTypeLimit   OrderType = "limit"
	OrderTypeTrigger OrderType = "trigger"
)

type TimeInForce string

const (
	TIFGtc TimeInForce = "Gtc"
	TIFIoc TimeInForce = "Ioc"
	TIFAlo TimeInForce = "Alo"
)

// HistoryEntry records one transition for the bounded per-order history.
type HistoryEntry struct {
	From Transition
	At   time.Time
}

// EventLogEntry records one push/poll event applied to this order,
// independent of whether it caused a transition.
type EventLogEntry struct {
	Event Event
	At    time.Time
	Meta  map[string]string
}

const historyLimit = 10

// OrderContext is the record tracked per order.
type OrderContext struct {
	TrackingID       string
	ExchangeOrderID  string // empty until learned asynchronously

	User       string
	AssetIndex int
	IsBuy      bool

	Price         decimal.Decimal
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	RemainingSize decimal.Decimal

	OrderType   OrderType
	TimeInForce TimeInForce

	SubmittedAt time.Time
	LastUpdated time.Time

	State         State
	PreviousState State

	// Metadata attached by event handlers (reason for cancel/reject/fail).
	Reason string
	Error  string

	history []HistoryEntry
	events  []EventLogEntry
}

// Transition is a logical (old,new,event) cue the machine emits on every
// applied event, whether or not it changed state.
type Transition struct {
	TrackingID string
	Event      Event
	OldState   State
	NewState   State
	Applied    bool // false if the event was invalid in OldState
	Meta       map[string]string
}

// History returns a defensive copy of the bounded transition history.
func (o *OrderContext) History() []HistoryEntry {
	out := make([]HistoryEntry, len(o.history))
	copy(out, o.history)
	return out
}

// Events returns a defensive copy of the bounded event log.
func (o *OrderContext) Events() []EventLogEntry {
	out := make([]EventLogEntry, len(o.events))
	copy(out, o.events)
	return out
}

func (o *OrderContext) pushHistory(t Transition, at time.Time) {
	o.history = append(o.history, HistoryEntry{From: t, At: at})
	if len(o.history) > historyLimit {
		o.history = o.history[len(o.history)-historyLimit:]
	}
}

func (o *OrderContext) pushEvent(e Event, at time.Time, meta map[string]string) {
	o.events = append(o.events, EventLogEntry{Event: e, At: at, Meta: meta})
	if len(o.events) > historyLimit {
		o.events = o.events[len(o.events)-historyLimit:]
	}
}
