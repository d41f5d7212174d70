// Package reconciler implements the position reconciler: it diffs
// successive per-user account snapshots to detect closed positions and
// P&L threshold crossings. Grounded in
// original_source/app/services/hyperliquid_api_client.py's
// get_recent_close_fills for exit-price/realized-P&L resolution.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hyperswipe/sidecar/internal/exchange"
	"github.com/hyperswipe/sidecar/internal/upstream"
)

const closeFillLookback = 10 * time.Minute

var thresholds = []int{50, 25, 10}

// PositionSnapshot is the last observed state for one (user, asset)
// pair from an account-snapshot frame.
type PositionSnapshot struct {
	NetSize       decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// ClosedPosition describes a detected position closure.
type ClosedPosition struct {
	User         string
	AssetIndex   int
	Coin         string
	ExitPrice    decimal.Decimal
	ClosedSize   decimal.Decimal
	RealizedPnl  decimal.Decimal
	FromFillData bool
}

// ThresholdCrossing describes a P&L percentage threshold being crossed
// for an open position.
type ThresholdCrossing struct {
	User          string
	AssetIndex    int
	Coin          string
	PnlPercent    float64
	Threshold     int
	UnrealizedPnl decimal.Decimal
}

// Sink receives reconciler findings. Implemented by the notification
// emitter.
type Sink interface {
	OnPositionClosed(c ClosedPosition)
	OnThresholdCrossing(c ThresholdCrossing)
}

// closeFillSource is the narrow pull interface the reconciler needs from
// the exchange client, declared here so this package does not depend on
// the concrete client construction parameters.
type closeFillSource interface {
	GetRecentCloseFills(ctx context.Context, user, coin string, lookback time.Duration) ([]exchange.Fill, error)
}

// Reconciler is the position reconciler (C5 in the design docs).
type Reconciler struct {
	mu        sync.Mutex
	snapshots map[string]map[int]PositionSnapshot // user -> assetIndex -> snapshot
	crossed   map[string]map[int]int              // user -> assetIndex -> highest threshold already emitted

	client closeFillSource
	sink   Sink
	log    zerolog.Logger
}

func NewReconciler(client closeFillSource, sink Sink, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		snapshots: make(map[string]map[int]PositionSnapshot),
		crossed:   make(map[string]map[int]int),
		client:    client,
		sink:      sink,
		log:       log.With().Str("component", "reconciler").Logger(),
	}
}

// OnAccountSnapshot implements upstream.AccountSnapshotSink structurally.
func (r *Reconciler) OnAccountSnapshot(f upstream.AccountSnapshotFrame) {
	current := make(map[int]PositionSnapshot, len(f.AssetPositions))
	coinByIndex := make(map[int]string, len(f.AssetPositions))
	for _, ap := range f.AssetPositions {
		current[ap.AssetIndex] = PositionSnapshot{
			NetSize:       ap.NetSize,
			EntryPrice:    ap.EntryPrice,
			UnrealizedPnl: ap.UnrealizedPnl,
		}
		coinByIndex[ap.AssetIndex] = ap.Coin
	}

	r.mu.Lock()
	prior := r.snapshots[f.User]
	r.mu.Unlock()

	for assetIndex, priorSnap := range prior {
		if priorSnap.NetSize.IsZero() {
			continue
		}
		curSnap, stillOpen := current[assetIndex]
		if stillOpen && !curSnap.NetSize.IsZero() {
			continue
		}
		r.handleClose(f.User, assetIndex, coinByIndex[assetIndex], priorSnap)
		r.clearThresholds(f.User, assetIndex)
	}

	for assetIndex, curSnap := range current {
		priorSnap, existed := prior[assetIndex]
		if !existed || priorSnap.NetSize.Sign() != curSnap.NetSize.Sign() || curSnap.NetSize.IsZero() {
			continue
		}
		r.checkThreshold(f.User, assetIndex, coinByIndex[assetIndex], curSnap)
	}

	r.mu.Lock()
	r.snapshots[f.User] = current
	r.mu.Unlock()
}

// handleClose resolves exit price / realized P&L for a detected closure,
// preferring the most recent matching close fill and falling back to the
// prior snapshot's own figures when no fill data is available.
func (r *Reconciler) handleClose(user string, assetIndex int, coin string, prior PositionSnapshot) {
	closed := ClosedPosition{
		User:        user,
		AssetIndex:  assetIndex,
		Coin:        coin,
		ExitPrice:   prior.EntryPrice,
		ClosedSize:  prior.NetSize,
		RealizedPnl: prior.UnrealizedPnl,
	}

	if r.client != nil {
		fills, err := r.client.GetRecentCloseFills(context.Background(), user, coin, closeFillLookback)
		if err != nil {
			r.log.Warn().Err(err).Str("user", user).Str("coin", coin).Msg("failed to query recent close fills, using snapshot fallback")
		} else if len(fills) > 0 {
			mostRecent := fills[0]
			closed.ExitPrice = mostRecent.Price
			closed.ClosedSize = mostRecent.Size
			closed.RealizedPnl = mostRecent.ClosedPnl
			closed.FromFillData = true
		}
	}

	if r.sink != nil {
		r.sink.OnPositionClosed(closed)
	}
}

// checkThreshold computes the current P&L percentage and emits at the
// highest threshold newly crossed, guarding against re-emitting a
// threshold already reported for this (user, asset) pair.
func (r *Reconciler) checkThreshold(user string, assetIndex int, coin string, snap PositionSnapshot) {
	if !snap.EntryPrice.IsPositive() {
		return
	}
	denom := snap.NetSize.Abs().Mul(snap.EntryPrice)
	if !denom.IsPositive() {
		return
	}
	pct, _ := snap.UnrealizedPnl.Div(denom).Mul(decimal.NewFromInt(100)).Float64()
	absPct := pct
	if absPct < 0 {
		absPct = -absPct
	}

	highest := 0
	for _, th := range thresholds {
		if absPct >= float64(th) {
			highest = th
			break
		}
	}
	if highest == 0 {
		return
	}

	r.mu.Lock()
	if r.crossed[user] == nil {
		r.crossed[user] = make(map[int]int)
	}
	already := r.crossed[user][assetIndex]
	if already >= highest {
		r.mu.Unlock()
		return
	}
	r.crossed[user][assetIndex] = highest
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.OnThresholdCrossing(ThresholdCrossing{
			User:          user,
			AssetIndex:    assetIndex,
			Coin:          coin,
			PnlPercent:    pct,
			Threshold:     highest,
			UnrealizedPnl: snap.UnrealizedPnl,
		})
	}
}

func (r *Reconciler) clearThresholds(user string, assetIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.crossed[user]; ok {
		delete(set, assetIndex)
		if len(set) == 0 {
			delete(r.crossed, user)
		}
	}
}

// DropUser discards stored snapshot/threshold state for a user, called
// when their last downstream subscriber disconnects (PositionSnapshot is
// only kept as long as a user has a downstream subscriber).
func (r *Reconciler) DropUser(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, user)
	delete(r.crossed, user)
}
