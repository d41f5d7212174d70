package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hyperswipe/sidecar/internal/exchange"
	"github.com/hyperswipe/sidecar/internal/upstream"
)

type fakeFillSource struct {
	fills []exchange.Fill
	err   error
}

func (f *fakeFillSource) GetRecentCloseFills(ctx context.Context, user, coin string, lookback time.Duration) ([]exchange.Fill, error) {
	return f.fills, f.err
}

type recordingSink struct {
	closed    []ClosedPosition
	crossings []ThresholdCrossing
}

func (s *recordingSink) OnPositionClosed(c ClosedPosition)         { s.closed = append(s.closed, c) }
func (s *recordingSink) OnThresholdCrossing(c ThresholdCrossing)   { s.crossings = append(s.crossings, c) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCloseDetectionUsesFillDataWhenAvailable(t *testing.T) {
	src := &fakeFillSource{fills: []exchange.Fill{
		{Price: d("51000"), Size: d("0.5"), ClosedPnl: d("250")},
	}}
	sink := &recordingSink{}
	r := NewReconciler(src, sink, zerolog.Nop())

	r.OnAccountSnapshot(upstream.AccountSnapshotFrame{
		User: "0xabc",
		AssetPositions: []exchange.AssetPosition{
			{Coin: "BTC", AssetIndex: 3, NetSize: d("0.5"), EntryPrice: d("50000"), UnrealizedPnl: d("100")},
		},
	})

	r.OnAccountSnapshot(upstream.AccountSnapshotFrame{User: "0xabc", AssetPositions: nil})

	if len(sink.closed) != 1 {
		t.Fatalf("expected one close event, got %d", len(sink.closed))
	}
	c := sink.closed[0]
	if !c.FromFillData {
		t.Fatal("expected close to use fill data")
	}
	if !c.ExitPrice.Equal(d("51000")) || !c.RealizedPnl.Equal(d("250")) {
		t.Fatalf("unexpected close details: %+v", c)
	}
}

func TestCloseDetectionFallsBackWithoutFills(t *testing.T) {
	src := &fakeFillSource{fills: nil}
	sink := &recordingSink{}
	r := NewReconciler(src, sink, zerolog.Nop())

	r.OnAccountSnapshot(upstream.AccountSnapshotFrame{
		User: "0xabc",
		AssetPositions: []exchange.AssetPosition{
			{Coin: "ETH", AssetIndex: 4, NetSize: d("2"), EntryPrice: d("2000"), UnrealizedPnl: d("-40")},
		},
	})
	r.OnAccountSnapshot(upstream.AccountSnapshotFrame{User: "0xabc"})

	if len(sink.closed) != 1 {
		t.Fatalf("expected one close event, got %d", len(sink.closed))
	}
	c := sink.closed[0]
	if c.FromFillData {
		t.Fatal("expected fallback path, not fill data")
	}
	if !c.ExitPrice.Equal(d("2000")) || !c.RealizedPnl.Equal(d("-40")) || !c.ClosedSize.Equal(d("2")) {
		t.Fatalf("unexpected fallback close details: %+v", c)
	}
}

func TestThresholdCrossingEmitsHighestOnce(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(nil, sink, zerolog.Nop())

	snap := func(pnl string) upstream.AccountSnapshotFrame {
		return upstream.AccountSnapshotFrame{
			User: "0xabc",
			AssetPositions: []exchange.AssetPosition{
				{Coin: "BTC", AssetIndex: 3, NetSize: d("1"), EntryPrice: d("50000"), UnrealizedPnl: d(pnl)},
			},
		}
	}

	r.OnAccountSnapshot(snap("1000"))  // establishes the baseline snapshot, no prior to compare against
	r.OnAccountSnapshot(snap("5000"))  // 10%
	r.OnAccountSnapshot(snap("6000"))  // 12%, still only the 10% bucket
	r.OnAccountSnapshot(snap("13000")) // 26%, crosses 25%

	if len(sink.crossings) != 2 {
		t.Fatalf("expected exactly 2 threshold emissions (10 then 25), got %d: %+v", len(sink.crossings), sink.crossings)
	}
	if sink.crossings[0].Threshold != 10 || sink.crossings[1].Threshold != 25 {
		t.Fatalf("unexpected threshold sequence: %+v", sink.crossings)
	}
}

func TestThresholdClearsOnFlatten(t *testing.T) {
	sink := &recordingSink{}
	r := NewReconciler(&fakeFillSource{}, sink, zerolog.Nop())

	open := upstream.AccountSnapshotFrame{
		User: "0xabc",
		AssetPositions: []exchange.AssetPosition{
			{Coin: "BTC", AssetIndex: 3, NetSize: d("1"), EntryPrice: d("50000"), UnrealizedPnl: d("1000")},
		},
	}
	crossing := upstream.AccountSnapshotFrame{
		User: "0xabc",
		AssetPositions: []exchange.AssetPosition{
			{Coin: "BTC", AssetIndex: 3, NetSize: d("1"), EntryPrice: d("50000"), UnrealizedPnl: d("13000")},
		},
	}
	flatten := upstream.AccountSnapshotFrame{User: "0xabc"}

	r.OnAccountSnapshot(open)     // establishes the baseline
	r.OnAccountSnapshot(crossing) // crosses 25%, emission #1
	r.OnAccountSnapshot(flatten)  // close detected, clears crossed thresholds

	r.OnAccountSnapshot(open)     // re-establishes a baseline for the new position
	r.OnAccountSnapshot(crossing) // crosses 25% again, emission #2

	// the re-opened position should be able to cross 25% again rather than
	// being permanently suppressed by the first occurrence.
	count25 := 0
	for _, c := range sink.crossings {
		if c.Threshold == 25 {
			count25++
		}
	}
	if count25 != 2 {
		t.Fatalf("expected threshold 25 to re-fire after flatten, got %d occurrences: %+v", count25, sink.crossings)
	}
}
