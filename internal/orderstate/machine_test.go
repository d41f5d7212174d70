package orderstate

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func newTestMachine(t *testing.T) (*Machine, *[]Transition) {
	t.Helper()
	var cues []Transition
	m := NewMachine(zerolog.Nop(), func(tr Transition) {
		cues = append(cues, tr)
	})
	return m, &cues
}

func mustCreate(t *testing.T, m *Machine, id string, size decimal.Decimal) {
	t.Helper()
	if err := m.CreateOrder(&OrderContext{
		TrackingID: id,
		User:       "0xabc",
		AssetIndex: 4,
		IsBuy:      true,
		Price:      decimal.NewFromInt(2500),
		Size:       size,
	}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
}

func TestImmediateFillTransition(t *testing.T) {
	m, cues := newTestMachine(t)
	mustCreate(t, m, "o1", decimal.NewFromFloat(1.0))

	if _, err := m.Trigger("o1", EventSubmit, EventData{ExchangeOrderID: "101"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Trigger("o1", EventCompleteFill, EventData{FillPrice: decimal.NewFromFloat(2499)}); err != nil {
		t.Fatal(err)
	}

	ctx, ok := m.Get("o1")
	if !ok {
		t.Fatal("order missing")
	}
	if ctx.State != Filled {
		t.Fatalf("want Filled, got %s", ctx.State)
	}
	if !ctx.FilledSize.Equal(decimal.NewFromFloat(1.0)) {
		t.Fatalf("want filled_size=1.0, got %s", ctx.FilledSize)
	}
	if len(*cues) != 2 || !(*cues)[1].Applied {
		t.Fatalf("expected two applied transitions, got %+v", *cues)
	}
}

func TestPartialFillsThenCancel(t *testing.T) {
	m, _ := newTestMachine(t)
	mustCreate(t, m, "o2", decimal.NewFromFloat(2.0))

	if _, err := m.Trigger("o2", EventSubmit, EventData{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Trigger("o2", EventConfirmOpen, EventData{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Trigger("o2", EventPartialFill, EventData{FillSize: decimal.NewFromFloat(0.5), FillPrice: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Trigger("o2", EventPartialFill, EventData{FillSize: decimal.NewFromFloat(0.5), FillPrice: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}

	ctx, _ := m.Get("o2")
	if ctx.State != PartiallyFilled {
		t.Fatalf("want PartiallyFilled, got %s", ctx.State)
	}
	if !ctx.FilledSize.Equal(decimal.NewFromFloat(1.0)) {
		t.Fatalf("want filled_size=1.0, got %s", ctx.FilledSize)
	}

	if _, err := m.Trigger("o2", EventCancel, EventData{Reason: "cancelled"}); err != nil {
		t.Fatal(err)
	}
	ctx, _ = m.Get("o2")
	if ctx.State != Cancelled {
		t.Fatalf("want Cancelled, got %s", ctx.State)
	}
	if !ctx.RemainingSize.Equal(decimal.NewFromFloat(1.0)) {
		t.Fatalf("want remaining_size=1.0, got %s", ctx.RemainingSize)
	}
}

func TestTerminalStateRejectsFurtherEvents(t *testing.T) {
	m, _ := newTestMachine(t)
	mustCreate(t, m, "o3", decimal.NewFromFloat(1.0))
	if _, err := m.Trigger("o3", EventSubmit, EventData{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Trigger("o3", EventFail, EventData{Error: "boom"}); err != nil {
		t.Fatal(err)
	}

	tr, err := m.Trigger("o3", EventConfirmOpen, EventData{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Applied {
		t.Fatalf("expected invalid-state event to be dropped, got applied transition %+v", tr)
	}
	ctx, _ := m.Get("o3")
	if ctx.State != Failed {
		t.Fatalf("state must remain Failed, got %s", ctx.State)
	}
}

func TestCleanupOldOrdersRequiresExplicitMaxAge(t *testing.T) {
	m, _ := newTestMachine(t)
	mustCreate(t, m, "o4", decimal.NewFromFloat(1.0))
	_, _ = m.Trigger("o4", EventSubmit, EventData{})
	_, _ = m.Trigger("o4", EventFail, EventData{})

	// A max age in the far future should not clean up a just-failed order.
	if n := m.CleanupOldOrders(24 * 60 * 60 * 1e9); n != 0 {
		t.Fatalf("expected 0 cleaned, got %d", n)
	}
}
