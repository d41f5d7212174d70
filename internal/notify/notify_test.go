package notify

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hyperswipe/sidecar/internal/orderstate"
	"github.com/hyperswipe/sidecar/internal/reconciler"
)

type fakeStore struct {
	chatIDs  map[string]string
	settings map[string]NotificationSettings
	recorded []string
}

func (s *fakeStore) GetChatID(user string) (string, bool) {
	id, ok := s.chatIDs[user]
	return id, ok
}

func (s *fakeStore) GetNotificationSettings(user string) NotificationSettings {
	return s.settings[user]
}

func (s *fakeStore) RecordNotificationSent(user, category string, notional decimal.Decimal) {
	s.recorded = append(s.recorded, user+":"+category)
}

type fakeSender struct {
	sent []string
}

func (s *fakeSender) SendMarkdown(chatID, text string) error {
	s.sent = append(s.sent, chatID+"|"+text)
	return nil
}

func enabledSettings() NotificationSettings {
	return NotificationSettings{
		FillsEnabled:         true,
		PnlEnabled:           true,
		LiquidationEnabled:   true,
		MinNotificationValue: decimal.Zero,
	}
}

func TestOnTransitionDropsSilentlyWithoutChatLink(t *testing.T) {
	store := &fakeStore{chatIDs: map[string]string{}, settings: map[string]NotificationSettings{}}
	sender := &fakeSender{}
	e := NewEmitter(store, sender, zerolog.Nop())

	ctx := &orderstate.OrderContext{User: "0xabc", TrackingID: "o1", Size: decimal.RequireFromString("1"), Price: decimal.RequireFromString("100"), IsBuy: true}
	e.OnTransition(orderstate.Transition{Event: orderstate.EventCompleteFill, Applied: true, Meta: map[string]string{"fill_price": "100"}}, ctx)

	if len(sender.sent) != 0 {
		t.Fatalf("expected no send without a chat link, got %v", sender.sent)
	}
}

func TestOnTransitionSendsFillAboveThreshold(t *testing.T) {
	store := &fakeStore{
		chatIDs:  map[string]string{"0xabc": "chat1"},
		settings: map[string]NotificationSettings{"0xabc": enabledSettings()},
	}
	sender := &fakeSender{}
	e := NewEmitter(store, sender, zerolog.Nop())

	ctx := &orderstate.OrderContext{User: "0xabc", TrackingID: "o1", Size: decimal.RequireFromString("1"), FilledSize: decimal.RequireFromString("1"), Price: decimal.RequireFromString("100"), IsBuy: true}
	e.OnTransition(orderstate.Transition{Event: orderstate.EventCompleteFill, Applied: true, Meta: map[string]string{"fill_price": "100"}}, ctx)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one send, got %d: %v", len(sender.sent), sender.sent)
	}
	if len(store.recorded) != 1 {
		t.Fatalf("expected exactly one recorded notification, got %v", store.recorded)
	}
}

func TestOnTransitionSkipsBelowMinNotificationValue(t *testing.T) {
	settings := enabledSettings()
	settings.MinNotificationValue = decimal.RequireFromString("1000")
	store := &fakeStore{
		chatIDs:  map[string]string{"0xabc": "chat1"},
		settings: map[string]NotificationSettings{"0xabc": settings},
	}
	sender := &fakeSender{}
	e := NewEmitter(store, sender, zerolog.Nop())

	ctx := &orderstate.OrderContext{User: "0xabc", TrackingID: "o1", Size: decimal.RequireFromString("1"), FilledSize: decimal.RequireFromString("1"), Price: decimal.RequireFromString("100"), IsBuy: true}
	e.OnTransition(orderstate.Transition{Event: orderstate.EventCompleteFill, Applied: true, Meta: map[string]string{"fill_price": "100"}}, ctx)

	if len(sender.sent) != 0 {
		t.Fatalf("expected no send below the notional floor, got %v", sender.sent)
	}
}

func TestOnTransitionSkipsWhenCategoryDisabled(t *testing.T) {
	settings := enabledSettings()
	settings.FillsEnabled = false
	store := &fakeStore{
		chatIDs:  map[string]string{"0xabc": "chat1"},
		settings: map[string]NotificationSettings{"0xabc": settings},
	}
	sender := &fakeSender{}
	e := NewEmitter(store, sender, zerolog.Nop())

	ctx := &orderstate.OrderContext{User: "0xabc", TrackingID: "o1", Size: decimal.RequireFromString("1"), FilledSize: decimal.RequireFromString("1"), Price: decimal.RequireFromString("100"), IsBuy: true}
	e.OnTransition(orderstate.Transition{Event: orderstate.EventCompleteFill, Applied: true, Meta: map[string]string{"fill_price": "100"}}, ctx)

	if len(sender.sent) != 0 {
		t.Fatalf("expected no send when fills category is disabled, got %v", sender.sent)
	}
}

func TestOnTransitionIgnoresNonFillEvents(t *testing.T) {
	store := &fakeStore{
		chatIDs:  map[string]string{"0xabc": "chat1"},
		settings: map[string]NotificationSettings{"0xabc": enabledSettings()},
	}
	sender := &fakeSender{}
	e := NewEmitter(store, sender, zerolog.Nop())

	ctx := &orderstate.OrderContext{User: "0xabc", TrackingID: "o1"}
	e.OnTransition(orderstate.Transition{Event: orderstate.EventConfirmOpen, Applied: true}, ctx)

	if len(sender.sent) != 0 {
		t.Fatalf("expected confirm-open transitions to never notify, got %v", sender.sent)
	}
}

func TestOnPositionClosedUsesFallbackFigures(t *testing.T) {
	store := &fakeStore{
		chatIDs:  map[string]string{"0xabc": "chat1"},
		settings: map[string]NotificationSettings{"0xabc": enabledSettings()},
	}
	sender := &fakeSender{}
	e := NewEmitter(store, sender, zerolog.Nop())

	e.OnPositionClosed(reconciler.ClosedPosition{
		User:        "0xabc",
		Coin:        "BTC",
		ExitPrice:   decimal.RequireFromString("50000"),
		ClosedSize:  decimal.RequireFromString("1"),
		RealizedPnl: decimal.RequireFromString("-100"),
	})

	if len(sender.sent) != 1 {
		t.Fatalf("expected one close notification, got %d", len(sender.sent))
	}
}

func TestOnThresholdCrossingDedupesWithinSameKey(t *testing.T) {
	store := &fakeStore{
		chatIDs:  map[string]string{"0xabc": "chat1"},
		settings: map[string]NotificationSettings{"0xabc": enabledSettings()},
	}
	sender := &fakeSender{}
	e := NewEmitter(store, sender, zerolog.Nop())

	crossing := reconciler.ThresholdCrossing{User: "0xabc", AssetIndex: 3, Coin: "BTC", PnlPercent: 26, Threshold: 25, UnrealizedPnl: decimal.RequireFromString("1300")}
	e.OnThresholdCrossing(crossing)
	e.OnThresholdCrossing(crossing)

	if len(sender.sent) != 1 {
		t.Fatalf("expected the duplicate threshold crossing to be suppressed, got %d sends", len(sender.sent))
	}
}
