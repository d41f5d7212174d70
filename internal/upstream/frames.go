// Package upstream implements the upstream multiplexer: one
// persistent WebSocket session to the exchange, reconnect-with-backoff,
// and channel/user demultiplexing. Grounded in
// internal/polymarket/ws_client.go for the connect/reconnect mechanics
// and in _examples/adred-codev-ws_poc/go-server/pkg/websocket/hub.go for
// the multi-client register/unregister/broadcast shape, generalized here
// to per-user-filtered delivery.
package upstream

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hyperswipe/sidecar/internal/exchange"
)

// AssetIndexer resolves a coin symbol to its stable asset index.
// Implemented structurally by internal/assets.Table.
type AssetIndexer interface {
	Index(symbol string) (int, bool)
}

// Channel is this module's abstraction-layer name for an upstream feed.
// The real upstream frame channel tags (webData2, subscriptionResponse)
// are mapped onto them in decodeFrame.
type Channel string

const (
	ChannelPriceAll         Channel = "price-all"
	ChannelAccountSnapshot  Channel = "account-snapshot"
	ChannelUserEvents       Channel = "user-events"
	ChannelSubscriptionAck  Channel = "subscription-ack"
	ChannelUnknown          Channel = "unknown"
)

// wireChannel maps the real upstream channel tag to this module's name.
func wireChannel(tag string) Channel {
	switch tag {
	case "allMids":
		return ChannelPriceAll
	case "webData2":
		return ChannelAccountSnapshot
	case "userEvents":
		return ChannelUserEvents
	case "subscriptionResponse":
		return ChannelSubscriptionAck
	default:
		return ChannelUnknown
	}
}

// Frame is a demultiplexed inbound upstream message.
type Frame struct {
	Channel Channel
	User    string // lowercased; "" if unresolved or channel-wide
	Raw     json.RawMessage
}

type wireEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// decodeFrame parses a raw upstream message into a dispatchable Frame
// and extracts the subject user by probing, in order: `user`,
// `userAddress`, nested clearinghouseState, then the first element of a
// fills array. Returns ok=false if the envelope itself doesn't parse.
func decodeFrame(raw []byte) (Frame, bool) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, false
	}

	f := Frame{
		Channel: wireChannel(env.Channel),
		Raw:     env.Data,
	}
	f.User = extractUser(env.Data)
	return f, true
}

type userProbe struct {
	User               string `json:"user"`
	UserAddress        string `json:"userAddress"`
	ClearinghouseState struct {
		User string `json:"user"`
	} `json:"clearinghouseState"`
	Fills []struct {
		User string `json:"user"`
	} `json:"fills"`
}

func extractUser(data json.RawMessage) string {
	var p userProbe
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	switch {
	case p.User != "":
		return strings.ToLower(p.User)
	case p.UserAddress != "":
		return strings.ToLower(p.UserAddress)
	case p.ClearinghouseState.User != "":
		return strings.ToLower(p.ClearinghouseState.User)
	case len(p.Fills) > 0 && p.Fills[0].User != "":
		return strings.ToLower(p.Fills[0].User)
	default:
		return ""
	}
}

// AccountSnapshotFrame is the decoded payload of an account-snapshot
// push, fed to the position reconciler.
type AccountSnapshotFrame struct {
	User           string
	AssetPositions []exchange.AssetPosition
}

type accountSnapshotWire struct {
	ClearinghouseState struct {
		AssetPositions []struct {
			Position struct {
				Coin          string `json:"coin"`
				Szi           string `json:"szi"`
				EntryPx       string `json:"entryPx"`
				UnrealizedPnl string `json:"unrealizedPnl"`
			} `json:"position"`
		} `json:"assetPositions"`
	} `json:"clearinghouseState"`
}

// decodeAccountSnapshot resolves each position's stable asset index via
// resolver rather than its position within assetPositions: that array
// only lists currently-open positions, so a closing position shifts
// every later entry's array index on the very next frame. Keying the
// reconciler's snapshot/dedup maps by that shifting index would compare
// unrelated coins across frames. A position whose coin can't be
// resolved is dropped and logged.
func decodeAccountSnapshot(user string, raw json.RawMessage, resolver AssetIndexer, log zerolog.Logger) AccountSnapshotFrame {
	var w accountSnapshotWire
	_ = json.Unmarshal(raw, &w)

	out := AccountSnapshotFrame{User: user}
	for _, ap := range w.ClearinghouseState.AssetPositions {
		assetIndex, ok := resolveAssetIndex(resolver, ap.Position.Coin, log)
		if !ok {
			continue
		}
		out.AssetPositions = append(out.AssetPositions, exchange.AssetPosition{
			Coin:          ap.Position.Coin,
			AssetIndex:    assetIndex,
			NetSize:       parseDecimalOrZero(ap.Position.Szi),
			EntryPrice:    parseDecimalOrZero(ap.Position.EntryPx),
			UnrealizedPnl: parseDecimalOrZero(ap.Position.UnrealizedPnl),
		})
	}
	return out
}

func resolveAssetIndex(resolver AssetIndexer, coin string, log zerolog.Logger) (int, bool) {
	if resolver == nil {
		log.Warn().Str("coin", coin).Msg("no asset table wired, dropping position")
		return 0, false
	}
	idx, ok := resolver.Index(coin)
	if !ok {
		log.Warn().Str("coin", coin).Msg("unresolvable asset index, dropping position")
	}
	return idx, ok
}

// OrderStatusUpdate is one order status entry from a user-events frame.
type OrderStatusUpdate struct {
	ExchangeOrderID string
	Status          string // "open" | "cancelled" | "rejected"
}

// UserEventsFrame is the decoded payload of a user-events push, fed to
// the order tracker (fills + order status updates).
type UserEventsFrame struct {
	User   string
	Fills  []exchange.Fill
	Orders []OrderStatusUpdate
}

type userEventsWire struct {
	Fills []struct {
		Oid       int64  `json:"oid"`
		Coin      string `json:"coin"`
		Side      string `json:"side"`
		Px        string `json:"px"`
		Sz        string `json:"sz"`
		Fee       string `json:"fee"`
		ClosedPnl string `json:"closedPnl"`
		Dir       string `json:"dir"`
		Time      int64  `json:"time"`
	} `json:"fills"`
	Order struct {
		Oid    int64  `json:"oid"`
		Status string `json:"status"`
	} `json:"order"`
}

func decodeUserEvents(user string, raw json.RawMessage) UserEventsFrame {
	var w userEventsWire
	_ = json.Unmarshal(raw, &w)

	out := UserEventsFrame{User: user}
	for _, f := range w.Fills {
		out.Fills = append(out.Fills, exchange.Fill{
			ExchangeOrderID: itoa(f.Oid),
			Coin:            f.Coin,
			Side:            f.Side,
			Price:           parseDecimalOrZero(f.Px),
			Size:            parseDecimalOrZero(f.Sz),
			Fee:             parseDecimalOrZero(f.Fee),
			ClosedPnl:       parseDecimalOrZero(f.ClosedPnl),
			Direction:       f.Dir,
			TimestampMs:     f.Time,
		})
	}
	if w.Order.Oid != 0 {
		out.Orders = append(out.Orders, OrderStatusUpdate{
			ExchangeOrderID: itoa(w.Order.Oid),
			Status:          w.Order.Status,
		})
	}
	return out
}
