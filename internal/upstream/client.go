package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FrameRouter delivers demultiplexed frames to interested downstream
// clients. Implemented by internal/router.Router; consumed here so the
// multiplexer never needs to know about individual downstream
// connections. This is the one-way interface that lets the multiplexer
// and the per-client router depend on each other structurally without
// either importing the other's concrete type.
type FrameRouter interface {
	RouteToAll(msg []byte)
	RouteToUser(user string, msg []byte)
}

// AccountSnapshotSink receives decoded account-snapshot pushes.
// Implemented by internal/reconciler.Reconciler.
type AccountSnapshotSink interface {
	OnAccountSnapshot(f AccountSnapshotFrame)
}

// UserEventsSink receives decoded user-events pushes. Implemented by
// internal/tracker.Tracker.
type UserEventsSink interface {
	OnUserEvents(f UserEventsFrame)
}

// Client is the single persistent upstream WebSocket session.
// Grounded in internal/polymarket/ws_client.go's Connect/readMessages/
// handleDisconnect shape (the exact 5s-sleep-then-reconnect policy is
// reused verbatim), generalized to demux by channel/user and fan out via
// a FrameRouter rather than serving one in-process callback.
type Client struct {
	url string

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	active       map[string]bool // "channel:user" keys currently subscribed upstream
	reconnecting bool

	router       FrameRouter
	accountSink  AccountSnapshotSink
	userEvtSink  UserEventsSink
	assets       AssetIndexer

	stopCh chan struct{}
	log    zerolog.Logger
}

// NewClient builds the multiplexer. assets resolves coin symbols to
// stable asset indices for decoded account-snapshot positions; nil is
// accepted (positions with no resolvable index are dropped and logged).
func NewClient(url string, router FrameRouter, accountSink AccountSnapshotSink, userEvtSink UserEventsSink, assets AssetIndexer, log zerolog.Logger) *Client {
	return &Client{
		url:         url,
		active:      make(map[string]bool),
		router:      router,
		accountSink: accountSink,
		userEvtSink: userEvtSink,
		assets:      assets,
		stopCh:      make(chan struct{}),
		log:         log.With().Str("component", "upstream_client").Logger(),
	}
}

// Start dials the upstream socket, subscribes to the global price
// channel, and spawns the reader goroutine. Reconnect is handled
// internally; Start only returns an error on the very first dial.
func (c *Client) Start(ctx context.Context) error {
	if err := c.dial(); err != nil {
		return fmt.Errorf("initial dial: %w", err)
	}
	c.subscribeAllMids()
	go c.readLoop(ctx)
	return nil
}

func (c *Client) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info().Str("url", c.url).Msg("connected to upstream")
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			// a previous reconnect attempt failed: try again
			c.handleDisconnect(ctx)
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("upstream read error, reconnecting")
			c.handleDisconnect(ctx)
			continue
		}

		c.dispatch(raw)
	}
}

// handleDisconnect sleeps exactly 5s and reconnects, then re-issues
// every active subscription known so far. Reconnect is singleton-guarded
// so overlapping reconnect attempts never occur.
func (c *Client) handleDisconnect(ctx context.Context) {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	activeKeys := make([]string, 0, len(c.active))
	for k := range c.active {
		activeKeys = append(activeKeys, k)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return
	case <-time.After(5 * time.Second):
	}

	if err := c.dial(); err != nil {
		c.log.Error().Err(err).Msg("reconnect failed, retrying after the next 5s delay")
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
		return
	}

	c.subscribeAllMids()
	for _, key := range activeKeys {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		c.sendSubscribe("subscribe", parts[0], parts[1])
	}

	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}

func (c *Client) dispatch(raw []byte) {
	frame, ok := decodeFrame(raw)
	if !ok {
		c.log.Warn().Msg("failed to decode upstream frame")
		return
	}

	switch frame.Channel {
	case ChannelPriceAll:
		c.router.RouteToAll(raw)
	case ChannelAccountSnapshot:
		if frame.User == "" {
			c.log.Warn().Msg("account-snapshot frame with unresolvable user, dropping")
			return
		}
		c.router.RouteToUser(frame.User, raw)
		if c.accountSink != nil {
			c.accountSink.OnAccountSnapshot(decodeAccountSnapshot(frame.User, frame.Raw, c.assets, c.log))
		}
	case ChannelUserEvents:
		if frame.User == "" {
			c.log.Warn().Msg("user-events frame with unresolvable user, dropping")
			return
		}
		c.router.RouteToUser(frame.User, raw)
		if c.userEvtSink != nil {
			c.userEvtSink.OnUserEvents(decodeUserEvents(frame.User, frame.Raw))
		}
	case ChannelSubscriptionAck:
		c.log.Debug().Msg("subscription acknowledged upstream")
	default:
		c.router.RouteToAll(raw)
	}
}

func (c *Client) subscribeAllMids() {
	c.send(map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type": "allMids",
		},
	})
}

// SubscribeUser issues upstream subscribe frames for user-events then
// account-snapshot, in that order: user-events first keeps fill
// notifications off the critical path of the (heavier) account snapshot
// subscription. Implements router.SubscriptionController structurally.
func (c *Client) SubscribeUser(user string) error {
	user = strings.ToLower(user)
	c.sendSubscribe("subscribe", "userEvents", user)
	c.sendSubscribe("subscribe", "webData2", user)
	c.mu.Lock()
	c.active["userEvents:"+user] = true
	c.active["webData2:"+user] = true
	c.mu.Unlock()
	return nil
}

// UnsubscribeUser is the symmetric teardown.
func (c *Client) UnsubscribeUser(user string) error {
	user = strings.ToLower(user)
	c.sendSubscribe("unsubscribe", "userEvents", user)
	c.sendSubscribe("unsubscribe", "webData2", user)
	c.mu.Lock()
	delete(c.active, "userEvents:"+user)
	delete(c.active, "webData2:"+user)
	c.mu.Unlock()
	return nil
}

// ForwardSubscribeCandle forwards a downstream `subscribe_candles`
// request upstream verbatim. Candle subscriptions are not per-user, so
// they are not coalesced by the router and this bypasses it entirely.
func (c *Client) ForwardSubscribeCandle(coin, interval string) {
	c.send(map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type":     "candle",
			"coin":     coin,
			"interval": interval,
		},
	})
}

// ForwardUnsubscribeRaw forwards a downstream `unsubscribe` request's
// embedded subscription object upstream verbatim.
func (c *Client) ForwardUnsubscribeRaw(subscription map[string]any) {
	c.send(map[string]any{
		"method":       "unsubscribe",
		"subscription": subscription,
	})
}

func (c *Client) sendSubscribe(method, subType, user string) {
	c.send(map[string]any{
		"method": method,
		"subscription": map[string]any{
			"type": subType,
			"user": user,
		},
	})
}

// send serializes payload and writes it to the upstream socket.
// gorilla/websocket permits only one concurrent writer per connection,
// and many call paths reach here from different goroutines (the
// router's subscribe/unsubscribe calls, the downstream server's candle
// forwarding, the reconnect supervisor's resubscribe replay) -- c.mu is
// held across the write itself, not just the conn lookup, so the
// upstream socket is exclusively written by one goroutine at a time
// (spec's "upstream socket: exclusively written by C3's send path").
func (c *Client) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to marshal upstream subscribe frame")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.log.Warn().Msg("dropping subscribe frame, upstream not connected")
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Error().Err(err).Msg("failed to write to upstream")
	}
}

// Close shuts the upstream connection down.
func (c *Client) Close() {
	close(c.stopCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
