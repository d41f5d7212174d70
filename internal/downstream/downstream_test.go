package downstream

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

type fakeDispatcher struct {
	subscribed   []string
	unsubscribed []string
	candles      []string
	forwarded    []map[string]any
	disconnected []string
	subErr       error
}

func (f *fakeDispatcher) SubscribeUserData(clientID, user string) error {
	f.subscribed = append(f.subscribed, clientID+":"+user)
	return f.subErr
}

func (f *fakeDispatcher) UnsubscribeUserData(clientID, user string) error {
	f.unsubscribed = append(f.unsubscribed, clientID+":"+user)
	return nil
}

func (f *fakeDispatcher) SubscribeCandles(coin, interval string) {
	f.candles = append(f.candles, coin+":"+interval)
}

func (f *fakeDispatcher) ForwardUnsubscribe(subscription map[string]any) {
	f.forwarded = append(f.forwarded, subscription)
}

func (f *fakeDispatcher) OnDisconnect(clientID string) {
	f.disconnected = append(f.disconnected, clientID)
}

func newTestConn(d Dispatcher) *Conn {
	return &Conn{
		id:         "test-client",
		send:       make(chan []byte, sendBufferSize),
		dispatcher: d,
		log:        zerolog.Nop(),
	}
}

func drain(t *testing.T, c *Conn) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case msg := <-c.send:
			var m map[string]any
			if err := json.Unmarshal(msg, &m); err != nil {
				t.Fatalf("reply not valid JSON: %v", err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestDispatchSubscribeUserData(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConn(d)
	c.handleMessage([]byte(`{"type":"subscribe_user_data","payload":{"userAddress":"0xABC"}}`))

	if len(d.subscribed) != 1 || d.subscribed[0] != "test-client:0xABC" {
		t.Fatalf("expected subscribe call, got %v", d.subscribed)
	}
	replies := drain(t, c)
	if len(replies) != 1 || replies[0]["type"] != "subscription_confirmed" {
		t.Fatalf("expected subscription_confirmed reply, got %v", replies)
	}
}

func TestDispatchUnsubscribeUserData(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConn(d)
	c.handleMessage([]byte(`{"type":"unsubscribe_user_data","payload":{"userAddress":"0xABC"}}`))

	if len(d.unsubscribed) != 1 {
		t.Fatalf("expected unsubscribe call, got %v", d.unsubscribed)
	}
	replies := drain(t, c)
	if len(replies) != 1 || replies[0]["type"] != "unsubscription_confirmed" {
		t.Fatalf("expected unsubscription_confirmed reply, got %v", replies)
	}
}

func TestDispatchSubscribeCandles(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConn(d)
	c.handleMessage([]byte(`{"type":"subscribe_candles","payload":{"coin":"BTC","interval":"1m"}}`))

	if len(d.candles) != 1 || d.candles[0] != "BTC:1m" {
		t.Fatalf("expected candle subscribe forward, got %v", d.candles)
	}
}

func TestDispatchForwardUnsubscribe(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConn(d)
	c.handleMessage([]byte(`{"type":"unsubscribe","payload":{"subscription":{"type":"candle","coin":"BTC"}}}`))

	if len(d.forwarded) != 1 {
		t.Fatalf("expected one forwarded unsubscribe, got %v", d.forwarded)
	}
	if d.forwarded[0]["type"] != "candle" {
		t.Fatalf("unexpected forwarded subscription: %v", d.forwarded[0])
	}
}

func TestDispatchUnknownTypeRepliesError(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConn(d)
	c.handleMessage([]byte(`{"type":"bogus","payload":{}}`))

	replies := drain(t, c)
	if len(replies) != 1 || replies[0]["error"] != "Unknown message type" {
		t.Fatalf("expected unknown message type error, got %v", replies)
	}
}

func TestDispatchMalformedJSONRepliesError(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConn(d)
	c.handleMessage([]byte(`not json`))

	replies := drain(t, c)
	if len(replies) != 1 || replies[0]["error"] != "Unknown message type" {
		t.Fatalf("expected error reply for malformed json, got %v", replies)
	}
}

func TestDispatchMissingUserAddressRepliesError(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestConn(d)
	c.handleMessage([]byte(`{"type":"subscribe_user_data","payload":{}}`))

	if len(d.subscribed) != 0 {
		t.Fatalf("expected no subscribe call without a userAddress, got %v", d.subscribed)
	}
	replies := drain(t, c)
	if len(replies) != 1 || replies[0]["error"] != "Unknown message type" {
		t.Fatalf("expected error reply for missing userAddress, got %v", replies)
	}
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	d := &fakeDispatcher{}
	c := &Conn{id: "full", send: make(chan []byte, 1), dispatcher: d, log: zerolog.Nop()}

	if !c.Send([]byte("first")) {
		t.Fatal("expected first send to succeed")
	}
	if c.Send([]byte("second")) {
		t.Fatal("expected second send to be dropped when buffer is full")
	}
}

func TestSendFailsAfterClose(t *testing.T) {
	d := &fakeDispatcher{}
	c := &Conn{id: "closing", send: make(chan []byte, 4), dispatcher: d, log: zerolog.Nop()}
	c.closed = true

	if c.Send([]byte("x")) {
		t.Fatal("expected send to fail on a closed connection")
	}
}
