// Package downstream serves the single client-facing WebSocket
// endpoint: it upgrades HTTP connections, dispatches client messages
// into the subscription router and upstream multiplexer, and fans out
// server frames via a buffered per-connection send channel. Grounded in
// adred-codev-ws_poc/go-server/pkg/websocket/client.go's
// readPump/writePump split and ping/pong keepalive.
package downstream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

var clientIDSeq uint64

func nextClientID() string {
	n := atomic.AddUint64(&clientIDSeq, 1)
	return time.Now().Format("20060102150405") + "-" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Dispatcher is the narrow interface conn.readLoop calls into for each
// recognized client message type. Implemented by Server.
type Dispatcher interface {
	SubscribeUserData(clientID, user string) error
	UnsubscribeUserData(clientID, user string) error
	SubscribeCandles(coin, interval string)
	ForwardUnsubscribe(subscription map[string]any)
	OnDisconnect(clientID string)
}

type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type userDataPayload struct {
	UserAddress string `json:"userAddress"`
}

type candlesPayload struct {
	Coin     string `json:"coin"`
	Interval string `json:"interval"`
}

type unsubscribePayload struct {
	Subscription map[string]any `json:"subscription"`
}

// Conn is one downstream client connection. Implements
// router.ClientHandle structurally.
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	dispatcher Dispatcher
	log        zerolog.Logger
}

func newConn(ws *websocket.Conn, dispatcher Dispatcher, log zerolog.Logger) *Conn {
	id := nextClientID()
	return &Conn{
		id:         id,
		ws:         ws,
		send:       make(chan []byte, sendBufferSize),
		dispatcher: dispatcher,
		log:        log.With().Str("client_id", id).Logger(),
	}
}

// ID implements router.ClientHandle.
func (c *Conn) ID() string { return c.id }

// Send implements router.ClientHandle: a non-blocking enqueue onto the
// connection's buffered send channel. Returns false (and the caller
// should treat the client as unreachable) if the buffer is full.
func (c *Conn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.ws.Close()
}

// run blocks for the lifetime of the connection, running the read and
// write pumps concurrently.
func (c *Conn) run() {
	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump()
	<-done
	c.dispatcher.OnDisconnect(c.id)
}

func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one inbound client frame by its recognized
// type. Unknown types get an {"error": "Unknown message type"} reply.
func (c *Conn) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyError()
		return
	}

	switch msg.Type {
	case "subscribe_user_data":
		var p userDataPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.UserAddress == "" {
			c.replyError()
			return
		}
		if err := c.dispatcher.SubscribeUserData(c.id, p.UserAddress); err != nil {
			c.log.Warn().Err(err).Msg("subscribe_user_data failed")
			return
		}
		c.reply("subscription_confirmed", nil)
	case "unsubscribe_user_data":
		var p userDataPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.UserAddress == "" {
			c.replyError()
			return
		}
		if err := c.dispatcher.UnsubscribeUserData(c.id, p.UserAddress); err != nil {
			c.log.Warn().Err(err).Msg("unsubscribe_user_data failed")
			return
		}
		c.reply("unsubscription_confirmed", nil)
	case "subscribe_candles":
		var p candlesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Coin == "" {
			c.replyError()
			return
		}
		c.dispatcher.SubscribeCandles(p.Coin, p.Interval)
	case "unsubscribe":
		var p unsubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.replyError()
			return
		}
		c.dispatcher.ForwardUnsubscribe(p.Subscription)
	default:
		c.replyError()
	}
}

type serverFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (c *Conn) reply(msgType string, data any) {
	payload, err := json.Marshal(serverFrame{Type: msgType, Data: data})
	if err != nil {
		return
	}
	c.Send(payload)
}

func (c *Conn) replyError() {
	payload, _ := json.Marshal(map[string]string{"error": "Unknown message type"})
	c.Send(payload)
}
