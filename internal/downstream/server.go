package downstream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hyperswipe/sidecar/internal/router"
)

// CandleForwarder is the narrow slice of *upstream.Client the server
// needs for candle subscription forwarding.
type CandleForwarder interface {
	ForwardSubscribeCandle(coin, interval string)
	ForwardUnsubscribeRaw(subscription map[string]any)
}

// Server is the downstream WebSocket HTTP mount.
type Server struct {
	router   *router.Router
	upward   CandleForwarder
	log      zerolog.Logger
	origins  map[string]bool
	upgrader websocket.Upgrader
}

// NewServer builds the downstream mount. allowedOrigins is the
// CORS-origin allowlist from configuration; an empty list allows any
// origin (matching the teacher's permissive development default). The
// upgrader is a per-instance field rather than a package global: a
// package-level upgrader shared across every *Server would have its
// CheckOrigin silently overwritten by whichever instance was built
// last (e.g. in tests constructing more than one Server).
func NewServer(rt *router.Router, upward CandleForwarder, allowedOrigins []string, log zerolog.Logger) *Server {
	s := &Server{
		router: rt,
		upward: upward,
		log:    log.With().Str("component", "downstream").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if len(allowedOrigins) > 0 {
		s.origins = make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			s.origins[o] = true
		}
		s.upgrader.CheckOrigin = s.checkOrigin
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.origins[origin]
}

// ServeWS upgrades the HTTP request to a WebSocket connection and runs
// the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(ws, s, s.log)
	s.router.Register(conn)
	conn.reply("connected", nil)
	conn.run()
}

// ServeHealthz answers the ambient liveness probe.
func (s *Server) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","time":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
}

// The Dispatcher interface methods below let *Server sit directly
// between Conn and the router/upstream client.

func (s *Server) SubscribeUserData(clientID, user string) error {
	return s.router.SubscribeUserData(clientID, user)
}

func (s *Server) UnsubscribeUserData(clientID, user string) error {
	return s.router.UnsubscribeUserData(clientID, user)
}

func (s *Server) SubscribeCandles(coin, interval string) {
	if s.upward != nil {
		s.upward.ForwardSubscribeCandle(coin, interval)
	}
}

func (s *Server) ForwardUnsubscribe(subscription map[string]any) {
	if s.upward != nil {
		s.upward.ForwardUnsubscribeRaw(subscription)
	}
}

func (s *Server) OnDisconnect(clientID string) {
	s.router.OnClientDisconnect(clientID)
}
