// Package router implements the subscription router: the
// per-downstream-client registry that coalesces duplicate upstream
// subscriptions and routes demultiplexed upstream frames to only the
// clients interested in a given user. The register/route mechanics are
// adapted from adred-codev-ws_poc/go-server/pkg/websocket/hub.go (see
// DESIGN.md).
package router

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ClientHandle is the narrow interface a downstream connection exposes
// to the router: an identity and a non-blocking send. Implemented by
// internal/downstream.Conn.
type ClientHandle interface {
	ID() string
	Send(msg []byte) bool
}

// SubscriptionController is the one-way interface the router calls into
// to (un)subscribe upstream on behalf of a user. Implemented structurally
// by internal/upstream.Client, without either package importing the
// other's concrete type.
type SubscriptionController interface {
	SubscribeUser(user string) error
	UnsubscribeUser(user string) error
}

// PositionDropper is notified when a user has no remaining downstream
// subscriber, so per-user state kept elsewhere only for the lifetime of
// a subscription (the reconciler's PositionSnapshot map, per spec.md
// §3's ownership rule) can be dropped too. Implemented by
// internal/reconciler.Reconciler. Optional: a nil dropper is a no-op.
type PositionDropper interface {
	DropUser(user string)
}

type clientState struct {
	handle ClientHandle
	user   string // "" if not subscribed to any user
}

// Router is the subscription router.
type Router struct {
	mu      sync.Mutex
	clients map[string]*clientState // by client ID
	byUser  map[string]map[string]bool // user -> set of client IDs

	controller SubscriptionController
	dropper    PositionDropper
	log        zerolog.Logger
}

func NewRouter(controller SubscriptionController, dropper PositionDropper, log zerolog.Logger) *Router {
	return &Router{
		clients:    make(map[string]*clientState),
		byUser:     make(map[string]map[string]bool),
		controller: controller,
		dropper:    dropper,
		log:        log.With().Str("component", "router").Logger(),
	}
}

// Register adds a new downstream client with no subscription yet.
func (r *Router) Register(handle ClientHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[handle.ID()] = &clientState{handle: handle}
}

// OnClientDisconnect tears down a client's subscription (if any) and
// removes it from the registry. Symmetric with an explicit unsubscribe.
func (r *Router) OnClientDisconnect(clientID string) {
	r.mu.Lock()
	st, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	user := st.user
	delete(r.clients, clientID)
	r.mu.Unlock()

	if user != "" {
		r.cleanupFor(user, clientID)
	}
}

// SubscribeUserData binds clientID to user. If the client was previously
// bound to a different user, that binding is cleaned up first. If this
// is the first client referencing user, the upstream subscription is
// established (user-events before account-snapshot is the
// SubscriptionController's concern, not the router's).
func (r *Router) SubscribeUserData(clientID, user string) error {
	user = strings.ToLower(user)

	r.mu.Lock()
	st, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	oldUser := st.user
	r.mu.Unlock()

	if oldUser != "" && oldUser != user {
		r.cleanupFor(oldUser, clientID)
	}

	r.mu.Lock()
	st, ok = r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	st.user = user

	if r.byUser[user] == nil {
		r.byUser[user] = make(map[string]bool)
	}
	isFirst := len(r.byUser[user]) == 0
	r.byUser[user][clientID] = true
	r.mu.Unlock()

	if isFirst {
		return r.controller.SubscribeUser(user)
	}
	return nil
}

// UnsubscribeUserData is the symmetric teardown of SubscribeUserData.
func (r *Router) UnsubscribeUserData(clientID, user string) error {
	user = strings.ToLower(user)

	r.mu.Lock()
	st, ok := r.clients[clientID]
	if ok && st.user == user {
		st.user = ""
	}
	r.mu.Unlock()

	r.cleanupFor(user, clientID)
	return nil
}

// cleanupFor removes clientID from user's subscriber set and, if no
// other client references user, asks the controller to unsubscribe
// upstream. excludingClientID is removed from bookkeeping regardless of
// whether it still thinks it's subscribed (covers disconnect paths).
func (r *Router) cleanupFor(user, excludingClientID string) {
	r.mu.Lock()
	set, ok := r.byUser[user]
	if ok {
		delete(set, excludingClientID)
	}
	empty := !ok || len(set) == 0
	if empty {
		delete(r.byUser, user)
	}
	r.mu.Unlock()

	if empty {
		if err := r.controller.UnsubscribeUser(user); err != nil {
			r.log.Warn().Err(err).Str("user", user).Msg("failed to unsubscribe upstream")
		}
		if r.dropper != nil {
			r.dropper.DropUser(user)
		}
	}
}

// RouteToAll delivers msg to every registered client. Implements
// upstream.FrameRouter structurally.
func (r *Router) RouteToAll(msg []byte) {
	r.mu.Lock()
	handles := make([]ClientHandle, 0, len(r.clients))
	for _, st := range r.clients {
		handles = append(handles, st.handle)
	}
	r.mu.Unlock()

	for _, h := range handles {
		if !h.Send(msg) {
			r.log.Debug().Str("client_id", h.ID()).Msg("dropped broadcast, client send buffer full")
		}
	}
}

// RouteToUser delivers msg only to clients whose subscription matches
// user. Implements upstream.FrameRouter structurally.
func (r *Router) RouteToUser(user string, msg []byte) {
	user = strings.ToLower(user)

	r.mu.Lock()
	ids, ok := r.byUser[user]
	var handles []ClientHandle
	if ok {
		for id := range ids {
			if st, exists := r.clients[id]; exists {
				handles = append(handles, st.handle)
			}
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		if !h.Send(msg) {
			r.log.Debug().Str("client_id", h.ID()).Str("user", user).Msg("dropped frame, client send buffer full")
		}
	}
}

// SubscribedUsers returns the set of users currently subscribed upstream
// (i.e. with at least one downstream client referencing them). Exposed
// for tests.
func (r *Router) SubscribedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

// ClientUser returns the user a client is currently subscribed to, if
// any.
func (r *Router) ClientUser(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.clients[clientID]
	if !ok || st.user == "" {
		return "", false
	}
	return st.user, true
}
