// Command sidecard is the order lifecycle tracking and notification
// sidecar: it wires the exchange client, order state machine, upstream
// multiplexer, hybrid tracker, position reconciler, notification
// emitter and subscription router together and serves the downstream
// WebSocket surface. Bootstrap style (layered sections, startup banner,
// signal-driven graceful shutdown) follows cmd/main.go's layout in the
// repo this was grown from.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hyperswipe/sidecar/internal/assets"
	"github.com/hyperswipe/sidecar/internal/config"
	"github.com/hyperswipe/sidecar/internal/database"
	"github.com/hyperswipe/sidecar/internal/downstream"
	"github.com/hyperswipe/sidecar/internal/exchange"
	"github.com/hyperswipe/sidecar/internal/logging"
	"github.com/hyperswipe/sidecar/internal/notify"
	"github.com/hyperswipe/sidecar/internal/orderstate"
	"github.com/hyperswipe/sidecar/internal/reconciler"
	"github.com/hyperswipe/sidecar/internal/router"
	"github.com/hyperswipe/sidecar/internal/tracker"
	"github.com/hyperswipe/sidecar/internal/upstream"
)

const version = "v1.0"

// frameRouterRef breaks the construction cycle between the upstream
// multiplexer (which needs a FrameRouter to fan frames out) and the
// router (which needs the multiplexer as a SubscriptionController): the
// multiplexer is built first against a ref whose target is filled in
// once the router itself exists.
type frameRouterRef struct {
	mu sync.RWMutex
	r  *router.Router
}

func (f *frameRouterRef) set(r *router.Router) {
	f.mu.Lock()
	f.r = r
	f.mu.Unlock()
}

func (f *frameRouterRef) RouteToAll(msg []byte) {
	f.mu.RLock()
	r := f.r
	f.mu.RUnlock()
	if r != nil {
		r.RouteToAll(msg)
	}
}

func (f *frameRouterRef) RouteToUser(user string, msg []byte) {
	f.mu.RLock()
	r := f.r
	f.mu.RUnlock()
	if r != nil {
		r.RouteToUser(user, msg)
	}
}

// notifyStore adapts *database.Database's database.Settings return type
// to notify.NotificationSettings: the two packages deliberately don't
// import each other (see internal/database's own doc comment on its
// duplicated Settings struct), so main.go is where the shapes get
// reconciled.
type notifyStore struct {
	db *database.Database
}

func (s notifyStore) GetChatID(user string) (string, bool) {
	return s.db.GetChatID(user)
}

func (s notifyStore) GetNotificationSettings(user string) notify.NotificationSettings {
	ds := s.db.GetNotificationSettings(user)
	return notify.NotificationSettings{
		FillsEnabled:         ds.FillsEnabled,
		PnlEnabled:           ds.PnlEnabled,
		LiquidationEnabled:   ds.LiquidationEnabled,
		DailyDigestEnabled:   ds.DailyDigestEnabled,
		MinNotificationValue: ds.MinNotificationValue,
	}
}

func (s notifyStore) RecordNotificationSent(user, category string, notional decimal.Decimal) {
	s.db.RecordNotificationSent(user, category, notional)
}

func main() {
	// ═══════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Setup(cfg.Debug, cfg.LogLevel)
	log.Logger = logger

	logger.Info().Msg("═══════════════════════════════════════════════════")
	logger.Info().Msgf("  SIDECARD %s - ORDER LIFECYCLE TRACKING SERVICE", version)
	logger.Info().Msg("═══════════════════════════════════════════════════")
	logger.Debug().
		Str("environment", cfg.Environment).
		Str("upstream_base_url", cfg.UpstreamBaseURL).
		Bool("upstream_testnet", cfg.UpstreamTestnet).
		Msg("configuration loaded")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 1: PERSISTENCE
	// ═══════════════════════════════════════════════════════════════

	db, err := database.New(cfg.LinkStoreURL, decimal.NewFromFloat(cfg.DefaultMinNotificationValue))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open persistence layer")
	}
	logger.Info().Msg("persistence layer initialized")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 2: EXCHANGE CLIENT (C1) AND ASSET TABLE
	// ═══════════════════════════════════════════════════════════════

	// assetTable is constructed before the exchange client (it starts
	// pre-populated with the offline fallback universe) so the client
	// can resolve coin -> stable-asset-index lookups from its very first
	// call; GetMetaInfo below then replaces it with the live universe.
	assetTable := assets.NewTable()

	exClient := exchange.NewClient(exchange.Config{
		BaseURL:                 cfg.UpstreamBaseURL,
		MaxRequestsPerSecond:    cfg.MaxRequestsPerSecond,
		MaxRetries:              cfg.MaxRetries,
		RetryBaseDelay:          cfg.RetryBaseDelay,
		RetryMaxDelay:           cfg.RetryMaxDelay,
		CircuitFailureThreshold: cfg.CircuitFailureThreshold,
		CircuitRecoveryTimeout:  cfg.CircuitRecoveryTimeout,
		CircuitHalfOpenMaxCalls: cfg.CircuitHalfOpenMaxCalls,
	}, assetTable, logger)
	logger.Info().Msg("exchange client initialized")

	{
		startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		universe, err := exClient.GetMetaInfo(startupCtx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("failed to fetch asset universe, using offline fallback table")
		} else {
			assetTable.Load(universe)
			logger.Info().Int("assets", len(universe)).Msg("asset table loaded from upstream meta")
		}
	}

	// ═══════════════════════════════════════════════════════════════
	// LAYER 3: ORDER STATE MACHINE (C2) AND NOTIFICATION EMITTER (C6)
	// ═══════════════════════════════════════════════════════════════

	var machine *orderstate.Machine
	var emitter *notify.Emitter

	var sender notify.ChatSender
	if cfg.ChatBotToken != "" {
		s, err := notify.NewTelegramSender(cfg.ChatBotToken, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram sender unavailable, notifications will be logged only")
		} else {
			sender = s
			logger.Info().Msg("telegram sender initialized")
		}
	}

	emitter = notify.NewEmitter(notifyStore{db: db}, sender, logger)

	machine = orderstate.NewMachine(logger, func(t orderstate.Transition) {
		if !t.Applied {
			return
		}
		if ctx, ok := machine.Get(t.TrackingID); ok {
			emitter.OnTransition(t, ctx)
		}
	})
	logger.Info().Msg("order state machine initialized")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 4: POSITION RECONCILER (C5)
	// ═══════════════════════════════════════════════════════════════

	posReconciler := reconciler.NewReconciler(exClient, emitter, logger)
	logger.Info().Msg("position reconciler initialized")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 5: HYBRID ORDER TRACKER (C4)
	// ═══════════════════════════════════════════════════════════════

	orderTracker := tracker.NewTracker(tracker.Config{
		TrackingDuration:    cfg.TrackingDuration,
		PollingInterval:     cfg.PollingInterval,
		WebsocketTimeout:    cfg.WebsocketTimeout,
		MaxConcurrentOrders: cfg.MaxConcurrentOrders,
		CleanupEvery:        cfg.TrackerCleanupEvery,
		CleanupMaxAge:       cfg.TrackerMaxAge,
	}, machine, exClient, assetTable, emitter, logger)
	logger.Info().Msg("hybrid order tracker initialized")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 6: UPSTREAM MULTIPLEXER (C3) AND SUBSCRIPTION ROUTER (C7)
	// ═══════════════════════════════════════════════════════════════

	frameRef := &frameRouterRef{}
	upClient := upstream.NewClient(wsURL(cfg.UpstreamBaseURL), frameRef, posReconciler, orderTracker, assetTable, logger)
	rt := router.NewRouter(upClient, posReconciler, logger)
	frameRef.set(rt)
	logger.Info().Msg("upstream multiplexer and subscription router wired")

	// ═══════════════════════════════════════════════════════════════
	// LAYER 7: DOWNSTREAM HTTP/WS SURFACE
	// ═══════════════════════════════════════════════════════════════

	downServer := downstream.NewServer(rt, upClient, cfg.CORSOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", downServer.ServeWS)
	mux.HandleFunc("/healthz", downServer.ServeHealthz)

	httpServer := &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// ═══════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════

	runCtx, cancelRun := context.WithCancel(context.Background())

	go func() {
		if err := upClient.Start(runCtx); err != nil {
			logger.Error().Err(err).Msg("upstream multiplexer stopped")
		}
	}()

	go orderTracker.Run(runCtx)

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("downstream surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("downstream HTTP server failed")
		}
	}()

	logger.Info().Msg("sidecard running")

	// ═══════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Warn().Msg("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("downstream HTTP server did not shut down cleanly")
	}

	orderTracker.Stop()
	upClient.Close()
	cancelRun()

	logger.Info().Msg("sidecard stopped")
}

// wsURL derives the upstream WebSocket endpoint from the REST base URL
// (the exchange exposes both on the same host, matching hyperliquid's
// https://api.../info + wss://api.../ws pairing).
func wsURL(restBaseURL string) string {
	u := strings.Replace(restBaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + "/ws"
}
