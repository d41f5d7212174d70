package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AssetIndexer resolves a coin symbol to its stable asset index.
// Implemented structurally by internal/assets.Table; declared here
// rather than imported so this package (imported BY internal/assets for
// MetaAsset) never depends back on it.
type AssetIndexer interface {
	Index(symbol string) (int, bool)
}

// Client is the single long-lived HTTP session to the upstream
// exchange's /info endpoint. One Client instance is shared across every
// component that needs pull evidence (the order tracker, the position
// reconciler).
type Client struct {
	baseURL string
	http    *http.Client

	limiter *RateLimiter
	breaker *CircuitBreaker
	assets  AssetIndexer

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	log zerolog.Logger
}

// Config bundles the tunables Load() reads from the environment.
type Config struct {
	BaseURL                 string
	MaxRequestsPerSecond    int
	MaxRetries              int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	CircuitFailureThreshold int
	CircuitRecoveryTimeout  time.Duration
	CircuitHalfOpenMaxCalls int
}

// NewClient builds the client. The 30s total / 10s connect timeout matches
// mirrors original_source's
// aiohttp.ClientTimeout(total=30, connect=10). assets resolves coin
// symbols to stable asset indices for decoded positions; nil is
// accepted (positions with no resolvable index are dropped and logged).
func NewClient(cfg Config, assets AssetIndexer, log zerolog.Logger) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{DialContext: dialer.DialContext}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second, Transport: transport},
		limiter:    NewRateLimiter(cfg.MaxRequestsPerSecond),
		breaker:    NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTimeout, cfg.CircuitHalfOpenMaxCalls, log),
		assets:     assets,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		maxDelay:   cfg.RetryMaxDelay,
		log:        log.With().Str("component", "exchange_client").Logger(),
	}
}

func classify(statusCode int, err error) ErrorClass {
	if err != nil {
		var netErr net.Error
		if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
			return ErrClassTimeout
		}
		return ErrClassNetwork
	}
	switch {
	case statusCode >= 500:
		return ErrClassServer
	case statusCode >= 400:
		return ErrClassClient
	default:
		return ErrClassNone
	}
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// request issues a single POST /info call with the given JSON body,
// honoring the circuit breaker, the rate limiter, and the retry/backoff
// policy. decodeInto receives the raw response body on
// a 2xx response.
func (c *Client) request(ctx context.Context, body map[string]any, decodeInto func([]byte) error) error {
	if !c.breaker.CanExecute() {
		return ErrBreakerOpen{}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		c.limiter.Wait()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			class := classify(0, err)
			lastErr = fmt.Errorf("request failed: %w", err)
			if !class.Retriable() || attempt == c.maxRetries {
				c.breaker.OnFailure()
				return lastErr
			}
			c.sleepBackoff(attempt)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		class := classify(resp.StatusCode, nil)
		if class == ErrClassNone {
			if readErr != nil {
				c.breaker.OnFailure()
				return fmt.Errorf("read response: %w", readErr)
			}
			c.breaker.OnSuccess()
			if decodeInto != nil {
				return decodeInto(respBody)
			}
			return nil
		}

		lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
		if !class.Retriable() {
			c.breaker.OnFailure()
			return lastErr
		}
		if attempt == c.maxRetries {
			c.breaker.OnFailure()
			return lastErr
		}
		c.sleepBackoff(attempt)
	}

	return lastErr
}

func (c *Client) sleepBackoff(attempt int) {
	delay := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	c.log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("retrying after backoff")
	time.Sleep(delay)
}

// GetUserState fetches the clearinghouseState snapshot for user.
func (c *Client) GetUserState(ctx context.Context, user string) (UserState, error) {
	var raw clearinghouseStateResponse
	err := c.request(ctx, map[string]any{"type": "clearinghouseState", "user": user}, func(b []byte) error {
		return json.Unmarshal(b, &raw)
	})
	if err != nil {
		return UserState{}, err
	}
	return c.toUserState(raw), nil
}

// GetOpenOrders fetches every currently-open order for user.
func (c *Client) GetOpenOrders(ctx context.Context, user string) ([]OpenOrder, error) {
	var raw []openOrderResponse
	err := c.request(ctx, map[string]any{"type": "openOrders", "user": user}, func(b []byte) error {
		return json.Unmarshal(b, &raw)
	})
	if err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toOpenOrder())
	}
	return out, nil
}

// GetUserFills fetches fills for user since the given time (zero value
// means "no lower bound" to the upstream).
func (c *Client) GetUserFills(ctx context.Context, user string, since time.Time) ([]Fill, error) {
	body := map[string]any{"type": "userFills", "user": user}
	if !since.IsZero() {
		body["startTime"] = since.UnixMilli()
	}
	var raw []fillResponse
	err := c.request(ctx, body, func(b []byte) error {
		return json.Unmarshal(b, &raw)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Fill, 0, len(raw))
	for _, f := range raw {
		out = append(out, f.toFill())
	}
	return out, nil
}

// GetRecentCloseFills returns the user's close fills (dir in {Close
// Long, Close Short}) for coin within the lookback window, newest first.
// Grounded in get_recent_close_fills (minutes_back=10 default).
func (c *Client) GetRecentCloseFills(ctx context.Context, user, coin string, lookback time.Duration) ([]Fill, error) {
	fills, err := c.GetUserFills(ctx, user, time.Now().Add(-lookback))
	if err != nil {
		return nil, err
	}
	var out []Fill
	for _, f := range fills {
		if f.Coin != coin {
			continue
		}
		if f.Direction != "Close Long" && f.Direction != "Close Short" {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs > out[j].TimestampMs })
	return out, nil
}

// BatchGetOrderStatuses issues exactly one openOrders request and
// partitions the result locally rather than issuing one request per id.
func (c *Client) BatchGetOrderStatuses(ctx context.Context, user string, exchangeOrderIDs []string) (map[string]OpenOrder, error) {
	open, err := c.GetOpenOrders(ctx, user)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(exchangeOrderIDs))
	for _, id := range exchangeOrderIDs {
		wanted[id] = true
	}
	result := make(map[string]OpenOrder)
	for _, o := range open {
		if wanted[o.ExchangeOrderID] {
			result[o.ExchangeOrderID] = o
		}
	}
	return result, nil
}

// GetMetaInfo fetches the asset universe used to build the
// index<->symbol mapping resource.
func (c *Client) GetMetaInfo(ctx context.Context) ([]MetaAsset, error) {
	var raw metaResponse
	err := c.request(ctx, map[string]any{"type": "meta"}, func(b []byte) error {
		return json.Unmarshal(b, &raw)
	})
	if err != nil {
		return nil, err
	}
	out := make([]MetaAsset, 0, len(raw.Universe))
	for i, u := range raw.Universe {
		out = append(out, MetaAsset{Name: u.Name, AssetIndex: i})
	}
	return out, nil
}

// Status reports the client's circuit breaker state for diagnostics.
func (c *Client) Status() BreakerStatus {
	return c.breaker.Status()
}

// --- wire response shapes ---

type clearinghouseStateResponse struct {
	AssetPositions []struct {
		Position struct {
			Coin string `json:"coin"`
			Szi  string `json:"szi"`
			EntryPx string `json:"entryPx"`
			UnrealizedPnl string `json:"unrealizedPnl"`
		} `json:"position"`
	} `json:"assetPositions"`
}

// toUserState resolves each position's stable asset index via c.assets
// rather than the assetPositions array position: that array only lists
// currently-open positions, so its index shifts whenever any position
// closes. A position whose coin can't be resolved is dropped and logged
// rather than assigned a misleading index.
func (c *Client) toUserState(r clearinghouseStateResponse) UserState {
	out := UserState{}
	for _, ap := range r.AssetPositions {
		assetIndex, ok := c.resolveAssetIndex(ap.Position.Coin)
		if !ok {
			continue
		}
		netSize, _ := decimal.NewFromString(ap.Position.Szi)
		entry, _ := decimal.NewFromString(ap.Position.EntryPx)
		upnl, _ := decimal.NewFromString(ap.Position.UnrealizedPnl)
		out.AssetPositions = append(out.AssetPositions, AssetPosition{
			Coin:          ap.Position.Coin,
			AssetIndex:    assetIndex,
			NetSize:       netSize,
			EntryPrice:    entry,
			UnrealizedPnl: upnl,
		})
	}
	return out
}

// resolveAssetIndex looks coin up via c.assets, logging and dropping the
// position if it can't be resolved (no assets table wired, or the coin
// is unknown to it).
func (c *Client) resolveAssetIndex(coin string) (int, bool) {
	if c.assets == nil {
		c.log.Warn().Str("coin", coin).Msg("no asset table wired, dropping position")
		return 0, false
	}
	idx, ok := c.assets.Index(coin)
	if !ok {
		c.log.Warn().Str("coin", coin).Msg("unresolvable asset index, dropping position")
	}
	return idx, ok
}

type openOrderResponse struct {
	Oid        int64  `json:"oid"`
	Coin       string `json:"coin"`
	Side       string `json:"side"`
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	Timestamp  int64  `json:"timestamp"`
	AssetIndex int    `json:"-"`
}

func (r openOrderResponse) toOpenOrder() OpenOrder {
	px, _ := decimal.NewFromString(r.LimitPx)
	sz, _ := decimal.NewFromString(r.Sz)
	return OpenOrder{
		ExchangeOrderID: strconv.FormatInt(r.Oid, 10),
		Coin:            r.Coin,
		Side:            r.Side,
		LimitPx:         px,
		Size:            sz,
		Timestamp:       r.Timestamp,
	}
}

type fillResponse struct {
	Oid       int64  `json:"oid"`
	Coin      string `json:"coin"`
	Side      string `json:"side"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Fee       string `json:"fee"`
	ClosedPnl string `json:"closedPnl"`
	Dir       string `json:"dir"`
	Time      int64  `json:"time"`
}

func (r fillResponse) toFill() Fill {
	px, _ := decimal.NewFromString(r.Px)
	sz, _ := decimal.NewFromString(r.Sz)
	fee, _ := decimal.NewFromString(r.Fee)
	pnl, _ := decimal.NewFromString(r.ClosedPnl)
	return Fill{
		ExchangeOrderID: strconv.FormatInt(r.Oid, 10),
		Coin:            r.Coin,
		Side:            r.Side,
		Price:           px,
		Size:            sz,
		Fee:             fee,
		ClosedPnl:       pnl,
		Direction:       r.Dir,
		TimestampMs:     r.Time,
	}
}

type metaResponse struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}
