// Package exchange implements the exchange API client: a single
// long-lived HTTP session against the upstream /info endpoint with
// retry/backoff, rate limiting, and a circuit breaker. Grounded in
// original_source/app/services/hyperliquid_api_client.py for call
// semantics, and in exec/client.go for the Go HTTP-client idiom.
package exchange

import (
	"github.com/shopspring/decimal"
)

// ErrorClass classifies an API error for retry purposes.
type ErrorClass string

const (
	ErrClassNone    ErrorClass = ""
	ErrClassClient  ErrorClass = "client"  // 4xx, do not retry
	ErrClassServer  ErrorClass = "server"  // 5xx, retry
	ErrClassTimeout ErrorClass = "timeout" // retry
	ErrClassNetwork ErrorClass = "network" // retry
)

func (c ErrorClass) Retriable() bool {
	return c == ErrClassServer || c == ErrClassTimeout || c == ErrClassNetwork
}

// AssetPosition is one entry of a webData2/clearinghouseState snapshot's
// assetPositions array.
type AssetPosition struct {
	Coin          string
	AssetIndex    int
	NetSize       decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// UserState is the decoded clearinghouseState response.
type UserState struct {
	AssetPositions []AssetPosition
	RawMarginUsed  decimal.Decimal
}

// OpenOrder is one entry of an openOrders response.
type OpenOrder struct {
	ExchangeOrderID string
	Coin            string
	AssetIndex      int
	Side            string // "B" or "A"
	LimitPx         decimal.Decimal
	Size            decimal.Decimal
	Timestamp       int64
}

// Fill is one entry of a userFills/userEvents fills array.
type Fill struct {
	ExchangeOrderID string
	Coin            string
	AssetIndex      int
	Side            string // "B" or "A"
	Price           decimal.Decimal
	Size            decimal.Decimal
	Fee             decimal.Decimal
	ClosedPnl       decimal.Decimal
	Direction       string // e.g. "Open Long", "Close Short"
	TimestampMs     int64
}

// MetaAsset is one entry of the /info {type:"meta"} universe list, used
// to build the asset-index<->symbol mapping resource (SPEC_FULL.md's
// "asset-index↔symbol mapping" loadable resource).
type MetaAsset struct {
	Name       string
	AssetIndex int
}
