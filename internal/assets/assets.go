// Package assets provides the asset-index<->symbol mapping resource:
// fetched from the upstream `meta` endpoint at startup, with a baked-in
// fallback table for offline use and tests. The fallback table's
// index/name pairs are
// grounded in original_source/app/routes/signing.py's hardcoded
// _get_asset_name testnet map (used here only as the offline default,
// never as the primary source of truth once the upstream meta call
// succeeds).
package assets

import (
	"strings"
	"sync"

	"github.com/hyperswipe/sidecar/internal/exchange"
)

// Table is a bidirectional asset-index<->symbol lookup, safe for
// concurrent use. A fresh Table starts pre-populated with the offline
// fallback; Load replaces it with the live upstream universe.
type Table struct {
	mu      sync.RWMutex
	byIndex map[int]string
	byName  map[string]int
}

func NewTable() *Table {
	t := &Table{byIndex: make(map[int]string), byName: make(map[string]int)}
	t.load(fallbackUniverse)
	return t
}

// Load replaces the table's contents with the live upstream universe
// fetched via exchange.Client.GetMetaInfo.
func (t *Table) Load(universe []exchange.MetaAsset) {
	pairs := make([]pair, 0, len(universe))
	for _, a := range universe {
		pairs = append(pairs, pair{index: a.AssetIndex, name: a.Name})
	}
	t.load(pairs)
}

type pair struct {
	index int
	name  string
}

func (t *Table) load(pairs []pair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byIndex = make(map[int]string, len(pairs))
	t.byName = make(map[string]int, len(pairs))
	for _, p := range pairs {
		t.byIndex[p.index] = p.name
		t.byName[strings.ToUpper(p.name)] = p.index
	}
}

// Symbol returns the coin name for an asset index.
func (t *Table) Symbol(index int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.byIndex[index]
	return name, ok
}

// Index returns the asset index for a coin symbol (case-insensitive).
func (t *Table) Index(symbol string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byName[strings.ToUpper(symbol)]
	return idx, ok
}

// fallbackUniverse mirrors the first entries of the original source's
// hardcoded testnet asset map, enough to exercise tests and offline
// runs without a live upstream meta call.
var fallbackUniverse = []pair{
	{0, "SOL"}, {1, "APT"}, {2, "ATOM"}, {3, "BTC"}, {4, "ETH"},
	{5, "MATIC"}, {6, "BNB"}, {7, "AVAX"}, {8, "GMT"}, {9, "DYDX"},
	{10, "APE"}, {11, "OP"}, {12, "kPEPE"}, {13, "ARB"}, {14, "RLB"},
	{25, "SUI"}, {26, "INJ"}, {44, "TON"}, {54, "NEAR"}, {173, "DOGE"},
}
