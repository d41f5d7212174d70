package upstream

import (
	"testing"

	"github.com/rs/zerolog"
)

type fakeAssetIndexer struct {
	byName map[string]int
}

func (f fakeAssetIndexer) Index(symbol string) (int, bool) {
	idx, ok := f.byName[symbol]
	return idx, ok
}

// TestDecodeAccountSnapshotUsesStableResolvedIndex guards against keying
// positions by their position within the assetPositions array: that
// array only lists currently-open positions, so a closed position
// shifts every later entry's array index on the very next frame.
func TestDecodeAccountSnapshotUsesStableResolvedIndex(t *testing.T) {
	resolver := fakeAssetIndexer{byName: map[string]int{"BTC": 3, "ETH": 4}}

	raw := []byte(`{
		"clearinghouseState": {
			"assetPositions": [
				{"position": {"coin": "BTC", "szi": "0.5", "entryPx": "50000", "unrealizedPnl": "10"}},
				{"position": {"coin": "ETH", "szi": "1.0", "entryPx": "2500", "unrealizedPnl": "20"}}
			]
		}
	}`)

	f := decodeAccountSnapshot("0xabc", raw, resolver, zerolog.Nop())
	if len(f.AssetPositions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(f.AssetPositions))
	}
	for _, ap := range f.AssetPositions {
		want, ok := resolver.byName[ap.Coin]
		if !ok {
			t.Fatalf("unexpected coin %q in result", ap.Coin)
		}
		if ap.AssetIndex != want {
			t.Fatalf("coin %s: expected asset index %d, got %d", ap.Coin, want, ap.AssetIndex)
		}
	}

	// Next frame: BTC closed and dropped from the array entirely. ETH's
	// array position shifts from 1 to 0, but its resolved asset index
	// must stay 4, not collapse to BTC's old index of 3.
	raw2 := []byte(`{
		"clearinghouseState": {
			"assetPositions": [
				{"position": {"coin": "ETH", "szi": "1.0", "entryPx": "2500", "unrealizedPnl": "20"}}
			]
		}
	}`)
	f2 := decodeAccountSnapshot("0xabc", raw2, resolver, zerolog.Nop())
	if len(f2.AssetPositions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(f2.AssetPositions))
	}
	if f2.AssetPositions[0].AssetIndex != 4 {
		t.Fatalf("expected ETH to keep asset index 4, got %d", f2.AssetPositions[0].AssetIndex)
	}
}

// TestDecodeAccountSnapshotDropsUnresolvableCoin guards the fallback
// path: a coin the resolver doesn't know about is dropped rather than
// assigned a misleading index.
func TestDecodeAccountSnapshotDropsUnresolvableCoin(t *testing.T) {
	resolver := fakeAssetIndexer{byName: map[string]int{"BTC": 3}}

	raw := []byte(`{
		"clearinghouseState": {
			"assetPositions": [
				{"position": {"coin": "BTC", "szi": "0.5", "entryPx": "50000", "unrealizedPnl": "10"}},
				{"position": {"coin": "ZZZ", "szi": "1.0", "entryPx": "1", "unrealizedPnl": "0"}}
			]
		}
	}`)

	f := decodeAccountSnapshot("0xabc", raw, resolver, zerolog.Nop())
	if len(f.AssetPositions) != 1 || f.AssetPositions[0].Coin != "BTC" {
		t.Fatalf("expected only the resolvable BTC position, got %+v", f.AssetPositions)
	}
}

// TestDecodeAccountSnapshotNilResolverDropsEverything covers the case
// where no asset table was wired at all.
func TestDecodeAccountSnapshotNilResolverDropsEverything(t *testing.T) {
	raw := []byte(`{
		"clearinghouseState": {
			"assetPositions": [
				{"position": {"coin": "BTC", "szi": "0.5", "entryPx": "50000", "unrealizedPnl": "10"}}
			]
		}
	}`)

	f := decodeAccountSnapshot("0xabc", raw, nil, zerolog.Nop())
	if len(f.AssetPositions) != 0 {
		t.Fatalf("expected no positions with a nil resolver, got %+v", f.AssetPositions)
	}
}
