package gateway

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type priceEntry struct {
	price decimal.Decimal
	at    time.Time
}

// priceCache is a mutex-protected, per-symbol TTL cache for mark prices,
// shared between GetMarkPrice, GetMarkPricesBatch and GetAllMarkPrices.
type priceCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]priceEntry
}

func newPriceCache(ttl time.Duration) *priceCache {
	return &priceCache{ttl: ttl, m: make(map[string]priceEntry)}
}

func (c *priceCache) get(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[symbol]
	if !ok || time.Since(e.at) > c.ttl {
		return decimal.Zero, false
	}
	return e.price, true
}

func (c *priceCache) set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[symbol] = priceEntry{price: price, at: time.Now()}
}

// balanceCache holds one TTL'd value per balance "kind" (currently only
// "futures" is used, but the keying matches the original's
// clear_balance_cache(kind) call so a second kind can be added later).
type balanceCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]struct {
		val decimal.Decimal
		at  time.Time
	}
}

func newBalanceCache(ttl time.Duration) *balanceCache {
	return &balanceCache{ttl: ttl, m: make(map[string]struct {
		val decimal.Decimal
		at  time.Time
	})}
}

func (c *balanceCache) get(kind string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[kind]
	if !ok || time.Since(e.at) > c.ttl {
		return decimal.Zero, false
	}
	return e.val, true
}

func (c *balanceCache) set(kind string, val decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[kind] = struct {
		val decimal.Decimal
		at  time.Time
	}{val: val, at: time.Now()}
}

// clear drops the cached value for kind, or every kind when kind == "".
func (c *balanceCache) clear(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == "" {
		c.m = make(map[string]struct {
			val decimal.Decimal
			at  time.Time
		})
		return
	}
	delete(c.m, kind)
}

// SymbolFilters carries the quantization rules for a trading symbol.
type SymbolFilters struct {
	StepSize decimal.Decimal
	TickSize decimal.Decimal
}

// filterCache caches exchange-info derived symbol filters permanently;
// they only change on rare exchange-side listing updates.
type filterCache struct {
	mu sync.RWMutex
	m  map[string]SymbolFilters
}

func newFilterCache() *filterCache {
	return &filterCache{m: make(map[string]SymbolFilters)}
}

func (c *filterCache) get(symbol string) (SymbolFilters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.m[symbol]
	return f, ok
}

func (c *filterCache) set(symbol string, f SymbolFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[symbol] = f
}
