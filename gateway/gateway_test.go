package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGateway wires a BinanceGateway directly at a mock server, the
// same way the teacher's binance_futures_test.go bypasses NewFuturesTrader
// to avoid a real network call during construction.
func newTestGateway(t *testing.T, handler http.HandlerFunc) (*BinanceGateway, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)

	client := futures.NewClient("test-key", "test-secret")
	client.BaseURL = server.URL
	client.HTTPClient = server.Client()

	rest := resty.New()
	rest.SetTimeout(2 * time.Second)

	g := NewWithClient(client, rest, server.URL, Config{
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
		FailThreshold:   5,
		FailCooldown:    time.Minute,
		PriceCacheTTL:   5 * time.Second,
		BalanceCacheTTL: 15 * time.Second,
	})
	return g, server
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestGetFuturesAvailableBalance(t *testing.T) {
	g, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/account":
			writeJSON(w, map[string]interface{}{
				"totalWalletBalance":    "10000.00",
				"availableBalance":      "8000.00",
				"totalUnrealizedProfit": "100.50",
			})
		default:
			writeJSON(w, map[string]interface{}{})
		}
	})
	defer server.Close()

	bal, err := g.GetFuturesAvailableBalance()
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimalMustParse("8000.00")))

	// second call should hit the cache, not the server.
	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request on cache hit")
	})
	bal2, err := g.GetFuturesAvailableBalance()
	require.NoError(t, err)
	assert.True(t, bal2.Equal(bal))
}

func TestClearBalanceCache(t *testing.T) {
	calls := 0
	g, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, map[string]interface{}{"availableBalance": "1000.00"})
	})
	defer server.Close()

	_, err := g.GetFuturesAvailableBalance()
	require.NoError(t, err)
	g.ClearBalanceCache("futures")
	_, err = g.GetFuturesAvailableBalance()
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGetMarkPrice(t *testing.T) {
	g, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/premiumIndex" {
			writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "markPrice": "50000.00"}})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})
	defer server.Close()

	price, err := g.GetMarkPrice("BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimalMustParse("50000.00")))
}

func TestGetAllMarkPrices(t *testing.T) {
	g, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/premiumIndex" {
			writeJSON(w, []map[string]interface{}{
				{"symbol": "BTCUSDT", "markPrice": "50000.00"},
				{"symbol": "ETHUSDT", "markPrice": "3000.00"},
			})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})
	defer server.Close()

	prices, err := g.GetAllMarkPrices()
	require.NoError(t, err)
	assert.Len(t, prices, 2)
	assert.True(t, prices["ETHUSDT"].Equal(decimalMustParse("3000.00")))
}

func TestGetOpenPositionsSkipsZeroAmount(t *testing.T) {
	g, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v2/positionRisk" {
			writeJSON(w, []map[string]interface{}{
				{"symbol": "BTCUSDT", "positionAmt": "0.5", "entryPrice": "49800.00", "markPrice": "50500.00", "leverage": "10", "updateTime": 1700000000000},
				{"symbol": "ETHUSDT", "positionAmt": "0", "entryPrice": "0", "markPrice": "3000.00", "leverage": "5", "updateTime": 0},
				{"symbol": "SOLUSDT", "positionAmt": "-3", "entryPrice": "105.00", "markPrice": "100.00", "leverage": "20", "updateTime": 1700000001000},
			})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})
	defer server.Close()

	positions, err := g.GetOpenPositions()
	require.NoError(t, err)
	require.Len(t, positions, 2)

	bySymbol := map[string]ExchangePosition{}
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}
	assert.Equal(t, "long", bySymbol["BTCUSDT"].Side)
	assert.Equal(t, "short", bySymbol["SOLUSDT"].Side)
	assert.True(t, bySymbol["SOLUSDT"].Quantity.Equal(decimalMustParse("3")))
	assert.True(t, bySymbol["BTCUSDT"].EntryPrice.Equal(decimalMustParse("49800.00")))
	assert.Equal(t, 10, bySymbol["BTCUSDT"].Leverage)
	assert.Equal(t, int64(1700000000000), bySymbol["BTCUSDT"].UpdateTime)
}

func TestSetLeverageTreatsNoChangeAsSuccess(t *testing.T) {
	g, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]interface{}{"code": -4028, "msg": "No need to change leverage."})
	})
	defer server.Close()

	err := g.SetLeverage("BTCUSDT", 10)
	assert.NoError(t, err)
}

func TestGetKlines(t *testing.T) {
	g, server := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/klines" {
			writeJSON(w, [][]interface{}{
				{1700000000000, "100.0", "110.0", "90.0", "105.0", "1000.0", 1700000059999, "0", 10, "0", "0", "0"},
			})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})
	defer server.Close()

	klines, err := g.GetKlines("BTCUSDT", "1m", 500, 0, 0)
	require.NoError(t, err)
	require.Len(t, klines, 1)
	assert.True(t, klines[0].High.Equal(decimalMustParse("110.0")))
	assert.Equal(t, int64(1700000000000), klines[0].OpenTime)
}

func decimalMustParse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
