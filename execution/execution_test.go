package execution

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

	"ignition/gateway"
	"ignition/store"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) *gateway.BinanceGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := futures.NewClient("test-key", "test-secret")
	client.BaseURL = server.URL
	client.HTTPClient = server.Client()

	rest := resty.New()
	rest.SetTimeout(2 * time.Second)

	return gateway.NewWithClient(client, rest, server.URL, gateway.Config{
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
		FailThreshold:   5,
		FailCooldown:    time.Minute,
		PriceCacheTTL:   time.Millisecond,
		BalanceCacheTTL: time.Millisecond,
	})
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fullMockHandler serves every endpoint a successful market-order fill
// touches: position-mode, leverage, account balance, mark price (premiumIndex),
// exchangeInfo, and order creation.
func fullMockHandler(t *testing.T, orderStatus string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/positionSide/dual":
			writeJSON(w, map[string]interface{}{"dualSidePosition": false})
		case "/fapi/v1/leverage":
			writeJSON(w, map[string]interface{}{"leverage": 10, "symbol": "BTCUSDT"})
		case "/fapi/v2/account":
			writeJSON(w, map[string]interface{}{"availableBalance": "10000.00"})
		case "/fapi/v1/premiumIndex":
			writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "markPrice": "50000.00"}})
		case "/fapi/v1/exchangeInfo":
			writeJSON(w, map[string]interface{}{
				"symbols": []map[string]interface{}{
					{
						"symbol": "BTCUSDT",
						"filters": []map[string]interface{}{
							{"filterType": "LOT_SIZE", "stepSize": "0.001"},
							{"filterType": "PRICE_FILTER", "tickSize": "0.01"},
						},
					},
				},
			})
		case "/fapi/v1/order":
			writeJSON(w, map[string]interface{}{
				"orderId":          1001,
				"symbol":           "BTCUSDT",
				"status":           orderStatus,
				"side":             "BUY",
				"avgPrice":         "50010.00",
				"executedQty":      "0.02",
				"origQty":          "0.02",
				"type":             "MARKET",
			})
		default:
			writeJSON(w, map[string]interface{}{})
		}
	}
}

func newPlan(t *testing.T) *store.ManualPlan {
	return &store.ManualPlan{
		ID:          "plan-1",
		Symbol:      "BTC",
		Side:        "BUY",
		Leverage:    10,
		PositionPct: 0.1,
		Status:      store.PlanStatusExecuting,
	}
}

func TestExecuteFillsMarketOrder(t *testing.T) {
	gw := newTestGateway(t, fullMockHandler(t, "FILLED"))
	s := newTestStore(t)

	eng := New(gw, s.Position(), s.ExecutionLog(), nil, Settings{
		OrderType:      "MARKET",
		MaxSlippagePct: 0.05,
	})

	result := eng.Execute(newPlan(t))
	require.Equal(t, OutcomeFilled, result.Outcome)
	require.NotNil(t, result.Position)
	assert.Equal(t, "BTCUSDT", result.Position.Symbol)
	assert.Equal(t, "BUY", result.Position.Side)
	assert.InDelta(t, 50010.00, result.Position.EntryPrice, 0.0001)
	assert.InDelta(t, 0.02, result.Position.EntryQuantity, 0.0001)
	assert.NotNil(t, result.Position.HighestPrice)
	assert.Equal(t, *result.Position.HighestPrice, result.Position.EntryPrice)

	filled, err := s.ExecutionLog().HasOrderFilled(result.Position.ID)
	require.NoError(t, err)
	assert.True(t, filled)
}

func TestExecuteRejectsWhenOrderNotFilled(t *testing.T) {
	gw := newTestGateway(t, fullMockHandler(t, "REJECTED"))
	s := newTestStore(t)

	eng := New(gw, s.Position(), s.ExecutionLog(), nil, Settings{OrderType: "MARKET"})
	result := eng.Execute(newPlan(t))
	assert.Equal(t, OutcomeOrderNotFilled, result.Outcome)
	assert.Nil(t, result.Position)
}

func TestExecuteRejectsOnRiskGuard(t *testing.T) {
	gw := newTestGateway(t, fullMockHandler(t, "FILLED"))
	s := newTestStore(t)

	// Pre-populate one ACTIVE position so the cap of 1 is already reached.
	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "ETHUSDT", Side: "BUY", EntryPrice: 1, EntryQuantity: 1, EntryTime: 1,
	}))

	eng := New(gw, s.Position(), s.ExecutionLog(), nil, Settings{
		OrderType:              "MARKET",
		MaxConcurrentPositions: 1,
	})
	result := eng.Execute(newPlan(t))
	assert.Equal(t, OutcomeRiskRejected, result.Outcome)
	assert.Nil(t, result.Position)
}

func TestExecuteClampsAllocationToMaxOrderAmount(t *testing.T) {
	gw := newTestGateway(t, fullMockHandler(t, "FILLED"))
	s := newTestStore(t)

	eng := New(gw, s.Position(), s.ExecutionLog(), nil, Settings{
		OrderType:      "MARKET",
		MaxOrderAmount: decimal.NewFromFloat(50),
	})
	result := eng.Execute(newPlan(t))
	// the mock fill price/qty are fixed, so this only exercises the clamp
	// path without asserting a different outcome than the unclamped case.
	require.Equal(t, OutcomeFilled, result.Outcome)
}

func TestNormalizeSymbolAppendsQuote(t *testing.T) {
	assert.Equal(t, "BTCUSDT", normalizeSymbol("btc"))
	assert.Equal(t, "ETHUSDT", normalizeSymbol("ethusdt"))
}
