package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
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

func defaults() RiskDefaults {
	return RiskDefaults{StopLossPct: 0.05, TrailingExitPct: 0.10, MaxSlippagePct: 0.005}
}

// --- Tick / exit evaluation ---------------------------------------------

func TestTickClosesOnStopLoss(t *testing.T) {
	s := newTestStore(t)
	var closeCalls int32
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/premiumIndex":
			writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "markPrice": "94.0"}})
		case "/fapi/v1/positionSide/dual":
			writeJSON(w, map[string]interface{}{"dualSidePosition": false})
		case "/fapi/v2/positionRisk":
			writeJSON(w, []map[string]interface{}{
				{"symbol": "BTCUSDT", "positionAmt": "1.0", "entryPrice": "100.0", "markPrice": "94.0", "leverage": "5"},
			})
		case "/fapi/v1/exchangeInfo":
			writeJSON(w, map[string]interface{}{
				"symbols": []map[string]interface{}{{
					"symbol":  "BTCUSDT",
					"filters": []map[string]interface{}{{"filterType": "LOT_SIZE", "stepSize": "0.001"}},
				}},
			})
		case "/fapi/v1/order":
			atomic.AddInt32(&closeCalls, 1)
			writeJSON(w, map[string]interface{}{
				"orderId": 9001, "symbol": "BTCUSDT", "status": "FILLED", "side": "SELL",
				"avgPrice": "94.0", "executedQty": "1.0", "origQty": "1.0",
			})
		default:
			writeJSON(w, map[string]interface{}{})
		}
	})

	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100.0, EntryQuantity: 1.0, EntryTime: 1,
		StopLossPct: 0.05, TrailingExitPct: 0.10,
	}))

	mon := New(gw, s.Position(), s.ExecutionLog(), nil, defaults())
	mon.Tick()

	assert.Equal(t, int32(1), atomic.LoadInt32(&closeCalls))
	pos, err := s.Position().GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, store.PositionStatusClosed, pos.Status)
	assert.Equal(t, store.ExitReasonStopLoss, pos.ExitReason)
}

func TestTickUpdatesExtremaWithoutClosing(t *testing.T) {
	s := newTestStore(t)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/premiumIndex" {
			writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "markPrice": "120.0"}})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})

	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100.0, EntryQuantity: 1.0, EntryTime: 1,
		StopLossPct: 0.05, TrailingExitPct: 0.10,
	}))

	mon := New(gw, s.Position(), s.ExecutionLog(), nil, defaults())
	mon.Tick()

	pos, err := s.Position().GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, store.PositionStatusActive, pos.Status)
	require.NotNil(t, pos.HighestPrice)
	assert.InDelta(t, 120.0, *pos.HighestPrice, 0.0001)
}

func TestTickSameTickTrailingUsesPreTickExtremum(t *testing.T) {
	// The position enters the tick with a recorded high of 130; the trailing
	// band is computed from that pre-tick high (130*0.9=117), and current=125
	// is above 117, so the tick must not close it.
	s := newTestStore(t)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/premiumIndex" {
			writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "markPrice": "125.0"}})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})

	highBefore := 130.0
	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100.0, EntryQuantity: 1.0, EntryTime: 1,
		StopLossPct: 0.05, TrailingExitPct: 0.10, HighestPrice: &highBefore,
	}))

	mon := New(gw, s.Position(), s.ExecutionLog(), nil, defaults())
	mon.Tick()

	pos, err := s.Position().GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, store.PositionStatusActive, pos.Status)
}

// --- Reconciliation ------------------------------------------------------

func TestReconcileCreatesExternalPosition(t *testing.T) {
	s := newTestStore(t)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v2/positionRisk" {
			writeJSON(w, []map[string]interface{}{
				{"symbol": "ETHUSDT", "positionAmt": "-2", "entryPrice": "3000.0", "markPrice": "2950.0", "leverage": "10"},
			})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})

	mon := New(gw, s.Position(), s.ExecutionLog(), nil, defaults())
	mon.Reconcile()

	positions, err := s.Position().ListActive()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].IsExternal)
	assert.Equal(t, "SELL", positions[0].Side)
	require.NotNil(t, positions[0].HighestPrice)
	assert.InDelta(t, 2950.0, *positions[0].HighestPrice, 0.0001)
	assert.InDelta(t, 2950.0, *positions[0].LowestPrice, 0.0001)
}

func TestReconcileNoOpOnUnknownExchangeState(t *testing.T) {
	s := newTestStore(t)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100.0, EntryQuantity: 1.0, EntryTime: 1,
	}))

	mon := New(gw, s.Position(), s.ExecutionLog(), nil, defaults())
	mon.Reconcile()

	pos, err := s.Position().GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, store.PositionStatusActive, pos.Status)
}

func TestReconcileCollapsesDuplicates(t *testing.T) {
	s := newTestStore(t)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v2/positionRisk" {
			writeJSON(w, []map[string]interface{}{
				{"symbol": "BTCUSDT", "positionAmt": "1.0", "entryPrice": "100.0", "markPrice": "105.0", "leverage": "5"},
			})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})

	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100.0, EntryQuantity: 1.0, EntryTime: 1,
		StopLossPct: defaults().StopLossPct, TrailingExitPct: defaults().TrailingExitPct,
	}))
	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 101.0, EntryQuantity: 1.0, EntryTime: 2,
		StopLossPct: 0.2, TrailingExitPct: 0.3, // customized, must be the keeper
	}))

	mon := New(gw, s.Position(), s.ExecutionLog(), nil, defaults())
	mon.Reconcile()

	active, err := s.Position().ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 0.2, active[0].StopLossPct)

	closed, err := s.Position().GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, store.PositionStatusClosed, closed.Status)
	assert.Equal(t, store.ExitReasonDuplicateMerged, closed.ExitReason)
}

func TestReconcileClosesAbsentPosition(t *testing.T) {
	s := newTestStore(t)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v2/positionRisk" {
			writeJSON(w, []map[string]interface{}{})
			return
		}
		writeJSON(w, map[string]interface{}{})
	})

	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100.0, EntryQuantity: 1.0, EntryTime: 1,
	}))

	mon := New(gw, s.Position(), s.ExecutionLog(), nil, defaults())
	mon.Reconcile()

	pos, err := s.Position().GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, store.PositionStatusClosed, pos.Status)
	assert.Equal(t, store.ExitReasonNotExecuted, pos.ExitReason)
}
