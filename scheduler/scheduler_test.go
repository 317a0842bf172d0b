package scheduler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ignition/execution"
	"ignition/gateway"
	"ignition/monitor"
	"ignition/store"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestGateway(t *testing.T) *gateway.BinanceGateway {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/positionSide/dual":
			writeJSON(w, map[string]interface{}{"dualSidePosition": false})
		case "/fapi/v1/leverage":
			writeJSON(w, map[string]interface{}{"leverage": 5, "symbol": "BTCUSDT"})
		case "/fapi/v2/account":
			writeJSON(w, map[string]interface{}{"availableBalance": "10000.00"})
		case "/fapi/v1/premiumIndex":
			writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "markPrice": "100.00"}})
		case "/fapi/v1/exchangeInfo":
			writeJSON(w, map[string]interface{}{
				"symbols": []map[string]interface{}{{
					"symbol":  "BTCUSDT",
					"filters": []map[string]interface{}{{"filterType": "LOT_SIZE", "stepSize": "0.001"}},
				}},
			})
		case "/fapi/v1/order":
			writeJSON(w, map[string]interface{}{
				"orderId": 5001, "symbol": "BTCUSDT", "status": "FILLED", "side": "BUY",
				"avgPrice": "100.00", "executedQty": "1.0", "origQty": "1.0",
			})
		default:
			writeJSON(w, map[string]interface{}{})
		}
	}))
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

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	s := newTestStore(t)
	gw := newTestGateway(t)
	eng := execution.New(gw, s.Position(), s.ExecutionLog(), nil, execution.Settings{OrderType: "MARKET"})
	mon := monitor.New(gw, s.Position(), s.ExecutionLog(), nil, monitor.RiskDefaults{StopLossPct: 0.05, TrailingExitPct: 0.10})
	sched := New(s.Plan(), s.Position(), eng, mon, nil, Settings{
		ManualPlanCheckInterval:      300 * time.Millisecond,
		ManualPlanPrecisionThreshold: time.Second,
		ManualPlanPrecisionMode:      true,
	})
	t.Cleanup(sched.Stop)
	return sched, s
}

func TestPlanTickExecutesDuePlan(t *testing.T) {
	sched, s := newTestScheduler(t)

	plan := &store.ManualPlan{
		Symbol: "BTC", Side: "BUY", ListingTime: time.Now().UTC().Add(-time.Second),
		Leverage: 5, PositionPct: 0.1,
	}
	require.NoError(t, s.Plan().Create(plan))

	sched.planTick()

	fresh, err := s.Plan().GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PlanStatusExecuted, fresh.Status)

	positions, err := s.Position().ListActive()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
}

func TestExecuteClaimedPlanIsRaceSafe(t *testing.T) {
	sched, s := newTestScheduler(t)

	plan := &store.ManualPlan{
		Symbol: "BTC", Side: "BUY", ListingTime: time.Now().UTC(),
		Leverage: 5, PositionPct: 0.1,
	}
	require.NoError(t, s.Plan().Create(plan))

	// Simulate two callers racing for the same plan: only the first claim
	// should win and execute; the second must be a no-op.
	sched.executeClaimedPlan(plan)
	sched.executeClaimedPlan(plan)

	logs, err := s.ExecutionLog().ListByPlan(plan.ID)
	require.NoError(t, err)
	filledCount := 0
	for _, l := range logs {
		if l.EventType == store.EventOrderFilled {
			filledCount++
		}
	}
	assert.Equal(t, 1, filledCount)
}

func TestArmPrecisionFireIsIdempotent(t *testing.T) {
	sched, s := newTestScheduler(t)

	plan := &store.ManualPlan{
		Symbol: "BTC", Side: "BUY", ListingTime: time.Now().UTC().Add(time.Hour),
		Leverage: 5, PositionPct: 0.1,
	}
	require.NoError(t, s.Plan().Create(plan))

	sched.armPrecisionFire(plan)
	sched.precisionMu.Lock()
	firstCount := len(sched.precision)
	firstCh := sched.precision[plan.ID]
	sched.precisionMu.Unlock()

	sched.armPrecisionFire(plan)
	sched.precisionMu.Lock()
	secondCount := len(sched.precision)
	secondCh := sched.precision[plan.ID]
	sched.precisionMu.Unlock()

	assert.Equal(t, 1, firstCount)
	assert.Equal(t, firstCount, secondCount)
	assert.Equal(t, firstCh, secondCh)

	close(firstCh)
	sched.precisionMu.Lock()
	delete(sched.precision, plan.ID)
	sched.precisionMu.Unlock()
}

func TestNormalizeSymbolAppendsQuote(t *testing.T) {
	assert.Equal(t, "BTCUSDT", normalizeSymbol("btc"))
	assert.Equal(t, "ETHUSDT", normalizeSymbol("ethusdt"))
}
