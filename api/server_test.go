package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ignition/auth"
	"ignition/gateway"
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
		case "/fapi/v2/account":
			writeJSON(w, map[string]interface{}{"availableBalance": "10000.00"})
		case "/fapi/v1/premiumIndex":
			writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "markPrice": "101.00"}})
		case "/fapi/v2/positionRisk":
			writeJSON(w, []map[string]interface{}{})
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

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	auth.SetJWTSecret("test-secret-for-api-package-tests")
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	gw := newTestGateway(t)
	return NewServer(s, gw, 0), s
}

func doRequest(srv *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func loginAdmin(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doRequest(srv, http.MethodPost, "/api/auth/bootstrap-password", bootstrapPasswordRequest{Password: "correct-horse-battery"}, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(srv, http.MethodPost, "/api/auth/login", loginRequest{Email: "admin@localhost", Password: "correct-horse-battery"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["token"]
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(srv, http.MethodGet, "/api/manual-plans", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBootstrapPasswordThenLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	token := loginAdmin(t, srv)
	assert.NotEmpty(t, token)
}

func TestBootstrapPasswordRejectedOnceSet(t *testing.T) {
	srv, _ := newTestServer(t)
	loginAdmin(t, srv)

	rec := doRequest(srv, http.MethodPost, "/api/auth/bootstrap-password", bootstrapPasswordRequest{Password: "another-password"}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAndListPlan(t *testing.T) {
	srv, _ := newTestServer(t)
	token := loginAdmin(t, srv)

	rec := doRequest(srv, http.MethodPost, "/api/manual-plans", createPlanRequest{
		Symbol: "btc", Side: "buy", ListingTime: time.Now().UTC().Add(time.Hour),
		Leverage: 5, PositionPct: 0.1,
	}, token)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/manual-plans", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var plans []store.ManualPlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "BTCUSDT", plans[0].Symbol)
	assert.Equal(t, "BUY", plans[0].Side)
}

func TestCreatePlanRejectsBadSide(t *testing.T) {
	srv, _ := newTestServer(t)
	token := loginAdmin(t, srv)

	rec := doRequest(srv, http.MethodPost, "/api/manual-plans", createPlanRequest{
		Symbol: "BTC", Side: "HOLD", ListingTime: time.Now().UTC().Add(time.Hour),
		Leverage: 5, PositionPct: 0.1,
	}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAccountComposesBalanceAndPositions(t *testing.T) {
	srv, s := newTestServer(t)
	token := loginAdmin(t, srv)

	require.NoError(t, s.Position().Create(&store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100, EntryQuantity: 1,
		EntryTime: time.Now().UnixMilli(), Leverage: 5, StopLossPct: 0.05, TrailingExitPct: 0.1,
	}))

	rec := doRequest(srv, http.MethodGet, "/api/account", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "10000", resp["available_balance"])
	positions, _ := resp["positions"].([]interface{})
	require.Len(t, positions, 1)
}

func TestSetExitParamsRejectsClosedPositionWhenExchangeConfirmsGone(t *testing.T) {
	srv, s := newTestServer(t)
	token := loginAdmin(t, srv)

	pos := &store.Position{
		Symbol: "BTCUSDT", Side: "BUY", EntryPrice: 100, EntryQuantity: 1,
		EntryTime: time.Now().UnixMilli(), Leverage: 5, StopLossPct: 0.05,
	}
	require.NoError(t, s.Position().Create(pos))
	require.NoError(t, s.Position().Close(pos.ID, 110, 1, store.ExitReasonStopLoss))

	stopLoss := 0.08
	rec := doRequest(srv, http.MethodPut, "/api/positions/"+strconv.FormatInt(pos.ID, 10)+"/exit-params", exitParamsRequest{StopLossPct: &stopLoss}, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
