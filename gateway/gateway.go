// Package gateway wraps the Binance USD-M futures API behind the narrow
// surface the execution engine and monitor need: balances, mark prices,
// klines, symbol precision, leverage, order placement/query/cancel and
// the open-position snapshot used for reconciliation.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"ignition/logger"
)

// clientOrderIDPrefix marks orders placed by this engine, in the same
// x-<brID><timestamp><random> shape the teacher's trader used to stay
// under Binance's 32-character client order ID limit.
const clientOrderIDPrefix = "x-ign"

// PositionMode identifies whether the account runs ONE_WAY or HEDGE.
type PositionMode string

const (
	PositionModeOneWay PositionMode = "ONE_WAY"
	PositionModeHedge  PositionMode = "HEDGE"
)

// ExchangePosition is one non-zero position reported by the exchange.
type ExchangePosition struct {
	Symbol     string
	Side       string // "long" or "short"
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   int
	UpdateTime int64 // ms since epoch, 0 if the exchange didn't report one
}

// OrderResult is the normalized shape of an order placement/query
// response. Fields are copied as the exchange reports them: AvgPrice and
// ExecutedQty are zero until the exchange populates them, and callers
// choose their own fallbacks.
type OrderResult struct {
	OrderID     string
	Symbol      string
	Status      string
	Side        string
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
	OrigQty     decimal.Decimal
}

// Config carries the tunables from config.Config that the gateway needs,
// kept separate so this package doesn't import config directly.
type Config struct {
	Testnet         bool
	HTTPTimeout     time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	FailThreshold   int
	FailCooldown    time.Duration
	PriceCacheTTL   time.Duration
	BalanceCacheTTL time.Duration
}

// BinanceGateway is the sole point of contact with Binance's futures API.
type BinanceGateway struct {
	client      *futures.Client
	rest        *resty.Client
	restBaseURL string

	cfg Config

	prices   *priceCache
	balances *balanceCache
	filters  *filterCache
	health   *healthTracker

	posModeOnce sync.Once
	posMode     PositionMode
	posModeErr  error
}

// New constructs a gateway over the go-binance futures SDK plus a
// lightweight resty client for the public klines/exchangeInfo endpoints.
func New(apiKey, secretKey string, cfg Config) *BinanceGateway {
	client := futures.NewClient(apiKey, secretKey)
	if cfg.Testnet {
		client.BaseURL = binanceTestnetBaseURL
		futures.UseTestnet = true
	}
	syncServerTime(client)

	baseURL := binanceFuturesBaseURL
	if cfg.Testnet {
		baseURL = binanceTestnetBaseURL
	}

	cfg = applyConfigDefaults(cfg)
	g := newGateway(client, newPublicRestClient(cfg.HTTPTimeout), baseURL, cfg)
	return g
}

// NewWithClient builds a gateway around an already-configured futures and
// resty client, skipping the live server-time sync New performs. This is
// the seam other packages' tests use to point a gateway at an
// httptest.Server instead of the real exchange.
func NewWithClient(client *futures.Client, rest *resty.Client, restBaseURL string, cfg Config) *BinanceGateway {
	return newGateway(client, rest, restBaseURL, applyConfigDefaults(cfg))
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 5
	}
	if cfg.FailCooldown <= 0 {
		cfg.FailCooldown = 60 * time.Second
	}
	if cfg.PriceCacheTTL <= 0 {
		cfg.PriceCacheTTL = 5 * time.Second
	}
	if cfg.BalanceCacheTTL <= 0 {
		cfg.BalanceCacheTTL = 15 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return cfg
}

func newGateway(client *futures.Client, rest *resty.Client, restBaseURL string, cfg Config) *BinanceGateway {
	return &BinanceGateway{
		client:      client,
		rest:        rest,
		restBaseURL: restBaseURL,
		cfg:         cfg,
		prices:      newPriceCache(cfg.PriceCacheTTL),
		balances:    newBalanceCache(cfg.BalanceCacheTTL),
		filters:     newFilterCache(),
		health:      newHealthTracker(cfg.FailThreshold, cfg.FailCooldown),
	}
}

func syncServerTime(client *futures.Client) {
	serverTime, err := client.NewServerTimeService().Do(context.Background())
	if err != nil {
		logger.Warnf("gateway: failed to sync binance server time: %v", err)
		return
	}
	client.TimeOffset = time.Now().UnixMilli() - serverTime
}

func (g *BinanceGateway) withRetry(op string, fn func() error) error {
	err := withRetry(context.Background(), g.cfg.MaxRetries, g.cfg.RetryBackoff, fn)
	if err != nil {
		g.health.recordFailure(op, err)
		return err
	}
	g.health.recordSuccess()
	return nil
}

func clientOrderID() string {
	b := make([]byte, 4)
	rand.Read(b)
	id := fmt.Sprintf("%s%d%s", clientOrderIDPrefix, time.Now().UnixNano()%10_000_000_000_000, hex.EncodeToString(b))
	if len(id) > 32 {
		id = id[:32]
	}
	return id
}

// GetFuturesAvailableBalance returns the USDT-M available balance, cached
// for cfg.BalanceCacheTTL under the "futures" kind.
func (g *BinanceGateway) GetFuturesAvailableBalance() (decimal.Decimal, error) {
	if v, ok := g.balances.get("futures"); ok {
		return v, nil
	}

	var account *futures.Account
	err := g.withRetry("getAccount", func() error {
		var innerErr error
		account, innerErr = g.client.NewGetAccountService().Do(context.Background())
		return innerErr
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get account: %w", err)
	}

	val, err := decimal.NewFromString(account.AvailableBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse available balance: %w", err)
	}
	g.balances.set("futures", val)
	return val, nil
}

// ClearBalanceCache drops the cached balance for kind ("" clears all),
// called by the execution engine immediately before sizing every entry.
func (g *BinanceGateway) ClearBalanceCache(kind string) {
	g.balances.clear(kind)
}

// GetMarkPrice returns the cached price for symbol, falling back to a
// REST call on a cache miss. Uses the premium-index endpoint, not the
// last-trade ticker: the two diverge most exactly when a listing-event
// entry or a stop-loss/trailing-exit check needs the real mark price.
func (g *BinanceGateway) GetMarkPrice(symbol string) (decimal.Decimal, error) {
	if v, ok := g.prices.get(symbol); ok {
		return v, nil
	}

	var tick *futures.PremiumIndex
	err := g.withRetry("GetMarkPrice", func() error {
		list, innerErr := g.client.NewPremiumIndexService().Symbol(symbol).Do(context.Background())
		if innerErr != nil {
			return innerErr
		}
		if len(list) == 0 {
			return fmt.Errorf("no price returned for %s", symbol)
		}
		tick = list[0]
		return nil
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("get mark price for %s: %w", symbol, err)
	}

	val, err := decimal.NewFromString(tick.MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse mark price: %w", err)
	}
	g.prices.set(symbol, val)
	return val, nil
}

// GetMarkPricesBatch resolves each requested symbol individually against
// the shared cache, filling in misses from GetAllMarkPrices to avoid one
// round trip per symbol.
func (g *BinanceGateway) GetMarkPricesBatch(symbols []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(symbols))
	missing := make([]string, 0)
	for _, s := range symbols {
		if v, ok := g.prices.get(s); ok {
			result[s] = v
		} else {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	all, err := g.GetAllMarkPrices()
	if err != nil {
		return nil, err
	}
	for _, s := range missing {
		if v, ok := all[s]; ok {
			result[s] = v
		}
	}
	return result, nil
}

// GetAllMarkPrices fetches and caches the exchange's full mark-price list,
// from the same premium-index endpoint GetMarkPrice uses.
func (g *BinanceGateway) GetAllMarkPrices() (map[string]decimal.Decimal, error) {
	var list []*futures.PremiumIndex
	err := g.withRetry("GetAllMarkPrices", func() error {
		var innerErr error
		list, innerErr = g.client.NewPremiumIndexService().Do(context.Background())
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("get all mark prices: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(list))
	for _, p := range list {
		val, parseErr := decimal.NewFromString(p.MarkPrice)
		if parseErr != nil {
			continue
		}
		result[p.Symbol] = val
		g.prices.set(p.Symbol, val)
	}
	return result, nil
}

// GetSymbolFilters returns the quantity/price quantization rules for
// symbol, fetched once from exchangeInfo and cached permanently.
func (g *BinanceGateway) GetSymbolFilters(symbol string) (SymbolFilters, error) {
	if f, ok := g.filters.get(symbol); ok {
		return f, nil
	}

	var filters SymbolFilters
	err := g.withRetry("GetSymbolFilters", func() error {
		var innerErr error
		filters, innerErr = g.fetchSymbolFilters(symbol)
		return innerErr
	})
	if err != nil {
		return SymbolFilters{}, err
	}
	g.filters.set(symbol, filters)
	return filters, nil
}

// GetPositionMode resolves and caches the account's ONE_WAY/HEDGE mode
// for the lifetime of the gateway (an operator doesn't flip this mid-run).
func (g *BinanceGateway) GetPositionMode() (PositionMode, error) {
	g.posModeOnce.Do(func() {
		var resp *futures.PositionModeResponse
		err := g.withRetry("GetPositionMode", func() error {
			var innerErr error
			resp, innerErr = g.client.NewGetPositionModeService().Do(context.Background())
			return innerErr
		})
		if err != nil {
			g.posModeErr = fmt.Errorf("get position mode: %w", err)
			return
		}
		if resp.DualSidePosition {
			g.posMode = PositionModeHedge
		} else {
			g.posMode = PositionModeOneWay
		}
	})
	return g.posMode, g.posModeErr
}

// SetLeverage sets the symbol's leverage, tolerating Binance's "no need
// to change" response the way the teacher's client does.
func (g *BinanceGateway) SetLeverage(symbol string, leverage int) error {
	err := g.withRetry("SetLeverage", func() error {
		_, innerErr := g.client.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(context.Background())
		return innerErr
	})
	if err != nil && !isBenignExchangeError(err, "no need to change") {
		return fmt.Errorf("set leverage for %s: %w", symbol, err)
	}
	return nil
}

func isBenignExchangeError(err error, substrs ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// PlaceMarketOrder submits a market order. In HEDGE mode positionSide
// must be LONG/SHORT and reduceOnly is rejected by the exchange; in
// ONE_WAY mode reduceOnly is how closes are expressed.
func (g *BinanceGateway) PlaceMarketOrder(symbol, side string, qty decimal.Decimal, reduceOnly bool, positionSide string) (OrderResult, error) {
	svc := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(clientOrderID())

	mode, err := g.GetPositionMode()
	if err != nil {
		return OrderResult{}, err
	}
	if mode == PositionModeHedge {
		svc = svc.PositionSide(futures.PositionSideType(positionSide))
	} else if reduceOnly {
		svc = svc.ReduceOnly(true)
	}

	var order *futures.CreateOrderResponse
	err = g.withRetry("PlaceMarketOrder", func() error {
		var innerErr error
		order, innerErr = svc.Do(context.Background())
		return innerErr
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("place market order %s %s: %w", symbol, side, err)
	}
	return orderResultFromCreate(order), nil
}

// PlaceLimitOrder submits a GTC-by-default limit order at price.
func (g *BinanceGateway) PlaceLimitOrder(symbol, side string, qty, price decimal.Decimal, tif, positionSide string) (OrderResult, error) {
	if tif == "" {
		tif = string(futures.TimeInForceTypeGTC)
	}
	svc := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceType(tif)).
		Quantity(qty.String()).
		Price(price.String()).
		NewClientOrderID(clientOrderID())

	mode, err := g.GetPositionMode()
	if err != nil {
		return OrderResult{}, err
	}
	if mode == PositionModeHedge {
		svc = svc.PositionSide(futures.PositionSideType(positionSide))
	}

	var order *futures.CreateOrderResponse
	err = g.withRetry("PlaceLimitOrder", func() error {
		var innerErr error
		order, innerErr = svc.Do(context.Background())
		return innerErr
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("place limit order %s %s: %w", symbol, side, err)
	}
	return orderResultFromCreate(order), nil
}

func orderResultFromCreate(order *futures.CreateOrderResponse) OrderResult {
	avgPrice, _ := decimal.NewFromString(order.AvgPrice)
	executedQty, _ := decimal.NewFromString(order.ExecutedQuantity)
	origQty, _ := decimal.NewFromString(order.OrigQuantity)
	return OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Status:      string(order.Status),
		Side:        string(order.Side),
		AvgPrice:    avgPrice,
		ExecutedQty: executedQty,
		OrigQty:     origQty,
	}
}

// CancelOrder best-effort cancels an open order; a "not found" response
// is treated as success since the caller's intent (no open order) holds.
func (g *BinanceGateway) CancelOrder(symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %q: %w", orderID, err)
	}
	err = g.withRetry("CancelOrder", func() error {
		_, innerErr := g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(context.Background())
		return innerErr
	})
	if err != nil && !isBenignExchangeError(err, "unknown order", "order does not exist") {
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// GetOrderStatus polls the current state of a previously submitted order.
func (g *BinanceGateway) GetOrderStatus(symbol, orderID string) (OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return OrderResult{}, fmt.Errorf("invalid order id %q: %w", orderID, err)
	}

	var order *futures.Order
	err = g.withRetry("GetOrderStatus", func() error {
		var innerErr error
		order, innerErr = g.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(context.Background())
		return innerErr
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("get order status %s/%s: %w", symbol, orderID, err)
	}

	avgPrice, _ := decimal.NewFromString(order.AvgPrice)
	executedQty, _ := decimal.NewFromString(order.ExecutedQuantity)
	origQty, _ := decimal.NewFromString(order.OrigQuantity)
	return OrderResult{
		OrderID:     strconv.FormatInt(order.OrderID, 10),
		Symbol:      order.Symbol,
		Status:      string(order.Status),
		Side:        string(order.Side),
		AvgPrice:    avgPrice,
		ExecutedQty: executedQty,
		OrigQty:     origQty,
	}, nil
}

// GetOpenPositions returns every non-zero position on the account, or nil
// with a non-nil error to signal "unknown" — callers must never treat a
// nil slice with a nil error as "no positions" (only explicit empty
// slices mean that).
func (g *BinanceGateway) GetOpenPositions() ([]ExchangePosition, error) {
	var risks []*futures.PositionRisk
	err := g.withRetry("GetOpenPositions", func() error {
		var innerErr error
		risks, innerErr = g.client.NewGetPositionRiskService().Do(context.Background())
		return innerErr
	})
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}

	result := make([]ExchangePosition, 0, len(risks))
	for _, r := range risks {
		amt, parseErr := decimal.NewFromString(r.PositionAmt)
		if parseErr != nil || amt.IsZero() {
			continue
		}
		side := "long"
		if amt.IsNegative() {
			side = "short"
			amt = amt.Neg()
		}
		entryPrice, _ := decimal.NewFromString(r.EntryPrice)
		markPrice, _ := decimal.NewFromString(r.MarkPrice)
		leverage, _ := strconv.Atoi(r.Leverage)
		result = append(result, ExchangePosition{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   amt,
			EntryPrice: entryPrice,
			MarkPrice:  markPrice,
			Leverage:   leverage,
			UpdateTime: r.UpdateTime,
		})
	}
	return result, nil
}
