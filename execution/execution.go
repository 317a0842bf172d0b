// Package execution turns a claimed manual plan into a live position: it
// sizes the order from live balance, submits it honoring the configured
// order-type/slippage/timeout policy, verifies the fill, and persists the
// resulting Position.
package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ignition/gateway"
	"ignition/logger"
	"ignition/pricestream"
	"ignition/store"
)

// Outcome discriminates why Execute did or didn't produce a position,
// replacing the original's exception-driven control flow with an explicit
// result the scheduler can switch on.
type Outcome string

const (
	OutcomeFilled             Outcome = "filled"
	OutcomeInsufficientMargin Outcome = "insufficient_margin"
	OutcomeOrderNotFilled     Outcome = "order_not_filled"
	OutcomeTransportFailed    Outcome = "transport_failed"
	OutcomeRiskRejected       Outcome = "risk_rejected"
)

// Result is the engine's verdict on one plan execution attempt.
type Result struct {
	Outcome  Outcome
	Position *store.Position
	Reason   string
}

// Settings carries the subset of config.Config the engine needs.
type Settings struct {
	OrderType                     string // MARKET or LIMIT
	MaxOrderAmount                decimal.Decimal
	MaxSlippagePct                float64
	LimitOrderTimeoutSeconds      int
	LimitOrderAutoConvertToMarket bool
	MaxConcurrentPositions        int // 0 = unlimited
}

// Engine is the order-placement component spec §4.D describes.
type Engine struct {
	gw        *gateway.BinanceGateway
	positions *store.PositionStore
	logs      *store.ExecutionLogStore
	prices    *pricestream.Hub // optional; nil disables warm-up subscriptions
	cfg       Settings
}

// New constructs an Engine. prices may be nil if price-stream warm-up is
// not wanted (e.g. in tests).
func New(gw *gateway.BinanceGateway, positions *store.PositionStore, logs *store.ExecutionLogStore, prices *pricestream.Hub, cfg Settings) *Engine {
	return &Engine{gw: gw, positions: positions, logs: logs, prices: prices, cfg: cfg}
}

// normalizeSymbol appends the USDT quote suffix if the plan's symbol
// doesn't already carry one.
func normalizeSymbol(raw string) string {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.HasSuffix(symbol, "USDT") {
		symbol += "USDT"
	}
	return symbol
}

// Execute runs the ten-step order-placement algorithm for a plan whose
// status is already EXECUTING (the caller must have won tryClaim).
func (e *Engine) Execute(plan *store.ManualPlan) Result {
	symbol := normalizeSymbol(plan.Symbol)

	// RiskGuard: reject before touching the exchange if the concurrent
	// position cap is already at capacity.
	if e.cfg.MaxConcurrentPositions > 0 {
		active, err := e.positions.CountActive()
		if err != nil {
			return Result{Outcome: OutcomeTransportFailed, Reason: fmt.Sprintf("count active positions: %v", err)}
		}
		if active >= e.cfg.MaxConcurrentPositions {
			return Result{Outcome: OutcomeRiskRejected, Reason: fmt.Sprintf("max concurrent positions reached (%d)", e.cfg.MaxConcurrentPositions)}
		}
	}

	// Step 1: subscribe the price stream, best-effort, non-blocking.
	if e.prices != nil {
		e.prices.Subscribe(symbol)
	}

	// Step 2: leverage + fresh balance.
	if err := e.gw.SetLeverage(symbol, plan.Leverage); err != nil {
		return Result{Outcome: OutcomeTransportFailed, Reason: fmt.Sprintf("set leverage: %v", err)}
	}
	e.gw.ClearBalanceCache("futures")
	balance, err := e.gw.GetFuturesAvailableBalance()
	if err != nil {
		return Result{Outcome: OutcomeTransportFailed, Reason: fmt.Sprintf("get available balance: %v", err)}
	}

	// Step 3: mark price; without one the order cannot be sized, so the
	// plan aborts here.
	markPrice, err := e.gw.GetMarkPrice(symbol)
	if err != nil || markPrice.IsZero() {
		return Result{Outcome: OutcomeTransportFailed, Reason: fmt.Sprintf("mark price unavailable for %s: %v", symbol, err)}
	}

	// Step 4: allocation, clamped to max_order_amount if configured.
	allocation := balance.Mul(decimal.NewFromFloat(plan.PositionPct))
	if !e.cfg.MaxOrderAmount.IsZero() && allocation.GreaterThan(e.cfg.MaxOrderAmount) {
		logger.Infof("execution: allocation %s exceeds max order amount %s for plan %s, clamping", allocation, e.cfg.MaxOrderAmount, plan.ID)
		allocation = e.cfg.MaxOrderAmount
	}
	if allocation.LessThanOrEqual(decimal.Zero) {
		return Result{Outcome: OutcomeInsufficientMargin, Reason: "allocation is zero or negative"}
	}

	// Step 5: size the order to the symbol's stepSize.
	filters, err := e.gw.GetSymbolFilters(symbol)
	if err != nil {
		return Result{Outcome: OutcomeTransportFailed, Reason: fmt.Sprintf("get symbol filters: %v", err)}
	}
	leverage := decimal.NewFromInt(int64(plan.Leverage))
	rawQty := allocation.Mul(leverage).Div(markPrice)
	qty := gateway.FloorToStep(rawQty, filters.StepSize)
	if qty.LessThanOrEqual(decimal.Zero) {
		return Result{Outcome: OutcomeInsufficientMargin, Reason: "sized quantity rounds to zero at this stepSize"}
	}

	// Step 6: margin safety check, 1% headroom.
	requiredMargin := qty.Mul(markPrice).Div(leverage)
	if requiredMargin.GreaterThan(balance.Mul(decimal.NewFromFloat(0.99))) {
		return Result{Outcome: OutcomeInsufficientMargin, Reason: fmt.Sprintf("required margin %s exceeds available %s", requiredMargin, balance)}
	}

	// Step 7: submit per order-type policy.
	side := strings.ToUpper(plan.Side)
	positionSide := "LONG"
	if side == "SELL" {
		positionSide = "SHORT"
	}

	order, err := e.submitOrder(symbol, side, positionSide, qty, markPrice)
	if err != nil {
		return Result{Outcome: OutcomeTransportFailed, Reason: err.Error()}
	}
	if order.Status != "FILLED" && order.Status != "PARTIALLY_FILLED" {
		return Result{Outcome: OutcomeOrderNotFilled, Reason: fmt.Sprintf("order %s ended in status %s", order.OrderID, order.Status)}
	}

	// Step 8: extract actual fill price/quantity.
	actualPrice := order.AvgPrice
	if actualPrice.IsZero() {
		actualPrice = markPrice
	}
	actualQty := order.ExecutedQty
	if actualQty.LessThanOrEqual(decimal.Zero) {
		actualQty = order.OrigQty
	}
	if actualQty.LessThanOrEqual(decimal.Zero) {
		return Result{Outcome: OutcomeOrderNotFilled, Reason: fmt.Sprintf("order %s reports non-positive executed quantity", order.OrderID)}
	}

	// Step 9: persist the position.
	nowMs := time.Now().UTC().UnixMilli()
	actualPriceF, _ := actualPrice.Float64()
	planID := plan.ID
	pos := &store.Position{
		PlanID:          &planID,
		Symbol:          symbol,
		Side:            side,
		OrderID:         order.OrderID,
		EntryPrice:      actualPriceF,
		EntryQuantity:   mustFloat(actualQty),
		EntryTime:       nowMs,
		Leverage:        plan.Leverage,
		StopLossPct:     plan.StopLossPct,
		TrailingExitPct: plan.TrailingExitPct,
		MaxSlippagePct:  plan.MaxSlippagePct,
		HighestPrice:    &actualPriceF,
		LowestPrice:     &actualPriceF,
		LastCheckTime:   nowMs,
	}
	if err := e.positions.Create(pos); err != nil {
		return Result{Outcome: OutcomeTransportFailed, Reason: fmt.Sprintf("persist position: %v", err)}
	}

	// Step 10: append the fill log.
	if err := e.logs.Append(&store.ExecutionLog{
		EventType:  store.EventOrderFilled,
		PlanID:     &planID,
		PositionID: &pos.ID,
		Symbol:     symbol,
		Side:       side,
		Price:      actualPriceF,
		Quantity:   mustFloat(actualQty),
		OrderID:    order.OrderID,
		Status:     order.Status,
	}); err != nil {
		logger.Warnf("execution: failed to append order_filled log for position %d: %v", pos.ID, err)
	}

	return Result{Outcome: OutcomeFilled, Position: pos}
}

// submitOrder dispatches on OrderType, applying the LIMIT-with-timeout and
// slippage-check behavior from the original binance_service pipeline.
func (e *Engine) submitOrder(symbol, side, positionSide string, qty, markPrice decimal.Decimal) (gateway.OrderResult, error) {
	if strings.ToUpper(e.cfg.OrderType) == "LIMIT" {
		return e.placeLimitWithFallback(symbol, side, positionSide, qty, markPrice)
	}
	return e.placeMarketWithSlippageCheck(symbol, side, positionSide, qty, markPrice)
}

// placeMarketWithSlippageCheck submits a market order, polling up to ~3s at
// 500ms cadence if the exchange first reports NEW, then checks realized
// slippage against the expected price — logging a breach rather than
// reversing the fill.
func (e *Engine) placeMarketWithSlippageCheck(symbol, side, positionSide string, qty, expectedPrice decimal.Decimal) (gateway.OrderResult, error) {
	order, err := e.gw.PlaceMarketOrder(symbol, side, qty, false, positionSide)
	if err != nil {
		return gateway.OrderResult{}, fmt.Errorf("place market order: %w", err)
	}

	if order.Status == "NEW" && order.OrderID != "" {
		for i := 0; i < 6; i++ {
			time.Sleep(500 * time.Millisecond)
			updated, statusErr := e.gw.GetOrderStatus(symbol, order.OrderID)
			if statusErr != nil {
				continue
			}
			order = updated
			if order.Status == "FILLED" || order.Status == "PARTIALLY_FILLED" {
				break
			}
		}
	}

	if order.Status == "FILLED" || order.Status == "PARTIALLY_FILLED" {
		e.checkSlippage(symbol, side, order, expectedPrice)
	}
	return order, nil
}

// placeLimitWithFallback submits a GTC limit order at markPrice and polls
// for a fill up to LimitOrderTimeoutSeconds. A failed submission, or an
// immediate CANCELED/REJECTED/EXPIRED response, goes straight to the market
// path. On timeout, or a rejection seen while polling, it best-effort
// cancels and falls back to market only when LimitOrderAutoConvertToMarket
// is set; otherwise it returns an error.
func (e *Engine) placeLimitWithFallback(symbol, side, positionSide string, qty, price decimal.Decimal) (gateway.OrderResult, error) {
	order, err := e.gw.PlaceLimitOrder(symbol, side, qty, price, "GTC", positionSide)
	if err != nil || order.OrderID == "" {
		logger.Warnf("execution: limit order failed for %s, falling back to market: %v", symbol, err)
		return e.placeMarketWithSlippageCheck(symbol, side, positionSide, qty, price)
	}

	if order.Status == "FILLED" {
		return order, nil
	}
	if order.Status == "CANCELED" || order.Status == "REJECTED" || order.Status == "EXPIRED" {
		return e.placeMarketWithSlippageCheck(symbol, side, positionSide, qty, price)
	}

	timeout := time.Duration(e.cfg.LimitOrderTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		updated, statusErr := e.gw.GetOrderStatus(symbol, order.OrderID)
		if statusErr == nil {
			order = updated
			if order.Status == "FILLED" {
				return order, nil
			}
			if order.Status == "CANCELED" || order.Status == "REJECTED" || order.Status == "EXPIRED" {
				break
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	if cancelErr := e.gw.CancelOrder(symbol, order.OrderID); cancelErr != nil {
		logger.Warnf("execution: failed to cancel timed-out limit order %s/%s: %v", symbol, order.OrderID, cancelErr)
	}

	if !e.cfg.LimitOrderAutoConvertToMarket {
		return gateway.OrderResult{}, fmt.Errorf("limit order %s timed out and auto-convert-to-market is disabled", order.OrderID)
	}
	logger.Infof("execution: limit order %s for %s timed out, converting to market", order.OrderID, symbol)
	return e.placeMarketWithSlippageCheck(symbol, side, positionSide, qty, price)
}

// checkSlippage logs a warning when the realized fill price breaches
// max_slippage_pct; per spec.md's Open Question (ii) it never reverses
// the fill.
func (e *Engine) checkSlippage(symbol, side string, order gateway.OrderResult, expectedPrice decimal.Decimal) {
	if expectedPrice.IsZero() || order.AvgPrice.IsZero() {
		return
	}
	var slippagePct decimal.Decimal
	if side == "BUY" {
		slippagePct = order.AvgPrice.Sub(expectedPrice).Div(expectedPrice).Mul(decimal.NewFromInt(100))
	} else {
		slippagePct = expectedPrice.Sub(order.AvgPrice).Div(expectedPrice).Mul(decimal.NewFromInt(100))
	}
	maxPct := decimal.NewFromFloat(e.cfg.MaxSlippagePct * 100)
	if slippagePct.GreaterThan(maxPct) {
		logger.Warnf("execution: %s %s slippage %.4f%% exceeds max %.4f%% (expected=%s actual=%s)",
			symbol, side, mustFloat(slippagePct), e.cfg.MaxSlippagePct*100, expectedPrice, order.AvgPrice)
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
