// Package monitor evaluates exit conditions for live positions and
// reconciles the local view of open positions against the exchange.
package monitor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ignition/gateway"
	"ignition/logger"
	"ignition/notify"
	"ignition/pricestream"
	"ignition/store"
)

const (
	absenceConfirmDelay = 200 * time.Millisecond
	closePollGrace       = 200 * time.Millisecond
	closePollCadence     = 500 * time.Millisecond
	closePollBudget      = 7500 * time.Millisecond
	downtimeThreshold    = 300 * time.Second
	recentCloseWindow    = 5 * time.Minute
)

// RiskDefaults is the system-wide fallback risk profile applied to newly
// discovered external positions, and the baseline a matched position's
// params are compared against to decide whether an operator customized them.
type RiskDefaults struct {
	StopLossPct     float64
	TrailingExitPct float64
	MaxSlippagePct  float64
}

// Monitor evaluates exit conditions on each tick and reconciles local
// position state against the exchange on each sync tick.
type Monitor struct {
	gw        *gateway.BinanceGateway
	positions *store.PositionStore
	logs      *store.ExecutionLogStore
	prices    *pricestream.Hub
	defaults  RiskDefaults
	notifier  *notify.Notifier

	closingMu sync.Mutex
	closing   map[int64]struct{}
}

func New(gw *gateway.BinanceGateway, positions *store.PositionStore, logs *store.ExecutionLogStore, prices *pricestream.Hub, defaults RiskDefaults) *Monitor {
	return &Monitor{
		gw:        gw,
		positions: positions,
		logs:      logs,
		prices:    prices,
		defaults:  defaults,
		closing:   make(map[int64]struct{}),
	}
}

// WithNotifier attaches an alert notifier; a nil or never-called notifier
// leaves the monitor silent, matching the notifier's own no-op default.
func (m *Monitor) WithNotifier(n *notify.Notifier) *Monitor {
	m.notifier = n
	return m
}

// Tick evaluates exit conditions for every ACTIVE position. Positions that
// should exit go through the close protocol; the rest receive a single bulk
// extrema/timestamp update.
func (m *Monitor) Tick() {
	active, err := m.positions.ListActive()
	if err != nil {
		logger.Warnf("monitor: list active positions failed: %v", err)
		return
	}

	for _, pos := range active {
		m.checkPosition(pos)
	}
}

func (m *Monitor) currentPrice(pos *store.Position) decimal.Decimal {
	if m.prices != nil {
		if price, ok := m.prices.Get(pos.Symbol); ok {
			return price
		}
	}
	if price, err := m.gw.GetMarkPrice(pos.Symbol); err == nil && !price.IsZero() {
		return price
	}
	return decimal.NewFromFloat(pos.EntryPrice)
}

func (m *Monitor) checkPosition(pos *store.Position) {
	current := m.currentPrice(pos)
	currentF, _ := current.Float64()
	entry := pos.EntryPrice

	// Captured before this tick's update so the trailing check never uses
	// an extremum this same tick is about to move.
	var highBefore, lowBefore *float64
	if pos.HighestPrice != nil {
		h := *pos.HighestPrice
		highBefore = &h
	}
	if pos.LowestPrice != nil {
		l := *pos.LowestPrice
		lowBefore = &l
	}

	reason := ""
	switch strings.ToUpper(pos.Side) {
	case "BUY":
		stopLossPrice := entry * (1 - pos.StopLossPct)
		if currentF <= stopLossPrice {
			reason = store.ExitReasonStopLoss
		} else {
			hPrime := entry
			if highBefore != nil {
				hPrime = *highBefore
			}
			trailingPrice := hPrime * (1 - pos.TrailingExitPct)
			if currentF <= trailingPrice {
				reason = store.ExitReasonTrailingStop
			}
		}
	case "SELL":
		stopLossPrice := entry * (1 + pos.StopLossPct)
		if currentF >= stopLossPrice {
			reason = store.ExitReasonStopLoss
		} else {
			lPrime := entry
			if lowBefore != nil {
				lPrime = *lowBefore
			}
			trailingPrice := lPrime * (1 + pos.TrailingExitPct)
			if currentF >= trailingPrice {
				reason = store.ExitReasonTrailingStop
			}
		}
	}

	if reason != "" {
		m.closePosition(pos, current, reason)
		return
	}

	newHigh := entry
	if highBefore != nil {
		newHigh = *highBefore
	}
	if currentF > newHigh {
		newHigh = currentF
	}
	newLow := entry
	if lowBefore != nil {
		newLow = *lowBefore
	}
	if currentF < newLow {
		newLow = currentF
	}

	if err := m.positions.UpdateExtrema(pos.ID, newHigh, newLow, time.Now().UTC().UnixMilli()); err != nil {
		logger.Warnf("monitor: update extrema for position %d failed: %v", pos.ID, err)
	}
}

// closePosition runs the re-entrancy-safe close protocol for a position
// that checkPosition has selected for exit by price. The reconciler
// finalizes absent positions through its own path and does not call this.
func (m *Monitor) closePosition(pos *store.Position, exitPrice decimal.Decimal, reason string) {
	if !m.tryLock(pos.ID) {
		return
	}
	defer m.unlock(pos.ID)

	fresh, err := m.positions.GetByID(pos.ID)
	if err != nil {
		logger.Warnf("monitor: refetch position %d before close failed: %v", pos.ID, err)
		return
	}
	if fresh == nil || fresh.Status != store.PositionStatusActive {
		return
	}

	reverseSide := "SELL"
	positionSide := "LONG"
	if strings.ToUpper(fresh.Side) == "SELL" {
		reverseSide = "BUY"
		positionSide = "SHORT"
	}

	exchangePositions, err := m.gw.GetOpenPositions()
	if err != nil {
		logger.Warnf("monitor: GetOpenPositions unknown while closing position %d, retrying next tick: %v", pos.ID, err)
		return
	}

	match := findExchangePosition(exchangePositions, fresh.Symbol, fresh.Side)
	if match == nil {
		time.Sleep(absenceConfirmDelay)
		exchangePositions, err = m.gw.GetOpenPositions()
		if err != nil {
			logger.Warnf("monitor: GetOpenPositions unknown on confirmation for position %d, retrying next tick: %v", pos.ID, err)
			return
		}
		match = findExchangePosition(exchangePositions, fresh.Symbol, fresh.Side)
		if match == nil {
			m.finalizeAbsent(fresh)
			return
		}
	}

	filters, err := m.gw.GetSymbolFilters(fresh.Symbol)
	if err != nil {
		logger.Warnf("monitor: get symbol filters for %s failed while closing position %d: %v", fresh.Symbol, fresh.ID, err)
		return
	}
	qty := gateway.FloorToStep(match.Quantity, filters.StepSize)
	if qty.LessThanOrEqual(decimal.Zero) {
		logger.Warnf("monitor: closing quantity for position %d rounds to zero at stepSize", fresh.ID)
		return
	}

	submitted, err := m.gw.PlaceMarketOrder(fresh.Symbol, reverseSide, qty, true, positionSide)
	if err != nil {
		logger.Warnf("monitor: submit closing order for position %d failed: %v", fresh.ID, err)
		return
	}

	order := m.pollCloseOrder(fresh.Symbol, submitted)
	if order.Status != "FILLED" && order.Status != "COMPLETED" {
		if order.Status == "CANCELED" || order.Status == "REJECTED" || order.Status == "EXPIRED" {
			logger.Warnf("monitor: closing order for position %d ended in terminal status %s", fresh.ID, order.Status)
		}
		return
	}

	actualPrice := order.AvgPrice
	if actualPrice.IsZero() {
		actualPrice = exitPrice
	}
	actualQty := order.ExecutedQty
	if actualQty.LessThanOrEqual(decimal.Zero) {
		actualQty = submitted.ExecutedQty
	}
	if actualQty.LessThanOrEqual(decimal.Zero) {
		actualQty = qty
	}

	actualPriceF, _ := actualPrice.Float64()
	actualQtyF, _ := actualQty.Float64()

	if err := m.positions.Close(fresh.ID, actualPriceF, actualQtyF, reason); err != nil {
		logger.Warnf("monitor: finalize close for position %d failed: %v", fresh.ID, err)
		return
	}

	pnl := pnlFor(fresh.Side, fresh.EntryPrice, actualPriceF, actualQtyF)
	m.appendCloseLog(fresh, actualPriceF, actualQtyF, submitted.OrderID, order.Status, reason, pnl)

	if m.prices != nil {
		if stillActive, err := m.positions.GetActiveBySymbolSide(fresh.Symbol, fresh.Side); err == nil && stillActive == nil {
			m.prices.Unsubscribe(fresh.Symbol)
		}
	}
}

func (m *Monitor) pollCloseOrder(symbol string, initial gateway.OrderResult) gateway.OrderResult {
	if initial.Status == "FILLED" || initial.Status == "COMPLETED" {
		return initial
	}
	deadline := time.Now().Add(closePollBudget)
	time.Sleep(closePollGrace)

	order := initial
	var lastErr error
	for time.Now().Before(deadline) {
		updated, err := m.gw.GetOrderStatus(symbol, initial.OrderID)
		if err != nil {
			lastErr = err
			time.Sleep(closePollCadence)
			continue
		}
		lastErr = nil
		order = updated
		if order.Status == "FILLED" || order.Status == "COMPLETED" {
			return order
		}
		if order.Status == "CANCELED" || order.Status == "REJECTED" || order.Status == "EXPIRED" {
			return order
		}
		time.Sleep(closePollCadence)
	}
	if lastErr != nil && initial.ExecutedQty.GreaterThan(decimal.Zero) {
		order = initial
		order.Status = "FILLED"
	}
	return order
}

// finalizeAbsent closes a position locally when the exchange confirms,
// across two checks, that it no longer holds it.
func (m *Monitor) finalizeAbsent(pos *store.Position) {
	reason := store.ExitReasonExternalClosed
	filled, err := m.logs.HasOrderFilled(pos.ID)
	if err == nil && !filled {
		reason = store.ExitReasonNotExecuted
	}
	if recent, err := m.logs.RecentPositionClosed(pos.ID, recentCloseWindow); err == nil && recent != nil && recent.Payload != "" {
		reason = recentReasonFromPayload(recent.Payload, reason)
	}

	if err := m.positions.Close(pos.ID, pos.EntryPrice, pos.EntryQuantity, reason); err != nil {
		logger.Warnf("monitor: finalize absent position %d failed: %v", pos.ID, err)
		return
	}
	m.appendCloseLog(pos, pos.EntryPrice, pos.EntryQuantity, "", "ABSENT", reason, 0)
}

func recentReasonFromPayload(payload, fallback string) string {
	const key = `"reason":"`
	idx := strings.Index(payload, key)
	if idx < 0 {
		return fallback
	}
	rest := payload[idx+len(key):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return fallback
	}
	return rest[:end]
}

func (m *Monitor) appendCloseLog(pos *store.Position, exitPrice, exitQty float64, orderID, status, reason string, pnl float64) {
	planID := pos.PlanID
	positionID := pos.ID
	payload := fmt.Sprintf(`{"reason":%q,"entry_price":%.8f,"pnl":%.8f}`, reason, pos.EntryPrice, pnl)
	if err := m.logs.Append(&store.ExecutionLog{
		EventType:  store.EventPositionClosed,
		PlanID:     planID,
		PositionID: &positionID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Price:      exitPrice,
		Quantity:   exitQty,
		OrderID:    orderID,
		Status:     status,
		Payload:    payload,
	}); err != nil {
		logger.Warnf("monitor: append position_closed log for position %d failed: %v", pos.ID, err)
	}
	if m.notifier != nil {
		m.notifier.PositionClosed(pos.Symbol, pos.Side, reason, pos.EntryPrice, exitPrice, pnl)
	}
}

func pnlFor(side string, entryPrice, exitPrice, qty float64) float64 {
	if strings.ToUpper(side) == "SELL" {
		return (entryPrice - exitPrice) * qty
	}
	return (exitPrice - entryPrice) * qty
}

func (m *Monitor) tryLock(id int64) bool {
	m.closingMu.Lock()
	defer m.closingMu.Unlock()
	if _, held := m.closing[id]; held {
		return false
	}
	m.closing[id] = struct{}{}
	return true
}

func (m *Monitor) unlock(id int64) {
	m.closingMu.Lock()
	defer m.closingMu.Unlock()
	delete(m.closing, id)
}

func findExchangePosition(positions []gateway.ExchangePosition, symbol, side string) *gateway.ExchangePosition {
	want := "long"
	if strings.ToUpper(side) == "SELL" {
		want = "short"
	}
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Side == want {
			return &positions[i]
		}
	}
	return nil
}
