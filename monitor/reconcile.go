package monitor

import (
	"strings"
	"time"

	"ignition/gateway"
	"ignition/logger"
	"ignition/store"
)

// Reconcile compares local ACTIVE positions against the exchange's
// reported open positions: it collapses local duplicates, creates
// externally-discovered positions, refreshes drifted entry snapshots
// while preserving operator-customized risk params, and closes positions
// the exchange no longer holds (once absence is confirmed twice).
func (m *Monitor) Reconcile() {
	exchangePositions, err := m.gw.GetOpenPositions()
	if err != nil {
		logger.Warnf("monitor: reconcile skipped, GetOpenPositions unknown: %v", err)
		if m.notifier != nil {
			m.notifier.UnknownExchangeState()
		}
		return
	}
	if m.notifier != nil {
		m.notifier.ExchangeStateRecovered()
	}

	m.collapseDuplicates("BUY")
	m.collapseDuplicates("SELL")

	matchedIDs := make(map[int64]struct{})
	for _, ep := range exchangePositions {
		local, err := m.positions.GetActiveBySymbolSide(ep.Symbol, sideFor(ep.Side))
		if err != nil {
			logger.Warnf("monitor: reconcile lookup for %s %s failed: %v", ep.Symbol, ep.Side, err)
			continue
		}
		if local == nil {
			m.createExternalPosition(ep)
			continue
		}
		matchedIDs[local.ID] = struct{}{}
		m.refreshMatched(local, ep)
	}

	active, err := m.positions.ListActive()
	if err != nil {
		logger.Warnf("monitor: reconcile list active failed: %v", err)
		return
	}
	for _, pos := range active {
		if _, ok := matchedIDs[pos.ID]; ok {
			continue
		}
		m.confirmAbsentAndClose(pos)
	}
}

func sideFor(exchangeSide string) string {
	if exchangeSide == "short" {
		return "SELL"
	}
	return "BUY"
}

// collapseDuplicates keeps one ACTIVE position per (symbol, side): the one
// whose risk params were customized away from system defaults, else the
// most recently entered. Losers are closed as duplicate_merged.
func (m *Monitor) collapseDuplicates(side string) {
	seen := make(map[string][]*store.Position)
	all, err := m.positions.ListActive()
	if err != nil {
		return
	}
	for _, pos := range all {
		if strings.ToUpper(pos.Side) != side {
			continue
		}
		seen[pos.Symbol] = append(seen[pos.Symbol], pos)
	}

	for _, group := range seen {
		if len(group) < 2 {
			continue
		}
		keep := m.pickKeeper(group)
		for _, pos := range group {
			if pos.ID == keep.ID {
				continue
			}
			if err := m.positions.Close(pos.ID, pos.EntryPrice, pos.EntryQuantity, store.ExitReasonDuplicateMerged); err != nil {
				logger.Warnf("monitor: collapse duplicate position %d failed: %v", pos.ID, err)
				continue
			}
			m.appendCloseLog(pos, pos.EntryPrice, pos.EntryQuantity, "", "", store.ExitReasonDuplicateMerged, 0)
		}
	}
}

func (m *Monitor) pickKeeper(group []*store.Position) *store.Position {
	for _, pos := range group {
		if pos.TrailingExitPct != m.defaults.TrailingExitPct || pos.StopLossPct != m.defaults.StopLossPct {
			return pos
		}
	}
	newest := group[0]
	for _, pos := range group[1:] {
		if pos.EntryTime > newest.EntryTime {
			newest = pos
		}
	}
	return newest
}

func (m *Monitor) createExternalPosition(ep gateway.ExchangePosition) {
	markF, _ := ep.MarkPrice.Float64()
	entryF, _ := ep.EntryPrice.Float64()
	if entryF == 0 {
		entryF = markF
	}
	qtyF, _ := ep.Quantity.Float64()
	leverage := ep.Leverage
	if leverage == 0 {
		leverage = 1
	}

	pos := &store.Position{
		Symbol:          ep.Symbol,
		Side:            sideFor(ep.Side),
		IsExternal:      true,
		EntryPrice:      entryF,
		EntryQuantity:   qtyF,
		EntryTime:       updateTimeOrNow(ep.UpdateTime),
		Leverage:        leverage,
		StopLossPct:     m.defaults.StopLossPct,
		TrailingExitPct: m.defaults.TrailingExitPct,
		MaxSlippagePct:  m.defaults.MaxSlippagePct,
		HighestPrice:    &markF,
		LowestPrice:     &markF,
	}
	if err := m.positions.Create(pos); err != nil {
		logger.Warnf("monitor: create external position for %s failed: %v", ep.Symbol, err)
		return
	}
	logger.Infof("monitor: discovered external position %s %s qty=%s entry=%s", ep.Symbol, pos.Side, ep.Quantity, ep.EntryPrice)
}

func updateTimeOrNow(ms int64) int64 {
	if ms > 0 {
		return ms
	}
	return time.Now().UTC().UnixMilli()
}

// refreshMatched refreshes a matched position's entry snapshot if the
// exchange reports a changed price/quantity/leverage, then forcibly
// restores the locally-held risk params so the refresh can never clobber
// an operator customization, and recovers missed extrema if the gap since
// the last check is large enough to matter.
func (m *Monitor) refreshMatched(local *store.Position, ep gateway.ExchangePosition) {
	entryF, _ := ep.EntryPrice.Float64()
	qtyF, _ := ep.Quantity.Float64()
	if entryF != 0 && (entryF != local.EntryPrice || qtyF != local.EntryQuantity || (ep.Leverage != 0 && ep.Leverage != local.Leverage)) {
		leverage := local.Leverage
		if ep.Leverage != 0 {
			leverage = ep.Leverage
		}
		if err := m.positions.UpdateEntrySnapshot(local.ID, entryF, qtyF, leverage); err != nil {
			logger.Warnf("monitor: update entry snapshot for position %d failed: %v", local.ID, err)
		}
	}

	if err := m.positions.RestoreRiskParams(local.ID, local.StopLossPct, local.TrailingExitPct, local.MaxSlippagePct); err != nil {
		logger.Warnf("monitor: restore risk params for position %d failed: %v", local.ID, err)
	}

	m.recoverDowntimeExtrema(local)

	if err := m.positions.UpdateExtrema(local.ID,
		derefOr(local.HighestPrice, local.EntryPrice),
		derefOr(local.LowestPrice, local.EntryPrice),
		time.Now().UTC().UnixMilli(),
	); err != nil {
		logger.Warnf("monitor: touch last_check_time for position %d failed: %v", local.ID, err)
	}
}

func derefOr(p *float64, fallback float64) float64 {
	if p != nil {
		return *p
	}
	return fallback
}

// recoverDowntimeExtrema fills in missed highs/lows after a monitoring gap
// using exchange klines, bucketing interval/limit by the gap's span.
func (m *Monitor) recoverDowntimeExtrema(pos *store.Position) {
	if pos.LastCheckTime == 0 {
		return
	}
	gap := time.Since(time.UnixMilli(pos.LastCheckTime))
	if gap <= downtimeThreshold {
		return
	}
	if pos.HighestPrice != nil && pos.LowestPrice != nil {
		return
	}

	interval, limit := klineBucketFor(gap)
	start := pos.LastCheckTime
	klines, err := m.gw.GetKlines(pos.Symbol, interval, limit, start, 0)
	if err != nil || len(klines) == 0 {
		fallback := pos.EntryPrice
		if pos.HighestPrice == nil {
			pos.HighestPrice = &fallback
		}
		if pos.LowestPrice == nil {
			lowFallback := pos.EntryPrice
			pos.LowestPrice = &lowFallback
		}
		return
	}

	recoveredHigh := klines[0].High
	recoveredLow := klines[0].Low
	for _, k := range klines[1:] {
		if k.High.GreaterThan(recoveredHigh) {
			recoveredHigh = k.High
		}
		if k.Low.LessThan(recoveredLow) {
			recoveredLow = k.Low
		}
	}

	highF, _ := recoveredHigh.Float64()
	lowF, _ := recoveredLow.Float64()
	if pos.HighestPrice == nil || highF > *pos.HighestPrice {
		pos.HighestPrice = &highF
	}
	if pos.LowestPrice == nil || lowF < *pos.LowestPrice {
		pos.LowestPrice = &lowF
	}
}

func klineBucketFor(gap time.Duration) (string, int) {
	switch {
	case gap <= time.Hour:
		return "1m", 1000
	case gap <= 8*time.Hour:
		return "1m", 500
	case gap <= 24*time.Hour:
		return "5m", 500
	default:
		return "15m", 500
	}
}

// confirmAbsentAndClose runs the two-stage absence confirmation (a second
// GetOpenPositions call after a short delay) before closing a locally
// ACTIVE position that the first pass didn't find on the exchange.
func (m *Monitor) confirmAbsentAndClose(pos *store.Position) {
	time.Sleep(absenceConfirmDelay)
	exchangePositions, err := m.gw.GetOpenPositions()
	if err != nil {
		return
	}
	if findExchangePosition(exchangePositions, pos.Symbol, pos.Side) != nil {
		return
	}
	m.finalizeAbsent(pos)
}
