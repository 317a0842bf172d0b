package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Position status values.
const (
	PositionStatusActive     = "ACTIVE"
	PositionStatusClosed     = "CLOSED"
	PositionStatusLiquidated = "LIQUIDATED"
)

// Exit reasons recorded on close.
const (
	ExitReasonStopLoss        = "stop_loss"
	ExitReasonTrailingStop    = "trailing_stop"
	ExitReasonExternalClosed  = "external_closed"
	ExitReasonDuplicateMerged = "duplicate_merged"
	ExitReasonNotExecuted     = "not_executed"
	ExitReasonManual          = "manual"
)

// Position is a live or historical futures exposure opened by a ManualPlan
// or discovered on the exchange via reconciliation.
//
// HighestPrice/LowestPrice may be nil: the execution engine and external
// discovery seed both at creation, but a row created without them stays
// nil until the monitor's first update. Callers must treat nil as "no
// extremum recorded yet" rather than zero.
type Position struct {
	ID       int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	PlanID   *string `gorm:"column:plan_id;index:idx_positions_plan" json:"plan_id,omitempty"`
	Symbol   string  `gorm:"not null;index:idx_positions_symbol" json:"symbol"`
	Side     string  `gorm:"not null" json:"side"` // BUY or SELL
	Status   string  `gorm:"not null;default:ACTIVE;index:idx_positions_status" json:"status"`
	IsExternal bool  `gorm:"column:is_external;default:false" json:"is_external"`
	OrderID  string  `gorm:"column:order_id;default:''" json:"order_id"`

	EntryPrice    float64 `gorm:"column:entry_price;not null" json:"entry_price"`
	EntryQuantity float64 `gorm:"column:entry_quantity;not null" json:"entry_quantity"`
	EntryTime     int64   `gorm:"column:entry_time;not null" json:"entry_time"` // Unix ms UTC

	ExitPrice    float64 `gorm:"column:exit_price;default:0" json:"exit_price,omitempty"`
	ExitQuantity float64 `gorm:"column:exit_quantity;default:0" json:"exit_quantity,omitempty"`
	ExitTime     int64   `gorm:"column:exit_time;default:0" json:"exit_time,omitempty"`
	ExitReason   string  `gorm:"column:exit_reason;default:''" json:"exit_reason,omitempty"`

	Leverage        int     `gorm:"not null;default:1" json:"leverage"`
	StopLossPct     float64 `gorm:"column:stop_loss_pct;default:0" json:"stop_loss_pct"`
	TrailingExitPct float64 `gorm:"column:trailing_exit_pct;default:0" json:"trailing_exit_pct"`
	MaxSlippagePct  float64 `gorm:"column:max_slippage_pct;default:0" json:"max_slippage_pct"`

	HighestPrice *float64 `gorm:"column:highest_price" json:"highest_price,omitempty"`
	LowestPrice  *float64 `gorm:"column:lowest_price" json:"lowest_price,omitempty"`

	LastCheckTime int64 `gorm:"column:last_check_time;default:0" json:"last_check_time"`

	CreatedAt int64 `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at" json:"updated_at"`
}

func (Position) TableName() string { return "positions" }

// PositionStore persists Position rows.
type PositionStore struct {
	db *gorm.DB
}

// NewPositionStore creates a PositionStore.
func NewPositionStore(db *gorm.DB) *PositionStore {
	return &PositionStore{db: db}
}

func (s *PositionStore) initTables() error {
	if err := s.db.AutoMigrate(&Position{}); err != nil {
		return fmt.Errorf("migrate positions table: %w", err)
	}
	return nil
}

// Create inserts a new ACTIVE position.
func (s *PositionStore) Create(pos *Position) error {
	nowMs := time.Now().UTC().UnixMilli()
	pos.Status = PositionStatusActive
	pos.CreatedAt = nowMs
	pos.UpdatedAt = nowMs
	if pos.LastCheckTime == 0 {
		pos.LastCheckTime = nowMs
	}
	return s.db.Create(pos).Error
}

// GetByID fetches a single position.
func (s *PositionStore) GetByID(id int64) (*Position, error) {
	var pos Position
	err := s.db.Where("id = ?", id).First(&pos).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// GetActiveBySymbolSide fetches the (at most one, post-reconciliation) ACTIVE
// position for a (symbol, side) tuple, preferring the most recently entered
// if duplicates still exist.
func (s *PositionStore) GetActiveBySymbolSide(symbol, side string) (*Position, error) {
	var pos Position
	err := s.db.Where("symbol = ? AND side = ? AND status = ?", symbol, side, PositionStatusActive).
		Order("entry_time DESC").First(&pos).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

// GetActivePositionsBySymbolSide returns every ACTIVE row for a (symbol, side)
// tuple, ordered newest-first. The reconciler's duplicate-collapse step
// groups the result of ListActive instead and does not call this.
func (s *PositionStore) GetActivePositionsBySymbolSide(symbol, side string) ([]*Position, error) {
	var positions []*Position
	err := s.db.Where("symbol = ? AND side = ? AND status = ?", symbol, side, PositionStatusActive).
		Order("entry_time DESC").Find(&positions).Error
	return positions, err
}

// ListActive returns every ACTIVE position.
func (s *PositionStore) ListActive() ([]*Position, error) {
	var positions []*Position
	err := s.db.Where("status = ?", PositionStatusActive).Order("entry_time ASC").Find(&positions).Error
	return positions, err
}

// ListHistory returns positions of every status, newest-created first,
// paginated for the dashboard's history view.
func (s *PositionStore) ListHistory(limit, offset int) ([]*Position, error) {
	var positions []*Position
	err := s.db.Scopes(OrderByCreatedDesc(), Paginate(limit, offset)).Find(&positions).Error
	return positions, err
}

// ListByPlan returns every position spawned by a given plan.
func (s *PositionStore) ListByPlan(planID string) ([]*Position, error) {
	var positions []*Position
	err := s.db.Where("plan_id = ?", planID).Find(&positions).Error
	return positions, err
}

// UpdateExtrema applies the monitor's per-tick bulk update of the running
// high/low and last_check_time. Callers must have already computed the new
// values using the captured-before-update rule.
func (s *PositionStore) UpdateExtrema(id int64, highest, lowest float64, lastCheckTimeMs int64) error {
	return s.db.Model(&Position{}).Where("id = ?", id).Updates(map[string]interface{}{
		"highest_price":   highest,
		"lowest_price":    lowest,
		"last_check_time": lastCheckTimeMs,
		"updated_at":      time.Now().UTC().UnixMilli(),
	}).Error
}

// RestoreRiskParams forcibly rewrites the risk parameters, used by the
// reconciler's restore-on-sync rule to protect operator-customized values
// from being clobbered by a refreshed entry snapshot.
func (s *PositionStore) RestoreRiskParams(id int64, stopLossPct, trailingExitPct, maxSlippagePct float64) error {
	return s.db.Model(&Position{}).Where("id = ?", id).Updates(map[string]interface{}{
		"stop_loss_pct":     stopLossPct,
		"trailing_exit_pct": trailingExitPct,
		"max_slippage_pct":  maxSlippagePct,
		"updated_at":        time.Now().UTC().UnixMilli(),
	}).Error
}

// UpdateEntrySnapshot refreshes entry price/quantity/leverage when the
// exchange-reported values changed since the last reconciliation.
func (s *PositionStore) UpdateEntrySnapshot(id int64, entryPrice, entryQuantity float64, leverage int) error {
	return s.db.Model(&Position{}).Where("id = ?", id).Updates(map[string]interface{}{
		"entry_price":    entryPrice,
		"entry_quantity": entryQuantity,
		"leverage":       leverage,
		"updated_at":     time.Now().UTC().UnixMilli(),
	}).Error
}

// SetExitParams updates the operator-editable exit parameters of an ACTIVE
// position (dashboard's PUT /positions/{id}/exit-params).
func (s *PositionStore) SetExitParams(id int64, stopLossPct, trailingExitPct *float64) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC().UnixMilli()}
	if stopLossPct != nil {
		updates["stop_loss_pct"] = *stopLossPct
	}
	if trailingExitPct != nil {
		updates["trailing_exit_pct"] = *trailingExitPct
	}
	result := s.db.Model(&Position{}).Where("id = ? AND status = ?", id, PositionStatusActive).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("position %d not found or not ACTIVE", id)
	}
	return nil
}

// RestoreActive is the optimistic-restore path used when the exit-params
// endpoint finds a locally-non-ACTIVE position but cannot reach the exchange
// to verify; per spec.md's Open Question (i), this restores status
// optimistically and leaves historical extrema untouched.
func (s *PositionStore) RestoreActive(id int64) error {
	return s.db.Model(&Position{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     PositionStatusActive,
		"updated_at": time.Now().UTC().UnixMilli(),
	}).Error
}

// Close finalizes a position after the exchange confirms the closing fill
// (or the reconciler proves the exchange no longer holds it).
func (s *PositionStore) Close(id int64, exitPrice, exitQuantity float64, exitReason string) error {
	nowMs := time.Now().UTC().UnixMilli()
	return s.db.Model(&Position{}).Where("id = ?", id).Updates(map[string]interface{}{
		"exit_price":    exitPrice,
		"exit_quantity": exitQuantity,
		"exit_time":     nowMs,
		"exit_reason":   exitReason,
		"status":        PositionStatusClosed,
		"updated_at":    nowMs,
	}).Error
}

// CountActive reports the number of ACTIVE positions, used by the
// RiskGuard's max-concurrent-positions check.
func (s *PositionStore) CountActive() (int, error) {
	var count int64
	err := s.db.Model(&Position{}).Where("status = ?", PositionStatusActive).Count(&count).Error
	return int(count), err
}
