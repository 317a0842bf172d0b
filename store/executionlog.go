package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Execution log event types (append-only audit trail, spec.md §3 "ExecutionLog").
const (
	EventOrderPlaced   = "order_placed"
	EventOrderFilled   = "order_filled"
	EventPositionClosed = "position_closed"
)

// ExecutionLog is an append-only record of every order placed, filled, or
// position closed by the engine. All time fields are Unix milliseconds UTC.
type ExecutionLog struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string  `gorm:"column:event_type;not null;index:idx_logs_event_type" json:"event_type"`
	PlanID     *string `gorm:"column:plan_id;index:idx_logs_plan" json:"plan_id,omitempty"`
	PositionID *int64  `gorm:"column:position_id;index:idx_logs_position" json:"position_id,omitempty"`
	Symbol     string  `gorm:"not null" json:"symbol"`
	Side       string  `gorm:"not null" json:"side"`
	Price      float64 `gorm:"default:0" json:"price"`
	Quantity   float64 `gorm:"default:0" json:"quantity"`
	OrderID    string  `gorm:"column:order_id;default:''" json:"order_id"`
	Status     string  `gorm:"default:''" json:"status"`
	Payload    string  `gorm:"type:text;default:''" json:"payload,omitempty"`
	CreatedAt  int64   `gorm:"column:created_at;index:idx_logs_created_desc,sort:desc" json:"created_at"`
}

func (ExecutionLog) TableName() string { return "execution_logs" }

// ExecutionLogStore persists ExecutionLog rows.
type ExecutionLogStore struct {
	db *gorm.DB
}

// NewExecutionLogStore creates an ExecutionLogStore.
func NewExecutionLogStore(db *gorm.DB) *ExecutionLogStore {
	return &ExecutionLogStore{db: db}
}

func (s *ExecutionLogStore) initTables() error {
	if err := s.db.AutoMigrate(&ExecutionLog{}); err != nil {
		return fmt.Errorf("migrate execution_logs table: %w", err)
	}
	return nil
}

// Append writes a new log entry, stamping created_at if unset.
func (s *ExecutionLogStore) Append(log *ExecutionLog) error {
	if log.CreatedAt == 0 {
		log.CreatedAt = time.Now().UTC().UnixMilli()
	}
	return s.db.Create(log).Error
}

// ListByPlan returns every log entry for a plan, oldest first.
func (s *ExecutionLogStore) ListByPlan(planID string) ([]*ExecutionLog, error) {
	var logs []*ExecutionLog
	err := s.db.Where("plan_id = ?", planID).Order("created_at ASC").Find(&logs).Error
	return logs, err
}

// ListByPosition returns every log entry for a position, oldest first.
func (s *ExecutionLogStore) ListByPosition(positionID int64) ([]*ExecutionLog, error) {
	var logs []*ExecutionLog
	err := s.db.Where("position_id = ?", positionID).Order("created_at ASC").Find(&logs).Error
	return logs, err
}

// HasOrderFilled reports whether an order_filled log exists for a position;
// used by the close protocol to pick between external_closed and
// not_executed when the exchange no longer shows the position.
func (s *ExecutionLogStore) HasOrderFilled(positionID int64) (bool, error) {
	var count int64
	err := s.db.Model(&ExecutionLog{}).
		Where("position_id = ? AND event_type = ?", positionID, EventOrderFilled).
		Count(&count).Error
	return count > 0, err
}

// RecentPositionClosed returns the most recent position_closed log for a
// position within the given window, or nil if none exists. Used by the close
// protocol to adopt a prior close reason instead of re-deriving one.
func (s *ExecutionLogStore) RecentPositionClosed(positionID int64, within time.Duration) (*ExecutionLog, error) {
	cutoff := time.Now().UTC().Add(-within).UnixMilli()
	var log ExecutionLog
	err := s.db.Where("position_id = ? AND event_type = ? AND created_at >= ?", positionID, EventPositionClosed, cutoff).
		Order("created_at DESC").First(&log).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &log, nil
}

// List returns the most recent N logs across all plans/positions, for
// dashboard composition.
func (s *ExecutionLogStore) List(limit int) ([]*ExecutionLog, error) {
	var logs []*ExecutionLog
	err := s.db.Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}
