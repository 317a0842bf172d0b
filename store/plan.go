package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Plan status lifecycle: PENDING -> EXECUTING -> EXECUTED | FAILED, or PENDING -> CANCELLED.
const (
	PlanStatusPending   = "PENDING"
	PlanStatusExecuting = "EXECUTING"
	PlanStatusExecuted  = "EXECUTED"
	PlanStatusFailed    = "FAILED"
	PlanStatusCancelled = "CANCELLED"
)

// ManualPlan is an operator-entered listing-event trade intent.
type ManualPlan struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	Symbol          string    `gorm:"not null;index:idx_plans_symbol" json:"symbol"`
	Side            string    `gorm:"not null" json:"side"` // BUY or SELL
	ListingTime     time.Time `gorm:"column:listing_time;not null;index:idx_plans_listing_time" json:"listing_time"`
	Leverage        int       `gorm:"not null;default:1" json:"leverage"`
	PositionPct     float64   `gorm:"column:position_pct;not null" json:"position_pct"`
	StopLossPct     float64   `gorm:"column:stop_loss_pct;default:0" json:"stop_loss_pct"`
	TrailingExitPct float64   `gorm:"column:trailing_exit_pct;default:0" json:"trailing_exit_pct"`
	MaxSlippagePct  float64   `gorm:"column:max_slippage_pct;default:0" json:"max_slippage_pct"`
	Notes           string    `gorm:"default:''" json:"notes"`
	Status          string    `gorm:"not null;default:PENDING;index:idx_plans_status" json:"status"`
	FailureReason   string    `gorm:"column:failure_reason;default:''" json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (ManualPlan) TableName() string { return "manual_plans" }

// PlanStore persists ManualPlan rows and enforces the at-most-once claim protocol.
type PlanStore struct {
	db *gorm.DB
}

// NewPlanStore creates a PlanStore.
func NewPlanStore(db *gorm.DB) *PlanStore {
	return &PlanStore{db: db}
}

func (s *PlanStore) initTables() error {
	return s.db.AutoMigrate(&ManualPlan{})
}

// Create inserts a new plan and assigns it a UUID.
func (s *PlanStore) Create(plan *ManualPlan) error {
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if plan.Status == "" {
		plan.Status = PlanStatusPending
	}
	return s.db.Create(plan).Error
}

// List returns every plan ordered by listing time descending.
func (s *PlanStore) List() ([]*ManualPlan, error) {
	var plans []*ManualPlan
	err := s.db.Order("listing_time DESC").Find(&plans).Error
	return plans, err
}

// ListPending returns all plans still awaiting execution.
func (s *PlanStore) ListPending() ([]*ManualPlan, error) {
	var plans []*ManualPlan
	err := s.db.Where("status = ?", PlanStatusPending).Order("listing_time ASC").Find(&plans).Error
	return plans, err
}

// ListDue returns PENDING plans whose listing_time has arrived.
func (s *PlanStore) ListDue(now time.Time) ([]*ManualPlan, error) {
	var plans []*ManualPlan
	err := s.db.Where("status = ? AND listing_time <= ?", PlanStatusPending, now.UTC()).
		Order("listing_time ASC").Find(&plans).Error
	return plans, err
}

// GetByID fetches a single plan.
func (s *PlanStore) GetByID(id string) (*ManualPlan, error) {
	var plan ManualPlan
	err := s.db.Where("id = ?", id).First(&plan).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

// TryClaim is the sole serialization point between the plan-tick worker and
// precision threads: it performs an atomic PENDING->EXECUTING transition and
// reports whether this caller won the race.
func (s *PlanStore) TryClaim(id string) (bool, error) {
	result := s.db.Model(&ManualPlan{}).
		Where("id = ? AND status = ?", id, PlanStatusPending).
		Updates(map[string]interface{}{
			"status":     PlanStatusExecuting,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("claim plan %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkExecuted transitions a plan from EXECUTING to EXECUTED.
func (s *PlanStore) MarkExecuted(id string) error {
	return s.db.Model(&ManualPlan{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     PlanStatusExecuted,
		"updated_at": time.Now().UTC(),
	}).Error
}

// MarkFailed transitions a plan to FAILED, recording the reason.
func (s *PlanStore) MarkFailed(id, reason string) error {
	return s.db.Model(&ManualPlan{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         PlanStatusFailed,
		"failure_reason": reason,
		"updated_at":     time.Now().UTC(),
	}).Error
}

// Cancel transitions a PENDING plan to CANCELLED; returns false if the plan
// was no longer PENDING (already claimed or terminal).
func (s *PlanStore) Cancel(id string) (bool, error) {
	result := s.db.Model(&ManualPlan{}).
		Where("id = ? AND status = ?", id, PlanStatusPending).
		Updates(map[string]interface{}{
			"status":     PlanStatusCancelled,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
