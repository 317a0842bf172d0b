package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// EquitySnapshot is a point-in-time account snapshot for the (out-of-scope)
// reporting collaborator to read. Rows are written only through
// EquityStore.Save, which no tick or other engine component calls.
type EquitySnapshot struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp     time.Time `gorm:"not null;index:idx_equity_timestamp,sort:desc" json:"timestamp"`
	TotalEquity   float64   `gorm:"column:total_equity;not null;default:0" json:"total_equity"`
	Balance       float64   `gorm:"not null;default:0" json:"balance"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl;not null;default:0" json:"unrealized_pnl"`
	PositionCount int       `gorm:"column:position_count;default:0" json:"position_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func (EquitySnapshot) TableName() string { return "equity_snapshots" }

// EquityStore persists EquitySnapshot rows.
type EquityStore struct {
	db *gorm.DB
}

// NewEquityStore creates an EquityStore.
func NewEquityStore(db *gorm.DB) *EquityStore {
	return &EquityStore{db: db}
}

func (s *EquityStore) initTables() error {
	return s.db.AutoMigrate(&EquitySnapshot{})
}

// Save records a new equity snapshot.
func (s *EquityStore) Save(snapshot *EquitySnapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	} else {
		snapshot.Timestamp = snapshot.Timestamp.UTC()
	}
	if err := s.db.Create(snapshot).Error; err != nil {
		return fmt.Errorf("save equity snapshot: %w", err)
	}
	return nil
}

// GetLatest returns the most recent N snapshots, oldest first (for plotting).
func (s *EquityStore) GetLatest(limit int) ([]*EquitySnapshot, error) {
	var snapshots []*EquitySnapshot
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("query equity snapshots: %w", err)
	}
	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}
	return snapshots, nil
}

// GetByTimeRange returns snapshots within [start, end], oldest first.
func (s *EquityStore) GetByTimeRange(start, end time.Time) ([]*EquitySnapshot, error) {
	var snapshots []*EquitySnapshot
	err := s.db.Where("timestamp >= ? AND timestamp <= ?", start, end).
		Order("timestamp ASC").Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("query equity snapshots: %w", err)
	}
	return snapshots, nil
}
