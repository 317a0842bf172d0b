// Package store provides the unified GORM-backed persistence layer.
// All database access goes through this package.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	"ignition/logger"

	"gorm.io/gorm"
)

// Store bundles the engine's sub-stores over a single GORM connection.
type Store struct {
	gdb *gorm.DB

	user         *UserStore
	exchange     *ExchangeStore
	plan         *PlanStore
	position     *PositionStore
	executionLog *ExecutionLogStore
	equity       *EquityStore

	mu sync.RWMutex
}

// New opens a SQLite-backed Store at dbPath.
func New(dbPath string) (*Store, error) {
	return NewWithConfig(DBConfig{Type: DBTypeSQLite, Path: dbPath})
}

// NewWithConfig opens a Store using the given database configuration.
func NewWithConfig(cfg DBConfig) (*Store, error) {
	gdb, err := InitGormWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{gdb: gdb}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("initialize tables: %w", err)
	}

	dbTypeStr := "SQLite"
	if cfg.Type == DBTypePostgres {
		dbTypeStr = "PostgreSQL"
	}
	logger.Infof("database initialized (%s)", dbTypeStr)
	return s, nil
}

func (s *Store) initTables() error {
	if err := s.gdb.Exec(`
		CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`).Error; err != nil {
		return fmt.Errorf("create system_config table: %w", err)
	}

	if err := s.User().initTables(); err != nil {
		return fmt.Errorf("init user tables: %w", err)
	}
	if err := s.Exchange().initTables(); err != nil {
		return fmt.Errorf("init exchange tables: %w", err)
	}
	if err := s.Plan().initTables(); err != nil {
		return fmt.Errorf("init plan tables: %w", err)
	}
	if err := s.Position().initTables(); err != nil {
		return fmt.Errorf("init position tables: %w", err)
	}
	if err := s.ExecutionLog().initTables(); err != nil {
		return fmt.Errorf("init execution log tables: %w", err)
	}
	if err := s.Equity().initTables(); err != nil {
		return fmt.Errorf("init equity tables: %w", err)
	}
	return s.User().EnsureAdmin()
}

// User returns the user sub-store, lazily constructed.
func (s *Store) User() *UserStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		s.user = NewUserStore(s.gdb)
	}
	return s.user
}

// Exchange returns the exchange-credential sub-store.
func (s *Store) Exchange() *ExchangeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchange == nil {
		s.exchange = NewExchangeStore(s.gdb)
	}
	return s.exchange
}

// Plan returns the manual-plan sub-store.
func (s *Store) Plan() *PlanStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		s.plan = NewPlanStore(s.gdb)
	}
	return s.plan
}

// Position returns the position sub-store.
func (s *Store) Position() *PositionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		s.position = NewPositionStore(s.gdb)
	}
	return s.position
}

// ExecutionLog returns the execution-log sub-store.
func (s *Store) ExecutionLog() *ExecutionLogStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executionLog == nil {
		s.executionLog = NewExecutionLogStore(s.gdb)
	}
	return s.executionLog
}

// Equity returns the equity-snapshot sub-store.
func (s *Store) Equity() *EquityStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equity == nil {
		s.equity = NewEquityStore(s.gdb)
	}
	return s.equity
}

// GormDB exposes the underlying GORM connection for callers that need it
// directly (e.g. transactions spanning multiple sub-stores).
func (s *Store) GormDB() *gorm.DB {
	return s.gdb
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB returns the underlying *sql.DB, for health checks.
func (s *Store) DB() (*sql.DB, error) {
	return s.gdb.DB()
}

// Transaction runs fn inside a GORM transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.gdb.Transaction(fn)
}

// GetSystemConfig reads a key/value pair from the system_config table.
func (s *Store) GetSystemConfig(key string) (string, error) {
	var value string
	result := s.gdb.Raw("SELECT value FROM system_config WHERE key = ?", key).Scan(&value)
	if result.Error != nil {
		return "", result.Error
	}
	return value, nil
}

// SetSystemConfig upserts a key/value pair into the system_config table.
func (s *Store) SetSystemConfig(key, value string) error {
	return s.gdb.Exec(`
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value).Error
}
