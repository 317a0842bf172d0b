package store

import (
	"fmt"
	"time"

	"ignition/crypto"

	"gorm.io/gorm"
)

// ExchangeCredential holds the single Binance USD-M futures API key/secret
// pair the engine trades with, encrypted at rest. The spec targets exactly
// one venue (Non-goal: multi-exchange support), so unlike the teacher's
// multi-account schema this is a singleton row keyed by a fixed id.
type ExchangeCredential struct {
	ID        string                 `gorm:"primaryKey" json:"id"`
	APIKey    crypto.EncryptedString `gorm:"column:api_key;default:''" json:"-"`
	SecretKey crypto.EncryptedString `gorm:"column:secret_key;default:''" json:"-"`
	Testnet   bool                   `gorm:"default:false" json:"testnet"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (ExchangeCredential) TableName() string { return "exchange_credentials" }

const singletonCredentialID = "binance"

// ExchangeStore persists the exchange credential singleton.
type ExchangeStore struct {
	db *gorm.DB
}

// NewExchangeStore creates an ExchangeStore.
func NewExchangeStore(db *gorm.DB) *ExchangeStore {
	return &ExchangeStore{db: db}
}

func (s *ExchangeStore) initTables() error {
	return s.db.AutoMigrate(&ExchangeCredential{})
}

// Get returns the stored credential, or nil if none has been configured yet.
func (s *ExchangeStore) Get() (*ExchangeCredential, error) {
	var cred ExchangeCredential
	err := s.db.Where("id = ?", singletonCredentialID).First(&cred).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}

// Set upserts the credential singleton.
func (s *ExchangeStore) Set(apiKey, secretKey string, testnet bool) error {
	cred := &ExchangeCredential{
		ID:        singletonCredentialID,
		APIKey:    crypto.EncryptedString(apiKey),
		SecretKey: crypto.EncryptedString(secretKey),
		Testnet:   testnet,
		UpdatedAt: time.Now().UTC(),
	}
	result := s.db.Model(&ExchangeCredential{}).Where("id = ?", singletonCredentialID).Updates(map[string]interface{}{
		"api_key":    cred.APIKey,
		"secret_key": cred.SecretKey,
		"testnet":    cred.Testnet,
		"updated_at": cred.UpdatedAt,
	})
	if result.Error != nil {
		return fmt.Errorf("update exchange credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return s.db.Create(cred).Error
	}
	return nil
}
