// Package crypto provides at-rest encryption for the exchange API
// key/secret pair, via a GORM custom type that encrypts on save and
// decrypts on load using AES-GCM with a master key from the environment.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	storagePrefix    = "ENC:v1:"
	storageDelimiter = ":"
)

// EnvDataEncryptionKey names the environment variable holding the AES data
// encryption key (base64, raw-base64, or hex; any other length is hashed
// with SHA-256 down to 32 bytes).
const EnvDataEncryptionKey = "DATA_ENCRYPTION_KEY"

// CryptoService wraps the AES-GCM data key used to encrypt/decrypt
// sensitive columns at rest (exchange API key/secret).
type CryptoService struct {
	dataKey []byte
}

// NewCryptoService loads the data encryption key from the environment.
func NewCryptoService() (*CryptoService, error) {
	dataKey, err := loadDataKeyFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load data encryption key: %w", err)
	}
	return &CryptoService{dataKey: dataKey}, nil
}

func loadDataKeyFromEnv() ([]byte, error) {
	keyStr := strings.TrimSpace(os.Getenv(EnvDataEncryptionKey))
	if keyStr == "" {
		return nil, fmt.Errorf("environment variable %s not set, please configure a data encryption key in .env", EnvDataEncryptionKey)
	}

	if key, ok := decodePossibleKey(keyStr); ok {
		return key, nil
	}

	sum := sha256.Sum256([]byte(keyStr))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key, nil
}

func decodePossibleKey(value string) ([]byte, bool) {
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		hex.DecodeString,
	}

	for _, decoder := range decoders {
		if decoded, err := decoder(value); err == nil {
			if key, ok := normalizeAESKey(decoded); ok {
				return key, true
			}
		}
	}

	return nil, false
}

func normalizeAESKey(raw []byte) ([]byte, bool) {
	switch len(raw) {
	case 16, 24, 32:
		return raw, true
	case 0:
		return nil, false
	default:
		sum := sha256.Sum256(raw)
		key := make([]byte, len(sum))
		copy(key, sum[:])
		return key, true
	}
}

func (cs *CryptoService) HasDataKey() bool {
	return len(cs.dataKey) > 0
}

// EncryptForStorage encrypts plaintext for storage, returning it unchanged
// if already encrypted (idempotent against re-save).
func (cs *CryptoService) EncryptForStorage(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if !cs.HasDataKey() {
		return "", errors.New("data encryption key not configured")
	}
	if isEncryptedStorageValue(plaintext) {
		return plaintext, nil
	}

	block, err := aes.NewCipher(cs.dataKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return storagePrefix +
		base64.StdEncoding.EncodeToString(nonce) + storageDelimiter +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptFromStorage reverses EncryptForStorage.
func (cs *CryptoService) DecryptFromStorage(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !cs.HasDataKey() {
		return "", errors.New("data encryption key not configured")
	}
	if !isEncryptedStorageValue(value) {
		return "", errors.New("data not encrypted")
	}

	payload := strings.TrimPrefix(value, storagePrefix)
	parts := strings.SplitN(payload, storageDelimiter, 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted data format")
	}

	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(cs.dataKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("invalid nonce length: expected %d, got %d", gcm.NonceSize(), len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}

	return string(plaintext), nil
}

func (cs *CryptoService) IsEncryptedStorageValue(value string) bool {
	return isEncryptedStorageValue(value)
}

func isEncryptedStorageValue(value string) bool {
	return strings.HasPrefix(value, storagePrefix)
}

// GenerateDataKey generates a fresh base64-encoded 32-byte AES key, for
// operators bootstrapping DATA_ENCRYPTION_KEY.
func GenerateDataKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ============================================================================
// EncryptedString - GORM custom type for automatic encryption/decryption
// ============================================================================

var globalCryptoService *CryptoService

// SetGlobalCryptoService installs the service EncryptedString uses for
// transparent Scan/Value encryption.
func SetGlobalCryptoService(cs *CryptoService) {
	globalCryptoService = cs
}

// EncryptedString transparently encrypts on save and decrypts on load.
// Use it in place of string for sensitive GORM columns.
type EncryptedString string

// Scan implements sql.Scanner.
func (es *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*es = ""
		return nil
	}

	var str string
	switch v := value.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		*es = ""
		return nil
	}

	if globalCryptoService != nil && str != "" && globalCryptoService.IsEncryptedStorageValue(str) {
		decrypted, err := globalCryptoService.DecryptFromStorage(str)
		if err != nil {
			*es = EncryptedString(str)
		} else {
			*es = EncryptedString(decrypted)
		}
	} else {
		*es = EncryptedString(str)
	}
	return nil
}

// Value implements driver.Valuer.
func (es EncryptedString) Value() (driver.Value, error) {
	if es == "" {
		return "", nil
	}

	if globalCryptoService != nil {
		encrypted, err := globalCryptoService.EncryptForStorage(string(es))
		if err != nil {
			return string(es), nil
		}
		return encrypted, nil
	}
	return string(es), nil
}

// String returns the plaintext value.
func (es EncryptedString) String() string {
	return string(es)
}
