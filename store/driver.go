package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DBType identifies the backing database engine.
type DBType string

const (
	DBTypeSQLite   DBType = "sqlite"
	DBTypePostgres DBType = "postgres"
)

// DBConfig carries the connection parameters for either engine.
type DBConfig struct {
	Type     DBType
	Path     string // SQLite file path
	Host     string // PostgreSQL host
	Port     int    // PostgreSQL port
	User     string // PostgreSQL user
	Password string // PostgreSQL password
	DBName   string // PostgreSQL database name
	SSLMode  string // PostgreSQL SSL mode
}

// DBConfigFromEnv builds a DBConfig from environment variables.
// DB_TYPE: sqlite (default) or postgres.
// SQLite: DB_PATH (default data/data.db).
// Postgres: DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE.
func DBConfigFromEnv() (DBConfig, error) {
	dbType := DBType(strings.ToLower(getEnv("DB_TYPE", "sqlite")))

	switch dbType {
	case DBTypeSQLite:
		return DBConfig{Type: DBTypeSQLite, Path: getEnv("DB_PATH", "data/data.db")}, nil
	case DBTypePostgres:
		port, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
		return DBConfig{
			Type:     DBTypePostgres,
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     port,
			User:     getEnv("DB_USER", "postgres"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   getEnv("DB_NAME", "ignition"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		}, nil
	default:
		return DBConfig{}, fmt.Errorf("unsupported DB_TYPE: %s (use 'sqlite' or 'postgres')", dbType)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
