package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds the Storage Adapter Shim's own connection-pool tuning,
// layered underneath the process-wide config.DatabaseConfig (path/timeout).
type Config struct {
	DatabasePath    string        `json:"database_path"`
	MaxConnections  int           `json:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	MigrationsPath  string        `json:"migrations_path"`
}

// DefaultConfig returns production-ready database configuration. SQLite
// performs optimally with around 10 pooled connections at classroom scale
// (one relay session serving dozens of concurrent students).
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./relay.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		MigrationsPath:  "./migrations",
	}
}

// Validate ensures the configuration is usable before NewManager opens a
// connection.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.MigrationsPath == "" {
		return errors.New("migrations path cannot be empty")
	}
	return nil
}

// sqliteOptimizations are applied to every connection; WAL mode lets reads
// (admin surface queries) proceed while the single writer goroutine holds
// the write lock.
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
`

func applySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	if err != nil {
		return err
	}
	return nil
}