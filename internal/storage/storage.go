package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/xaenox/chat-dataset/internal/models"
	"go.uber.org/zap"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Storage interface {
	Close() error

	ProfileStore
	MessageLog
}

// ProfileStore maps a participant category to its most recently used profile.
type ProfileStore interface {
	// ResolveOrCreate returns the profile of entityType with the latest
	// last_used_at and touches it, or creates one if the category is empty.
	ResolveOrCreate(ctx context.Context, entityType string) (*models.Profile, error)
	Profiles(ctx context.Context) ([]*models.Profile, error)
}

// MessageLog is the append-only record of exchanged messages.
type MessageLog interface {
	Append(ctx context.Context, conversationID, senderID, content string) (*models.Message, error)
	Messages(ctx context.Context, conversationID string) ([]*models.Message, error)
	Conversations(ctx context.Context, limit int) ([]string, error)
}

// Error is returned for any I/O or constraint failure of a store.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type DatabaseConfig struct {
	Driver      string
	Path        string
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

// DSN builds the driver specific data source name.
func (c DatabaseConfig) DSN() string {
	if c.Driver == DriverPostgres {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return sqliteDSN(c.Path)
}

// sqliteDSN adds the connection options every per-task connection needs:
// foreign keys, a busy timeout for concurrent writers and BEGIN IMMEDIATE so
// profile resolution holds the write lock for its whole transaction.
func sqliteDSN(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + params.Encode()
}

// Open returns the backend selected by config.
func Open(config DatabaseConfig, logger *zap.Logger) (Storage, error) {
	if config.UseInMemory {
		logger.Info("Using in-memory storage")
		return NewMemoryStorage(), nil
	}

	switch config.Driver {
	case DriverSQLite, "":
		logger.Info("Using SQLite storage", zap.String("path", config.Path))
		return NewSQLStorage(DriverSQLite, config.DSN(), logger)
	case DriverPostgres:
		logger.Info("Using PostgreSQL storage",
			zap.String("host", config.Host),
			zap.String("dbname", config.DBName))
		return NewSQLStorage(DriverPostgres, config.DSN(), logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
}
