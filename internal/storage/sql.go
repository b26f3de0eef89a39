package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/xaenox/chat-dataset/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const selectLatestProfile = `
	SELECT id, entity_type, created_at, last_used_at
	FROM profiles
	WHERE entity_type = ?
	ORDER BY CASE WHEN last_used_at IS NULL THEN 1 ELSE 0 END, last_used_at DESC, created_at DESC, id ASC
	LIMIT 1`

// SQLStorage persists profiles and messages in SQLite or PostgreSQL.
// Every operation opens its own connection and closes it when done, so no
// handle is ever shared between tasks.
type SQLStorage struct {
	driver string
	dsn    string
	logger *zap.Logger
}

func NewSQLStorage(driver, dsn string, logger *zap.Logger) (*SQLStorage, error) {
	if driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		return nil, fmt.Errorf("in-memory SQLite is not supported, use the memory backend")
	}

	storage := &SQLStorage{
		driver: driver,
		dsn:    dsn,
		logger: logger,
	}

	if err := storage.initializeSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *SQLStorage) initializeSchema(ctx context.Context) error {
	name := "migrations/sqlite.sql"
	if s.driver == DriverPostgres {
		name = "migrations/postgres.sql"
	}

	migrationSQL, err := migrations.ReadFile(name)
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *SQLStorage) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	return db, nil
}

// withTx runs fn inside a transaction on a connection owned by this call.
func (s *SQLStorage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	db, err := s.open(ctx)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Failed to roll back transaction",
				zap.String("op", op),
				zap.Error(rbErr))
		}
		return &Error{Op: op, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &Error{Op: op, Err: err}
	}

	return nil
}

func (s *SQLStorage) ResolveOrCreate(ctx context.Context, entityType string) (*models.Profile, error) {
	if entityType == "" {
		return nil, &Error{Op: "resolve profile", Err: errors.New("entity type is required")}
	}

	var profile models.Profile
	err := s.withTx(ctx, "resolve profile", func(tx *sql.Tx) error {
		if s.driver == DriverPostgres {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entityType); err != nil {
				return fmt.Errorf("error locking entity type: %w", err)
			}
		}

		var lastUsed sql.NullTime
		err := tx.QueryRowContext(ctx, s.rebind(selectLatestProfile), entityType).
			Scan(&profile.ID, &profile.EntityType, &profile.CreatedAt, &lastUsed)

		if errors.Is(err, sql.ErrNoRows) {
			profile = models.Profile{
				ID:         uuid.New().String(),
				EntityType: entityType,
				CreatedAt:  time.Now().UTC(),
			}
			_, err = tx.ExecContext(ctx,
				s.rebind(`INSERT INTO profiles (id, entity_type, created_at) VALUES (?, ?, ?)`),
				profile.ID, profile.EntityType, profile.CreatedAt)
			if err != nil {
				return fmt.Errorf("error creating profile: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("error querying profile: %w", err)
		}

		var previous *time.Time
		if lastUsed.Valid {
			previous = &lastUsed.Time
		}
		touched := touchTime(previous, time.Now().UTC())

		_, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE profiles SET last_used_at = ? WHERE id = ?`),
			touched, profile.ID)
		if err != nil {
			return fmt.Errorf("error touching profile: %w", err)
		}
		profile.LastUsedAt = &touched
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &profile, nil
}

func (s *SQLStorage) Profiles(ctx context.Context) ([]*models.Profile, error) {
	var profiles []*models.Profile
	err := s.withTx(ctx, "list profiles", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, entity_type, created_at, last_used_at
			FROM profiles
			ORDER BY created_at ASC, id ASC`)
		if err != nil {
			return fmt.Errorf("error querying profiles: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p := &models.Profile{}
			var lastUsed sql.NullTime
			if err := rows.Scan(&p.ID, &p.EntityType, &p.CreatedAt, &lastUsed); err != nil {
				return fmt.Errorf("error scanning profile: %w", err)
			}
			if lastUsed.Valid {
				t := lastUsed.Time
				p.LastUsedAt = &t
			}
			profiles = append(profiles, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return profiles, nil
}

func (s *SQLStorage) Append(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		query := `
			INSERT INTO messages (conversation_id, sender_id, content, created_at)
			VALUES (?, ?, ?, ?)
			RETURNING id`

		err := tx.QueryRowContext(ctx, s.rebind(query),
			msg.ConversationID,
			msg.SenderID,
			msg.Content,
			msg.CreatedAt,
		).Scan(&msg.ID)
		if err != nil {
			return fmt.Errorf("error creating message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func (s *SQLStorage) Messages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var messages []*models.Message
	err := s.withTx(ctx, "list messages", func(tx *sql.Tx) error {
		query := `
			SELECT id, conversation_id, sender_id, content, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY id ASC`

		rows, err := tx.QueryContext(ctx, s.rebind(query), conversationID)
		if err != nil {
			return fmt.Errorf("error querying messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			msg := &models.Message{}
			err := rows.Scan(
				&msg.ID,
				&msg.ConversationID,
				&msg.SenderID,
				&msg.Content,
				&msg.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("error scanning message: %w", err)
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

func (s *SQLStorage) Conversations(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, "list conversations", func(tx *sql.Tx) error {
		query := `
			SELECT conversation_id
			FROM messages
			GROUP BY conversation_id
			ORDER BY MAX(id) DESC
			LIMIT ?`

		rows, err := tx.QueryContext(ctx, s.rebind(query), limit)
		if err != nil {
			return fmt.Errorf("error querying conversations: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("error scanning conversation: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Close is a no-op: connections never outlive a single operation.
func (s *SQLStorage) Close() error {
	return nil
}

// rebind rewrites ? placeholders into PostgreSQL's $n form.
func (s *SQLStorage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// touchTime never lets last_used_at move backwards when the clock does.
func touchTime(previous *time.Time, now time.Time) time.Time {
	if previous != nil && previous.After(now) {
		return *previous
	}
	return now
}
