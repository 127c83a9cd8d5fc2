// Package store provides conversation storage backends for the WhatsApp agent.
//
// This file implements the PostgreSQL-backed conversation store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/ilabs/whatsagent/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a durable conversation store backed by PostgreSQL.
type PostgresStore struct {
	db   *sql.DB
	keys *keyedMutex
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db, keys: newKeyedMutex()}, nil
}

// Get returns the record for the phone number, creating it on first contact.
func (s *PostgresStore) Get(phoneNumber string) (models.ConversationRecord, error) {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.getOrCreateNoHistory(phoneNumber)
	if err != nil {
		return rec, err
	}
	rec.History, err = s.loadTurns(phoneNumber)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *PostgresStore) getOrCreateNoHistory(phoneNumber string) (models.ConversationRecord, error) {
	row := s.db.QueryRow(`SELECT phone_number, customer_name, control_mode, needs_review,
		review_reason, last_message, last_message_time, message_count, pending_side_request
		FROM conversations WHERE phone_number = $1`, phoneNumber)
	rec, err := scanConversation(row)
	if err == sql.ErrNoRows {
		rec = models.ConversationRecord{
			PhoneNumber:     phoneNumber,
			ControlMode:     models.ControlModeAI,
			LastMessageTime: time.Now(),
			History:         []models.Turn{},
		}
		if _, insErr := s.db.Exec(`INSERT INTO conversations
			(phone_number, control_mode, last_message_time, message_count)
			VALUES ($1, $2, $3, 0) ON CONFLICT (phone_number) DO NOTHING`,
			rec.PhoneNumber, rec.ControlMode, rec.LastMessageTime); insErr != nil {
			slog.Error("PostgresStore getOrCreate insert failed", "error", insErr, "phone", phoneNumber)
			return rec, fmt.Errorf("failed to create conversation for %s: %w", phoneNumber, insErr)
		}
		slog.Debug("PostgresStore created conversation record", "phone", phoneNumber)
		return rec, nil
	}
	if err != nil {
		slog.Error("PostgresStore getOrCreate query failed", "error", err, "phone", phoneNumber)
		return rec, fmt.Errorf("failed to load conversation for %s: %w", phoneNumber, err)
	}
	return rec, nil
}

func (s *PostgresStore) loadTurns(phoneNumber string) ([]models.Turn, error) {
	rows, err := s.db.Query(`SELECT role, content, timestamp FROM turns
		WHERE phone_number = $1 ORDER BY id`, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore loadTurns query failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query turns for %s: %w", phoneNumber, err)
	}
	defer rows.Close()

	turns := []models.Turn{}
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

// Update merges the partial update into the record under the key lock.
func (s *PostgresStore) Update(phoneNumber string, upd models.ConversationUpdate) error {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	return s.applyUpdate(s.db, phoneNumber, upd)
}

func (s *PostgresStore) applyUpdate(ex execer, phoneNumber string, upd models.ConversationUpdate) error {
	rec, err := s.getOrCreateNoHistory(phoneNumber)
	if err != nil {
		return err
	}
	upd.Apply(&rec)
	pending, err := marshalPending(rec.PendingSideRequest)
	if err != nil {
		return err
	}
	_, err = ex.Exec(`UPDATE conversations SET customer_name = $1, control_mode = $2,
		needs_review = $3, review_reason = $4, last_message = $5, last_message_time = $6,
		pending_side_request = $7 WHERE phone_number = $8`,
		nilIfEmpty(rec.CustomerName), rec.ControlMode, rec.NeedsReview,
		nilIfEmpty(rec.ReviewReason), nilIfEmpty(rec.LastMessage), rec.LastMessageTime,
		pending, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore applyUpdate failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to update conversation for %s: %w", phoneNumber, err)
	}
	return nil
}

// AppendExchange records one inbound message and its replies in a transaction.
func (s *PostgresStore) AppendExchange(phoneNumber string, upd models.ConversationUpdate, turns ...models.Turn) error {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.applyUpdate(tx, phoneNumber, upd); err != nil {
		return err
	}
	for _, t := range turns {
		if _, err := tx.Exec(`INSERT INTO turns (phone_number, role, content, timestamp)
			VALUES ($1, $2, $3, $4)`, phoneNumber, t.Role, t.Content, t.Timestamp); err != nil {
			slog.Error("PostgresStore AppendExchange turn insert failed", "error", err, "phone", phoneNumber)
			return fmt.Errorf("failed to insert turn for %s: %w", phoneNumber, err)
		}
	}
	if _, err := tx.Exec(`UPDATE conversations SET message_count = message_count + 1
		WHERE phone_number = $1`, phoneNumber); err != nil {
		return fmt.Errorf("failed to increment message count for %s: %w", phoneNumber, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit exchange for %s: %w", phoneNumber, err)
	}
	slog.Debug("PostgresStore.AppendExchange: exchange recorded", "phone", phoneNumber, "turns", len(turns))
	return nil
}

// SetControlMode switches the conversation between AI and manual handling.
func (s *PostgresStore) SetControlMode(phoneNumber string, mode models.ControlMode) error {
	if !models.IsValidControlMode(mode) {
		return models.ErrInvalidControlMode
	}
	if err := s.Update(phoneNumber, models.ConversationUpdate{ControlMode: &mode}); err != nil {
		return err
	}
	slog.Info("PostgresStore.SetControlMode: control mode changed", "phone", phoneNumber, "mode", mode)
	return nil
}

// ListActive returns conversations with recent contact, most recent first.
func (s *PostgresStore) ListActive(maxAge time.Duration) ([]models.ConversationRecord, error) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := s.db.Query(`SELECT phone_number, customer_name, control_mode, needs_review,
		review_reason, last_message, last_message_time, message_count, pending_side_request
		FROM conversations WHERE last_message_time > $1 ORDER BY last_message_time DESC`, cutoff)
	if err != nil {
		slog.Error("PostgresStore ListActive query failed", "error", err)
		return nil, fmt.Errorf("failed to query active conversations: %w", err)
	}
	defer rows.Close()

	var active []models.ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		active = append(active, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	for i := range active {
		active[i].History, err = s.loadTurns(active[i].PhoneNumber)
		if err != nil {
			return nil, err
		}
	}
	slog.Debug("PostgresStore.ListActive: listed conversations", "count", len(active))
	return active, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
