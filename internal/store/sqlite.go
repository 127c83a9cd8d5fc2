// Package store provides conversation storage backends for the WhatsApp agent.
//
// This file implements the SQLite-backed conversation store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/ilabs/whatsagent/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a durable conversation store backed by a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	keys *keyedMutex
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db, keys: newKeyedMutex()}, nil
}

// Get returns the record for the phone number, creating it on first contact.
func (s *SQLiteStore) Get(phoneNumber string) (models.ConversationRecord, error) {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	return s.getOrCreate(phoneNumber)
}

func (s *SQLiteStore) getOrCreate(phoneNumber string) (models.ConversationRecord, error) {
	row := s.db.QueryRow(`SELECT phone_number, customer_name, control_mode, needs_review,
		review_reason, last_message, last_message_time, message_count, pending_side_request
		FROM conversations WHERE phone_number = ?`, phoneNumber)
	rec, err := scanConversation(row)
	if err == sql.ErrNoRows {
		rec = models.ConversationRecord{
			PhoneNumber:     phoneNumber,
			ControlMode:     models.ControlModeAI,
			LastMessageTime: time.Now(),
			History:         []models.Turn{},
		}
		_, insErr := s.db.Exec(`INSERT INTO conversations
			(phone_number, control_mode, last_message_time, message_count)
			VALUES (?, ?, ?, 0)`, rec.PhoneNumber, rec.ControlMode, rec.LastMessageTime)
		if insErr != nil {
			slog.Error("SQLiteStore getOrCreate insert failed", "error", insErr, "phone", phoneNumber)
			return rec, fmt.Errorf("failed to create conversation for %s: %w", phoneNumber, insErr)
		}
		slog.Debug("SQLiteStore created conversation record", "phone", phoneNumber)
		return rec, nil
	}
	if err != nil {
		slog.Error("SQLiteStore getOrCreate query failed", "error", err, "phone", phoneNumber)
		return rec, fmt.Errorf("failed to load conversation for %s: %w", phoneNumber, err)
	}

	rec.History, err = s.loadTurns(phoneNumber)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *SQLiteStore) loadTurns(phoneNumber string) ([]models.Turn, error) {
	rows, err := s.db.Query(`SELECT role, content, timestamp FROM turns
		WHERE phone_number = ? ORDER BY id`, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore loadTurns query failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query turns for %s: %w", phoneNumber, err)
	}
	defer rows.Close()

	turns := []models.Turn{}
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			slog.Error("SQLiteStore loadTurns scan failed", "error", err, "phone", phoneNumber)
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
func (s *SQLiteStore) Update(phoneNumber string, upd models.ConversationUpdate) error {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	return s.applyUpdate(s.db, phoneNumber, upd)
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) applyUpdate(ex execer, phoneNumber string, upd models.ConversationUpdate) error {
	rec, err := s.getOrCreateNoHistory(phoneNumber)
	if err != nil {
		return err
	}
	upd.Apply(&rec)
	pending, err := marshalPending(rec.PendingSideRequest)
	if err != nil {
		return err
	}
	_, err = ex.Exec(`UPDATE conversations SET customer_name = ?, control_mode = ?,
		needs_review = ?, review_reason = ?, last_message = ?, last_message_time = ?,
		pending_side_request = ? WHERE phone_number = ?`,
		nilIfEmpty(rec.CustomerName), rec.ControlMode, rec.NeedsReview,
		nilIfEmpty(rec.ReviewReason), nilIfEmpty(rec.LastMessage), rec.LastMessageTime,
		pending, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore applyUpdate failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to update conversation for %s: %w", phoneNumber, err)
	}
	return nil
}

// getOrCreateNoHistory loads the record without its turns, for update paths.
func (s *SQLiteStore) getOrCreateNoHistory(phoneNumber string) (models.ConversationRecord, error) {
	row := s.db.QueryRow(`SELECT phone_number, customer_name, control_mode, needs_review,
		review_reason, last_message, last_message_time, message_count, pending_side_request
		FROM conversations WHERE phone_number = ?`, phoneNumber)
	rec, err := scanConversation(row)
	if err == sql.ErrNoRows {
		rec = models.ConversationRecord{
			PhoneNumber:     phoneNumber,
			ControlMode:     models.ControlModeAI,
			LastMessageTime: time.Now(),
		}
		if _, insErr := s.db.Exec(`INSERT INTO conversations
			(phone_number, control_mode, last_message_time, message_count)
			VALUES (?, ?, ?, 0)`, rec.PhoneNumber, rec.ControlMode, rec.LastMessageTime); insErr != nil {
			return rec, fmt.Errorf("failed to create conversation for %s: %w", phoneNumber, insErr)
		}
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("failed to load conversation for %s: %w", phoneNumber, err)
	}
	return rec, nil
}

// AppendExchange records one inbound message and its replies in a transaction.
func (s *SQLiteStore) AppendExchange(phoneNumber string, upd models.ConversationUpdate, turns ...models.Turn) error {
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
			VALUES (?, ?, ?, ?)`, phoneNumber, t.Role, t.Content, t.Timestamp); err != nil {
			slog.Error("SQLiteStore AppendExchange turn insert failed", "error", err, "phone", phoneNumber)
			return fmt.Errorf("failed to insert turn for %s: %w", phoneNumber, err)
		}
	}
	if _, err := tx.Exec(`UPDATE conversations SET message_count = message_count + 1
		WHERE phone_number = ?`, phoneNumber); err != nil {
		return fmt.Errorf("failed to increment message count for %s: %w", phoneNumber, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit exchange for %s: %w", phoneNumber, err)
	}
	slog.Debug("SQLiteStore.AppendExchange: exchange recorded", "phone", phoneNumber, "turns", len(turns))
	return nil
}

// SetControlMode switches the conversation between AI and manual handling.
func (s *SQLiteStore) SetControlMode(phoneNumber string, mode models.ControlMode) error {
	if !models.IsValidControlMode(mode) {
		return models.ErrInvalidControlMode
	}
	if err := s.Update(phoneNumber, models.ConversationUpdate{ControlMode: &mode}); err != nil {
		return err
	}
	slog.Info("SQLiteStore.SetControlMode: control mode changed", "phone", phoneNumber, "mode", mode)
	return nil
}

// ListActive returns conversations with recent contact, most recent first.
func (s *SQLiteStore) ListActive(maxAge time.Duration) ([]models.ConversationRecord, error) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := s.db.Query(`SELECT phone_number, customer_name, control_mode, needs_review,
		review_reason, last_message, last_message_time, message_count, pending_side_request
		FROM conversations WHERE last_message_time > ? ORDER BY last_message_time DESC`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListActive query failed", "error", err)
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
	slog.Debug("SQLiteStore.ListActive: listed conversations", "count", len(active))
	return active, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
