package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

// Opts holds configuration options for the persistent store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanConversation scans one conversation row shared by both SQL backends.
// History is loaded separately.
func scanConversation(row interface {
	Scan(dest ...interface{}) error
}) (models.ConversationRecord, error) {
	var rec models.ConversationRecord
	var customerName, reviewReason, lastMessage, pendingJSON sql.NullString
	var lastMessageTime time.Time
	err := row.Scan(
		&rec.PhoneNumber, &customerName, &rec.ControlMode, &rec.NeedsReview,
		&reviewReason, &lastMessage, &lastMessageTime, &rec.MessageCount, &pendingJSON,
	)
	if err != nil {
		return rec, err
	}
	rec.CustomerName = customerName.String
	rec.ReviewReason = reviewReason.String
	rec.LastMessage = lastMessage.String
	rec.LastMessageTime = lastMessageTime
	if pendingJSON.Valid && pendingJSON.String != "" {
		var pending models.SideRequest
		if err := json.Unmarshal([]byte(pendingJSON.String), &pending); err != nil {
			return rec, fmt.Errorf("failed to decode pending side request for %s: %w", rec.PhoneNumber, err)
		}
		rec.PendingSideRequest = &pending
	}
	return rec, nil
}

// marshalPending encodes the pending side request for a nullable JSON column.
func marshalPending(req *models.SideRequest) (interface{}, error) {
	if req == nil {
		return nil, nil
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending side request: %w", err)
	}
	return string(data), nil
}
