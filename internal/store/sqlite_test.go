package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "agent.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteGetCreatesDefaultRecord(t *testing.T) {
	s := newTestSQLiteStore(t)
	rec, err := s.Get("15551230001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.ControlMode != models.ControlModeAI || rec.MessageCount != 0 || len(rec.History) != 0 {
		t.Errorf("unexpected default record: %+v", rec)
	}
}

func TestSQLiteAppendExchangePersists(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	msg := "can I get a refund?"
	err := s.AppendExchange("15551230001",
		models.ConversationUpdate{LastMessage: &msg, LastMessageTime: &now},
		models.Turn{Role: models.RoleUser, Content: msg, Timestamp: now},
		models.Turn{Role: models.RoleAssistant, Content: "Of course.", Timestamp: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("AppendExchange failed: %v", err)
	}

	rec, err := s.Get("15551230001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.MessageCount != 1 {
		t.Errorf("expected message count 1, got %d", rec.MessageCount)
	}
	if len(rec.History) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(rec.History))
	}
	if rec.History[0].Role != models.RoleUser || rec.History[0].Content != msg {
		t.Errorf("unexpected first turn: %+v", rec.History[0])
	}
	if rec.LastMessage != msg {
		t.Errorf("expected last message persisted, got %q", rec.LastMessage)
	}
}

func TestSQLitePendingSideRequestRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	pending := &models.SideRequest{Kind: "invoice", BusinessName: "Acme Traders", Period: "last week"}
	if err := s.Update("15551230001", models.ConversationUpdate{PendingSideRequest: &pending}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rec, err := s.Get("15551230001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.PendingSideRequest == nil || rec.PendingSideRequest.BusinessName != "Acme Traders" {
		t.Fatalf("expected pending side request persisted, got %+v", rec.PendingSideRequest)
	}

	var cleared *models.SideRequest
	if err := s.Update("15551230001", models.ConversationUpdate{PendingSideRequest: &cleared}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	rec, _ = s.Get("15551230001")
	if rec.PendingSideRequest != nil {
		t.Error("expected pending side request cleared")
	}
}

func TestSQLiteListActive(t *testing.T) {
	s := newTestSQLiteStore(t)
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	if err := s.Update("15551230001", models.ConversationUpdate{LastMessageTime: &old}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := s.Update("15551230002", models.ConversationUpdate{LastMessageTime: &now}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	active, err := s.ListActive(DefaultActiveWindow)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 || active[0].PhoneNumber != "15551230002" {
		t.Errorf("expected only the recent conversation, got %+v", active)
	}
}
