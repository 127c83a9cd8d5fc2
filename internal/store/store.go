// Package store provides conversation storage backends for the WhatsApp agent.
//
// It includes an in-memory store (the default) and persistent SQLite and
// PostgreSQL backends. All backends serialize updates per phone number so
// that message counters and history appends are linearizable per key;
// operations on different keys proceed independently.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

// DefaultActiveWindow is the trailing window used to consider a conversation
// "active" for display purposes.
const DefaultActiveWindow = 24 * time.Hour

// Store is the conversation table consumed by the dispatch pipeline and the API.
type Store interface {
	// Get returns the record for the phone number, atomically creating a
	// fresh default record (AI mode, zero messages, empty history) on first
	// contact. The returned record is a copy.
	Get(phoneNumber string) (models.ConversationRecord, error)

	// Update merges the partial update into the record. Provided fields
	// replace the prior value entirely; absent fields are preserved.
	Update(phoneNumber string, upd models.ConversationUpdate) error

	// AppendExchange atomically applies the update, appends the given turns
	// to history, and increments the inbound message counter by exactly one.
	// It is the single entry point for recording one processed inbound
	// message together with any replies.
	AppendExchange(phoneNumber string, upd models.ConversationUpdate, turns ...models.Turn) error

	// SetControlMode switches the conversation between AI and manual handling.
	SetControlMode(phoneNumber string, mode models.ControlMode) error

	// ListActive returns conversations whose last inbound message is within
	// maxAge, most recent first.
	ListActive(maxAge time.Duration) ([]models.ConversationRecord, error)

	// Close releases any resources held by the backend.
	Close() error
}

// keyedMutex hands out one mutex per key so unrelated conversations never
// contend. The table itself is guarded by mu; key locks are never held
// across external calls.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for key, creating it on first use.
func (km *keyedMutex) get(key string) *sync.Mutex {
	km.mu.Lock()
	defer km.mu.Unlock()
	l, ok := km.locks[key]
	if !ok {
		l = &sync.Mutex{}
		km.locks[key] = l
	}
	return l
}

// InMemoryStore is the default process-local conversation table. mu guards
// the record table and is also held for record mutation so ListActive
// snapshots never observe a half-applied write.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.ConversationRecord
	keys    *keyedMutex
}

// NewInMemoryStore creates an empty in-memory conversation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*models.ConversationRecord),
		keys:    newKeyedMutex(),
	}
}

// getOrCreate returns the live record for the phone number, creating the
// default record if missing. Callers must hold the key lock.
func (s *InMemoryStore) getOrCreate(phoneNumber string) *models.ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[phoneNumber]
	if !ok {
		rec = &models.ConversationRecord{
			PhoneNumber:     phoneNumber,
			ControlMode:     models.ControlModeAI,
			LastMessageTime: time.Now(),
			History:         []models.Turn{},
		}
		s.records[phoneNumber] = rec
		slog.Debug("InMemoryStore created conversation record", "phone", phoneNumber)
	}
	return rec
}

// copyRecord returns a defensive copy including a copied history slice.
func copyRecord(rec *models.ConversationRecord) models.ConversationRecord {
	out := *rec
	out.History = make([]models.Turn, len(rec.History))
	copy(out.History, rec.History)
	if rec.PendingSideRequest != nil {
		pending := *rec.PendingSideRequest
		out.PendingSideRequest = &pending
	}
	return out
}

// Get returns the record for the phone number, creating it on first contact.
func (s *InMemoryStore) Get(phoneNumber string) (models.ConversationRecord, error) {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	rec := s.getOrCreate(phoneNumber)
	return copyRecord(rec), nil
}

// Update merges the partial update into the record under the key lock.
func (s *InMemoryStore) Update(phoneNumber string, upd models.ConversationUpdate) error {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	rec := s.getOrCreate(phoneNumber)
	s.mu.Lock()
	upd.Apply(rec)
	s.mu.Unlock()
	slog.Debug("InMemoryStore.Update: record updated", "phone", phoneNumber)
	return nil
}

// AppendExchange records one processed inbound message: update fields, append
// turns, bump the counter, all under the key lock so concurrent deliveries for
// the same number cannot lose updates.
func (s *InMemoryStore) AppendExchange(phoneNumber string, upd models.ConversationUpdate, turns ...models.Turn) error {
	lock := s.keys.get(phoneNumber)
	lock.Lock()
	defer lock.Unlock()
	rec := s.getOrCreate(phoneNumber)
	s.mu.Lock()
	upd.Apply(rec)
	rec.History = append(rec.History, turns...)
	rec.MessageCount++
	count := rec.MessageCount
	s.mu.Unlock()
	slog.Debug("InMemoryStore.AppendExchange: exchange recorded",
		"phone", phoneNumber, "turns", len(turns), "messageCount", count)
	return nil
}

// SetControlMode switches the conversation between AI and manual handling.
func (s *InMemoryStore) SetControlMode(phoneNumber string, mode models.ControlMode) error {
	if !models.IsValidControlMode(mode) {
		return models.ErrInvalidControlMode
	}
	if err := s.Update(phoneNumber, models.ConversationUpdate{ControlMode: &mode}); err != nil {
		return err
	}
	slog.Info("InMemoryStore.SetControlMode: control mode changed", "phone", phoneNumber, "mode", mode)
	return nil
}

// ListActive returns conversations with recent contact, most recent first.
func (s *InMemoryStore) ListActive(maxAge time.Duration) ([]models.ConversationRecord, error) {
	cutoff := time.Now().Add(-maxAge)
	s.mu.RLock()
	var active []models.ConversationRecord
	for _, rec := range s.records {
		if rec.LastMessageTime.After(cutoff) {
			active = append(active, copyRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].LastMessageTime.After(active[j].LastMessageTime)
	})
	slog.Debug("InMemoryStore.ListActive: listed conversations", "count", len(active))
	return active, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
