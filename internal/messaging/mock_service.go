package messaging

import (
	"context"
	"sync"

	"github.com/ilabs/whatsagent/internal/models"
)

// MockService implements Service for tests. Sends are recorded and inbound
// messages can be injected with Emit.
type MockService struct {
	mu       sync.Mutex
	sent     []MockSend
	sendErr  error
	incoming chan models.IncomingMessage
}

// MockSend is one recorded send.
type MockSend struct {
	To   string
	Body string
}

func NewMockService() *MockService {
	return &MockService{incoming: make(chan models.IncomingMessage, DefaultChannelBufferSize)}
}

// SetSendError makes subsequent sends fail with err.
func (m *MockService) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of all recorded sends.
func (m *MockService) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sent))
	copy(out, m.sent)
	return out
}

// Emit injects an inbound message.
func (m *MockService) Emit(msg models.IncomingMessage) {
	m.incoming <- msg
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, MockSend{To: to, Body: body})
	return nil
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	close(m.incoming)
	return nil
}

func (m *MockService) Incoming() <-chan models.IncomingMessage {
	return m.incoming
}
