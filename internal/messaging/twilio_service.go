package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
	"github.com/ilabs/whatsagent/internal/twiliowhatsapp"
	"github.com/ilabs/whatsagent/internal/util"
)

// TwilioService implements Service over the Twilio REST API. Inbound
// messages arrive through the Twilio webhook rather than a live socket.
type TwilioService struct {
	client   twiliowhatsapp.Sender
	incoming chan models.IncomingMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewTwilioService wraps the given Twilio sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:   client,
		incoming: make(chan models.IncomingMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient reduces the recipient to digits, dropping
// any "whatsapp:" prefix Twilio attaches.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op; Twilio pushes inbound traffic over the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	// Give in-flight webhook emits a moment to drain before closing.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.incoming)
	}()
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Incoming returns the channel of inbound customer messages.
func (s *TwilioService) Incoming() <-chan models.IncomingMessage {
	return s.incoming
}

// WebhookHandler handles inbound Twilio webhook requests, emitting each
// message into the Incoming channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "fromSet", from != "", "bodySet", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	messageID := r.FormValue("MessageSid")
	if messageID == "" {
		messageID = util.GenerateMessageID()
	}

	s.emit(models.IncomingMessage{
		PhoneNumber: canonical,
		Message:     body,
		MessageType: "text",
		MessageID:   messageID,
		Timestamp:   time.Now(),
		SenderName:  r.FormValue("ProfileName"),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) emit(msg models.IncomingMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService: dropping inbound message, service stopped", "from", msg.PhoneNumber)
		return
	}

	select {
	case s.incoming <- msg:
		slog.Debug("TwilioService: inbound message forwarded", "from", msg.PhoneNumber)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService: incoming channel blocked, dropping message", "from", msg.PhoneNumber)
	}
}
