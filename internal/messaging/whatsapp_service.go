package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/ilabs/whatsagent/internal/models"
	"github.com/ilabs/whatsagent/internal/whatsapp"
)

// WhatsAppService implements Service over the whatsmeow-based client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // non-nil only for the full client, needed for event handling
	incoming chan models.IncomingMessage
	done     chan struct{}
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService wraps the given sender. When handed a full
// *whatsapp.Client it also wires inbound message events into Incoming.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		incoming: make(chan models.IncomingMessage, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces the recipient to digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start registers the inbound event handler when a full client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: no full client, skipping event handling")
		return nil
	}
	go s.handleEvents(ctx)
	slog.Debug("WhatsAppService.Start: event handler started")
	return nil
}

// Stop disconnects the client and stops background processing. The event
// handler keeps firing until the disconnect lands, so the channel close is
// deferred and late events are dropped through the stopped flag.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	slog.Info("WhatsAppService.Stop: stopping")
	s.stopped = true
	close(s.done)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}

	// Give in-flight event emits a moment to drain before closing.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.incoming)
	}()
	return nil
}

// SendMessage sends a message after canonicalizing the recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "to", to, "error", err)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "to", canonical, "error", err)
		return err
	}
	slog.Debug("WhatsAppService.SendMessage: sent", "to", canonical, "bodyLength", len(body))
	return nil
}

// Incoming returns the channel of inbound customer messages.
func (s *WhatsAppService) Incoming() <-chan models.IncomingMessage {
	return s.incoming
}

func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService.handleEvents: no underlying client")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if msg, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(msg)
		}
	})
	slog.Debug("WhatsAppService.handleEvents: handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService.handleEvents: stopping, context cancelled")
}

// handleIncomingMessage converts a whatsmeow message event into an
// IncomingMessage. Non-text messages and own sends are skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}

	var body string
	switch {
	case evt.Message.Conversation != nil:
		body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		body = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("WhatsAppService: ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	msg := models.IncomingMessage{
		PhoneNumber: evt.Info.Sender.User,
		Message:     body,
		MessageType: "text",
		MessageID:   string(evt.Info.ID),
		Timestamp:   evt.Info.Timestamp,
		SenderName:  evt.Info.PushName,
	}

	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("WhatsAppService: dropping inbound message, service stopped", "from", msg.PhoneNumber)
		return
	}

	select {
	case s.incoming <- msg:
		slog.Info("WhatsAppService: inbound message forwarded", "from", msg.PhoneNumber)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService: incoming channel blocked, dropping message",
			"from", msg.PhoneNumber, "timeout", DefaultChannelTimeout)
	}
}
