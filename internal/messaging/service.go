// Package messaging abstracts WhatsApp transports behind a single Service
// interface so the dispatch pipeline and notifier do not care whether
// messages move over a whatsmeow device session or the Twilio API.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size for the incoming channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned for operations on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// Service defines a pluggable message transport. It supports sending
// messages and exposes a channel of inbound customer messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier into the digits-only form records are keyed by.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing, such as event polling.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Incoming returns the channel of inbound customer messages.
	Incoming() <-chan models.IncomingMessage
}

var nonDigitPattern = regexp.MustCompile(`\D`)

// canonicalizePhone reduces a recipient to digits and checks it is long
// enough to be a phone number. Prefixes like "whatsapp:+27..." are handled.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	canonical := nonDigitPattern.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}

	if canonical != recipient {
		slog.Debug("messaging: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
