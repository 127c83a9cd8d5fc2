// Package notify delivers operator alerts. The primary channel is a WhatsApp
// page to the owner's own number; high priority alerts can additionally go
// out through an email webhook. Delivery is best-effort throughout: a failed
// notification must never take down message handling.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// sender is the outbound messaging surface the notifier needs.
type sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

var kindEmoji = map[models.NotificationKind]string{
	models.NotificationReviewNeeded:   "⚠️",
	models.NotificationError:          "🚨",
	models.NotificationManualTakeover: "👤",
	models.NotificationHighPriority:   "🔴",
}

// Opts holds configurable options for the notifier.
type Opts struct {
	OwnerPhone      string
	DashboardURL    string
	EmailWebhookURL string
	EmailTo         string
	EmailAuthToken  string
	HTTPClient      *http.Client
}

// Option defines a functional option for configuring the notifier.
type Option func(*Opts)

// WithOwnerPhone sets the operator's WhatsApp number.
func WithOwnerPhone(phone string) Option {
	return func(o *Opts) { o.OwnerPhone = phone }
}

// WithDashboardURL appends a link to the operator panel to each page.
func WithDashboardURL(url string) Option {
	return func(o *Opts) { o.DashboardURL = url }
}

// WithEmailWebhook enables email delivery for high priority alerts.
func WithEmailWebhook(url, to, authToken string) Option {
	return func(o *Opts) {
		o.EmailWebhookURL = url
		o.EmailTo = to
		o.EmailAuthToken = authToken
	}
}

// WithHTTPClient overrides the HTTP client used for the email webhook.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WhatsAppNotifier pages the operator over the same messaging transport the
// customers use.
type WhatsAppNotifier struct {
	svc  sender
	opts Opts
}

// NewWhatsAppNotifier builds a notifier sending through svc.
func NewWhatsAppNotifier(svc sender, opts ...Option) *WhatsAppNotifier {
	cfg := Opts{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.OwnerPhone == "" {
		slog.Warn("NewWhatsAppNotifier: no owner phone configured, pages will be dropped")
	}
	return &WhatsAppNotifier{svc: svc, opts: cfg}
}

// Notify formats and delivers the alert. WhatsApp delivery errors are
// returned for the caller to log; email delivery failures are only logged.
func (w *WhatsAppNotifier) Notify(ctx context.Context, n models.Notification) error {
	if w.opts.EmailWebhookURL != "" && n.Kind == models.NotificationHighPriority {
		w.sendEmail(ctx, n)
	}

	if w.opts.OwnerPhone == "" {
		slog.Debug("WhatsAppNotifier.Notify: dropping page, no owner phone", "kind", n.Kind)
		return nil
	}

	body := w.Format(n)
	if err := w.svc.SendMessage(ctx, w.opts.OwnerPhone, body); err != nil {
		return fmt.Errorf("failed to page operator: %w", err)
	}
	slog.Info("WhatsAppNotifier.Notify: operator paged", "kind", n.Kind, "phoneNumber", n.PhoneNumber)
	return nil
}

// Format renders the operator page. Metadata lines are sorted by key so the
// output is stable.
func (w *WhatsAppNotifier) Format(n models.Notification) string {
	emoji := kindEmoji[n.Kind]
	header := strings.ToUpper(strings.ReplaceAll(string(n.Kind), "_", " "))

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n", emoji, header)

	customer := n.CustomerName
	if customer == "" {
		customer = n.PhoneNumber
	}
	fmt.Fprintf(&b, "📱 Customer: %s\n", customer)
	fmt.Fprintf(&b, "💬 Message: %s\n", n.Message)

	if len(n.Metadata) > 0 {
		b.WriteString("\n📋 Details:\n")
		keys := make([]string, 0, len(n.Metadata))
		for k := range n.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  • %s: %s\n", k, n.Metadata[k])
		}
	}

	if w.opts.DashboardURL != "" {
		fmt.Fprintf(&b, "\n🔗 View: %s", w.opts.DashboardURL)
	}
	return b.String()
}

// emailPayload is the body posted to the email webhook.
type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

func (w *WhatsAppNotifier) sendEmail(ctx context.Context, n models.Notification) {
	customer := n.CustomerName
	if customer == "" {
		customer = n.PhoneNumber
	}
	payload := emailPayload{
		To:      w.opts.EmailTo,
		Subject: fmt.Sprintf("WhatsApp Alert: %s", n.Kind),
		HTML: fmt.Sprintf("<h2>WhatsApp Agent Alert</h2><p><strong>Type:</strong> %s</p><p><strong>Customer:</strong> %s</p><p><strong>Message:</strong> %s</p>",
			n.Kind, customer, n.Message),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("WhatsAppNotifier.sendEmail: failed to marshal payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.EmailWebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("WhatsAppNotifier.sendEmail: failed to build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.opts.EmailAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.opts.EmailAuthToken)
	}

	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		slog.Error("WhatsAppNotifier.sendEmail: request failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Error("WhatsAppNotifier.sendEmail: webhook rejected alert", "status", resp.StatusCode)
		return
	}
	slog.Info("WhatsAppNotifier.sendEmail: email alert sent", "kind", n.Kind)
}
