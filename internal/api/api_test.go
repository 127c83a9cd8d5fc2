package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ilabs/whatsagent/internal/messaging"
	"github.com/ilabs/whatsagent/internal/models"
	"github.com/ilabs/whatsagent/internal/store"
)

// mockDispatcher records dispatched messages and signals on a channel.
type mockDispatcher struct {
	mu  sync.Mutex
	got []models.IncomingMessage
	ch  chan models.IncomingMessage
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{ch: make(chan models.IncomingMessage, 8)}
}

func (m *mockDispatcher) HandleIncoming(ctx context.Context, msg models.IncomingMessage) error {
	m.mu.Lock()
	m.got = append(m.got, msg)
	m.mu.Unlock()
	m.ch <- msg
	return nil
}

func (m *mockDispatcher) wait(t *testing.T) models.IncomingMessage {
	t.Helper()
	select {
	case msg := <-m.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
		return models.IncomingMessage{}
	}
}

// mockNotifier records notifications.
type mockNotifier struct {
	mu  sync.Mutex
	got []models.Notification
	ch  chan models.Notification
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{ch: make(chan models.Notification, 8)}
}

func (m *mockNotifier) Notify(ctx context.Context, n models.Notification) error {
	m.mu.Lock()
	m.got = append(m.got, n)
	m.mu.Unlock()
	m.ch <- n
	return nil
}

func (m *mockNotifier) wait(t *testing.T) models.Notification {
	t.Helper()
	select {
	case n := <-m.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return models.Notification{}
	}
}

type serverFixture struct {
	server     *Server
	handler    http.Handler
	store      *store.InMemoryStore
	dispatcher *mockDispatcher
	notifier   *mockNotifier
}

func newServerFixture(t *testing.T, opts ...Option) *serverFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	dispatcher := newMockDispatcher()
	notifier := newMockNotifier()
	opts = append([]Option{WithVerifyToken("secret-token")}, opts...)
	srv := NewServer(st, messaging.NewMockService(), dispatcher, notifier, opts...)
	return &serverFixture{
		server:     srv,
		handler:    srv.Handler(),
		store:      st,
		dispatcher: dispatcher,
		notifier:   notifier,
	}
}

func TestWebhookVerification(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "12345" {
		t.Errorf("expected challenge echoed, got %q", w.Body.String())
	}
}

func TestWebhookVerificationRejectsBadToken(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

const cloudPayload = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"changes": [{
			"value": {
				"contacts": [{"wa_id": "27821234567", "profile": {"name": "Jane"}}],
				"messages": [{
					"from": "27821234567",
					"id": "wamid.abc",
					"timestamp": "1756720000",
					"type": "text",
					"text": {"body": "Do you stock vitamin C?"}
				}]
			}
		}]
	}]
}`

func TestWebhookDispatchesMessage(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(cloudPayload))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	msg := f.dispatcher.wait(t)
	if msg.PhoneNumber != "27821234567" {
		t.Errorf("expected canonical phone, got %q", msg.PhoneNumber)
	}
	if msg.Message != "Do you stock vitamin C?" || msg.SenderName != "Jane" || msg.MessageID != "wamid.abc" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.Timestamp.Unix() != 1756720000 {
		t.Errorf("expected webhook timestamp preserved, got %v", msg.Timestamp)
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestWebhookIgnoresNonTextMessages(t *testing.T) {
	f := newServerFixture(t)

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"value": {"messages": [{"from": "27821234567", "id": "wamid.img", "type": "image"}]}}]}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	select {
	case msg := <-f.dispatcher.ch:
		t.Errorf("non-text message should not dispatch, got %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookIgnoresOtherObjects(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"object": "instagram"}`))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("unrelated objects should be acknowledged, got %d", w.Code)
	}
}

func TestOverrideTakeover(t *testing.T) {
	f := newServerFixture(t)

	body, _ := json.Marshal(OverrideRequest{PhoneNumber: "+27821234567", Action: "takeover", TriggeredBy: "sam"})
	req := httptest.NewRequest(http.MethodPost, "/override", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, err := f.store.Get("27821234567")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.ControlMode != models.ControlModeManual {
		t.Errorf("expected manual mode, got %s", rec.ControlMode)
	}

	n := f.notifier.wait(t)
	if n.Kind != models.NotificationManualTakeover {
		t.Errorf("expected manual_takeover notification, got %s", n.Kind)
	}
	if !strings.Contains(n.Message, "sam") {
		t.Errorf("expected triggering operator named, got %q", n.Message)
	}
}

func TestOverrideResumeClearsReviewFlag(t *testing.T) {
	f := newServerFixture(t)

	needsReview := true
	reason := "Customer complaint detected"
	manual := models.ControlModeManual
	if err := f.store.Update("27821234567", models.ConversationUpdate{
		ControlMode: &manual, NeedsReview: &needsReview, ReviewReason: &reason,
	}); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	body, _ := json.Marshal(OverrideRequest{PhoneNumber: "27821234567", Action: "resume"})
	req := httptest.NewRequest(http.MethodPost, "/override", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec, _ := f.store.Get("27821234567")
	if rec.ControlMode != models.ControlModeAI {
		t.Errorf("expected AI mode, got %s", rec.ControlMode)
	}
	if rec.NeedsReview || rec.ReviewReason != "" {
		t.Errorf("expected review flag cleared, got %+v", rec)
	}
}

func TestOverrideRejectsBadRequests(t *testing.T) {
	f := newServerFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing fields", `{"phoneNumber": "27821234567"}`},
		{"invalid action", `{"phoneNumber": "27821234567", "action": "pause"}`},
		{"invalid phone", `{"phoneNumber": "abc", "action": "takeover"}`},
		{"malformed", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/override", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestOverrideUnknownActionMessage(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/override",
		strings.NewReader(`{"phoneNumber": "27821234567", "action": "pause"}`))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), models.ErrInvalidAction.Error()) {
		t.Errorf("expected %q in response, got %s", models.ErrInvalidAction.Error(), w.Body.String())
	}
}

func TestConversationsListing(t *testing.T) {
	f := newServerFixture(t)

	if err := f.store.AppendExchange("27821234567", models.ConversationUpdate{}, models.Turn{
		Role: models.RoleUser, Content: "hi", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Status string                   `json:"status"`
		Result []conversationProjection `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	if len(resp.Result) != 1 || resp.Result[0].PhoneNumber != "27821234567" {
		t.Errorf("unexpected listing %+v", resp.Result)
	}
	if strings.Contains(w.Body.String(), `"history"`) {
		t.Error("listing should not include full history")
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("unexpected health body %q", w.Body.String())
	}
}

func TestExtraRouteMounted(t *testing.T) {
	called := false
	f := newServerFixture(t, WithExtraRoute("/twilio/webhook", func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if !called || w.Code != http.StatusOK {
		t.Errorf("extra route not served: called=%v code=%d", called, w.Code)
	}
}

func TestMethodGuards(t *testing.T) {
	f := newServerFixture(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/webhook"},
		{http.MethodGet, "/override"},
		{http.MethodPost, "/conversations"},
		{http.MethodPost, "/health"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, w.Code)
		}
	}
}
