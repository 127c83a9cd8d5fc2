package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

// Wire shapes of the WhatsApp Business Cloud webhook payload. Only the
// fields the agent consumes are declared.
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Messages []cloudMessage `json:"messages"`
	Contacts []cloudContact `json:"contacts"`
}

type cloudMessage struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *cloudText `json:"text"`
}

type cloudText struct {
	Body string `json:"body"`
}

type cloudContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// webhookHandler serves both halves of the Cloud webhook contract: GET for
// subscription verification, POST for message delivery.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyWebhook(w, r)
	case http.MethodPost:
		s.receiveWebhook(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifyWebhook answers the hub.challenge handshake.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && s.opts.VerifyToken != "" && token == s.opts.VerifyToken {
		slog.Info("Server.verifyWebhook: webhook verified")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	slog.Warn("Server.verifyWebhook: verification failed", "mode", mode)
	writeJSONResponse(w, http.StatusForbidden, models.Error("Verification failed"))
}

// receiveWebhook parses the delivery payload and dispatches each text
// message into the pipeline. Dispatch runs off the request goroutine so the
// webhook can be acknowledged immediately.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Server.receiveWebhook: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if payload.Object != "whatsapp_business_account" {
		slog.Debug("Server.receiveWebhook: ignoring payload", "object", payload.Object)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}

	dispatched := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, raw := range change.Value.Messages {
				msg, ok := s.toIncomingMessage(raw, change.Value.Contacts)
				if !ok {
					continue
				}
				dispatched++
				go s.dispatch(msg)
			}
		}
	}

	slog.Debug("Server.receiveWebhook: payload processed", "dispatched", dispatched)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// toIncomingMessage converts one Cloud message into the internal shape.
// Non-text messages are skipped.
func (s *Server) toIncomingMessage(raw cloudMessage, contacts []cloudContact) (models.IncomingMessage, bool) {
	if raw.Type != "text" || raw.Text == nil {
		slog.Debug("Server.receiveWebhook: skipping non-text message", "type", raw.Type, "from", raw.From)
		return models.IncomingMessage{}, false
	}

	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(raw.From)
	if err != nil {
		slog.Warn("Server.receiveWebhook: invalid sender", "from", raw.From, "error", err)
		return models.IncomingMessage{}, false
	}

	ts := time.Now()
	if secs, err := strconv.ParseInt(raw.Timestamp, 10, 64); err == nil {
		ts = time.Unix(secs, 0)
	}

	return models.IncomingMessage{
		PhoneNumber: phone,
		Message:     raw.Text.Body,
		MessageType: raw.Type,
		MessageID:   raw.ID,
		Timestamp:   ts,
		SenderName:  senderName(raw.From, contacts),
	}, true
}

func (s *Server) dispatch(msg models.IncomingMessage) {
	if err := s.pipeline.HandleIncoming(context.Background(), msg); err != nil {
		slog.Error("Server.receiveWebhook: dispatch failed", "from", msg.PhoneNumber, "error", err)
	}
}

// senderName resolves the profile name for a sender, preferring an exact
// wa_id match before falling back to the first contact.
func senderName(from string, contacts []cloudContact) string {
	for _, c := range contacts {
		if c.WaID == from {
			return c.Profile.Name
		}
	}
	if len(contacts) > 0 {
		return contacts[0].Profile.Name
	}
	return ""
}
