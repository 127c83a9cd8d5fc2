package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

// OverrideRequest is the body of POST /override.
type OverrideRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Action      string `json:"action"` // "takeover" or "resume"
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// overrideHandler switches a conversation between AI and manual handling.
func (s *Server) overrideHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.overrideHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.PhoneNumber == "" || req.Action == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields"))
		return
	}

	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(req.PhoneNumber)
	if err != nil {
		slog.Warn("Server.overrideHandler: invalid phone number", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid phone number: "+err.Error()))
		return
	}

	switch req.Action {
	case "takeover":
		s.handleTakeover(w, phone, req.TriggeredBy)
	case "resume":
		s.handleResume(w, phone)
	default:
		slog.Warn("Server.overrideHandler: invalid action", "action", req.Action)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidAction.Error()))
	}
}

func (s *Server) handleTakeover(w http.ResponseWriter, phone, triggeredBy string) {
	if err := s.st.SetControlMode(phone, models.ControlModeManual); err != nil {
		slog.Error("Server.overrideHandler: takeover failed", "phoneNumber", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to take over conversation"))
		return
	}

	if triggeredBy == "" {
		triggeredBy = "operator"
	}
	rec, err := s.st.Get(phone)
	if err != nil {
		slog.Warn("Server.overrideHandler: failed to load record for notification", "phoneNumber", phone, "error", err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, models.Notification{
			Kind:         models.NotificationManualTakeover,
			PhoneNumber:  phone,
			CustomerName: rec.CustomerName,
			Message:      "Manual control taken over by " + triggeredBy,
		}); err != nil {
			slog.Error("Server.overrideHandler: takeover notification failed", "error", err)
		}
	}()

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Control taken over successfully",
		map[string]string{"mode": string(models.ControlModeManual)}))
}

// handleResume hands the conversation back to the AI and clears the review
// flag, which is the only way the flag ever comes off.
func (s *Server) handleResume(w http.ResponseWriter, phone string) {
	if err := s.st.SetControlMode(phone, models.ControlModeAI); err != nil {
		slog.Error("Server.overrideHandler: resume failed", "phoneNumber", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resume AI"))
		return
	}

	cleared := false
	empty := ""
	if err := s.st.Update(phone, models.ConversationUpdate{NeedsReview: &cleared, ReviewReason: &empty}); err != nil {
		slog.Error("Server.overrideHandler: failed to clear review flag", "phoneNumber", phone, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resume AI"))
		return
	}

	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("AI resumed successfully",
		map[string]string{"mode": string(models.ControlModeAI)}))
}

// conversationProjection is the panel view of a conversation. Full history
// stays out of the listing.
type conversationProjection struct {
	PhoneNumber     string    `json:"phone_number"`
	CustomerName    string    `json:"customer_name,omitempty"`
	ControlMode     string    `json:"control_mode"`
	NeedsReview     bool      `json:"needs_review"`
	ReviewReason    string    `json:"review_reason,omitempty"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	MessageCount    int       `json:"message_count"`
}

// conversationsHandler serves the operator panel listing.
func (s *Server) conversationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	records, err := s.st.ListActive(s.opts.ActiveWindow)
	if err != nil {
		slog.Error("Server.conversationsHandler: listing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch conversations"))
		return
	}

	projections := make([]conversationProjection, 0, len(records))
	for _, rec := range records {
		projections = append(projections, conversationProjection{
			PhoneNumber:     rec.PhoneNumber,
			CustomerName:    rec.CustomerName,
			ControlMode:     string(rec.ControlMode),
			NeedsReview:     rec.NeedsReview,
			ReviewReason:    rec.ReviewReason,
			LastMessage:     rec.LastMessage,
			LastMessageTime: rec.LastMessageTime,
			MessageCount:    rec.MessageCount,
		})
	}

	writeJSONResponse(w, http.StatusOK, models.Success(projections))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
