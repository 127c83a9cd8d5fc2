package models

import (
	"testing"
	"time"
)

func TestIsValidControlMode(t *testing.T) {
	if !IsValidControlMode(ControlModeAI) || !IsValidControlMode(ControlModeManual) {
		t.Error("expected ai and manual to be valid control modes")
	}
	if IsValidControlMode("paused") {
		t.Error("expected unknown control mode to be invalid")
	}
}

func TestIncomingMessageValidate(t *testing.T) {
	msg := IncomingMessage{PhoneNumber: "15551234567", Message: "hello", MessageType: "text"}
	if err := msg.Validate(); err != nil {
		t.Errorf("expected valid message, got %v", err)
	}

	msg.PhoneNumber = ""
	if err := msg.Validate(); err != ErrEmptyPhoneNumber {
		t.Errorf("expected ErrEmptyPhoneNumber, got %v", err)
	}

	msg.PhoneNumber = "15551234567"
	msg.Message = ""
	if err := msg.Validate(); err != ErrEmptyMessageBody {
		t.Errorf("expected ErrEmptyMessageBody, got %v", err)
	}
}

func TestConversationUpdateApply(t *testing.T) {
	rec := ConversationRecord{
		PhoneNumber:  "15551234567",
		ControlMode:  ControlModeAI,
		LastMessage:  "old",
		MessageCount: 3,
	}

	mode := ControlModeManual
	review := true
	reason := "Customer complaint detected"
	upd := ConversationUpdate{
		ControlMode:  &mode,
		NeedsReview:  &review,
		ReviewReason: &reason,
	}
	upd.Apply(&rec)

	if rec.ControlMode != ControlModeManual {
		t.Errorf("expected manual mode, got %s", rec.ControlMode)
	}
	if !rec.NeedsReview || rec.ReviewReason != reason {
		t.Errorf("expected review flag and reason set, got %v %q", rec.NeedsReview, rec.ReviewReason)
	}
	// Fields not provided are preserved.
	if rec.LastMessage != "old" || rec.MessageCount != 3 {
		t.Errorf("unrelated fields changed: %q %d", rec.LastMessage, rec.MessageCount)
	}
}

func TestConversationUpdateClearsPendingSideRequest(t *testing.T) {
	rec := ConversationRecord{
		PhoneNumber:        "15551234567",
		PendingSideRequest: &SideRequest{Kind: "invoice", BusinessName: "Acme"},
	}

	var cleared *SideRequest
	upd := ConversationUpdate{PendingSideRequest: &cleared}
	upd.Apply(&rec)

	if rec.PendingSideRequest != nil {
		t.Error("expected pending side request to be cleared")
	}
}

func TestSideRequestActionable(t *testing.T) {
	var nilReq *SideRequest
	if nilReq.Actionable() {
		t.Error("nil request must not be actionable")
	}
	req := &SideRequest{Kind: "invoice", BusinessName: "Acme Traders"}
	if req.Actionable() {
		t.Error("request without period must not be actionable")
	}
	req.Period = "last week"
	if !req.Actionable() {
		t.Error("request with business name and period must be actionable")
	}
}

func TestAPIResponseBuilder(t *testing.T) {
	resp := Success(map[string]int{"count": 2})
	if resp.Status != string(APIStatusOK) {
		t.Errorf("expected ok status, got %s", resp.Status)
	}
	errResp := Error("boom")
	if errResp.Status != string(APIStatusError) || errResp.Message != "boom" {
		t.Errorf("unexpected error response: %+v", errResp)
	}
}

func TestTurnTimestampOrdering(t *testing.T) {
	now := time.Now()
	turns := []Turn{
		{Role: RoleUser, Content: "hi", Timestamp: now},
		{Role: RoleAssistant, Content: "hello", Timestamp: now.Add(time.Second)},
	}
	if !turns[0].Timestamp.Before(turns[1].Timestamp) {
		t.Error("expected turns in chronological order")
	}
}
