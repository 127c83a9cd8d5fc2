// Package models defines the core data structures for the WhatsApp agent.
//
// It includes conversation records, control modes, inbound message payloads,
// and the notification types shared across modules.
package models

import (
	"errors"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the customer.
	RoleUser Role = "user"
	// RoleAssistant marks a turn written by the AI agent (or the operator acting as it).
	RoleAssistant Role = "assistant"
)

// ControlMode determines whether a conversation is answered automatically.
type ControlMode string

const (
	// ControlModeAI lets the agent generate and send replies.
	ControlModeAI ControlMode = "ai"
	// ControlModeManual suppresses automatic replies; a human operator handles the chat.
	ControlModeManual ControlMode = "manual"
)

// IsValidControlMode checks if the given control mode is supported.
func IsValidControlMode(m ControlMode) bool {
	switch m {
	case ControlModeAI, ControlModeManual:
		return true
	default:
		return false
	}
}

// EscalationPolicy selects what the dispatch pipeline does after a review trigger fires.
type EscalationPolicy string

const (
	// EscalationNotifyAndContinue pages the operator and still sends an AI reply.
	EscalationNotifyAndContinue EscalationPolicy = "notify_and_continue"
	// EscalationNotifyAndHalt pages the operator and records the message without replying.
	EscalationNotifyAndHalt EscalationPolicy = "notify_and_halt"
)

// IsValidEscalationPolicy checks if the given escalation policy is supported.
func IsValidEscalationPolicy(p EscalationPolicy) bool {
	switch p {
	case EscalationNotifyAndContinue, EscalationNotifyAndHalt:
		return true
	default:
		return false
	}
}

// Validation constants for inbound and outbound content.
const (
	// MaxMessageBodyLength defines the maximum allowed length for a message body.
	MaxMessageBodyLength = 4096
)

// Error variables for better error handling and testability.
var (
	ErrEmptyPhoneNumber     = errors.New("phone number cannot be empty")
	ErrEmptyMessageBody     = errors.New("message body cannot be empty")
	ErrMessageBodyTooLong   = errors.New("message body exceeds maximum length")
	ErrInvalidControlMode = errors.New("invalid control mode")
	ErrInvalidAction      = errors.New("invalid override action")
)

// Turn is a single message in a conversation history.
// Entries are appended in chronological order and never mutated.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SideRequest is a structured action inferred from free-text customer input,
// currently an invoice/document lookup. It is actionable only when both
// BusinessName and Period are present.
type SideRequest struct {
	Kind         string `json:"kind"` // "invoice"
	BusinessName string `json:"business_name,omitempty"`
	Period       string `json:"period,omitempty"` // relative phrase or literal date
}

// Actionable reports whether the request carries everything needed to fulfil it.
func (r *SideRequest) Actionable() bool {
	return r != nil && r.BusinessName != "" && r.Period != ""
}

// ConversationRecord is the per-phone-number state owned by the conversation store.
type ConversationRecord struct {
	PhoneNumber        string       `json:"phone_number"`
	CustomerName       string       `json:"customer_name,omitempty"`
	ControlMode        ControlMode  `json:"control_mode"`
	NeedsReview        bool         `json:"needs_review"`
	ReviewReason       string       `json:"review_reason,omitempty"`
	LastMessage        string       `json:"last_message"`
	LastMessageTime    time.Time    `json:"last_message_time"`
	MessageCount       int          `json:"message_count"`
	History            []Turn       `json:"history"`
	PendingSideRequest *SideRequest `json:"pending_side_request,omitempty"`
}

// ConversationUpdate is a partial update for a conversation record.
// Nil fields are preserved; non-nil fields replace the prior value entirely.
type ConversationUpdate struct {
	CustomerName       *string       `json:"customer_name,omitempty"`
	ControlMode        *ControlMode  `json:"control_mode,omitempty"`
	NeedsReview        *bool         `json:"needs_review,omitempty"`
	ReviewReason       *string       `json:"review_reason,omitempty"`
	LastMessage        *string       `json:"last_message,omitempty"`
	LastMessageTime    *time.Time    `json:"last_message_time,omitempty"`
	PendingSideRequest **SideRequest `json:"-"` // double pointer so the pending request can be cleared
}

// Apply merges the update into the record in place.
func (u ConversationUpdate) Apply(rec *ConversationRecord) {
	if u.CustomerName != nil {
		rec.CustomerName = *u.CustomerName
	}
	if u.ControlMode != nil {
		rec.ControlMode = *u.ControlMode
	}
	if u.NeedsReview != nil {
		rec.NeedsReview = *u.NeedsReview
	}
	if u.ReviewReason != nil {
		rec.ReviewReason = *u.ReviewReason
	}
	if u.LastMessage != nil {
		rec.LastMessage = *u.LastMessage
	}
	if u.LastMessageTime != nil {
		rec.LastMessageTime = *u.LastMessageTime
	}
	if u.PendingSideRequest != nil {
		rec.PendingSideRequest = *u.PendingSideRequest
	}
}

// IncomingMessage is one inbound customer message after webhook boundary validation.
type IncomingMessage struct {
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
	MessageID   string    `json:"message_id"`
	Timestamp   time.Time `json:"timestamp"`
	SenderName  string    `json:"sender_name,omitempty"`
}

// Validate performs boundary validation on an inbound message.
func (m *IncomingMessage) Validate() error {
	if m.PhoneNumber == "" {
		return ErrEmptyPhoneNumber
	}
	if m.Message == "" {
		return ErrEmptyMessageBody
	}
	if len(m.Message) > MaxMessageBodyLength {
		return ErrMessageBodyTooLong
	}
	return nil
}

// NotificationKind classifies operator notifications.
type NotificationKind string

const (
	// NotificationReviewNeeded signals a message that tripped a review heuristic.
	NotificationReviewNeeded NotificationKind = "review_needed"
	// NotificationError signals an unrecoverable pipeline failure.
	NotificationError NotificationKind = "error"
	// NotificationManualTakeover signals an operator taking over a conversation.
	NotificationManualTakeover NotificationKind = "manual_takeover"
	// NotificationHighPriority signals an alert that should also go out by email.
	NotificationHighPriority NotificationKind = "high_priority"
)

// Notification is an operator alert. Delivery is best-effort and fire-and-forget
// from the pipeline's perspective.
type Notification struct {
	Kind         NotificationKind  `json:"kind"`
	PhoneNumber  string            `json:"phone_number"`
	CustomerName string            `json:"customer_name,omitempty"`
	Message      string            `json:"message"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
