// Package flow contains the message handling pipeline: it turns each inbound
// customer message into a reply, a clarifying question, an operator
// escalation, or silence, and records the exchange in the conversation store.
package flow

import (
	"context"
	_ "embed"
	"log/slog"

	"github.com/openai/openai-go"

	"github.com/ilabs/whatsagent/internal/models"
)

//go:embed system_prompt.txt
var defaultSystemPrompt string

// FallbackReply is sent when the completion client fails. The customer never
// sees a raw technical error.
const FallbackReply = "I apologize, but I'm having trouble processing your request right now. Let me connect you with our team."

// historyWindow caps how many prior turns are sent to the model.
const historyWindow = 10

// generator is the completion surface the responder needs.
type generator interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// ReplyResult is the responder's verdict for one message.
type ReplyResult struct {
	Text        string
	SideRequest *models.SideRequest
}

// ResponderOpts holds configurable options for the responder.
type ResponderOpts struct {
	SystemPrompt string
}

// ResponderOption defines a functional option for configuring the responder.
type ResponderOption func(*ResponderOpts)

// WithSystemPrompt replaces the embedded default system prompt.
func WithSystemPrompt(prompt string) ResponderOption {
	return func(o *ResponderOpts) {
		if prompt != "" {
			o.SystemPrompt = prompt
		}
	}
}

// Responder produces customer-facing replies from conversation context.
type Responder struct {
	gen          generator
	systemPrompt string
}

// NewResponder creates a responder backed by the given completion client.
func NewResponder(gen generator, opts ...ResponderOption) *Responder {
	cfg := ResponderOpts{SystemPrompt: defaultSystemPrompt}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Responder{gen: gen, systemPrompt: cfg.SystemPrompt}
}

// Respond builds the model context from the record's recent history plus the
// current message and returns the reply. On any completion failure it returns
// the fixed fallback apology; errors never propagate to the caller.
func (r *Responder) Respond(ctx context.Context, rec *models.ConversationRecord, message string) ReplyResult {
	prompt := r.systemPrompt
	if rec.CustomerName != "" {
		prompt += "\n\nThe customer's name is " + rec.CustomerName + "."
	}

	history := rec.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(prompt))
	for _, turn := range history {
		if turn.Role == models.RoleUser {
			messages = append(messages, openai.UserMessage(turn.Content))
		} else {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(message))

	text, err := r.gen.GenerateWithMessages(ctx, messages)
	if err != nil {
		slog.Error("Responder.Respond: completion failed, using fallback",
			"phoneNumber", rec.PhoneNumber, "error", err)
		return ReplyResult{Text: FallbackReply}
	}

	slog.Debug("Responder.Respond: reply generated",
		"phoneNumber", rec.PhoneNumber, "historyTurns", len(history), "replyLength", len(text))
	return ReplyResult{Text: text, SideRequest: ExtractSideRequest(message)}
}
