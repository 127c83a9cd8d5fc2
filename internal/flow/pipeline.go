package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
	"github.com/ilabs/whatsagent/internal/store"
	"github.com/ilabs/whatsagent/internal/triage"
)

// Messages used by the dispatch pipeline.
const (
	ackReply         = "Sure thing! One sec while I grab that for you..."
	errorApology     = "I apologize, but I'm having a technical issue. Let me connect you with our team right away."
	sideRequestRetry = "I'm having trouble with that request right now. Let me connect you with our accounts team who can help you directly."
)

// ReasonSystemError is the review reason recorded by the fail-safe path.
const ReasonSystemError = "System error occurred"

// Sender delivers an outbound message to a customer.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Notifier delivers an operator alert. Implementations are best-effort.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// PipelineOpts holds configurable options for the dispatch pipeline.
type PipelineOpts struct {
	// EscalationPolicy decides whether an escalated message still gets an
	// AI reply or only the operator notification.
	EscalationPolicy models.EscalationPolicy
	// PersistPendingSideRequest keeps a half-collected invoice request alive
	// across unrelated messages instead of resetting it.
	PersistPendingSideRequest bool
	RespondTimeout            time.Duration
	SendTimeout               time.Duration
}

// PipelineOption defines a functional option for configuring the pipeline.
type PipelineOption func(*PipelineOpts)

// WithEscalationPolicy sets the escalation behavior.
func WithEscalationPolicy(policy models.EscalationPolicy) PipelineOption {
	return func(o *PipelineOpts) {
		if models.IsValidEscalationPolicy(policy) {
			o.EscalationPolicy = policy
		}
	}
}

// WithPersistPendingSideRequest keeps partial invoice requests across
// unrelated messages.
func WithPersistPendingSideRequest(persist bool) PipelineOption {
	return func(o *PipelineOpts) {
		o.PersistPendingSideRequest = persist
	}
}

// WithRespondTimeout bounds each completion call.
func WithRespondTimeout(d time.Duration) PipelineOption {
	return func(o *PipelineOpts) {
		if d > 0 {
			o.RespondTimeout = d
		}
	}
}

// WithSendTimeout bounds each outbound send and notification.
func WithSendTimeout(d time.Duration) PipelineOption {
	return func(o *PipelineOpts) {
		if d > 0 {
			o.SendTimeout = d
		}
	}
}

// Pipeline routes each inbound message to exactly one outcome: suppressed,
// escalated, clarifying, or responding, and records the exchange.
type Pipeline struct {
	store      store.Store
	classifier *triage.Classifier
	responder  *Responder
	sender     Sender
	notifier   Notifier
	opts       PipelineOpts
}

// NewPipeline wires the pipeline dependencies.
func NewPipeline(st store.Store, classifier *triage.Classifier, responder *Responder, sender Sender, notifier Notifier, opts ...PipelineOption) *Pipeline {
	cfg := PipelineOpts{
		EscalationPolicy: models.EscalationNotifyAndContinue,
		RespondTimeout:   30 * time.Second,
		SendTimeout:      15 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		store:      st,
		classifier: classifier,
		responder:  responder,
		sender:     sender,
		notifier:   notifier,
		opts:       cfg,
	}
}

// HandleIncoming processes one inbound customer message end to end. Record
// mutation happens through single atomic store calls so no lock is held
// across completion or send calls. Unrecoverable errors trigger the
// fail-safe: the operator is alerted, the customer gets an apology, and the
// conversation drops to manual mode.
func (p *Pipeline) HandleIncoming(ctx context.Context, msg models.IncomingMessage) error {
	if err := msg.Validate(); err != nil {
		slog.Warn("Pipeline.HandleIncoming: rejected invalid message", "error", err)
		return err
	}

	rec, err := p.store.Get(msg.PhoneNumber)
	if err != nil {
		p.failSafe(ctx, msg, fmt.Errorf("failed to load conversation: %w", err))
		return err
	}

	now := time.Now()
	userTurn := models.Turn{Role: models.RoleUser, Content: msg.Message, Timestamp: now}
	upd := models.ConversationUpdate{
		LastMessage:     &msg.Message,
		LastMessageTime: &now,
	}
	if msg.SenderName != "" {
		upd.CustomerName = &msg.SenderName
	}

	// Manual mode: record the message, say nothing.
	if rec.ControlMode == models.ControlModeManual {
		slog.Info("Pipeline.HandleIncoming: manual mode, suppressing reply", "phoneNumber", msg.PhoneNumber)
		if err := p.store.AppendExchange(msg.PhoneNumber, upd, userTurn); err != nil {
			p.failSafe(ctx, msg, err)
			return err
		}
		return nil
	}

	verdict := p.classifier.Classify(msg.Message, triage.Summary{
		MessageCount: rec.MessageCount,
		History:      rec.History,
	})
	if verdict.NeedsReview {
		slog.Info("Pipeline.HandleIncoming: message flagged for review",
			"phoneNumber", msg.PhoneNumber, "reason", verdict.Reason)
		needsReview := true
		upd.NeedsReview = &needsReview
		upd.ReviewReason = &verdict.Reason
		p.notifyAsync(ctx, models.Notification{
			Kind:         models.NotificationReviewNeeded,
			PhoneNumber:  msg.PhoneNumber,
			CustomerName: customerName(msg, rec),
			Message:      msg.Message,
			Metadata:     map[string]string{"reason": verdict.Reason},
		})
		if p.opts.EscalationPolicy == models.EscalationNotifyAndHalt {
			if err := p.store.AppendExchange(msg.PhoneNumber, upd, userTurn); err != nil {
				p.failSafe(ctx, msg, err)
				return err
			}
			return nil
		}
	}

	// Follow-up to an earlier clarifying question.
	if rec.PendingSideRequest != nil {
		done, err := p.continuePending(ctx, msg, rec, &upd, userTurn)
		if err != nil {
			p.failSafe(ctx, msg, err)
			return err
		}
		if done {
			return nil
		}
	}

	// Fresh invoice request missing details: ask, remember, stop.
	if req := ExtractSideRequest(msg.Message); req != nil && !req.Actionable() {
		question := ClarifyingQuestion(req)
		if err := p.send(ctx, msg.PhoneNumber, question); err != nil {
			p.failSafe(ctx, msg, err)
			return err
		}
		upd.PendingSideRequest = &req
		assistantTurn := models.Turn{Role: models.RoleAssistant, Content: question, Timestamp: time.Now()}
		if err := p.store.AppendExchange(msg.PhoneNumber, upd, userTurn, assistantTurn); err != nil {
			p.failSafe(ctx, msg, err)
			return err
		}
		slog.Info("Pipeline.HandleIncoming: asked for invoice details", "phoneNumber", msg.PhoneNumber)
		return nil
	}

	reply := p.respond(ctx, &rec, msg.Message)

	if reply.SideRequest.Actionable() {
		if err := p.fulfilSideRequest(ctx, msg, *reply.SideRequest, upd, userTurn); err != nil {
			p.failSafe(ctx, msg, err)
			return err
		}
		return nil
	}

	if err := p.send(ctx, msg.PhoneNumber, reply.Text); err != nil {
		p.failSafe(ctx, msg, err)
		return err
	}
	assistantTurn := models.Turn{Role: models.RoleAssistant, Content: reply.Text, Timestamp: time.Now()}
	if err := p.store.AppendExchange(msg.PhoneNumber, upd, userTurn, assistantTurn); err != nil {
		p.failSafe(ctx, msg, err)
		return err
	}
	slog.Info("Pipeline.HandleIncoming: replied", "phoneNumber", msg.PhoneNumber)
	return nil
}

// continuePending folds the message into the stored partial invoice request.
// It reports whether the message was fully handled here.
func (p *Pipeline) continuePending(ctx context.Context, msg models.IncomingMessage, rec models.ConversationRecord, upd *models.ConversationUpdate, userTurn models.Turn) (bool, error) {
	merged, progressed := mergePendingAnswer(rec.PendingSideRequest, msg.Message)

	if merged.Actionable() {
		clearPending(upd)
		if err := p.fulfilSideRequest(ctx, msg, merged, *upd, userTurn); err != nil {
			return false, err
		}
		return true, nil
	}

	if progressed {
		question := ClarifyingQuestion(&merged)
		if err := p.send(ctx, msg.PhoneNumber, question); err != nil {
			return false, err
		}
		pending := &merged
		upd.PendingSideRequest = &pending
		assistantTurn := models.Turn{Role: models.RoleAssistant, Content: question, Timestamp: time.Now()}
		if err := p.store.AppendExchange(msg.PhoneNumber, *upd, userTurn, assistantTurn); err != nil {
			return false, err
		}
		slog.Info("Pipeline.HandleIncoming: collected partial invoice details", "phoneNumber", msg.PhoneNumber)
		return true, nil
	}

	// Unrelated message. Drop the partial request unless configured to keep it.
	if !p.opts.PersistPendingSideRequest {
		clearPending(upd)
	}
	return false, nil
}

// fulfilSideRequest acknowledges, fulfils, and confirms a fully specified
// invoice request, recording all three turns.
func (p *Pipeline) fulfilSideRequest(ctx context.Context, msg models.IncomingMessage, req models.SideRequest, upd models.ConversationUpdate, userTurn models.Turn) error {
	if err := p.send(ctx, msg.PhoneNumber, ackReply); err != nil {
		return err
	}

	result, err := ProcessSideRequest(ctx, msg.PhoneNumber, req)
	if err != nil {
		slog.Error("Pipeline.fulfilSideRequest: fulfilment failed", "phoneNumber", msg.PhoneNumber, "error", err)
		result = sideRequestRetry
	}
	if err := p.send(ctx, msg.PhoneNumber, result); err != nil {
		return err
	}

	clearPending(&upd)
	now := time.Now()
	ackTurn := models.Turn{Role: models.RoleAssistant, Content: ackReply, Timestamp: now}
	resultTurn := models.Turn{Role: models.RoleAssistant, Content: result, Timestamp: now}
	if err := p.store.AppendExchange(msg.PhoneNumber, upd, userTurn, ackTurn, resultTurn); err != nil {
		return err
	}
	slog.Info("Pipeline.fulfilSideRequest: invoice request recorded",
		"phoneNumber", msg.PhoneNumber, "businessName", req.BusinessName, "period", req.Period)
	return nil
}

func (p *Pipeline) respond(ctx context.Context, rec *models.ConversationRecord, message string) ReplyResult {
	rctx, cancel := context.WithTimeout(ctx, p.opts.RespondTimeout)
	defer cancel()
	return p.responder.Respond(rctx, rec, message)
}

func (p *Pipeline) send(ctx context.Context, to, body string) error {
	sctx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	defer cancel()
	if err := p.sender.SendMessage(sctx, to, body); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// notifyAsync fires the operator notification without blocking the message
// path. Failures are logged by the notifier.
func (p *Pipeline) notifyAsync(ctx context.Context, n models.Notification) {
	go func() {
		nctx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
		defer cancel()
		if err := p.notifier.Notify(nctx, n); err != nil {
			slog.Error("Pipeline.notifyAsync: notification failed", "kind", n.Kind, "error", err)
		}
	}()
}

// failSafe is the terminal error path: alert the operator, apologize to the
// customer, and hand the conversation to a human. Each step is best-effort.
func (p *Pipeline) failSafe(ctx context.Context, msg models.IncomingMessage, cause error) {
	slog.Error("Pipeline.HandleIncoming: unrecoverable error, entering fail-safe",
		"phoneNumber", msg.PhoneNumber, "error", cause)

	ctx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	defer cancel()

	if err := p.notifier.Notify(ctx, models.Notification{
		Kind:        models.NotificationError,
		PhoneNumber: msg.PhoneNumber,
		Message:     cause.Error(),
		Metadata:    map[string]string{"context": "Message handling"},
	}); err != nil {
		slog.Error("Pipeline.failSafe: error notification failed", "error", err)
	}

	if err := p.sender.SendMessage(ctx, msg.PhoneNumber, errorApology); err != nil {
		slog.Error("Pipeline.failSafe: apology send failed", "phoneNumber", msg.PhoneNumber, "error", err)
	}

	manual := models.ControlModeManual
	needsReview := true
	reason := ReasonSystemError
	if err := p.store.Update(msg.PhoneNumber, models.ConversationUpdate{
		ControlMode:  &manual,
		NeedsReview:  &needsReview,
		ReviewReason: &reason,
	}); err != nil {
		slog.Error("Pipeline.failSafe: failed to flag conversation", "phoneNumber", msg.PhoneNumber, "error", err)
	}
}

func clearPending(upd *models.ConversationUpdate) {
	var none *models.SideRequest
	upd.PendingSideRequest = &none
}

func customerName(msg models.IncomingMessage, rec models.ConversationRecord) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return rec.CustomerName
}
