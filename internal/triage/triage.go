// Package triage implements the heuristic review classifier that decides
// whether an inbound customer message needs human attention.
//
// Classification is pure and deterministic: checks run in a fixed priority
// order and the first matching check's reason wins. Keyword lists are
// data-driven so they can be tuned without code changes.
package triage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ilabs/whatsagent/internal/models"
)

// Thresholds for the composite checks.
const (
	// QuestionMarkThreshold triggers the complex-question check.
	QuestionMarkThreshold = 3
	// LongMessageWordCount triggers the complex-question check.
	LongMessageWordCount = 100
	// BulkQuantityThreshold flags any embedded integer at or above this value.
	BulkQuantityThreshold = 50
	// RepeatSimilarityThreshold is the Jaccard similarity above which a message
	// counts as a repeat of a recent one.
	RepeatSimilarityThreshold = 0.7
	// RecentUserTurns is how many trailing user turns are compared for repeats.
	RecentUserTurns = 3
	// ExtendedConversationCount is the message count beyond which a
	// conversation is escalated for human touch (strict greater-than).
	ExtendedConversationCount = 8
)

// Escalation reasons reported to the operator. Kept stable because they are
// stored on conversation records and shown in the panel.
const (
	ReasonComplaint      = "Customer complaint detected"
	ReasonRefund         = "Refund or return request"
	ReasonPricing        = "Pricing or discount negotiation"
	ReasonUrgent         = "Urgent request detected"
	ReasonComplex        = "Complex technical query"
	ReasonBulkOrder      = "Bulk or special order request"
	ReasonPayment        = "Payment issue reported"
	ReasonRepeated       = "Customer repeating the same question"
	ReasonExtended       = "Extended conversation - may need human touch"
)

// Summary is the lightweight conversation context the classifier sees.
type Summary struct {
	MessageCount int
	History      []models.Turn
}

// Result is the escalation verdict for one message.
type Result struct {
	NeedsReview bool   `json:"needs_review"`
	Reason      string `json:"reason,omitempty"`
}

// Rules holds the keyword lists for each category. Matching is
// case-insensitive substring containment.
type Rules struct {
	Complaint []string `json:"complaint"`
	Refund    []string `json:"refund"`
	Pricing   []string `json:"pricing"`
	Urgent    []string `json:"urgent"`
	Complex   []string `json:"complex"`
	Bulk      []string `json:"bulk"`
	Payment   []string `json:"payment"`
}

// DefaultRules returns the built-in keyword lists.
func DefaultRules() Rules {
	return Rules{
		Complaint: []string{
			"disappointed", "terrible", "worst", "horrible", "awful",
			"unacceptable", "frustrated", "angry", "unhappy", "dissatisfied",
			"poor service", "bad quality", "complain", "never ordering again",
		},
		Refund: []string{"refund", "return", "money back", "cancel order", "send back"},
		Pricing: []string{
			"discount", "cheaper", "lower price", "reduce the price",
			"better deal", "price match", "can you do better", "negotiate",
		},
		Urgent: []string{
			"urgent", "emergency", "asap", "immediately", "right now",
			"critical", "important", "need it today",
		},
		Complex: []string{
			"side effects", "interaction", "contraindication", "prescription",
			"dosage", "medical advice", "doctor", "allergic",
		},
		Bulk: []string{
			"bulk order", "wholesale", "large quantity", "business order",
			"corporate", "100+", "50+", "cases",
		},
		Payment: []string{
			"payment failed", "card declined", "transaction error", "can't pay",
			"payment not going through", "billing issue", "charged twice", "wrong amount",
		},
	}
}

// Classifier evaluates messages against the configured rules.
type Classifier struct {
	rules Rules
}

// New creates a classifier with the default keyword rules.
func New() *Classifier {
	return &Classifier{rules: DefaultRules()}
}

// NewWithRules creates a classifier with custom keyword rules.
func NewWithRules(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

// LoadRules replaces the keyword lists from a JSON file. Categories absent
// from the file keep their current lists.
func (c *Classifier) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Classifier.LoadRules: failed to read rules file", "path", path, "error", err)
		return fmt.Errorf("failed to read rules file: %w", err)
	}
	loaded := c.rules
	if err := json.Unmarshal(data, &loaded); err != nil {
		slog.Error("Classifier.LoadRules: failed to parse rules file", "path", path, "error", err)
		return fmt.Errorf("failed to parse rules file: %w", err)
	}
	c.rules = loaded
	slog.Info("Classifier.LoadRules: keyword rules loaded", "path", path)
	return nil
}

var numberPattern = regexp.MustCompile(`(\d+)`)

// Classify maps a message and conversation summary to an escalation verdict.
// Checks run in priority order; the first hit wins.
func (c *Classifier) Classify(message string, sum Summary) Result {
	lower := strings.ToLower(message)

	if containsAny(lower, c.rules.Complaint) {
		return Result{NeedsReview: true, Reason: ReasonComplaint}
	}
	if containsAny(lower, c.rules.Refund) {
		return Result{NeedsReview: true, Reason: ReasonRefund}
	}
	if containsAny(lower, c.rules.Pricing) {
		return Result{NeedsReview: true, Reason: ReasonPricing}
	}
	if containsAny(lower, c.rules.Urgent) {
		return Result{NeedsReview: true, Reason: ReasonUrgent}
	}
	if c.isComplexQuestion(message, lower) {
		return Result{NeedsReview: true, Reason: ReasonComplex}
	}
	if c.isBulkOrder(message, lower) {
		return Result{NeedsReview: true, Reason: ReasonBulkOrder}
	}
	if containsAny(lower, c.rules.Payment) {
		return Result{NeedsReview: true, Reason: ReasonPayment}
	}
	if isRepeatedMessage(lower, sum.History) {
		return Result{NeedsReview: true, Reason: ReasonRepeated}
	}
	if sum.MessageCount > ExtendedConversationCount {
		return Result{NeedsReview: true, Reason: ReasonExtended}
	}
	return Result{}
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// isComplexQuestion triggers on many question marks, very long messages, or
// domain-sensitive keywords.
func (c *Classifier) isComplexQuestion(message, lower string) bool {
	if strings.Count(message, "?") >= QuestionMarkThreshold {
		return true
	}
	if len(strings.Fields(message)) > LongMessageWordCount {
		return true
	}
	return containsAny(lower, c.rules.Complex)
}

// isBulkOrder triggers on bulk keywords or any embedded integer at or above
// the quantity threshold.
func (c *Classifier) isBulkOrder(message, lower string) bool {
	if m := numberPattern.FindString(message); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n >= BulkQuantityThreshold {
			return true
		}
	}
	return containsAny(lower, c.rules.Bulk)
}

// isRepeatedMessage compares the message against the last few user turns.
func isRepeatedMessage(lower string, history []models.Turn) bool {
	if len(history) < 2 {
		return false
	}
	var userTurns []string
	for _, t := range history {
		if t.Role == models.RoleUser {
			userTurns = append(userTurns, strings.ToLower(t.Content))
		}
	}
	if len(userTurns) > RecentUserTurns {
		userTurns = userTurns[len(userTurns)-RecentUserTurns:]
	}
	for _, prev := range userTurns {
		if Similarity(prev, lower) > RepeatSimilarityThreshold {
			return true
		}
	}
	return false
}

// Similarity computes Jaccard similarity over whitespace-tokenized word sets.
// Two empty strings yield 0, not a division error.
func Similarity(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	union := make(map[string]bool, len(wordsA)+len(wordsB))
	intersection := 0
	for w := range wordsA {
		union[w] = true
		if wordsB[w] {
			intersection++
		}
	}
	for w := range wordsB {
		union[w] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}
