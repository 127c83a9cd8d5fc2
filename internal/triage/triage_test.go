package triage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ilabs/whatsagent/internal/models"
)

func TestClassifyKeywordCategories(t *testing.T) {
	c := New()
	tests := []struct {
		name    string
		message string
		reason  string
	}{
		{"complaint", "This is absolutely terrible service", ReasonComplaint},
		{"refund", "I would like a refund please", ReasonRefund},
		{"pricing", "Can you do better on the price? Maybe a discount?", ReasonPricing},
		{"urgent", "I need it today, this is urgent", ReasonUrgent},
		{"complex domain", "What are the side effects of this product?", ReasonComplex},
		{"bulk keyword", "Do you handle wholesale orders?", ReasonBulkOrder},
		{"payment", "My card declined at checkout", ReasonPayment},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := c.Classify(tc.message, Summary{MessageCount: 1})
			if !res.NeedsReview {
				t.Fatalf("expected review for %q", tc.message)
			}
			if res.Reason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, res.Reason)
			}
		})
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	c := New()
	// Matches both complaint and refund keywords; complaint runs first.
	res := c.Classify("I want a refund and I'm very disappointed", Summary{MessageCount: 1})
	if !res.NeedsReview {
		t.Fatal("expected review")
	}
	if res.Reason != ReasonComplaint {
		t.Errorf("expected complaint to win priority, got %q", res.Reason)
	}
}

func TestClassifyCleanMessage(t *testing.T) {
	c := New()
	res := c.Classify("Hi, do you have vitamin C in stock?", Summary{MessageCount: 2})
	if res.NeedsReview {
		t.Errorf("expected no review, got reason %q", res.Reason)
	}
	if res.Reason != "" {
		t.Errorf("expected empty reason, got %q", res.Reason)
	}
}

func TestClassifyComplexQuestion(t *testing.T) {
	c := New()

	res := c.Classify("Why? How? When?", Summary{MessageCount: 1})
	if !res.NeedsReview || res.Reason != ReasonComplex {
		t.Errorf("three question marks should be complex, got %+v", res)
	}

	long := ""
	for i := 0; i < 101; i++ {
		long += "word "
	}
	res = c.Classify(long, Summary{MessageCount: 1})
	if !res.NeedsReview || res.Reason != ReasonComplex {
		t.Errorf("101-word message should be complex, got %+v", res)
	}

	res = c.Classify("Why is that? How come?", Summary{MessageCount: 1})
	if res.NeedsReview {
		t.Errorf("two question marks should not be complex, got %+v", res)
	}
}

func TestClassifyBulkQuantity(t *testing.T) {
	c := New()

	res := c.Classify("I'd like to order 50 units", Summary{MessageCount: 1})
	if !res.NeedsReview || res.Reason != ReasonBulkOrder {
		t.Errorf("quantity 50 should flag bulk, got %+v", res)
	}

	res = c.Classify("I'd like to order 49 units", Summary{MessageCount: 1})
	if res.NeedsReview {
		t.Errorf("quantity 49 should not flag bulk, got %+v", res)
	}
}

func TestClassifyExtendedConversation(t *testing.T) {
	c := New()

	res := c.Classify("thanks", Summary{MessageCount: 8})
	if res.NeedsReview {
		t.Errorf("count 8 should not escalate, got %+v", res)
	}

	res = c.Classify("thanks", Summary{MessageCount: 9})
	if !res.NeedsReview || res.Reason != ReasonExtended {
		t.Errorf("count 9 should escalate as extended, got %+v", res)
	}
}

func TestClassifyRepeatedMessage(t *testing.T) {
	c := New()
	now := time.Now()
	history := []models.Turn{
		{Role: models.RoleUser, Content: "where is my order number 12 status update", Timestamp: now},
		{Role: models.RoleAssistant, Content: "Let me check that for you.", Timestamp: now},
	}

	res := c.Classify("where is my order number 12 status update", Summary{MessageCount: 3, History: history})
	if !res.NeedsReview || res.Reason != ReasonRepeated {
		t.Errorf("identical message should flag repeat, got %+v", res)
	}

	res = c.Classify("do you stock zinc tablets", Summary{MessageCount: 3, History: history})
	if res.NeedsReview {
		t.Errorf("unrelated message should not flag repeat, got %+v", res)
	}
}

func TestClassifyRepeatOnlyChecksRecentUserTurns(t *testing.T) {
	c := New()
	now := time.Now()
	history := []models.Turn{
		{Role: models.RoleUser, Content: "old repeated question about delivery times here", Timestamp: now},
		{Role: models.RoleUser, Content: "first filler", Timestamp: now},
		{Role: models.RoleUser, Content: "second filler", Timestamp: now},
		{Role: models.RoleUser, Content: "third filler", Timestamp: now},
	}

	// The matching turn has scrolled out of the comparison window.
	res := c.Classify("old repeated question about delivery times here", Summary{MessageCount: 5, History: history})
	if res.NeedsReview {
		t.Errorf("turn outside window should not flag repeat, got %+v", res)
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("hello world", "hello world"); got != 1.0 {
		t.Errorf("identical strings: expected 1.0, got %v", got)
	}
	if got := Similarity("alpha beta", "gamma delta"); got != 0.0 {
		t.Errorf("disjoint strings: expected 0.0, got %v", got)
	}
	if got := Similarity("", ""); got != 0.0 {
		t.Errorf("empty strings: expected 0.0, got %v", got)
	}
	// {a,b,c} vs {b,c,d}: intersection 2, union 4.
	if got := Similarity("a b c", "b c d"); got != 0.5 {
		t.Errorf("partial overlap: expected 0.5, got %v", got)
	}
}

func TestClassifyRepeatThresholdIsStrict(t *testing.T) {
	// 7 shared words out of 10 distinct: similarity is exactly the
	// threshold, which must not count as a repeat.
	prev := "can you tell me about order status now"
	msg := "can you tell me about order status today please"
	if got := Similarity(prev, msg); got != RepeatSimilarityThreshold {
		t.Fatalf("expected similarity exactly %v, got %v", RepeatSimilarityThreshold, got)
	}

	c := New()
	now := time.Now()
	history := []models.Turn{
		{Role: models.RoleUser, Content: prev, Timestamp: now},
		{Role: models.RoleAssistant, Content: "Checking.", Timestamp: now},
	}
	res := c.Classify(msg, Summary{MessageCount: 3, History: history})
	if res.NeedsReview {
		t.Errorf("similarity at the threshold should not flag repeat, got %+v", res)
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(`{"complaint":["kaput"]}`), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	c := New()
	if err := c.LoadRules(path); err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	res := c.Classify("everything is kaput", Summary{MessageCount: 1})
	if !res.NeedsReview || res.Reason != ReasonComplaint {
		t.Errorf("custom complaint keyword should match, got %+v", res)
	}

	// Categories absent from the file keep their defaults.
	res = c.Classify("I want a refund", Summary{MessageCount: 1})
	if !res.NeedsReview || res.Reason != ReasonRefund {
		t.Errorf("default refund keywords should survive partial load, got %+v", res)
	}

	res = c.Classify("this is terrible", Summary{MessageCount: 1})
	if res.NeedsReview {
		t.Errorf("replaced complaint list should not match old keywords, got %+v", res)
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	c := New()
	if err := c.LoadRules(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}
