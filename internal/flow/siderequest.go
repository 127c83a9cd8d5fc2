package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ilabs/whatsagent/internal/models"
)

// SideRequestInvoice is the only side-request kind currently extracted.
const SideRequestInvoice = "invoice"

// Clarifying questions sent when an invoice request is missing details.
const (
	clarifyBoth   = "Sure thing! To pull up your invoice, I'll need:\n1. Your business/company name\n2. Approximate date or period (e.g., 'last week', 'March 2024')"
	clarifyName   = "Sure! What's your business or company name?"
	clarifyPeriod = "Got it! When was the invoice dated? (e.g., 'last week', 'March 15')"
)

var (
	sideRequestPattern = regexp.MustCompile(`(?i)invoice|receipt|bill|statement`)

	// Ordered candidates for the business name; first match wins.
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:for|from)\s+([A-Z][A-Za-z\s&]+?)(?:\s+from|\s+dated|$)`),
		regexp.MustCompile(`(?i)business name[:\s]+([A-Za-z\s&]+)`),
		regexp.MustCompile(`(?i)company[:\s]+([A-Za-z\s&]+)`),
	}

	datePattern = regexp.MustCompile(`(\d{1,2}[-/]\d{1,2}[-/]\d{2,4})`)

	// Relative phrases are checked before the literal date fallback.
	relativePeriods = []string{"last week", "yesterday", "last month", "this month"}
)

// ExtractSideRequest scans the current message only. It returns nil when the
// message is not an invoice-type request; otherwise a request with whatever
// fields could be extracted, possibly none.
func ExtractSideRequest(message string) *models.SideRequest {
	if !sideRequestPattern.MatchString(message) {
		return nil
	}
	return &models.SideRequest{
		Kind:         SideRequestInvoice,
		BusinessName: extractBusinessName(message),
		Period:       extractPeriod(message),
	}
}

func extractBusinessName(message string) string {
	for _, pattern := range namePatterns {
		if m := pattern.FindStringSubmatch(message); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func extractPeriod(message string) string {
	lower := strings.ToLower(message)
	for _, phrase := range relativePeriods {
		if strings.Contains(lower, phrase) {
			return phrase
		}
	}
	if m := datePattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

// ClarifyingQuestion returns the follow-up to send for a partially specified
// request, or the empty string when nothing is missing.
func ClarifyingQuestion(req *models.SideRequest) string {
	if req == nil || req.Actionable() {
		return ""
	}
	switch {
	case req.BusinessName == "" && req.Period == "":
		return clarifyBoth
	case req.BusinessName == "":
		return clarifyName
	default:
		return clarifyPeriod
	}
}

// mergePendingAnswer folds a follow-up message into a pending request. The
// message may itself be an invoice phrasing, a bare period, or a bare
// business name. It returns the merged request and whether any field was
// filled in.
func mergePendingAnswer(pending *models.SideRequest, message string) (models.SideRequest, bool) {
	merged := *pending
	progressed := false

	if ext := ExtractSideRequest(message); ext != nil {
		if merged.BusinessName == "" && ext.BusinessName != "" {
			merged.BusinessName = ext.BusinessName
			progressed = true
		}
		if merged.Period == "" && ext.Period != "" {
			merged.Period = ext.Period
			progressed = true
		}
		return merged, progressed
	}

	if merged.Period == "" {
		if p := extractPeriod(message); p != "" {
			merged.Period = p
			progressed = true
		}
	}
	if merged.BusinessName == "" {
		if name := bareNameAnswer(message); name != "" {
			merged.BusinessName = name
			progressed = true
		}
	}
	return merged, progressed
}

var bareNamePattern = regexp.MustCompile(`^[A-Z][A-Za-z\s&]*$`)

// bareNameAnswer treats a short reply that looks like a proper name as the
// business name being asked for, with any period phrasing stripped out first.
// Lowercase chatter is left alone so unrelated messages are not captured.
func bareNameAnswer(message string) string {
	cleaned := message
	lower := strings.ToLower(cleaned)
	for _, phrase := range relativePeriods {
		if idx := strings.Index(lower, phrase); idx >= 0 {
			cleaned = cleaned[:idx] + cleaned[idx+len(phrase):]
			lower = strings.ToLower(cleaned)
		}
	}
	cleaned = datePattern.ReplaceAllString(cleaned, "")
	cleaned = strings.Trim(cleaned, " \t\n.,:;-")
	if !bareNamePattern.MatchString(cleaned) {
		return ""
	}
	if len(strings.Fields(cleaned)) > 6 {
		return ""
	}
	return cleaned
}

// ProcessSideRequest fulfils a fully specified request. Retrieval is not
// integrated yet, so fulfilment acknowledges and hands off to the team.
func ProcessSideRequest(ctx context.Context, phoneNumber string, req models.SideRequest) (string, error) {
	slog.Info("ProcessSideRequest: invoice requested",
		"phoneNumber", phoneNumber, "businessName", req.BusinessName, "period", req.Period)
	return fmt.Sprintf("I've noted your request for %s's invoice from %s. Our team will send it to you shortly. If you need it urgently, please let me know!",
		req.BusinessName, req.Period), nil
}
