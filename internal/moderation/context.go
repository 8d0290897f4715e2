package moderation

import (
	"fmt"
	"regexp"
	"strings"
)

// circumventionRules match attempts to talk the model out of its safety
// instructions. They are evaluated over the whole window, so a phrase split
// across consecutive turns still matches.
var circumventionRules = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:ignore|disregard)\s+(?:all\s+)?(?:of\s+)?(?:the\s+|your\s+)?(?:previous|earlier|above)\s+(?:instructions|rules|guidelines)`),
	regexp.MustCompile(`(?i)\b(?:pretend|act)\s+(?:as\s+if\s+|like\s+)?(?:you\s+are|you're)\s+(?:not|no\s+longer)\s+(?:bound|restricted|limited)`),
	regexp.MustCompile(`(?i)\b(?:bypass|get\s+around|circumvent)\s+(?:the\s+|your\s+|these\s+)?(?:filters?|restrictions|limitations|rules)`),
	regexp.MustCompile(`(?i)\blet'?s\s+(?:try|do)\s+(?:something|this)\s+(?:differently|another\s+way)\s+to\s+(?:avoid|bypass)`),
}

// Terms reported by the context stage.
const (
	TermCircumvention = "circumvention"
	TermEscalation    = "escalation"
)

// ContextModerator inspects the most recent turns of a conversation.
type ContextModerator struct {
	filter    Classifier
	maxTurns  int
	threshold int
}

// NewContextModerator returns a moderator that looks at the last maxTurns
// turns and flags the window once threshold turns are individually filtered.
func NewContextModerator(filter Classifier, maxTurns, threshold int) *ContextModerator {
	if maxTurns < 2 {
		maxTurns = 2
	}
	if threshold < 1 {
		threshold = 1
	}
	return &ContextModerator{filter: filter, maxTurns: maxTurns, threshold: threshold}
}

// Window returns the turns Analyze inspects.
func (m *ContextModerator) Window(turns []Turn) []Turn {
	if len(turns) > m.maxTurns {
		return turns[len(turns)-m.maxTurns:]
	}
	return turns
}

// Analyze checks the conversation window for circumvention phrasing and for
// repeated policy violations. Conversations with fewer than two turns are
// not analyzed.
func (m *ContextModerator) Analyze(turns []Turn) Verdict {
	if len(turns) < 2 {
		return Verdict{}
	}
	window := m.Window(turns)

	parts := make([]string, 0, len(window))
	for _, t := range window {
		parts = append(parts, t.Content)
	}
	joined := strings.Join(parts, " ")

	for i, re := range circumventionRules {
		if re.MatchString(joined) {
			return Verdict{
				Filtered: true,
				Reason:   fmt.Sprintf("potential guardrail circumvention attempt detected (pattern %d)", i+1),
				Stage:    StageContext,
				Term:     TermCircumvention,
			}
		}
	}

	flagged := 0
	for _, t := range window {
		if m.filter.Classify(t.Content, t.Role).Filtered {
			flagged++
		}
	}
	if flagged >= m.threshold {
		reason := fmt.Sprintf("multiple policy violations detected in conversation context (%d of %d turns flagged)",
			flagged, len(window))
		return Verdict{Filtered: true, Reason: reason, Stage: StageContext, Term: TermEscalation}
	}
	return Verdict{}
}
