package respond

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
)

// MockResponder is the terminal chain tier. It runs entirely in-process with
// no network I/O and never returns an error, which is what lets the chain
// guarantee termination. The dialogue it produces is a simple slot-filling
// script: learn the name, learn the purpose, then wrap up.
type MockResponder struct {
	mu                sync.Mutex
	greeted           bool
	hasName           bool
	callerName        string
	hasPurpose        bool
	purpose           string
	askedAnythingElse bool
	turnCount         int
}

// NewMockResponder builds a fresh mock tier.
func NewMockResponder() *MockResponder { return &MockResponder{} }

func (m *MockResponder) Name() string { return "mock" }

// Reset clears the slot-filling state between calls. The mutex must not be
// reassigned, so fields reset one by one.
func (m *MockResponder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.greeted = false
	m.hasName = false
	m.callerName = ""
	m.hasPurpose = false
	m.purpose = ""
	m.askedAnythingElse = false
	m.turnCount = 0
}

var nameRe = regexp.MustCompile(`(?i)(?:my name is|i'?m|this is|i am)\s+([A-Za-z]+(?:\s+[A-Za-z]+)?)`)

// nameStoplist catches common words that the name pattern would otherwise
// capture ("I'm calling about...", "I'm having trouble...").
var nameStoplist = map[string]bool{
	"a": true, "an": true, "the": true, "my": true, "your": true,
	"calling": true, "having": true, "here": true, "looking": true,
	"not": true, "sorry": true, "trying": true, "wondering": true,
	"good": true, "fine": true, "okay": true, "just": true, "really": true,
	"interested": true, "sure": true, "afraid": true, "glad": true,
	"so": true, "very": true, "going": true, "about": true,
}

var purposeRe = regexp.MustCompile(`(?i)(?:calling about|calling because|need help with|question about|problem with|issue with|regarding|interested in)\s+(.{3,80}?)(?:[.!?]|$)`)

type categoryRule struct {
	id       string
	keywords []string
}

// Keyword tables are checked in order; first hit wins.
var categoryRules = []categoryRule{
	{"complaint", []string{"complaint", "complain", "unacceptable", "terrible", "refund", "angry", "disappointed"}},
	{"support", []string{"not working", "broken", "error", "problem", "issue", "help with", "trouble", "fix"}},
	{"appointment", []string{"appointment", "schedule", "reschedule", "booking", "book a", "availability"}},
	{"sales", []string{"price", "pricing", "cost", "buy", "purchase", "quote", "upgrade", "plan"}},
	{"feedback", []string{"feedback", "suggestion", "suggest", "love the", "great service"}},
	{"inquiry", []string{"question", "wondering", "information", "how do", "what is", "when do"}},
}

var priorityKeywords = map[call.Priority][]string{
	call.PriorityCritical: {"emergency", "urgent medical", "safety", "immediately", "critical"},
	call.PriorityHigh:     {"urgent", "asap", "frustrated", "angry", "right away", "today", "waited"},
	call.PriorityLow:      {"no rush", "whenever", "just curious", "just wondering", "not urgent"},
}

// Respond produces the next scripted turn. err is always nil.
func (m *MockResponder) Respond(_ context.Context, userText string, _ []call.Utterance, fields []call.ExtractedField, kb knowledge.Config) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnCount++

	// Carry over slots already extracted by an earlier (possibly cloud) turn.
	for _, f := range fields {
		switch f.ID {
		case "name":
			if !m.hasName && f.Value != "" {
				m.hasName, m.callerName = true, f.Value
			}
		case "purpose":
			if !m.hasPurpose && f.Value != "" {
				m.hasPurpose, m.purpose = true, f.Value
			}
		}
	}

	lower := strings.ToLower(userText)
	var extracted []call.ExtractedField
	now := time.Now()

	if !m.hasName {
		if name, ok := extractName(userText); ok {
			m.hasName, m.callerName = true, name
			extracted = append(extracted, call.ExtractedField{
				ID: "name", Label: fieldLabel(kb, "name"), Value: name,
				Confidence: 0.7, ExtractedAt: now,
			})
		}
	}
	if !m.hasPurpose {
		if p, ok := extractPurpose(userText); ok {
			m.hasPurpose, m.purpose = true, p
			extracted = append(extracted, call.ExtractedField{
				ID: "purpose", Label: fieldLabel(kb, "purpose"), Value: p,
				Confidence: 0.6, ExtractedAt: now,
			})
		}
	}

	resp := Response{ExtractedFields: extracted, Confidence: 0.5}
	if id := detectCategory(lower); id != "" {
		if cat, ok := kb.CategoryByID(id); ok {
			resp.SuggestedCategory = &cat
		}
	}
	resp.SuggestedPriority = detectPriority(lower)

	resp.Text = m.nextLine(lower, kb)
	return resp, nil
}

// nextLine is the slot-filling script. Callers hold m.mu.
func (m *MockResponder) nextLine(lower string, kb knowledge.Config) string {
	if isGoodbye(lower) {
		if m.hasName {
			return fmt.Sprintf("Thank you for calling, %s. Have a great day!", m.callerName)
		}
		return "Thank you for calling. Have a great day!"
	}

	if !m.greeted {
		m.greeted = true
		if m.hasName {
			return fmt.Sprintf("Nice to meet you, %s! How can I help you today?", m.callerName)
		}
		if g := strings.TrimSpace(kb.Greeting); g != "" && m.turnCount == 1 && lower == "" {
			return g
		}
	}

	if !m.hasName && m.turnCount < 3 {
		return "I'd be happy to help. May I have your name, please?"
	}
	if m.hasName && !m.hasPurpose {
		return fmt.Sprintf("Thanks, %s. What can I do for you today?", m.callerName)
	}
	if m.hasPurpose && !m.askedAnythingElse {
		m.askedAnythingElse = true
		return fmt.Sprintf("I've noted that you're calling about %s. I'll make sure this gets handled. Is there anything else?", strings.ToLower(m.purpose))
	}
	if m.turnCount > 8 {
		// Escape hatch so a long call without usable slots still converges.
		return "I've recorded everything you've told me and someone will follow up shortly. Is there anything else I can help with?"
	}
	return "I understand. Could you tell me a bit more about that?"
}

func extractName(text string) (string, bool) {
	match := nameRe.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	words := strings.Fields(match[1])
	if len(words) == 0 || nameStoplist[strings.ToLower(words[0])] {
		return "", false
	}
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " "), true
}

func extractPurpose(text string) (string, bool) {
	match := purposeRe.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	p := strings.TrimSpace(match[1])
	if p == "" {
		return "", false
	}
	return p, true
}

func detectCategory(lower string) string {
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.id
			}
		}
	}
	return ""
}

func detectPriority(lower string) call.Priority {
	for _, p := range []call.Priority{call.PriorityCritical, call.PriorityHigh, call.PriorityLow} {
		for _, kw := range priorityKeywords[p] {
			if strings.Contains(lower, kw) {
				return p
			}
		}
	}
	return call.PriorityMedium
}

func isGoodbye(lower string) bool {
	for _, kw := range []string{"goodbye", "bye", "that's all", "thats all", "nothing else", "hang up", "that is all"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func fieldLabel(kb knowledge.Config, id string) string {
	for _, f := range kb.ContextFields {
		if f.ID == id {
			return f.Name
		}
	}
	return id
}
