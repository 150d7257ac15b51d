package call

import (
	"time"

	"github.com/google/uuid"
)

// Speaker identifies which side of the conversation produced an utterance.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Utterance is one speaker turn. Immutable once created; Timestamp is
// assignment time, not recognition time.
type Utterance struct {
	ID        string    `json:"id"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUtterance stamps a turn with a fresh id and the current time.
func NewUtterance(speaker Speaker, text string) Utterance {
	return Utterance{
		ID:        uuid.New().String(),
		Speaker:   speaker,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// ExtractedField is a structured datum pulled out of the conversation.
// Keyed by ID per call; a later extraction of the same ID overwrites the
// prior value. Confidence is informational only.
type ExtractedField struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Value       string    `json:"value"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// Category classifies a call. At most one is assigned at a time; last
// assignment wins.
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

// Priority orders calls by severity for display purposes. The core never
// auto-escalates; it stores whatever the responder suggests.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a comparable severity, higher meaning more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority maps arbitrary backend strings to a Priority, defaulting to
// medium for anything unrecognized.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	}
	return PriorityMedium
}

// Status is the lifecycle state of a CallSession.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// Type distinguishes voice calls from text-only chats.
type Type string

const (
	TypeVoice Type = "voice"
	TypeText  Type = "text"
)

// AgentStatus is the ephemeral orchestration sub-state of an active call.
// It drives which adapter is allowed to be armed and is never persisted.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentListening  AgentStatus = "listening"
	AgentProcessing AgentStatus = "processing"
	AgentSpeaking   AgentStatus = "speaking"
)

// Session is one continuous call/chat from start to end. Mutated by appends
// (messages, fields) and single-value sets (category, priority, status);
// immutable once Status == ended.
type Session struct {
	ID              string           `json:"id"`
	StartTime       time.Time        `json:"startTime"`
	EndTime         *time.Time       `json:"endTime,omitempty"`
	Status          Status           `json:"status"`
	Type            Type             `json:"type"`
	Messages        []Utterance      `json:"messages"`
	ExtractedFields []ExtractedField `json:"extractedFields"`
	Category        *Category        `json:"category,omitempty"`
	Priority        Priority         `json:"priority"`
}

// NewSession creates an active session with default priority.
func NewSession(t Type) *Session {
	return &Session{
		ID:        uuid.New().String(),
		StartTime: time.Now(),
		Status:    StatusActive,
		Type:      t,
		Priority:  PriorityMedium,
	}
}

// Field returns the extracted field with the given id, if present.
func (s *Session) Field(id string) (ExtractedField, bool) {
	for _, f := range s.ExtractedFields {
		if f.ID == id {
			return f, true
		}
	}
	return ExtractedField{}, false
}

// Sentiment summarizes the overall tone of a call.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// ActionItem is a follow-up task attached to a call summary.
type ActionItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Summary holds the post-call digest. It starts as a placeholder and may be
// upgraded in place once AI generation completes; consumers must tolerate
// that eventual consistency.
type Summary struct {
	MainPoints       []string     `json:"mainPoints"`
	Sentiment        Sentiment    `json:"sentiment"`
	ActionItems      []ActionItem `json:"actionItems"`
	FollowUpRequired bool         `json:"followUpRequired"`
	Notes            string       `json:"notes"`
}

// HistoryItem is an ended session plus derived metadata. Created exactly once
// per ended call; the Summary field may be replaced asynchronously.
type HistoryItem struct {
	ID              string           `json:"id"`
	CallerName      string           `json:"callerName"`
	Date            time.Time        `json:"date"`
	Duration        time.Duration    `json:"duration"`
	Messages        []Utterance      `json:"messages"`
	ExtractedFields []ExtractedField `json:"extractedFields"`
	Category        *Category        `json:"category,omitempty"`
	Priority        Priority         `json:"priority"`
	Summary         Summary          `json:"summary"`
	Tags            []string         `json:"tags"`
}
