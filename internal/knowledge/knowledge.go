// Package knowledge holds the agent's prompt-engineering configuration:
// persona, greeting, context field definitions, categories, and priority
// rules. The orchestration core treats this as opaque configuration passed
// through to the responder and summary pipeline.
package knowledge

import (
	"sync"

	"github.com/Gonna-AI/call-agent/internal/call"
)

// FieldType constrains what kind of value a context field expects.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumber  FieldType = "number"
	FieldDate    FieldType = "date"
	FieldSelect  FieldType = "select"
	FieldBoolean FieldType = "boolean"
)

// ContextField defines one piece of information the agent should try to
// collect during a call.
type ContextField struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Required    bool      `json:"required"`
	Type        FieldType `json:"type"`
	Options     []string  `json:"options,omitempty"`
}

// Config is the full knowledge-base configuration.
type Config struct {
	SystemPrompt       string          `json:"systemPrompt"`
	Persona            string          `json:"persona"`
	Greeting           string          `json:"greeting"`
	ContextFields      []ContextField  `json:"contextFields"`
	Categories         []call.Category `json:"categories"`
	PriorityRules      []string        `json:"priorityRules"`
	CustomInstructions []string        `json:"customInstructions"`
	ResponseGuidelines string          `json:"responseGuidelines"`
}

// CategoryByID looks up a configured category.
func (c Config) CategoryByID(id string) (call.Category, bool) {
	for _, cat := range c.Categories {
		if cat.ID == id {
			return cat, true
		}
	}
	return call.Category{}, false
}

// Default returns the stock configuration used until the dashboard edits it.
func Default() Config {
	return Config{
		SystemPrompt: "You are an intelligent call agent. Greet callers professionally, " +
			"collect relevant information from the conversation, categorize the call, " +
			"prioritize by urgency, and provide helpful responses while gathering context. " +
			"Always be empathetic, clear, and efficient.",
		Persona:  "Professional, empathetic, and efficient AI assistant",
		Greeting: "Hello! Thank you for calling. How may I assist you today?",
		ContextFields: []ContextField{
			{ID: "name", Name: "Caller Name", Description: "Full name of the caller", Required: true, Type: FieldText},
			{ID: "contact", Name: "Contact Info", Description: "Phone or email for follow-up", Type: FieldText},
			{ID: "purpose", Name: "Call Purpose", Description: "Main reason for calling", Required: true, Type: FieldText},
			{ID: "urgency", Name: "Urgency Level", Description: "How urgent is the matter", Type: FieldSelect,
				Options: []string{"Not Urgent", "Somewhat Urgent", "Very Urgent", "Emergency"}},
			{ID: "previousContact", Name: "Previous Contact", Description: "Have they contacted before", Type: FieldBoolean},
		},
		Categories: []call.Category{
			{ID: "inquiry", Name: "General Inquiry", Color: "blue", Description: "General questions and information requests"},
			{ID: "support", Name: "Support Request", Color: "orange", Description: "Technical or service support needed"},
			{ID: "complaint", Name: "Complaint", Color: "red", Description: "Issues or complaints to address"},
			{ID: "appointment", Name: "Appointment", Color: "green", Description: "Scheduling or appointment related"},
			{ID: "feedback", Name: "Feedback", Color: "purple", Description: "Customer feedback and suggestions"},
			{ID: "sales", Name: "Sales Inquiry", Color: "emerald", Description: "Sales and pricing questions"},
		},
		PriorityRules: []string{
			"Mark as CRITICAL if caller mentions emergency, urgent medical issue, or safety concern",
			"Mark as HIGH if caller is frustrated, has waited long, or has time-sensitive request",
			"Mark as MEDIUM for standard requests that need follow-up",
			"Mark as LOW for general inquiries with no time pressure",
		},
		CustomInstructions: []string{
			"Always confirm the caller's name early in the conversation",
			"Ask clarifying questions if the purpose is unclear",
			"Offer to schedule follow-up if needed",
			"Summarize the conversation before ending the call",
		},
		ResponseGuidelines: "Keep responses concise but complete. Use the caller's name when " +
			"appropriate. Acknowledge concerns before providing solutions. Avoid technical " +
			"jargon unless the caller uses it.",
	}
}

// Store is a thread-safe holder for the active configuration.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore seeds a store with the given config.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the whole configuration.
func (s *Store) Set(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// AddContextField appends a field definition.
func (s *Store) AddContextField(f ContextField) {
	s.mu.Lock()
	s.cfg.ContextFields = append(s.cfg.ContextFields, f)
	s.mu.Unlock()
}

// RemoveContextField deletes a field definition by id.
func (s *Store) RemoveContextField(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cfg.ContextFields[:0]
	for _, f := range s.cfg.ContextFields {
		if f.ID != id {
			out = append(out, f)
		}
	}
	s.cfg.ContextFields = out
}

// AddCategory appends a category.
func (s *Store) AddCategory(c call.Category) {
	s.mu.Lock()
	s.cfg.Categories = append(s.cfg.Categories, c)
	s.mu.Unlock()
}

// RemoveCategory deletes a category by id.
func (s *Store) RemoveCategory(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cfg.Categories[:0]
	for _, c := range s.cfg.Categories {
		if c.ID != id {
			out = append(out, c)
		}
	}
	s.cfg.Categories = out
}
