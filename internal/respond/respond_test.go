package respond

import (
	"context"
	"errors"
	"testing"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
	"github.com/Gonna-AI/call-agent/internal/logger"
)

type stubResponder struct {
	name  string
	resp  Response
	err   error
	calls int
}

func (s *stubResponder) Name() string { return s.name }
func (s *stubResponder) Reset()       {}
func (s *stubResponder) Respond(context.Context, string, []call.Utterance, []call.ExtractedField, knowledge.Config) (Response, error) {
	s.calls++
	return s.resp, s.err
}

func testChain(tiers ...Responder) *Chain {
	return NewChain(logger.Component(logger.Discard(), "respond"), tiers...)
}

func TestChain_PrefersFirstTier(t *testing.T) {
	first := &stubResponder{name: "cloud", resp: Response{Text: "from cloud"}}
	second := &stubResponder{name: "local", resp: Response{Text: "from local"}}
	resp, err := testChain(first, second).Respond(context.Background(), "hi", nil, nil, knowledge.Default())
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Text != "from cloud" || resp.Source != "cloud" {
		t.Fatalf("got %q from %q", resp.Text, resp.Source)
	}
	if second.calls != 0 {
		t.Fatalf("second tier called despite first succeeding")
	}
}

func TestChain_FallsThroughOnError(t *testing.T) {
	first := &stubResponder{name: "cloud", err: errors.New("timeout")}
	second := &stubResponder{name: "local", err: errors.New("refused")}
	mock := NewMockResponder()
	resp, err := testChain(first, second, mock).Respond(context.Background(), "hello", nil, nil, knowledge.Default())
	if err != nil {
		t.Fatalf("chain with mock tier must not fail: %v", err)
	}
	if resp.Source != "mock" {
		t.Fatalf("expected mock tier, got %q", resp.Source)
	}
	if resp.Text == "" {
		t.Fatalf("mock tier returned empty text")
	}
}

func TestChain_BlankTextSubstituted(t *testing.T) {
	blank := &stubResponder{name: "cloud", resp: Response{
		Text: "  ",
		ExtractedFields: []call.ExtractedField{
			{ID: "name", Label: "Caller Name", Value: "Maria"},
		},
	}}
	resp, err := testChain(blank).Respond(context.Background(), "my name is Maria", nil, nil, knowledge.Default())
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Text == "" {
		t.Fatalf("empty agent text must never be returned")
	}
	if resp.Text != "Thank you, Maria. How can I help you today?" {
		t.Fatalf("substitution should reflect new name, got %q", resp.Text)
	}
}

func TestChain_SkipsNilTiers(t *testing.T) {
	mock := NewMockResponder()
	resp, err := testChain(nil, nil, mock).Respond(context.Background(), "hello", nil, nil, knowledge.Default())
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Source != "mock" {
		t.Fatalf("expected mock, got %q", resp.Source)
	}
}

func TestChain_AllTiersFail(t *testing.T) {
	first := &stubResponder{name: "cloud", err: errors.New("down")}
	if _, err := testChain(first).Respond(context.Background(), "hi", nil, nil, knowledge.Default()); err == nil {
		t.Fatalf("expected error when every tier fails")
	}
}

func TestMock_ExtractsNameAndPurpose(t *testing.T) {
	m := NewMockResponder()
	kb := knowledge.Default()

	resp, err := m.Respond(context.Background(), "Hi, my name is John Smith", nil, nil, kb)
	if err != nil {
		t.Fatalf("mock errored: %v", err)
	}
	var name string
	for _, f := range resp.ExtractedFields {
		if f.ID == "name" {
			name = f.Value
		}
	}
	if name != "John Smith" {
		t.Fatalf("expected name extraction, got %q", name)
	}

	fields := resp.ExtractedFields
	resp, err = m.Respond(context.Background(), "I'm calling about a billing problem with my account.", nil, fields, kb)
	if err != nil {
		t.Fatalf("mock errored: %v", err)
	}
	var purpose string
	for _, f := range resp.ExtractedFields {
		if f.ID == "purpose" {
			purpose = f.Value
		}
	}
	if purpose == "" {
		t.Fatalf("expected purpose extraction from %v", resp.ExtractedFields)
	}
}

func TestMock_NameStoplist(t *testing.T) {
	m := NewMockResponder()
	resp, _ := m.Respond(context.Background(), "I'm calling about my order", nil, nil, knowledge.Default())
	for _, f := range resp.ExtractedFields {
		if f.ID == "name" {
			t.Fatalf("stoplist word extracted as name: %q", f.Value)
		}
	}
}

func TestMock_CategoryAndPriorityDetection(t *testing.T) {
	m := NewMockResponder()
	resp, _ := m.Respond(context.Background(), "This is an emergency, my service is broken!", nil, nil, knowledge.Default())
	if resp.SuggestedPriority != call.PriorityCritical {
		t.Fatalf("expected critical priority, got %q", resp.SuggestedPriority)
	}
	if resp.SuggestedCategory == nil || resp.SuggestedCategory.ID != "support" {
		t.Fatalf("expected support category, got %+v", resp.SuggestedCategory)
	}
}

func TestMock_GoodbyeWrapsUp(t *testing.T) {
	m := NewMockResponder()
	kb := knowledge.Default()
	m.Respond(context.Background(), "my name is Alice", nil, nil, kb)
	resp, _ := m.Respond(context.Background(), "that's all, goodbye", nil, nil, kb)
	if resp.Text != "Thank you for calling, Alice. Have a great day!" {
		t.Fatalf("unexpected goodbye line: %q", resp.Text)
	}
}

func TestMock_ResetClearsState(t *testing.T) {
	m := NewMockResponder()
	kb := knowledge.Default()
	m.Respond(context.Background(), "my name is Alice", nil, nil, kb)
	m.Reset()
	resp, _ := m.Respond(context.Background(), "hello", nil, nil, kb)
	if resp.Text != "I'd be happy to help. May I have your name, please?" {
		t.Fatalf("reset mock should ask for name again, got %q", resp.Text)
	}
}

func TestMock_ResetIsRepeatable(t *testing.T) {
	m := NewMockResponder()
	// Reset on a fresh responder, and back to back, must be harmless.
	m.Reset()
	m.Reset()
	kb := knowledge.Default()
	if _, err := m.Respond(context.Background(), "my name is Alice", nil, nil, kb); err != nil {
		t.Fatalf("respond after reset: %v", err)
	}
	m.Reset()
	if _, err := m.Respond(context.Background(), "hello", nil, nil, kb); err != nil {
		t.Fatalf("respond after second reset: %v", err)
	}
}

func TestSplitMetadata(t *testing.T) {
	kbJSON := `Sure, I can help with that. {"extract":{"name":"Bob"},"category":"support","priority":"high"}`
	text, meta := splitMetadata(kbJSON)
	if text != "Sure, I can help with that." {
		t.Fatalf("text: %q", text)
	}
	if meta == nil || meta.Extract["name"] != "Bob" || meta.Category != "support" || meta.Priority != "high" {
		t.Fatalf("meta: %+v", meta)
	}
}

func TestSplitMetadata_NoBlock(t *testing.T) {
	text, meta := splitMetadata("Just a plain reply.")
	if text != "Just a plain reply." || meta != nil {
		t.Fatalf("got %q %+v", text, meta)
	}
}

func TestMapExtractedFields_LabelsFromKnowledgeBase(t *testing.T) {
	fields := mapExtractedFields(map[string]string{"name": "Bob", "unknown": "x"}, knowledge.Default())
	byID := map[string]call.ExtractedField{}
	for _, f := range fields {
		byID[f.ID] = f
	}
	if byID["name"].Label != "Caller Name" {
		t.Fatalf("expected kb label, got %q", byID["name"].Label)
	}
	if byID["unknown"].Label != "unknown" {
		t.Fatalf("unknown field should keep id as label, got %q", byID["unknown"].Label)
	}
}
