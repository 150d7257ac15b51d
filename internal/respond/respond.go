// Package respond produces the next agent utterance plus structured
// extraction for a user turn. Backends are arranged in a fallback chain:
// preferred cloud tier, optional local tier, and a deterministic mock tier
// that never fails, so the chain always terminates with a usable reply.
package respond

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
)

// Response is one agent turn. Text is always non-empty when returned from a
// Chain; extraction is forwarded unfiltered, confidence-scored but never
// threshold-gated here.
type Response struct {
	Text              string
	ExtractedFields   []call.ExtractedField
	SuggestedCategory *call.Category
	SuggestedPriority call.Priority
	Confidence        float64
	Source            string
}

// Responder is one tier of the chain.
type Responder interface {
	Name() string
	Respond(ctx context.Context, userText string, history []call.Utterance, fields []call.ExtractedField, kb knowledge.Config) (Response, error)
	// Reset clears any per-call conversational state.
	Reset()
}

// Chain walks tiers in order, falling through on timeout, transport error, or
// malformed payload. The final tier is expected to be pure local logic.
type Chain struct {
	tiers []Responder
	log   *logrus.Entry
}

// NewChain builds a chain from the given tiers, preferred first. nil entries
// are skipped so callers can pass unconfigured tiers directly.
func NewChain(log *logrus.Entry, tiers ...Responder) *Chain {
	out := make([]Responder, 0, len(tiers))
	for _, t := range tiers {
		if t != nil {
			out = append(out, t)
		}
	}
	return &Chain{tiers: out, log: log}
}

// Reset clears per-call state on every tier.
func (c *Chain) Reset() {
	for _, t := range c.tiers {
		t.Reset()
	}
}

// Respond returns the first tier's successful response. An empty reply text
// is never returned: backends that produce blank output get a synthesized
// confirmation instead, since an empty agent turn is not a valid outcome.
func (c *Chain) Respond(ctx context.Context, userText string, history []call.Utterance, fields []call.ExtractedField, kb knowledge.Config) (Response, error) {
	var lastErr error
	for _, tier := range c.tiers {
		resp, err := tier.Respond(ctx, userText, history, fields, kb)
		if err != nil {
			c.log.WithError(err).WithField("tier", tier.Name()).Warn("responder tier failed")
			lastErr = err
			continue
		}
		resp.Source = tier.Name()
		if strings.TrimSpace(resp.Text) == "" {
			resp.Text = fallbackUtterance(resp.ExtractedFields, fields)
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("respond: no tiers configured")
	}
	return Response{}, lastErr
}

// fallbackUtterance synthesizes a confirmation when a backend returned blank
// text, preferring to reflect back newly learned information.
func fallbackUtterance(newFields, existing []call.ExtractedField) string {
	known := map[string]string{}
	for _, f := range existing {
		known[f.ID] = f.Value
	}
	for _, f := range newFields {
		if _, seen := known[f.ID]; !seen && f.Value != "" {
			switch f.ID {
			case "name":
				return fmt.Sprintf("Thank you, %s. How can I help you today?", f.Value)
			case "purpose":
				return fmt.Sprintf("I understand, you're calling about %s. Let me help with that.", strings.ToLower(f.Value))
			}
		}
	}
	return "I see. Could you tell me a bit more about that?"
}
