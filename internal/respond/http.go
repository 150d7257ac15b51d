package respond

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
)

// HTTPResponder is a chain tier backed by an OpenAI-style chat completions
// endpoint. Both the cloud tier and the local-tunnel tier are instances of
// this type pointed at different URLs.
type HTTPResponder struct {
	TierName   string
	URL        string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	MaxRetries uint64
}

// NewHTTPResponder builds a tier. A single retry is applied on transport and
// server errors; anything beyond that falls through to the next tier.
func NewHTTPResponder(name, url, apiKey, model string) *HTTPResponder {
	return &HTTPResponder{
		TierName:   name,
		URL:        url,
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		MaxRetries: 1,
	}
}

func (r *HTTPResponder) Name() string { return r.TierName }

// Reset is a no-op: conversational state lives in the prompt.
func (r *HTTPResponder) Reset() {}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// replyMetadata is the structured block the model is asked to append after
// its conversational reply.
type replyMetadata struct {
	Extract  map[string]string `json:"extract,omitempty"`
	Category string            `json:"category,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

// Respond calls the backend and parses the reply plus its metadata block.
func (r *HTTPResponder) Respond(ctx context.Context, userText string, history []call.Utterance, fields []call.ExtractedField, kb knowledge.Config) (Response, error) {
	if r.URL == "" {
		return Response{}, fmt.Errorf("%s: url not configured", r.TierName)
	}

	messages := []chatMessage{{Role: "system", Content: buildSystemPrompt(kb, fields)}}
	for _, u := range history {
		role := "user"
		if u.Speaker == call.SpeakerAgent {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: u.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userText})

	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: r.Model, Messages: messages, Temperature: 0.6})

	var raw string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(reqBody))
		if err != nil {
			return backoff.Permanent(err)
		}
		if r.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.APIKey)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("%s: status=%d body=%s", r.TierName, resp.StatusCode, string(b))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return backoff.Permanent(fmt.Errorf("%s: status=%d body=%s", r.TierName, resp.StatusCode, string(b)))
		}
		var cr chatCompletionsResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: decode: %w", r.TierName, err))
		}
		if len(cr.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%s: empty choices", r.TierName))
		}
		raw = cr.Choices[0].Message.Content
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.MaxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return Response{}, err
	}

	text, meta := splitMetadata(raw)
	resp := Response{Text: text, Confidence: 0.88}
	if meta != nil {
		resp.ExtractedFields = mapExtractedFields(meta.Extract, kb)
		if meta.Category != "" {
			if cat, ok := kb.CategoryByID(strings.ToLower(meta.Category)); ok {
				resp.SuggestedCategory = &cat
			}
		}
		if meta.Priority != "" {
			resp.SuggestedPriority = call.ParsePriority(strings.ToLower(meta.Priority))
		}
	}
	return resp, nil
}

// buildSystemPrompt folds the knowledge base and known fields into one system
// message, ending with the metadata-block instruction.
func buildSystemPrompt(kb knowledge.Config, fields []call.ExtractedField) string {
	var b strings.Builder
	b.WriteString(kb.SystemPrompt)
	b.WriteString("\n\nPersona: ")
	b.WriteString(kb.Persona)
	if len(kb.ContextFields) > 0 {
		b.WriteString("\n\nInformation to collect:")
		for _, f := range kb.ContextFields {
			fmt.Fprintf(&b, "\n- %s (%s): %s", f.ID, f.Name, f.Description)
		}
	}
	if len(kb.Categories) > 0 {
		b.WriteString("\n\nCall categories:")
		for _, c := range kb.Categories {
			fmt.Fprintf(&b, "\n- %s: %s", c.ID, c.Description)
		}
	}
	if len(kb.PriorityRules) > 0 {
		b.WriteString("\n\nPriority rules:")
		for _, r := range kb.PriorityRules {
			b.WriteString("\n- ")
			b.WriteString(r)
		}
	}
	if len(kb.CustomInstructions) > 0 {
		b.WriteString("\n\nInstructions:")
		for _, in := range kb.CustomInstructions {
			b.WriteString("\n- ")
			b.WriteString(in)
		}
	}
	if kb.ResponseGuidelines != "" {
		b.WriteString("\n\n")
		b.WriteString(kb.ResponseGuidelines)
	}
	if len(fields) > 0 {
		b.WriteString("\n\nAlready known (do not ask again):")
		for _, f := range fields {
			fmt.Fprintf(&b, "\n- %s: %s", f.ID, f.Value)
		}
	}
	b.WriteString("\n\nAfter your conversational reply, append on a new line a single JSON object ")
	b.WriteString(`of the form {"extract":{"<fieldId>":"<value>"},"category":"<categoryId>","priority":"<critical|high|medium|low>"} `)
	b.WriteString("containing only information stated in this conversation. Output nothing after the JSON.")
	return b.String()
}

// splitMetadata separates the conversational reply from a trailing JSON
// metadata object. Malformed blocks are left in place untouched rather than
// guessed at; the reply text is what the caller speaks.
func splitMetadata(raw string) (string, *replyMetadata) {
	raw = strings.TrimSpace(raw)
	start := strings.LastIndex(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw, nil
	}
	// The metadata object may itself contain nested braces; widen to the
	// outermost block that still parses.
	for s := start; s >= 0; s = strings.LastIndex(raw[:s], "{") {
		candidate := raw[s : end+1]
		var meta replyMetadata
		if err := json.Unmarshal([]byte(candidate), &meta); err == nil {
			text := strings.TrimSpace(strings.TrimSuffix(raw[:s], "```json"))
			text = strings.TrimSpace(strings.Trim(text, "`"))
			if meta.Extract == nil && meta.Category == "" && meta.Priority == "" {
				return raw, nil
			}
			return text, &meta
		}
	}
	return raw, nil
}

// mapExtractedFields turns the metadata map into confidence-scored fields,
// labeling them from the knowledge-base definitions when available.
func mapExtractedFields(extract map[string]string, kb knowledge.Config) []call.ExtractedField {
	if len(extract) == 0 {
		return nil
	}
	now := time.Now()
	out := make([]call.ExtractedField, 0, len(extract))
	for id, value := range extract {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		label := id
		for _, def := range kb.ContextFields {
			if def.ID == id {
				label = def.Name
				break
			}
		}
		out = append(out, call.ExtractedField{
			ID:          id,
			Label:       label,
			Value:       value,
			Confidence:  0.85,
			ExtractedAt: now,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
