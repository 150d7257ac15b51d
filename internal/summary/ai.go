package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Gonna-AI/call-agent/internal/call"
)

// AISummarizer asks a chat-completions backend for a structured digest of the
// transcript. It shares the endpoint shape with the responder tiers but keeps
// its own client so a slow summary cannot starve live turns.
type AISummarizer struct {
	URL        string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewAISummarizer builds a summarizer, or nil if no URL is configured so the
// fallback chain skips straight to heuristics.
func NewAISummarizer(url, apiKey, model string) *AISummarizer {
	if url == "" {
		return nil
	}
	return &AISummarizer{
		URL:        url,
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type aiSummaryPayload struct {
	MainPoints       []string `json:"mainPoints"`
	Sentiment        string   `json:"sentiment"`
	ActionItems      []string `json:"actionItems"`
	FollowUpRequired bool     `json:"followUpRequired"`
	Notes            string   `json:"notes"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const summaryPrompt = `Summarize the call transcript below. Respond with only a JSON object: ` +
	`{"mainPoints":["..."],"sentiment":"positive|neutral|negative","actionItems":["..."],` +
	`"followUpRequired":true|false,"notes":"..."}. Keep main points short and factual.`

// Summarize requests and parses the digest. Any failure surfaces as an error
// for the fallback wrapper to absorb.
func (a *AISummarizer) Summarize(ctx context.Context, sess *call.Session) (call.Summary, error) {
	if sess == nil || len(sess.Messages) == 0 {
		return call.Summary{}, fmt.Errorf("summary: empty session")
	}

	var transcript strings.Builder
	for _, m := range sess.Messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Speaker, m.Text)
	}
	if len(sess.ExtractedFields) > 0 {
		transcript.WriteString("\nExtracted:\n")
		for _, f := range sess.ExtractedFields {
			fmt.Fprintf(&transcript, "%s: %s\n", f.Label, f.Value)
		}
	}

	body, _ := json.Marshal(chatRequest{
		Model: a.Model,
		Messages: []chatMessage{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: transcript.String()},
		},
		Temperature: 0.2,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return call.Summary{}, err
	}
	if a.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return call.Summary{}, fmt.Errorf("summary: http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return call.Summary{}, fmt.Errorf("summary: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return call.Summary{}, fmt.Errorf("summary: decode: %w", err)
	}
	if len(cr.Choices) == 0 {
		return call.Summary{}, fmt.Errorf("summary: empty choices")
	}

	payload, err := parseSummaryJSON(cr.Choices[0].Message.Content)
	if err != nil {
		return call.Summary{}, err
	}

	out := call.Summary{
		MainPoints:       payload.MainPoints,
		Sentiment:        parseSentiment(payload.Sentiment),
		FollowUpRequired: payload.FollowUpRequired,
		Notes:            payload.Notes,
	}
	for _, item := range payload.ActionItems {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out.ActionItems = append(out.ActionItems, call.ActionItem{ID: uuid.New().String(), Text: item})
	}
	if len(out.MainPoints) == 0 {
		return call.Summary{}, fmt.Errorf("summary: no main points in response")
	}
	return out, nil
}

// parseSummaryJSON tolerates code fences and prose around the JSON object.
func parseSummaryJSON(raw string) (aiSummaryPayload, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return aiSummaryPayload{}, fmt.Errorf("summary: no JSON object in reply")
	}
	var payload aiSummaryPayload
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return aiSummaryPayload{}, fmt.Errorf("summary: parse: %w", err)
	}
	return payload, nil
}

func parseSentiment(s string) call.Sentiment {
	switch call.Sentiment(strings.ToLower(strings.TrimSpace(s))) {
	case call.SentimentPositive:
		return call.SentimentPositive
	case call.SentimentNegative:
		return call.SentimentNegative
	}
	return call.SentimentNeutral
}
