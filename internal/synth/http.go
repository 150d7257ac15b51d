package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPBackend speaks to a text-to-speech HTTP endpoint accepting
// {text, voice, speed} and returning raw audio bytes.
type HTTPBackend struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPBackend builds the primary TTS backend.
func NewHTTPBackend(url, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		URL:        url,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPBackend) Name() string { return "http-tts" }

type ttsRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize posts the text and returns the response body as audio.
func (h *HTTPBackend) Synthesize(ctx context.Context, text, voice string, speed float64) ([]byte, error) {
	if h.URL == "" {
		return nil, fmt.Errorf("tts backend url missing")
	}
	body, _ := json.Marshal(ttsRequest{Text: text, Voice: voice, Speed: speed})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("tts http status=%d body=%s", resp.StatusCode, string(b))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts http read error: %w", err)
	}
	return audio, nil
}
