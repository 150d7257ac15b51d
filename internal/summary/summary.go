// Package summary produces the post-call digest. An AI summarizer asks the
// same chat-completions backend the responder uses; a heuristic summarizer
// backs it up so summary generation never fails, only degrades.
package summary

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Gonna-AI/call-agent/internal/call"
)

// Summarizer turns a finished session into a Summary.
type Summarizer interface {
	Summarize(ctx context.Context, sess *call.Session) (call.Summary, error)
}

// Fallback wraps a primary summarizer with the heuristic one. Its Summarize
// never returns an error.
type Fallback struct {
	primary Summarizer
	log     *logrus.Entry
}

// NewFallback builds the chain. primary may be nil.
func NewFallback(primary Summarizer, log *logrus.Entry) *Fallback {
	return &Fallback{primary: primary, log: log}
}

// Summarize tries the primary summarizer and degrades to heuristics on any
// failure, including context timeout.
func (f *Fallback) Summarize(ctx context.Context, sess *call.Session) (call.Summary, error) {
	if f.primary != nil {
		s, err := f.primary.Summarize(ctx, sess)
		if err == nil {
			return s, nil
		}
		f.log.WithError(err).Warn("ai summary failed; using heuristic summary")
	}
	return Heuristic(sess), nil
}

// Placeholder is the summary stored at call end before generation completes.
func Placeholder() call.Summary {
	return call.Summary{
		MainPoints: []string{"Summary is being generated"},
		Sentiment:  call.SentimentNeutral,
		Notes:      "Automatic summary pending.",
	}
}

var negativeWords = []string{
	"angry", "frustrated", "terrible", "awful", "unacceptable", "complaint",
	"disappointed", "broken", "problem", "issue", "refund", "cancel", "worst",
}

var positiveWords = []string{
	"thank", "great", "wonderful", "perfect", "appreciate", "excellent",
	"happy", "love", "helpful", "fantastic",
}

// Heuristic builds a summary from the transcript and extracted fields alone.
// It is total: any session, including an empty one, yields a usable digest.
func Heuristic(sess *call.Session) call.Summary {
	if sess == nil || len(sess.Messages) == 0 {
		return call.Summary{
			MainPoints: []string{"Call ended without conversation"},
			Sentiment:  call.SentimentNeutral,
			Notes:      "No transcript was recorded for this call.",
		}
	}

	var points []string
	fields := append([]call.ExtractedField(nil), sess.ExtractedFields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].ExtractedAt.Before(fields[j].ExtractedAt) })
	for _, f := range fields {
		if f.Value != "" {
			points = append(points, f.Label+": "+f.Value)
		}
	}

	// First couple of substantial user turns carry the gist when extraction
	// came up empty.
	userTurns := 0
	for _, m := range sess.Messages {
		if m.Speaker != call.SpeakerUser {
			continue
		}
		userTurns++
		if len(points) < 5 && len(strings.Fields(m.Text)) >= 4 {
			points = append(points, `Caller said: "`+truncate(m.Text, 120)+`"`)
		}
	}
	if len(points) == 0 {
		points = append(points, "Brief call with no details captured")
	}

	summary := call.Summary{
		MainPoints: points,
		Sentiment:  detectSentiment(sess.Messages),
	}

	if sess.Category != nil {
		summary.ActionItems = append(summary.ActionItems, call.ActionItem{
			ID:   uuid.New().String(),
			Text: "Route to " + sess.Category.Name + " handling",
		})
	}
	if _, ok := sess.Field("contact"); ok {
		summary.ActionItems = append(summary.ActionItems, call.ActionItem{
			ID:   uuid.New().String(),
			Text: "Follow up using provided contact details",
		})
	}
	if sess.Priority.Rank() >= call.PriorityHigh.Rank() {
		summary.FollowUpRequired = true
		summary.ActionItems = append(summary.ActionItems, call.ActionItem{
			ID:   uuid.New().String(),
			Text: "Priority " + string(sess.Priority) + ": respond promptly",
		})
	}

	if userTurns <= 1 {
		summary.Notes = "Very short call; limited information available."
	} else {
		summary.Notes = "Summary generated from transcript keywords."
	}
	return summary
}

func detectSentiment(messages []call.Utterance) call.Sentiment {
	score := 0
	for _, m := range messages {
		if m.Speaker != call.SpeakerUser {
			continue
		}
		lower := strings.ToLower(m.Text)
		for _, w := range negativeWords {
			if strings.Contains(lower, w) {
				score--
			}
		}
		for _, w := range positiveWords {
			if strings.Contains(lower, w) {
				score++
			}
		}
	}
	switch {
	case score > 0:
		return call.SentimentPositive
	case score < 0:
		return call.SentimentNegative
	}
	return call.SentimentNeutral
}

// CallerName derives the display name for a history entry.
func CallerName(sess *call.Session) string {
	if sess != nil {
		if f, ok := sess.Field("name"); ok && strings.TrimSpace(f.Value) != "" {
			return f.Value
		}
	}
	return "Unknown Caller"
}

// Tags derives searchable labels for a history entry.
func Tags(sess *call.Session) []string {
	if sess == nil {
		return nil
	}
	var tags []string
	if sess.Category != nil {
		tags = append(tags, sess.Category.ID)
	}
	tags = append(tags, string(sess.Priority), string(sess.Type))
	return tags
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut < n/2 {
		cut = n
	}
	return s[:cut] + "..."
}
