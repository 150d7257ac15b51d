// Package session owns call state: the current session, the history of ended
// calls, and derived analytics. The store is the single writer for session
// data; adapters and the orchestrator go through it rather than mutating
// call.Session directly.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/summary"
)

// Mirror receives best-effort copies of history writes. Implementations must
// not block the caller's critical path for long; errors are logged, never
// propagated.
type Mirror interface {
	SaveHistory(item call.HistoryItem) error
}

// Store holds the current session and history. All methods are safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	current *call.Session
	history []call.HistoryItem

	mirror Mirror
	log    *logrus.Entry
}

// NewStore builds an empty store. mirror may be nil.
func NewStore(mirror Mirror, log *logrus.Entry) *Store {
	return &Store{mirror: mirror, log: log}
}

// StartCall creates and installs a new active session. Callers are expected
// to have ended any prior session first; if one is still active it is
// abandoned with a warning rather than silently merged.
func (s *Store) StartCall(t call.Type) *call.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Status == call.StatusActive {
		s.log.WithField("session", s.current.ID).Warn("starting call while another is active; abandoning previous session")
	}
	s.current = call.NewSession(t)
	return s.snapshotLocked()
}

// Current returns a deep-enough copy of the active session, or nil.
func (s *Store) Current() *call.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return s.snapshotLocked()
}

// snapshotLocked copies the current session so callers cannot race the store.
func (s *Store) snapshotLocked() *call.Session {
	cp := *s.current
	cp.Messages = append([]call.Utterance(nil), s.current.Messages...)
	cp.ExtractedFields = append([]call.ExtractedField(nil), s.current.ExtractedFields...)
	if s.current.Category != nil {
		cat := *s.current.Category
		cp.Category = &cat
	}
	return &cp
}

// AddMessage appends an utterance to the active session. Without an active
// session the message is dropped with a warning, not an error: stray commits
// arriving after call end are expected.
func (s *Store) AddMessage(speaker call.Speaker, text string) (call.Utterance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Status != call.StatusActive {
		s.log.WithField("speaker", speaker).Warn("message dropped; no active session")
		return call.Utterance{}, false
	}
	u := call.NewUtterance(speaker, text)
	s.current.Messages = append(s.current.Messages, u)
	return u, true
}

// UpdateExtractedField upserts a field by id; a later extraction of the same
// id overwrites the prior value.
func (s *Store) UpdateExtractedField(f call.ExtractedField) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Status != call.StatusActive {
		s.log.WithField("field", f.ID).Warn("field dropped; no active session")
		return false
	}
	for i := range s.current.ExtractedFields {
		if s.current.ExtractedFields[i].ID == f.ID {
			s.current.ExtractedFields[i] = f
			return true
		}
	}
	s.current.ExtractedFields = append(s.current.ExtractedFields, f)
	return true
}

// SetCallCategory assigns the category; last assignment wins.
func (s *Store) SetCallCategory(c call.Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Status != call.StatusActive {
		return false
	}
	cat := c
	s.current.Category = &cat
	return true
}

// SetCallPriority assigns the priority; the store never auto-escalates.
func (s *Store) SetCallPriority(p call.Priority) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Status != call.StatusActive {
		return false
	}
	s.current.Priority = p
	return true
}

// EndCall finalizes the active session and appends exactly one history entry
// carrying a placeholder summary. It returns the entry and the finalized
// session for the summary pipeline; repeat calls return ok=false.
func (s *Store) EndCall() (call.HistoryItem, *call.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Status != call.StatusActive {
		return call.HistoryItem{}, nil, false
	}
	now := time.Now()
	s.current.Status = call.StatusEnded
	s.current.EndTime = &now

	sess := s.snapshotLocked()
	item := call.HistoryItem{
		ID:              sess.ID,
		CallerName:      summary.CallerName(sess),
		Date:            sess.StartTime,
		Duration:        now.Sub(sess.StartTime),
		Messages:        sess.Messages,
		ExtractedFields: sess.ExtractedFields,
		Category:        sess.Category,
		Priority:        sess.Priority,
		Summary:         summary.Placeholder(),
		Tags:            summary.Tags(sess),
	}
	s.history = append([]call.HistoryItem{item}, s.history...)
	s.current = nil

	s.mirrorLocked(item)
	return item, sess, true
}

// AttachSummary upgrades a history entry's summary in place once generation
// completes. Entries for unknown ids (e.g. trimmed history) are ignored.
func (s *Store) AttachSummary(id string, sum call.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].ID == id {
			s.history[i].Summary = sum
			s.mirrorLocked(s.history[i])
			return
		}
	}
	s.log.WithField("session", id).Warn("summary for unknown history entry dropped")
}

// mirrorLocked pushes a history write to the mirror off the lock path.
func (s *Store) mirrorLocked(item call.HistoryItem) {
	if s.mirror == nil {
		return
	}
	go func(m Mirror, it call.HistoryItem, log *logrus.Entry) {
		if err := m.SaveHistory(it); err != nil {
			log.WithError(err).WithField("session", it.ID).Warn("history mirror write failed")
		}
	}(s.mirror, item, s.log)
}

// History returns entries newest first, optionally filtered.
func (s *Store) History(filter Filter) []call.HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]call.HistoryItem, 0, len(s.history))
	for _, item := range s.history {
		if filter.matches(item) {
			out = append(out, item)
		}
	}
	return out
}

// HistoryItem looks up one entry by id.
func (s *Store) HistoryItem(id string) (call.HistoryItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.history {
		if item.ID == id {
			return item, true
		}
	}
	return call.HistoryItem{}, false
}

// Seed replaces the in-memory history with entries loaded from a snapshot.
func (s *Store) Seed(items []call.HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]call.HistoryItem(nil), items...)
	sort.Slice(s.history, func(i, j int) bool { return s.history[i].Date.After(s.history[j].Date) })
}

// Filter narrows History queries. Zero value matches everything.
type Filter struct {
	CategoryID string
	Priority   call.Priority
	Query      string
	Since      time.Time
}

func (f Filter) matches(item call.HistoryItem) bool {
	if f.CategoryID != "" && (item.Category == nil || item.Category.ID != f.CategoryID) {
		return false
	}
	if f.Priority != "" && item.Priority != f.Priority {
		return false
	}
	if !f.Since.IsZero() && item.Date.Before(f.Since) {
		return false
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(item.CallerName), q) && !transcriptContains(item.Messages, q) {
			return false
		}
	}
	return true
}

func transcriptContains(messages []call.Utterance, q string) bool {
	for _, m := range messages {
		if strings.Contains(strings.ToLower(m.Text), q) {
			return true
		}
	}
	return false
}

// Analytics summarizes the stored history for the dashboard.
type Analytics struct {
	TotalCalls      int                    `json:"totalCalls"`
	AverageDuration time.Duration          `json:"averageDuration"`
	ByCategory      map[string]int         `json:"byCategory"`
	ByPriority      map[call.Priority]int  `json:"byPriority"`
	BySentiment     map[call.Sentiment]int `json:"bySentiment"`
	FollowUpsOpen   int                    `json:"followUpsOpen"`
}

// Analytics computes aggregates over all history entries.
func (s *Store) Analytics() Analytics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := Analytics{
		ByCategory:  map[string]int{},
		ByPriority:  map[call.Priority]int{},
		BySentiment: map[call.Sentiment]int{},
	}
	var total time.Duration
	for _, item := range s.history {
		a.TotalCalls++
		total += item.Duration
		if item.Category != nil {
			a.ByCategory[item.Category.ID]++
		}
		a.ByPriority[item.Priority]++
		a.BySentiment[item.Summary.Sentiment]++
		if item.Summary.FollowUpRequired {
			a.FollowUpsOpen++
		}
	}
	if a.TotalCalls > 0 {
		a.AverageDuration = total / time.Duration(a.TotalCalls)
	}
	return a
}
