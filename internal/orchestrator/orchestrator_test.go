package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/capture"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
	"github.com/Gonna-AI/call-agent/internal/logger"
	"github.com/Gonna-AI/call-agent/internal/respond"
	"github.com/Gonna-AI/call-agent/internal/session"
	"github.com/Gonna-AI/call-agent/internal/summary"
	"github.com/Gonna-AI/call-agent/internal/synth"
)

type recordingNotifier struct {
	mu         sync.Mutex
	statuses   []call.AgentStatus
	utterances []call.Utterance
	ended      []call.HistoryItem
	fatals     []error
}

func (r *recordingNotifier) StatusChanged(_ call.Status, agent call.AgentStatus) {
	r.mu.Lock()
	r.statuses = append(r.statuses, agent)
	r.mu.Unlock()
}

func (r *recordingNotifier) Utterance(u call.Utterance) {
	r.mu.Lock()
	r.utterances = append(r.utterances, u)
	r.mu.Unlock()
}

func (r *recordingNotifier) Interim(string) {}

func (r *recordingNotifier) CallEnded(item call.HistoryItem) {
	r.mu.Lock()
	r.ended = append(r.ended, item)
	r.mu.Unlock()
}

func (r *recordingNotifier) Heartbeat(time.Duration) {}

func (r *recordingNotifier) Fatal(err error) {
	r.mu.Lock()
	r.fatals = append(r.fatals, err)
	r.mu.Unlock()
}

func (r *recordingNotifier) agentUtterances() []call.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []call.Utterance
	for _, u := range r.utterances {
		if u.Speaker == call.SpeakerAgent {
			out = append(out, u)
		}
	}
	return out
}

type slowResponder struct {
	delay time.Duration
	reply string
}

func (s *slowResponder) Name() string { return "slow" }
func (s *slowResponder) Reset()       {}
func (s *slowResponder) Respond(ctx context.Context, _ string, _ []call.Utterance, _ []call.ExtractedField, _ knowledge.Config) (respond.Response, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return respond.Response{}, ctx.Err()
	}
	return respond.Response{Text: s.reply}, nil
}

type failingResponder struct{}

func (failingResponder) Name() string { return "failing" }
func (failingResponder) Reset()       {}
func (failingResponder) Respond(_ context.Context, _ string, _ []call.Utterance, _ []call.ExtractedField, _ knowledge.Config) (respond.Response, error) {
	return respond.Response{}, errors.New("backend down")
}

type synthBackend struct{}

func (synthBackend) Name() string { return "test" }
func (synthBackend) Synthesize(_ context.Context, text, _ string, _ float64) ([]byte, error) {
	return []byte(text), nil
}

// slowSynthBackend holds each chunk for delay so tests can observe the
// speaking window.
type slowSynthBackend struct{ delay time.Duration }

func (slowSynthBackend) Name() string { return "slow-synth" }
func (s slowSynthBackend) Synthesize(ctx context.Context, text, _ string, _ float64) ([]byte, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte(text), nil
}

type harness struct {
	orch     *Orchestrator
	store    *session.Store
	engine   *capture.PushEngine
	notifier *recordingNotifier
}

func newHarness(t *testing.T, tiers ...respond.Responder) *harness {
	t.Helper()
	return newHarnessWithBackend(t, synthBackend{}, tiers...)
}

func newHarnessWithBackend(t *testing.T, backend synth.Backend, tiers ...respond.Responder) *harness {
	t.Helper()
	log := logger.Discard()
	store := session.NewStore(nil, logger.Component(log, "session"))
	kb := knowledge.NewStore(knowledge.Default())

	eng := capture.NewPushEngine()
	cap := capture.NewAdapter(
		func(string) (capture.Engine, error) { return eng, nil },
		"en-US", capture.Callbacks{},
		capture.Options{SilenceWindow: 40 * time.Millisecond},
		logger.Component(log, "capture"),
	)

	speaker := synth.NewSpeaker(backend, nil, synth.NopSink{}, 5*time.Second, logger.Component(log, "synth"))

	if len(tiers) == 0 {
		tiers = []respond.Responder{respond.NewMockResponder()}
	}
	chain := respond.NewChain(logger.Component(log, "respond"), tiers...)
	summarizer := summary.NewFallback(nil, logger.Component(log, "summary"))

	notifier := &recordingNotifier{}
	orch := New(store, kb, cap, speaker, chain, summarizer, notifier, Options{
		SendCooldown:   300 * time.Millisecond,
		HeartbeatEvery: time.Hour,
		SummaryTimeout: time.Second,
	}, logger.Component(log, "orchestrator"))
	cap.SetCallbacks(orch.CaptureCallbacks())

	return &harness{orch: orch, store: store, engine: eng, notifier: notifier}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestOrchestrator_StartCallActivates(t *testing.T) {
	h := newHarness(t)
	sess, err := h.orch.StartCall(context.Background(), call.TypeVoice)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess == nil {
		t.Fatalf("start returned no session")
	}
	status, _ := h.orch.Status()
	if status != call.StatusActive {
		t.Fatalf("expected active call, got %q", status)
	}
	// The greeting plays first, then the microphone arms.
	waitFor(t, 2*time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentListening
	})
}

func TestOrchestrator_VoiceTurnEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.orch.StartCall(context.Background(), call.TypeVoice)
	waitFor(t, 2*time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentListening
	})

	h.engine.Push("my name is Grace", true)

	// Silence window elapses, the utterance commits, the mock tier replies,
	// speech plays, and the mic re-arms.
	waitFor(t, 3*time.Second, func() bool { return len(h.notifier.agentUtterances()) >= 2 })
	waitFor(t, 2*time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentListening
	})

	sess := h.store.Current()
	if sess == nil {
		t.Fatalf("session lost")
	}
	if _, ok := sess.Field("name"); !ok {
		t.Fatalf("name was not extracted into the session")
	}
}

func TestOrchestrator_SendCooldownDropsRapidSends(t *testing.T) {
	h := newHarness(t)
	h.orch.StartCall(context.Background(), call.TypeText)
	waitFor(t, time.Second, func() bool {
		status, _ := h.orch.Status()
		return status == call.StatusActive
	})

	if !h.orch.SendText(context.Background(), "first") {
		t.Fatalf("first send should be accepted")
	}
	// Wait for the turn to finish so only the cooldown can reject.
	waitFor(t, 2*time.Second, func() bool { return len(h.notifier.agentUtterances()) >= 2 })
	if h.orch.SendText(context.Background(), "second immediately") {
		t.Fatalf("send within cooldown must be dropped")
	}
	time.Sleep(350 * time.Millisecond)
	if !h.orch.SendText(context.Background(), "third after cooldown") {
		t.Fatalf("send after cooldown should be accepted")
	}
}

func TestOrchestrator_SingleInFlightResponse(t *testing.T) {
	h := newHarness(t, &slowResponder{delay: 500 * time.Millisecond, reply: "slow reply"})
	h.orch.StartCall(context.Background(), call.TypeText)
	waitFor(t, time.Second, func() bool {
		status, _ := h.orch.Status()
		return status == call.StatusActive
	})

	if !h.orch.SendText(context.Background(), "first") {
		t.Fatalf("first send rejected")
	}
	time.Sleep(350 * time.Millisecond) // past the cooldown, still in flight
	if h.orch.SendText(context.Background(), "second while in flight") {
		t.Fatalf("concurrent turn must be dropped")
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.notifier.agentUtterances()) >= 2 })
}

func TestOrchestrator_EndCallIdempotent(t *testing.T) {
	h := newHarness(t)
	h.orch.StartCall(context.Background(), call.TypeVoice)

	for i := 0; i < 3; i++ {
		h.orch.EndCall(context.Background())
	}
	status, _ := h.orch.Status()
	if status != call.StatusIdle {
		t.Fatalf("expected idle after end, got %q", status)
	}
	h.notifier.mu.Lock()
	ended := len(h.notifier.ended)
	h.notifier.mu.Unlock()
	if ended != 1 {
		t.Fatalf("call must end exactly once, got %d end events", ended)
	}
	if got := len(h.store.History(session.Filter{})); got != 1 {
		t.Fatalf("exactly one history entry expected, got %d", got)
	}
}

func TestOrchestrator_StaleResponseDiscarded(t *testing.T) {
	h := newHarness(t, &slowResponder{delay: 300 * time.Millisecond, reply: "too late"})
	h.orch.StartCall(context.Background(), call.TypeText)
	waitFor(t, time.Second, func() bool {
		status, _ := h.orch.Status()
		return status == call.StatusActive
	})

	h.orch.SendText(context.Background(), "question")
	time.Sleep(50 * time.Millisecond)
	h.orch.EndCall(context.Background())
	time.Sleep(400 * time.Millisecond)

	items := h.store.History(session.Filter{})
	if len(items) != 1 {
		t.Fatalf("expected one history entry, got %d", len(items))
	}
	for _, m := range items[0].Messages {
		if m.Text == "too late" {
			t.Fatalf("stale response leaked into the ended call")
		}
	}
}

func TestOrchestrator_StartDuringActiveEndsPrevious(t *testing.T) {
	h := newHarness(t)
	first, _ := h.orch.StartCall(context.Background(), call.TypeVoice)
	second, err := h.orch.StartCall(context.Background(), call.TypeVoice)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("implicit restart must create a fresh session")
	}
	if got := len(h.store.History(session.Filter{})); got != 1 {
		t.Fatalf("previous call should be in history, got %d entries", got)
	}
	status, _ := h.orch.Status()
	if status != call.StatusActive {
		t.Fatalf("second call should be active, got %q", status)
	}
}

func TestOrchestrator_MuteStopsListening(t *testing.T) {
	h := newHarness(t)
	h.orch.StartCall(context.Background(), call.TypeVoice)
	waitFor(t, 2*time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentListening
	})

	h.orch.SetMuted(true)
	waitFor(t, time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentIdle
	})

	// Muted mic: results must not become turns.
	h.engine.Push("should be ignored", true)
	time.Sleep(150 * time.Millisecond)
	if len(h.notifier.agentUtterances()) > 1 {
		t.Fatalf("muted call must not produce turns beyond the greeting")
	}

	h.orch.SetMuted(false)
	waitFor(t, time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentListening
	})
}

func TestOrchestrator_SummaryUpgradesAfterEnd(t *testing.T) {
	h := newHarness(t)
	h.orch.StartCall(context.Background(), call.TypeText)
	waitFor(t, time.Second, func() bool {
		status, _ := h.orch.Status()
		return status == call.StatusActive
	})
	h.orch.SendText(context.Background(), "I need help with my terrible broken printer")
	waitFor(t, 2*time.Second, func() bool { return len(h.notifier.agentUtterances()) >= 2 })

	h.orch.EndCall(context.Background())
	items := h.store.History(session.Filter{})
	if len(items) != 1 {
		t.Fatalf("expected one history entry")
	}
	id := items[0].ID
	waitFor(t, 3*time.Second, func() bool {
		item, ok := h.store.HistoryItem(id)
		return ok && len(item.Summary.MainPoints) > 0 && item.Summary.MainPoints[0] != "Summary is being generated"
	})
}

func TestOrchestrator_PermissionDeniedEndsCall(t *testing.T) {
	h := newHarness(t)
	h.orch.StartCall(context.Background(), call.TypeVoice)
	waitFor(t, 2*time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentListening
	})

	h.engine.Fail(capture.ErrPermissionDenied, "blocked")
	waitFor(t, 2*time.Second, func() bool {
		status, _ := h.orch.Status()
		return status == call.StatusIdle
	})
	h.notifier.mu.Lock()
	fatals := len(h.notifier.fatals)
	h.notifier.mu.Unlock()
	if fatals != 1 {
		t.Fatalf("permission denial must surface exactly once, got %d", fatals)
	}
}

func TestOrchestrator_UnmuteWhileSpeakingDefersCapture(t *testing.T) {
	h := newHarnessWithBackend(t, slowSynthBackend{delay: 400 * time.Millisecond})
	h.orch.StartCall(context.Background(), call.TypeVoice)

	// Greeting playback is underway.
	waitFor(t, time.Second, func() bool { return h.orch.speaker.Speaking() })

	h.orch.SetMuted(true)
	h.orch.SetMuted(false)

	if h.engine.Running() {
		t.Fatalf("capture must not arm while the agent is speaking")
	}
	if _, agent := h.orch.Status(); agent == call.AgentListening {
		t.Fatalf("unmute mid-speech must not flip to listening")
	}

	// Once playback finishes the turn re-arms on its own.
	waitFor(t, 3*time.Second, func() bool {
		_, agent := h.orch.Status()
		return agent == call.AgentListening
	})
	if !h.engine.Running() {
		t.Fatalf("capture should arm after speech ends")
	}
}

func TestOrchestrator_ResponderExhaustionApologizes(t *testing.T) {
	h := newHarness(t, failingResponder{})
	h.orch.StartCall(context.Background(), call.TypeText)
	waitFor(t, time.Second, func() bool {
		status, _ := h.orch.Status()
		return status == call.StatusActive
	})

	reply, ok := h.orch.TextTurnSync(context.Background(), "are you there?")
	if !ok || reply == "" {
		t.Fatalf("exhausted chain must still reply, got ok=%v reply=%q", ok, reply)
	}
	sess := h.store.Current()
	last := sess.Messages[len(sess.Messages)-1]
	if last.Speaker != call.SpeakerAgent || last.Text != reply {
		t.Fatalf("apology missing from transcript: %+v", last)
	}

	// The async path keeps the call alive too.
	time.Sleep(350 * time.Millisecond)
	if !h.orch.SendText(context.Background(), "hello again") {
		t.Fatalf("send after failed turn rejected")
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.notifier.agentUtterances()) >= 3 })
	if status, _ := h.orch.Status(); status != call.StatusActive {
		t.Fatalf("call must stay active after responder failure, got %q", status)
	}
}

func TestOrchestrator_TextTurnSync(t *testing.T) {
	h := newHarness(t)
	h.orch.StartCall(context.Background(), call.TypeText)
	waitFor(t, time.Second, func() bool {
		status, _ := h.orch.Status()
		return status == call.StatusActive
	})

	reply, ok := h.orch.TextTurnSync(context.Background(), "my name is Hana")
	if !ok || reply == "" {
		t.Fatalf("sync turn failed: ok=%v reply=%q", ok, reply)
	}
	sess := h.store.Current()
	if _, found := sess.Field("name"); !found {
		t.Fatalf("sync turn should extract fields")
	}
}
