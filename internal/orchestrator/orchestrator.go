// Package orchestrator coordinates capture, response generation, synthesis,
// and session state for one call at a time. It is the only component that
// transitions call status and the only caller of the responder chain, which
// is what enforces the single-in-flight and half-duplex rules.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/capture"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
	"github.com/Gonna-AI/call-agent/internal/respond"
	"github.com/Gonna-AI/call-agent/internal/session"
	"github.com/Gonna-AI/call-agent/internal/summary"
	"github.com/Gonna-AI/call-agent/internal/synth"
)

// ErrMicrophoneDenied surfaces a fatal permission failure to the client.
var ErrMicrophoneDenied = errors.New("orchestrator: microphone permission denied")

// apologyUtterance keeps the conversation going when every responder tier
// fails: the call continues instead of going silent or hanging up.
const apologyUtterance = "I'm sorry, I'm having trouble responding right now. Could you please repeat that?"

// Notifier receives state updates for connected clients. Implementations must
// not block; the orchestrator calls these while holding no locks but on hot
// paths.
type Notifier interface {
	StatusChanged(status call.Status, agent call.AgentStatus)
	Utterance(u call.Utterance)
	Interim(text string)
	CallEnded(item call.HistoryItem)
	Heartbeat(elapsed time.Duration)
	Fatal(err error)
}

// NopNotifier ignores all events.
type NopNotifier struct{}

func (NopNotifier) StatusChanged(call.Status, call.AgentStatus) {}
func (NopNotifier) Utterance(call.Utterance)                    {}
func (NopNotifier) Interim(string)                              {}
func (NopNotifier) CallEnded(call.HistoryItem)                  {}
func (NopNotifier) Heartbeat(time.Duration)                     {}
func (NopNotifier) Fatal(error)                                 {}

// Options carries the orchestration tunables.
type Options struct {
	SendCooldown   time.Duration
	HeartbeatEvery time.Duration
	SummaryTimeout time.Duration
	Voice          string
	Speed          float64
}

// Orchestrator drives one call. All exported methods are safe for concurrent
// use; state transitions are serialized by mu.
type Orchestrator struct {
	store      *session.Store
	kb         *knowledge.Store
	capture    *capture.Adapter
	speaker    *synth.Speaker
	responder  *respond.Chain
	summarizer summary.Summarizer
	notifier   Notifier
	opts       Options
	log        *logrus.Entry

	mu          sync.Mutex
	status      call.Status
	agentStatus call.AgentStatus
	callType    call.Type
	gen         int
	muted       bool
	inFlight    bool
	lastSend    time.Time
	startedAt   time.Time
	stopBeat    chan struct{}
}

// New wires the orchestrator. notifier may be nil.
func New(store *session.Store, kb *knowledge.Store, cap *capture.Adapter, speaker *synth.Speaker, responder *respond.Chain, summarizer summary.Summarizer, notifier Notifier, opts Options, log *logrus.Entry) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if opts.SendCooldown <= 0 {
		opts.SendCooldown = 1500 * time.Millisecond
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 30 * time.Second
	}
	if opts.SummaryTimeout <= 0 {
		opts.SummaryTimeout = 40 * time.Second
	}
	return &Orchestrator{
		store:       store,
		kb:          kb,
		capture:     cap,
		speaker:     speaker,
		responder:   responder,
		summarizer:  summarizer,
		notifier:    notifier,
		opts:        opts,
		log:         log,
		status:      call.StatusIdle,
		agentStatus: call.AgentIdle,
	}
}

// Status returns the current call and agent status.
func (o *Orchestrator) Status() (call.Status, call.AgentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status, o.agentStatus
}

// Muted reports whether the microphone is muted.
func (o *Orchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

// StartCall begins a new call. Starting while a call is active performs an
// implicit end first so the new call gets a clean session. The audio path is
// unlocked here because StartCall runs inside the client's start gesture.
func (o *Orchestrator) StartCall(ctx context.Context, t call.Type) (*call.Session, error) {
	o.mu.Lock()
	if o.status == call.StatusActive || o.status == call.StatusConnecting {
		o.mu.Unlock()
		o.log.Warn("start requested during active call; ending previous call first")
		o.EndCall(ctx)
		o.mu.Lock()
	}
	o.gen++
	gen := o.gen
	o.status = call.StatusConnecting
	o.agentStatus = call.AgentIdle
	o.callType = t
	o.muted = false
	o.inFlight = false
	o.lastSend = time.Time{}
	o.startedAt = time.Now()
	o.stopBeat = make(chan struct{})
	stopBeat := o.stopBeat
	o.mu.Unlock()

	o.speaker.Unlock()
	o.notifier.StatusChanged(call.StatusConnecting, call.AgentIdle)

	sess := o.store.StartCall(t)
	o.responder.Reset()

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return sess, nil
	}
	o.status = call.StatusActive
	o.agentStatus = call.AgentIdle
	o.mu.Unlock()
	o.notifier.StatusChanged(call.StatusActive, call.AgentIdle)

	go o.heartbeat(gen, stopBeat)

	// Greeting plays before the microphone arms: output and input are never
	// live at once.
	greeting := strings.TrimSpace(o.kb.Get().Greeting)
	if greeting != "" {
		if u, ok := o.store.AddMessage(call.SpeakerAgent, greeting); ok {
			o.notifier.Utterance(u)
		}
		// Playback outlives the start request.
		go o.speakReply(context.Background(), gen, greeting)
	} else {
		o.armCapture(gen)
	}
	return sess, nil
}

// EndCall tears the call down. Safe to call any number of times; only the
// first invocation per call does work.
func (o *Orchestrator) EndCall(ctx context.Context) {
	o.mu.Lock()
	if o.status != call.StatusActive && o.status != call.StatusConnecting {
		o.mu.Unlock()
		return
	}
	o.gen++
	o.status = call.StatusEnded
	o.agentStatus = call.AgentIdle
	if o.stopBeat != nil {
		close(o.stopBeat)
		o.stopBeat = nil
	}
	o.mu.Unlock()

	// Pending capture text is discarded, not committed; playback stops
	// mid-utterance.
	o.capture.Abort()
	o.speaker.Stop()
	o.notifier.StatusChanged(call.StatusEnded, call.AgentIdle)

	item, sess, ok := o.store.EndCall()
	if ok {
		o.notifier.CallEnded(item)
		go o.generateSummary(item.ID, sess)
	}

	o.mu.Lock()
	o.status = call.StatusIdle
	o.mu.Unlock()
	o.notifier.StatusChanged(call.StatusIdle, call.AgentIdle)
}

// generateSummary upgrades the placeholder summary off the call path, bounded
// by the summary timeout so a stalled backend cannot hold the entry forever.
func (o *Orchestrator) generateSummary(id string, sess *call.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.SummaryTimeout)
	defer cancel()
	sum, err := o.summarizer.Summarize(ctx, sess)
	if err != nil {
		// Fallback summarizers never error; a bare Summarizer might.
		o.log.WithError(err).Warn("summary generation failed; keeping heuristic")
		sum = summary.Heuristic(sess)
	}
	o.store.AttachSummary(id, sum)
}

// SetMuted toggles the microphone. Muting during processing or speaking only
// records the flag; capture is already stopped in those states. Unmuting
// mid-response likewise only records the flag and lets the turn re-arm when
// it finishes, so capture and synthesis are never live at once.
func (o *Orchestrator) SetMuted(muted bool) {
	o.mu.Lock()
	if o.muted == muted {
		o.mu.Unlock()
		return
	}
	o.muted = muted
	active := o.status == call.StatusActive
	listening := o.agentStatus == call.AgentListening
	idle := o.agentStatus == call.AgentIdle
	busy := o.inFlight
	gen := o.gen
	o.mu.Unlock()

	if !active {
		return
	}
	if muted && listening {
		o.capture.Abort()
		o.setAgentStatus(gen, call.AgentIdle)
	} else if !muted && idle && !busy && !o.speaker.Speaking() {
		o.armCapture(gen)
	}
}

// SendText runs one text turn. It applies the send cooldown and the
// single-in-flight rule: turns arriving too fast or while a response is being
// generated are dropped, not queued.
func (o *Orchestrator) SendText(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	o.mu.Lock()
	if o.status != call.StatusActive {
		o.mu.Unlock()
		o.log.Warn("text dropped; no active call")
		return false
	}
	if o.inFlight {
		o.mu.Unlock()
		o.log.Debug("text dropped; response in flight")
		return false
	}
	if !o.lastSend.IsZero() && time.Since(o.lastSend) < o.opts.SendCooldown {
		o.mu.Unlock()
		o.log.Debug("text dropped; send cooldown")
		return false
	}
	o.inFlight = true
	o.lastSend = time.Now()
	gen := o.gen
	o.mu.Unlock()

	// The turn outlives the caller's request; detach from its context.
	go o.turn(context.Background(), gen, text)
	return true
}

// TextTurnSync runs one turn and returns the agent reply text. Surfaces that
// deliver speech themselves (telephony) use this instead of SendText; the
// cooldown does not apply because the carrier already paces turns.
func (o *Orchestrator) TextTurnSync(ctx context.Context, text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	o.mu.Lock()
	if o.status != call.StatusActive || o.inFlight {
		o.mu.Unlock()
		return "", false
	}
	o.inFlight = true
	o.lastSend = time.Now()
	gen := o.gen
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	o.setAgentStatus(gen, call.AgentProcessing)
	if u, ok := o.store.AddMessage(call.SpeakerUser, text); ok {
		o.notifier.Utterance(u)
	}
	sess := o.store.Current()
	if sess == nil {
		return "", false
	}
	resp, err := o.responder.Respond(ctx, text, sess.Messages, sess.ExtractedFields, o.kb.Get())
	if err != nil {
		// Only reachable with no mock tier configured. Keep the caller on
		// the line with a generic apology.
		o.log.WithError(err).Error("responder chain exhausted")
		resp = respond.Response{Text: apologyUtterance, Source: "fallback"}
	}
	if o.stale(gen) {
		return "", false
	}
	for _, f := range resp.ExtractedFields {
		o.store.UpdateExtractedField(f)
	}
	if resp.SuggestedCategory != nil {
		o.store.SetCallCategory(*resp.SuggestedCategory)
	}
	if resp.SuggestedPriority != "" {
		o.store.SetCallPriority(resp.SuggestedPriority)
	}
	if u, ok := o.store.AddMessage(call.SpeakerAgent, resp.Text); ok {
		o.notifier.Utterance(u)
	}
	o.setAgentStatus(gen, call.AgentIdle)
	return resp.Text, true
}

// CaptureCallbacks returns the callback set wiring the capture adapter into
// the orchestrator.
func (o *Orchestrator) CaptureCallbacks() capture.Callbacks {
	return capture.Callbacks{
		OnInterim: func(text string) {
			o.notifier.Interim(text)
		},
		OnCommit: func(text string) {
			o.onCommit(text)
		},
		OnPermissionDenied: func(message string) {
			o.log.WithField("message", message).Error("microphone permission denied")
			o.notifier.Fatal(ErrMicrophoneDenied)
			o.EndCall(context.Background())
		},
		OnError: func(code, message string) {
			o.log.WithFields(logrus.Fields{"code": code, "message": message}).Warn("recognition error; returning to idle")
			o.mu.Lock()
			gen := o.gen
			o.mu.Unlock()
			o.setAgentStatus(gen, call.AgentIdle)
		},
	}
}

// onCommit handles a committed voice utterance. Commits bypass the send
// cooldown (the silence window already paces them) but still respect the
// single-in-flight rule.
func (o *Orchestrator) onCommit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.mu.Lock()
	if o.status != call.StatusActive || o.inFlight {
		o.mu.Unlock()
		o.log.Debug("commit dropped; not accepting turns")
		return
	}
	o.inFlight = true
	o.lastSend = time.Now()
	gen := o.gen
	o.mu.Unlock()

	go o.turn(context.Background(), gen, text)
}

// turn executes one user turn end to end. Results from a superseded call
// generation are discarded at every step.
func (o *Orchestrator) turn(ctx context.Context, gen int, text string) {
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	if o.stale(gen) {
		return
	}

	// Capture stays off while we think and speak.
	o.capture.Stop()
	o.setAgentStatus(gen, call.AgentProcessing)

	if u, ok := o.store.AddMessage(call.SpeakerUser, text); ok {
		o.notifier.Utterance(u)
	}

	sess := o.store.Current()
	if sess == nil {
		return
	}
	kb := o.kb.Get()
	resp, err := o.responder.Respond(ctx, text, sess.Messages, sess.ExtractedFields, kb)
	if err != nil {
		// Only reachable with no mock tier configured. Apologize out loud
		// rather than leaving the caller in silence.
		o.log.WithError(err).Error("responder chain exhausted")
		resp = respond.Response{Text: apologyUtterance, Source: "fallback"}
	}
	if o.stale(gen) {
		o.log.Debug("discarding response for ended call")
		return
	}

	for _, f := range resp.ExtractedFields {
		o.store.UpdateExtractedField(f)
	}
	if resp.SuggestedCategory != nil {
		o.store.SetCallCategory(*resp.SuggestedCategory)
	}
	if resp.SuggestedPriority != "" {
		o.store.SetCallPriority(resp.SuggestedPriority)
	}

	if u, ok := o.store.AddMessage(call.SpeakerAgent, resp.Text); ok {
		o.notifier.Utterance(u)
	}

	o.speakReply(ctx, gen, resp.Text)
}

// speakReply plays one agent utterance and re-arms capture when it finishes,
// on success and on error alike.
func (o *Orchestrator) speakReply(ctx context.Context, gen int, text string) {
	if o.callTypeIs(call.TypeText) {
		// Text chats never synthesize; go straight back to accepting input.
		o.rearmAfterTurn(gen)
		return
	}
	err := o.speaker.Speak(ctx, text, synth.Options{
		Voice: o.opts.Voice,
		Speed: o.opts.Speed,
		OnStart: func() {
			o.setAgentStatus(gen, call.AgentSpeaking)
		},
		OnEnd: func() {
			o.rearmAfterTurn(gen)
		},
		OnError: func(err error) {
			if !errors.Is(err, synth.ErrStopped) {
				o.log.WithError(err).Warn("speech playback error")
			}
			o.rearmAfterTurn(gen)
		},
	})
	if err != nil && !errors.Is(err, synth.ErrStopped) {
		o.log.WithError(err).Warn("speak failed")
	}
}

// rearmAfterTurn returns the agent to listening (or idle when muted) if the
// call generation is still current.
func (o *Orchestrator) rearmAfterTurn(gen int) {
	o.mu.Lock()
	if o.gen != gen || o.status != call.StatusActive {
		o.mu.Unlock()
		return
	}
	muted := o.muted
	o.mu.Unlock()
	if muted || o.callTypeIs(call.TypeText) {
		o.setAgentStatus(gen, call.AgentIdle)
		return
	}
	o.armCapture(gen)
}

// armCapture starts recognition and flips to listening.
func (o *Orchestrator) armCapture(gen int) {
	o.mu.Lock()
	if o.gen != gen || o.status != call.StatusActive || o.muted || o.callType != call.TypeVoice {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	if !o.capture.Supported() {
		o.setAgentStatus(gen, call.AgentIdle)
		return
	}
	o.capture.Start()
	o.setAgentStatus(gen, call.AgentListening)
}

// setAgentStatus updates the sub-state if gen is still current and notifies.
func (o *Orchestrator) setAgentStatus(gen int, st call.AgentStatus) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	if o.agentStatus == st {
		o.mu.Unlock()
		return
	}
	o.agentStatus = st
	status := o.status
	o.mu.Unlock()
	o.notifier.StatusChanged(status, st)
}

func (o *Orchestrator) callTypeIs(t call.Type) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callType == t
}

func (o *Orchestrator) stale(gen int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen != gen || o.status != call.StatusActive
}

// heartbeat emits elapsed-time ticks while the call runs so clients can show
// a live duration and detect a wedged server.
func (o *Orchestrator) heartbeat(gen int, stop chan struct{}) {
	ticker := time.NewTicker(o.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			o.mu.Lock()
			if o.gen != gen || o.status != call.StatusActive {
				o.mu.Unlock()
				return
			}
			elapsed := time.Since(o.startedAt)
			o.mu.Unlock()
			o.notifier.Heartbeat(elapsed)
		}
	}
}
