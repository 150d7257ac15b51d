package capture

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
)

// DefaultSilenceWindow is the quiet period a final result must survive before
// it is committed as a completed utterance. Recognition backends often report
// several "final" segments for one spoken sentence; committing only after
// silence prevents fragment-by-fragment premature replies.
const DefaultSilenceWindow = 800 * time.Millisecond

// ContinuationExtension is added to the silence window when the last word
// suggests the speaker is likely to continue (e.g. "and", "if", "to").
const ContinuationExtension = 1200 * time.Millisecond

// RestartSettle is the delay before restarting an engine that ended on its
// own, avoiding rapid start/stop thrashing.
const RestartSettle = 200 * time.Millisecond

// Callbacks receives adapter output. All callbacks are invoked from the
// adapter's event goroutine; handlers must not block.
type Callbacks struct {
	// OnInterim streams partial text for live caption display.
	OnInterim func(text string)
	// OnCommit delivers a finalized utterance after the silence window.
	OnCommit func(text string)
	// OnPermissionDenied fires when the engine reports the microphone was
	// denied; the attempt is fatal and will not be retried.
	OnPermissionDenied func(message string)
	// OnError fires for unexpected engine errors after the adapter has
	// reset itself to idle.
	OnError func(code, message string)
}

// Options tune the adapter.
type Options struct {
	SilenceWindow time.Duration
	RestartSettle time.Duration
}

// Adapter manages one recognition engine's lifecycle and turns its raw result
// stream into committed utterances.
type Adapter struct {
	factory Factory
	cb      Callbacks
	opts    Options
	log     *logrus.Entry

	mu      sync.Mutex
	engine  Engine
	locale  string
	armed   bool
	gen     int
	pending string
	timer   *time.Timer
}

// NewAdapter builds an adapter. A nil factory yields an adapter for which
// Supported() is false; Start is then a logged no-op so callers can degrade
// to text-only mode without branching.
func NewAdapter(factory Factory, locale string, cb Callbacks, opts Options, log *logrus.Entry) *Adapter {
	if opts.SilenceWindow <= 0 {
		opts.SilenceWindow = DefaultSilenceWindow
	}
	if opts.RestartSettle <= 0 {
		opts.RestartSettle = RestartSettle
	}
	return &Adapter{factory: factory, locale: locale, cb: cb, opts: opts, log: log}
}

// Supported reports whether a recognition engine is available at all.
func (a *Adapter) Supported() bool { return a.factory != nil }

// SetCallbacks installs the callback set. Must be called before Start; the
// orchestrator and the adapter are built in separate steps because they
// reference each other.
func (a *Adapter) SetCallbacks(cb Callbacks) {
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()
}

// Listening reports whether the adapter is currently armed.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

// Start begins continuous listening. No-op if already running. Engine
// failures are logged, never propagated: the caller must not crash because a
// recognition backend refused to start.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.armed {
		a.mu.Unlock()
		return
	}
	if a.factory == nil {
		a.mu.Unlock()
		a.log.Debug("capture unsupported; staying in text-only mode")
		return
	}
	if a.engine == nil {
		eng, err := a.factory(a.locale)
		if err != nil {
			a.mu.Unlock()
			a.log.WithError(err).Warn("capture engine create failed")
			return
		}
		a.engine = eng
		a.gen++
		go a.consume(a.engine, a.gen)
	}
	a.armed = true
	eng := a.engine
	a.mu.Unlock()

	if err := eng.Start(); err != nil {
		// Engines throw when already started; swallow and keep going.
		a.log.WithError(err).Debug("capture engine start")
	}
}

// Stop halts listening gracefully. The pending buffer is cleared, not
// committed. Idempotent.
func (a *Adapter) Stop() {
	a.halt(false)
}

// Abort halts listening immediately, discarding in-flight results. Idempotent.
func (a *Adapter) Abort() {
	a.halt(true)
}

func (a *Adapter) halt(abort bool) {
	a.mu.Lock()
	a.armed = false
	a.clearPendingLocked()
	eng := a.engine
	a.mu.Unlock()
	if eng == nil {
		return
	}
	var err error
	if abort {
		err = eng.Abort()
	} else {
		err = eng.Stop()
	}
	if err != nil {
		a.log.WithError(err).Debug("capture engine halt")
	}
}

// SetLocale changes the recognition language. The underlying engine cannot be
// reconfigured while running, so it is torn down and recreated on next Start.
func (a *Adapter) SetLocale(locale string) {
	a.mu.Lock()
	if locale == a.locale {
		a.mu.Unlock()
		return
	}
	a.locale = locale
	a.armed = false
	a.clearPendingLocked()
	eng := a.engine
	a.engine = nil
	a.gen++ // orphan the old consume loop
	a.mu.Unlock()
	if eng != nil {
		if err := eng.Close(); err != nil {
			a.log.WithError(err).Debug("capture engine close on locale change")
		}
	}
}

// Close releases the engine.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.armed = false
	a.clearPendingLocked()
	eng := a.engine
	a.engine = nil
	a.gen++
	a.mu.Unlock()
	if eng != nil {
		_ = eng.Close()
	}
}

func (a *Adapter) consume(eng Engine, gen int) {
	for ev := range eng.Events() {
		a.mu.Lock()
		stale := gen != a.gen
		a.mu.Unlock()
		if stale {
			return
		}
		switch ev.Kind {
		case EventResult:
			a.onResult(ev)
		case EventError:
			a.onEngineError(ev)
		case EventEnd:
			a.onEngineEnd(eng, gen)
		}
	}
}

func (a *Adapter) onResult(ev Event) {
	if !ev.Final {
		if a.cb.OnInterim != nil && strings.TrimSpace(ev.Text) != "" {
			a.cb.OnInterim(ev.Text)
		}
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.armed {
		return
	}
	// Newer final results supersede the buffered one; the commit delivers
	// whatever was buffered last when the quiet period finally elapses.
	a.pending = text
	window := a.opts.SilenceWindow
	if isContinuationLikely(a.pending) {
		window += ContinuationExtension
	}
	if a.timer == nil {
		a.timer = time.AfterFunc(window, a.commit)
	} else {
		a.timer.Stop()
		a.timer.Reset(window)
	}
}

// commit fires once the silence window elapses with no newer final result.
func (a *Adapter) commit() {
	a.mu.Lock()
	text := a.pending
	armed := a.armed
	a.clearPendingLocked()
	a.mu.Unlock()
	if !armed || text == "" {
		return
	}
	if a.cb.OnCommit != nil {
		a.cb.OnCommit(text)
	}
}

func (a *Adapter) clearPendingLocked() {
	a.pending = ""
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Adapter) onEngineError(ev Event) {
	switch ev.Code {
	case ErrNoSpeech, ErrAborted:
		// Benign; the engine keeps running or will signal end-of-stream.
		return
	case ErrPermissionDenied:
		a.log.WithField("code", ev.Code).Warn("microphone permission denied")
		a.mu.Lock()
		a.armed = false
		a.clearPendingLocked()
		a.mu.Unlock()
		if a.cb.OnPermissionDenied != nil {
			a.cb.OnPermissionDenied(ev.Message)
		}
	default:
		a.log.WithFields(logrus.Fields{"code": ev.Code, "message": ev.Message}).Warn("capture engine error")
		a.mu.Lock()
		a.armed = false
		a.clearPendingLocked()
		a.mu.Unlock()
		if a.cb.OnError != nil {
			a.cb.OnError(ev.Code, ev.Message)
		}
	}
}

// onEngineEnd restarts the engine after a settle delay, but only if the
// adapter is still armed: engines routinely time themselves out mid-call.
func (a *Adapter) onEngineEnd(eng Engine, gen int) {
	a.mu.Lock()
	armed := a.armed && gen == a.gen
	a.mu.Unlock()
	if !armed {
		return
	}
	time.AfterFunc(a.opts.RestartSettle, func() {
		a.mu.Lock()
		stillArmed := a.armed && gen == a.gen
		a.mu.Unlock()
		if !stillArmed {
			return
		}
		if err := eng.Start(); err != nil {
			a.log.WithError(err).Debug("capture engine restart")
		}
	})
}

// isContinuationLikely reports whether the last meaningful word indicates the
// speaker is mid-sentence (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
