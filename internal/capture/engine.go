// Package capture converts a continuous recognition stream into discrete,
// finalized text utterances. The Adapter owns the start/stop/restart
// lifecycle and the silence-commit policy; Engine implementations wrap the
// actual recognition backends.
package capture

import "sync"

// Error codes surfaced by recognition engines. Anything outside this set is
// treated as an unexpected engine failure.
const (
	ErrPermissionDenied = "permission-denied"
	ErrNoSpeech         = "no-speech"
	ErrAborted          = "aborted"
)

// EventKind discriminates engine events.
type EventKind int

const (
	// EventResult carries interim or final recognized text.
	EventResult EventKind = iota
	// EventError carries an engine error code and message.
	EventError
	// EventEnd signals the engine stopped on its own (timeout, stream close).
	EventEnd
)

// Event is one occurrence on an engine's event stream.
type Event struct {
	Kind    EventKind
	Text    string
	Final   bool
	Code    string
	Message string
}

// Engine is the minimal recognition engine contract. Engines are bound to a
// locale at construction and cannot change it while running; the Adapter
// recreates them on locale change.
type Engine interface {
	Start() error
	// Stop halts recognition gracefully, allowing a last result to flush.
	Stop() error
	// Abort halts immediately, discarding any in-flight result.
	Abort() error
	Events() <-chan Event
	Close() error
}

// Factory builds an engine for the given locale. A nil factory means speech
// recognition is unavailable in this environment and callers must degrade to
// text-only operation.
type Factory func(locale string) (Engine, error)

// PushEngine is an Engine fed externally: the WebSocket gateway forwards
// browser recognition results into it, and tests drive it directly.
type PushEngine struct {
	mu      sync.Mutex
	running bool
	events  chan Event
}

// NewPushEngine returns an engine with a buffered event stream.
func NewPushEngine() *PushEngine {
	return &PushEngine{events: make(chan Event, 64)}
}

func (p *PushEngine) Start() error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *PushEngine) Stop() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *PushEngine) Abort() error { return p.Stop() }

func (p *PushEngine) Events() <-chan Event { return p.events }

func (p *PushEngine) Close() error { return p.Stop() }

// Running reports whether Start has been called without a matching Stop.
func (p *PushEngine) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Push injects a recognition result. Results arriving while the engine is
// stopped are dropped, mirroring real engines that emit nothing when idle.
func (p *PushEngine) Push(text string, final bool) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return
	}
	select {
	case p.events <- Event{Kind: EventResult, Text: text, Final: final}:
	default:
	}
}

// Fail injects an engine error.
func (p *PushEngine) Fail(code, message string) {
	select {
	case p.events <- Event{Kind: EventError, Code: code, Message: message}:
	default:
	}
}

// EndStream simulates the engine stopping on its own.
func (p *PushEngine) EndStream() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	select {
	case p.events <- Event{Kind: EventEnd}:
	default:
	}
}

// NullEngine is the capability-absent implementation: every operation
// succeeds and nothing is ever recognized.
type NullEngine struct{ events chan Event }

// NewNullEngine returns an engine that never emits.
func NewNullEngine() *NullEngine { return &NullEngine{events: make(chan Event)} }

func (*NullEngine) Start() error           { return nil }
func (*NullEngine) Stop() error            { return nil }
func (*NullEngine) Abort() error           { return nil }
func (n *NullEngine) Events() <-chan Event { return n.events }
func (*NullEngine) Close() error           { return nil }
