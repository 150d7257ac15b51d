// Package synth plays spoken audio for agent replies. A Speaker drives one
// or two TTS backends with fallback, chunks long text under the backend
// length limit, and guarantees its lifecycle callbacks fire exactly once per
// utterance so the orchestrator can never be left waiting.
package synth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSpeakTimeout bounds one whole utterance so a stalled backend cannot
// hang the conversation.
const DefaultSpeakTimeout = 45 * time.Second

// DefaultChunkLimit is the largest text chunk sent to a backend in one
// request.
const DefaultChunkLimit = 400

// ErrStopped is returned from Speak when playback was cancelled by Stop or an
// ended call.
var ErrStopped = errors.New("synth: playback stopped")

// Backend converts one chunk of text into playable audio bytes.
type Backend interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string, speed float64) ([]byte, error)
}

// Sink delivers synthesized audio to the listening client. PlayAudio should
// block until the audio has been handed off (or played, for local sinks).
type Sink interface {
	PlayAudio(ctx context.Context, audio []byte) error
}

// NopSink swallows audio; used when no client is attached.
type NopSink struct{}

func (NopSink) PlayAudio(context.Context, []byte) error { return nil }

// Options configures one Speak call. OnStart fires when audio actually begins
// playing, not when the request is issued. Exactly one of OnEnd/OnError fires
// per call, never both, never neither.
type Options struct {
	Voice   string
	Speed   float64
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

// Speaker is the speech synthesis adapter.
type Speaker struct {
	primary    Backend
	secondary  Backend
	sink       Sink
	timeout    time.Duration
	chunkLimit int
	log        *logrus.Entry

	mu       sync.Mutex
	cancel   context.CancelFunc
	seq      int
	speaking bool
	unlocked bool
}

// NewSpeaker builds a Speaker. secondary may be nil; a nil sink falls back to
// NopSink so the adapter stays total.
func NewSpeaker(primary, secondary Backend, sink Sink, timeout time.Duration, log *logrus.Entry) *Speaker {
	if sink == nil {
		sink = NopSink{}
	}
	if timeout <= 0 {
		timeout = DefaultSpeakTimeout
	}
	return &Speaker{
		primary:    primary,
		secondary:  secondary,
		sink:       sink,
		timeout:    timeout,
		chunkLimit: DefaultChunkLimit,
		log:        log,
	}
}

// SetSink swaps the delivery sink (e.g. when a WebSocket client attaches).
func (s *Speaker) SetSink(sink Sink) {
	s.mu.Lock()
	if sink == nil {
		sink = NopSink{}
	}
	s.sink = sink
	s.mu.Unlock()
}

// Unlock marks audio output as permitted. Autoplay policies require this to
// happen synchronously inside the user gesture that starts a call, before any
// asynchronous work.
func (s *Speaker) Unlock() {
	s.mu.Lock()
	s.unlocked = true
	s.mu.Unlock()
}

// Speaking reports whether an utterance is currently audible.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Stop immediately halts any in-flight or playing audio. Safe to call when
// idle.
func (s *Speaker) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Speak synthesizes and plays text, blocking until playback finished or
// irrecoverably failed. Empty or whitespace-only text resolves immediately.
// Backend failure degrades to silence rather than blocking the conversation:
// OnEnd still fires so capture can re-arm.
func (s *Speaker) Speak(ctx context.Context, text string, opts Options) error {
	var done sync.Once
	finishEnd := func() {
		done.Do(func() {
			if opts.OnEnd != nil {
				opts.OnEnd()
			}
		})
	}
	finishErr := func(err error) {
		done.Do(func() {
			if opts.OnError != nil {
				opts.OnError(err)
			}
		})
	}

	text = strings.TrimSpace(text)
	if text == "" {
		finishEnd()
		return nil
	}

	// One utterance audible at a time.
	s.Stop()

	s.mu.Lock()
	if !s.unlocked {
		// Autoplay would be blocked client-side; skip silently rather than
		// stall the call.
		s.mu.Unlock()
		s.log.Warn("audio not unlocked; skipping speech")
		finishEnd()
		return nil
	}
	speakCtx, cancel := context.WithTimeout(ctx, s.timeout)
	s.cancel = cancel
	s.seq++
	seq := s.seq
	s.speaking = true
	sink := s.sink
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		// A newer utterance may have taken over; only clear our own state.
		if s.seq == seq {
			s.speaking = false
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	started := false
	chunks := chunkText(text, s.chunkLimit)
	for _, chunk := range chunks {
		if speakCtx.Err() != nil {
			finishErr(ErrStopped)
			return ErrStopped
		}
		audio, err := s.synthesize(speakCtx, chunk, opts)
		if err != nil {
			if speakCtx.Err() != nil {
				finishErr(ErrStopped)
				return ErrStopped
			}
			// All backends failed for this chunk. Silence is preferable to
			// deadlocking the conversation; pretend the chunk played.
			s.log.WithError(err).Warn("tts failed; continuing without audio")
			continue
		}
		if !started {
			started = true
			if opts.OnStart != nil {
				opts.OnStart()
			}
		}
		if err := sink.PlayAudio(speakCtx, audio); err != nil {
			if speakCtx.Err() != nil {
				finishErr(ErrStopped)
				return ErrStopped
			}
			s.log.WithError(err).Warn("audio sink error")
		}
	}

	finishEnd()
	return nil
}

// synthesize tries the primary backend, then the secondary.
func (s *Speaker) synthesize(ctx context.Context, chunk string, opts Options) ([]byte, error) {
	var firstErr error
	for _, b := range []Backend{s.primary, s.secondary} {
		if b == nil {
			continue
		}
		audio, err := b.Synthesize(ctx, chunk, opts.Voice, opts.Speed)
		if err == nil && len(audio) > 0 {
			return audio, nil
		}
		if err == nil {
			err = errors.New("empty audio")
		}
		s.log.WithError(err).WithField("backend", b.Name()).Debug("tts backend failed")
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no tts backend configured")
	}
	return nil, firstErr
}

// chunkText splits a reply into sentence-like chunks under limit, falling
// back to clause and then word boundaries. One logical utterance: callers
// fire OnStart once for the first chunk and OnEnd once after the last.
func chunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	var chunks []string
	for _, sentence := range splitSentences(text) {
		if len(sentence) <= limit {
			chunks = append(chunks, sentence)
			continue
		}
		chunks = append(chunks, splitLong(sentence, limit)...)
	}
	return chunks
}

// splitSentences splits on '.', '!', '?' and newlines, retaining punctuation.
func splitSentences(text string) []string {
	txt := strings.TrimSpace(text)
	if txt == "" {
		return nil
	}
	var out []string
	var b strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(b.String())
		if chunk != "" {
			out = append(out, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}

// splitLong breaks an over-limit sentence at comma/semicolon boundaries, then
// at word boundaries as a last resort.
func splitLong(sentence string, limit int) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		chunk := strings.TrimSpace(b.String())
		if chunk != "" {
			out = append(out, chunk)
		}
		b.Reset()
	}
	for _, clause := range strings.FieldsFunc(sentence, func(r rune) bool { return r == ',' || r == ';' }) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if len(clause) > limit {
			flush()
			for _, w := range strings.Fields(clause) {
				if b.Len()+len(w)+1 > limit {
					flush()
				}
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(w)
			}
			flush()
			continue
		}
		if b.Len()+len(clause)+2 > limit {
			flush()
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString(clause)
	}
	flush()
	return out
}
