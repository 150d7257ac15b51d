package synth

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gonna-AI/call-agent/internal/logger"
)

type fakeBackend struct {
	name  string
	err   error
	calls int32
	delay time.Duration
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Synthesize(ctx context.Context, text, _ string, _ float64) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(text), nil
}

type countingSink struct{ plays int32 }

func (s *countingSink) PlayAudio(ctx context.Context, _ []byte) error {
	atomic.AddInt32(&s.plays, 1)
	return ctx.Err()
}

type lifecycle struct {
	starts int32
	ends   int32
	errs   int32
}

func (l *lifecycle) options() Options {
	return Options{
		OnStart: func() { atomic.AddInt32(&l.starts, 1) },
		OnEnd:   func() { atomic.AddInt32(&l.ends, 1) },
		OnError: func(error) { atomic.AddInt32(&l.errs, 1) },
	}
}

func (l *lifecycle) total() int32 {
	return atomic.LoadInt32(&l.ends) + atomic.LoadInt32(&l.errs)
}

func newTestSpeaker(primary, secondary Backend, sink Sink) *Speaker {
	return NewSpeaker(primary, secondary, sink, time.Second, logger.Component(logger.Discard(), "synth"))
}

func TestSpeak_EmptyTextResolvesImmediately(t *testing.T) {
	lc := &lifecycle{}
	s := newTestSpeaker(&fakeBackend{name: "p"}, nil, &countingSink{})
	s.Unlock()
	if err := s.Speak(context.Background(), "   ", lc.options()); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if atomic.LoadInt32(&lc.ends) != 1 || atomic.LoadInt32(&lc.starts) != 0 {
		t.Fatalf("empty text: want OnEnd only, got starts=%d ends=%d", lc.starts, lc.ends)
	}
}

func TestSpeak_LockedSkipsSilently(t *testing.T) {
	lc := &lifecycle{}
	primary := &fakeBackend{name: "p"}
	s := newTestSpeaker(primary, nil, &countingSink{})
	// No Unlock call: autoplay would be blocked.
	if err := s.Speak(context.Background(), "hello there", lc.options()); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if atomic.LoadInt32(&primary.calls) != 0 {
		t.Fatalf("locked speaker must not synthesize")
	}
	if atomic.LoadInt32(&lc.ends) != 1 {
		t.Fatalf("locked speaker must still fire OnEnd, got %d", lc.ends)
	}
}

func TestSpeak_FallsBackToSecondary(t *testing.T) {
	lc := &lifecycle{}
	primary := &fakeBackend{name: "p", err: errors.New("down")}
	secondary := &fakeBackend{name: "s"}
	sink := &countingSink{}
	s := newTestSpeaker(primary, secondary, sink)
	s.Unlock()

	if err := s.Speak(context.Background(), "hello.", lc.options()); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if atomic.LoadInt32(&secondary.calls) == 0 {
		t.Fatalf("secondary backend was never tried")
	}
	if atomic.LoadInt32(&sink.plays) == 0 {
		t.Fatalf("fallback audio never played")
	}
	if atomic.LoadInt32(&lc.starts) != 1 || atomic.LoadInt32(&lc.ends) != 1 {
		t.Fatalf("want one start and one end, got starts=%d ends=%d", lc.starts, lc.ends)
	}
}

func TestSpeak_AllBackendsFailDegradesToSilence(t *testing.T) {
	lc := &lifecycle{}
	s := newTestSpeaker(
		&fakeBackend{name: "p", err: errors.New("down")},
		&fakeBackend{name: "s", err: errors.New("also down")},
		&countingSink{},
	)
	s.Unlock()

	if err := s.Speak(context.Background(), "hello.", lc.options()); err != nil {
		t.Fatalf("speak should not error on backend failure: %v", err)
	}
	if lc.total() != 1 || atomic.LoadInt32(&lc.ends) != 1 {
		t.Fatalf("degraded speak must end exactly once, got ends=%d errs=%d", lc.ends, lc.errs)
	}
}

func TestSpeak_StopFiresExactlyOneCallback(t *testing.T) {
	lc := &lifecycle{}
	primary := &fakeBackend{name: "p", delay: 500 * time.Millisecond}
	s := newTestSpeaker(primary, nil, &countingSink{})
	s.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.Speak(context.Background(), "this will be interrupted.", lc.options()) }()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("speak did not return after stop")
	}
	if lc.total() != 1 {
		t.Fatalf("exactly one lifecycle callback must fire, got ends=%d errs=%d", lc.ends, lc.errs)
	}
}

func TestSpeak_SecondUtteranceStopsFirst(t *testing.T) {
	lc1, lc2 := &lifecycle{}, &lifecycle{}
	primary := &fakeBackend{name: "p", delay: 300 * time.Millisecond}
	s := newTestSpeaker(primary, nil, &countingSink{})
	s.Unlock()

	go s.Speak(context.Background(), "first long utterance.", lc1.options())
	time.Sleep(30 * time.Millisecond)
	if err := s.Speak(context.Background(), "second.", lc2.options()); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if lc1.total() != 1 {
		t.Fatalf("first utterance needs exactly one callback, got ends=%d errs=%d", lc1.ends, lc1.errs)
	}
	if atomic.LoadInt32(&lc2.ends) != 1 {
		t.Fatalf("second utterance should complete, got ends=%d", lc2.ends)
	}
}

func TestChunkText_SentenceBoundaries(t *testing.T) {
	got := chunkText("Hello world. How are you?\nI am fine!", 400)
	want := []string{"Hello world.", "How are you?", "I am fine!"}
	if len(got) != len(want) {
		t.Fatalf("len mismatch: got %v", got)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("elem %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestChunkText_LongSentenceSplitsUnderLimit(t *testing.T) {
	long := strings.Repeat("word ", 50) + "tail, " + strings.Repeat("more ", 30) + "end"
	for _, chunk := range chunkText(long, 60) {
		if len(chunk) > 60 {
			t.Fatalf("chunk over limit (%d): %q", len(chunk), chunk)
		}
	}
}

func TestChunkText_EmptyInput(t *testing.T) {
	if got := chunkText("   ", 100); len(got) != 0 {
		t.Fatalf("expected no chunks, got %v", got)
	}
}
