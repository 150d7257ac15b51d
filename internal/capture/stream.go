package capture

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// StreamEngine is an Engine backed by a streaming speech-to-text service over
// WebSocket. Audio is fed in as 16kHz little-endian mono PCM; the service
// answers with partial and final transcript messages.
type StreamEngine struct {
	wsURL  string
	apiKey string
	locale string
	log    *logrus.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stopCh    chan struct{}

	events    chan Event
	audioData chan []byte

	voiceMu       sync.Mutex
	lastVoiceTime time.Time
}

type streamMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Final      bool   `json:"final,omitempty"`
	Error      string `json:"error,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

// StreamFactory returns a Factory producing StreamEngines bound to the
// configured recognition service.
func StreamFactory(wsURL, apiKey string, log *logrus.Entry) Factory {
	return func(locale string) (Engine, error) {
		return NewStreamEngine(wsURL, apiKey, locale, log), nil
	}
}

// NewStreamEngine builds an engine for the given service URL and locale.
func NewStreamEngine(wsURL, apiKey, locale string, log *logrus.Entry) *StreamEngine {
	return &StreamEngine{
		wsURL:     wsURL,
		apiKey:    apiKey,
		locale:    locale,
		log:       log,
		events:    make(chan Event, 64),
		audioData: make(chan []byte, 1000),
	}
}

// Start dials the recognition service. No-op when already connected.
func (s *StreamEngine) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("stream stt: api key missing")
	}

	u, err := url.Parse(s.wsURL)
	if err != nil {
		return fmt.Errorf("stream stt: bad url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", "16000")
	q.Set("encoding", "pcm_s16le")
	q.Set("locale", s.locale)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := map[string][]string{"Authorization": {s.apiKey}}
	conn, resp, err := dialer.Dial(u.String(), headers)
	if err != nil {
		if resp != nil {
			s.log.WithField("status", resp.StatusCode).Warn("stt connect refused")
		}
		return fmt.Errorf("stream stt: connect: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.stopCh = make(chan struct{})
	go s.readLoop(conn, s.stopCh)
	go s.writeLoop(conn, s.stopCh)
	s.log.WithField("locale", s.locale).Info("stt stream connected")
	return nil
}

// Stop sends a terminate frame so the service can flush a final result, then
// tears the connection down.
func (s *StreamEngine) Stop() error {
	return s.shutdown(true)
}

// Abort closes immediately without waiting for a flush.
func (s *StreamEngine) Abort() error {
	return s.shutdown(false)
}

func (s *StreamEngine) shutdown(graceful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	if graceful {
		_ = s.conn.WriteJSON(streamMessage{Type: "terminate"})
	}
	_ = s.conn.Close()
	s.conn = nil
	s.connected = false
	return nil
}

func (s *StreamEngine) Events() <-chan Event { return s.events }

// Close releases the engine permanently.
func (s *StreamEngine) Close() error {
	err := s.shutdown(false)
	return err
}

// SendAudio queues a PCM buffer for transmission. Buffers are dropped rather
// than blocking the caller when the connection cannot keep up.
func (s *StreamEngine) SendAudio(pcm []byte) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("stream stt: not connected")
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audioData <- pcm:
	default:
		s.log.Debug("stt audio buffer full, dropping packet")
	}
	return nil
}

// RecentlyDetectedVoice reports whether voice energy was observed within the
// given window. Used to avoid speaking over the caller.
func (s *StreamEngine) RecentlyDetectedVoice(window time.Duration) bool {
	s.voiceMu.Lock()
	last := s.lastVoiceTime
	s.voiceMu.Unlock()
	return time.Since(last) <= window
}

// detectVoiceActivity updates lastVoiceTime when the buffer's RMS crosses a
// conservative speech threshold. Expects 16-bit LE mono PCM.
func (s *StreamEngine) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.voiceMu.Lock()
		s.lastVoiceTime = time.Now()
		s.voiceMu.Unlock()
	}
}

func (s *StreamEngine) readLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				s.log.WithError(err).Debug("stt read ended")
				s.emit(Event{Kind: EventEnd})
			}
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.WithError(err).Debug("stt message unmarshal")
			continue
		}
		switch msg.Type {
		case "begin":
			s.log.Debug("stt session began")
		case "result":
			if msg.Text != "" {
				s.emit(Event{Kind: EventResult, Text: msg.Text, Final: msg.Final})
			}
		case "termination":
			s.emit(Event{Kind: EventEnd})
			return
		case "error":
			s.emit(Event{Kind: EventError, Code: classifyStreamError(msg.Error), Message: msg.Error})
		default:
			s.log.WithField("type", msg.Type).Debug("stt unknown message type")
		}
	}
}

func (s *StreamEngine) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case pcm := <-s.audioData:
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				s.log.WithError(err).Debug("stt audio write")
				return
			}
		}
	}
}

func (s *StreamEngine) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// classifyStreamError maps backend error strings onto the adapter's taxonomy.
func classifyStreamError(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "permission"), strings.Contains(m, "unauthorized"), strings.Contains(m, "forbidden"):
		return ErrPermissionDenied
	case strings.Contains(m, "no speech"), strings.Contains(m, "no-speech"):
		return ErrNoSpeech
	case strings.Contains(m, "abort"):
		return ErrAborted
	default:
		return "engine-error"
	}
}
