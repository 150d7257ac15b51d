package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/capture"
	"github.com/Gonna-AI/call-agent/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser demo surface; CORS is enforced at the HTTP layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

// inboundMessage is what a connected client sends. Recognition results come
// from the browser's speech API; the server treats them as an engine feed.
type inboundMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`
	Code  string `json:"code,omitempty"`
	Muted bool   `json:"muted,omitempty"`
}

// outboundMessage is a server event. Audio travels as binary frames, not
// JSON.
type outboundMessage struct {
	Type        string            `json:"type"`
	Status      call.Status       `json:"status,omitempty"`
	AgentStatus call.AgentStatus  `json:"agentStatus,omitempty"`
	Utterance   *call.Utterance   `json:"utterance,omitempty"`
	Text        string            `json:"text,omitempty"`
	Item        *call.HistoryItem `json:"item,omitempty"`
	ElapsedMS   int64             `json:"elapsedMs,omitempty"`
	Error       string            `json:"error,omitempty"`
	Fatal       bool              `json:"fatal,omitempty"`
}

// Hub fans orchestrator events out to connected WebSocket clients and feeds
// client recognition results into the capture engine. It implements both
// orchestrator.Notifier and synth.Sink.
type Hub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	engine  *capture.PushEngine
	orch    *orchestrator.Orchestrator
}

// NewHub builds an empty hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{log: log, clients: map[*wsClient]struct{}{}}
}

// Bind attaches the orchestrator after construction; the hub and the
// orchestrator reference each other.
func (h *Hub) Bind(orch *orchestrator.Orchestrator) {
	h.mu.Lock()
	h.orch = orch
	h.mu.Unlock()
}

// EngineFactory is the capture.Factory for browser-fed recognition. Each call
// gets a fresh push engine that inbound result frames feed.
func (h *Hub) EngineFactory(string) (capture.Engine, error) {
	eng := capture.NewPushEngine()
	h.mu.Lock()
	h.engine = eng
	h.mu.Unlock()
	return eng, nil
}

func (h *Hub) currentEngine() *capture.PushEngine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsFrame
}

type wsFrame struct {
	messageType int
	data        []byte
}

// Handle upgrades the connection and runs the read loop until the client
// disconnects.
func (h *Hub) Handle(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := &wsClient{conn: conn, send: make(chan wsFrame, 64)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Info("ws client connected")

	go h.writePump(client)
	h.readPump(c.Request().Context(), client)

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	close(client.send)
	h.log.Info("ws client disconnected")
	return nil
}

func (h *Hub) readPump(ctx context.Context, client *wsClient) {
	defer client.conn.Close()
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.WithError(err).Debug("ws message parse failed")
			continue
		}
		h.dispatch(ctx, msg)
	}
}

func (h *Hub) dispatch(ctx context.Context, msg inboundMessage) {
	h.mu.Lock()
	orch := h.orch
	h.mu.Unlock()
	if orch == nil {
		return
	}
	switch msg.Type {
	case "start":
		t := call.TypeVoice
		if msg.Text == string(call.TypeText) {
			t = call.TypeText
		}
		if _, err := orch.StartCall(ctx, t); err != nil {
			h.log.WithError(err).Warn("ws start call failed")
		}
	case "end":
		orch.EndCall(ctx)
	case "text":
		orch.SendText(ctx, msg.Text)
	case "mute":
		orch.SetMuted(msg.Muted)
	case "result":
		if eng := h.currentEngine(); eng != nil {
			eng.Push(msg.Text, msg.Final)
		}
	case "recognition_error":
		if eng := h.currentEngine(); eng != nil {
			eng.Fail(msg.Code, msg.Text)
		}
	case "recognition_end":
		if eng := h.currentEngine(); eng != nil {
			eng.EndStream()
		}
	default:
		h.log.WithField("type", msg.Type).Debug("ws message ignored")
	}
}

func (h *Hub) writePump(client *wsClient) {
	for frame := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.conn.WriteMessage(frame.messageType, frame.data); err != nil {
			client.conn.Close()
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	client.conn.Close()
}

// broadcast queues a frame on every client, dropping it for clients whose
// send buffer is full rather than blocking the orchestrator.
func (h *Hub) broadcast(frame wsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			h.log.Warn("ws client slow; frame dropped")
		}
	}
}

func (h *Hub) broadcastJSON(msg outboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.broadcast(wsFrame{messageType: websocket.TextMessage, data: data})
}

// StatusChanged implements orchestrator.Notifier.
func (h *Hub) StatusChanged(status call.Status, agent call.AgentStatus) {
	h.broadcastJSON(outboundMessage{Type: "status", Status: status, AgentStatus: agent})
}

// Utterance implements orchestrator.Notifier.
func (h *Hub) Utterance(u call.Utterance) {
	h.broadcastJSON(outboundMessage{Type: "utterance", Utterance: &u})
}

// Interim implements orchestrator.Notifier.
func (h *Hub) Interim(text string) {
	h.broadcastJSON(outboundMessage{Type: "interim", Text: text})
}

// CallEnded implements orchestrator.Notifier.
func (h *Hub) CallEnded(item call.HistoryItem) {
	h.broadcastJSON(outboundMessage{Type: "call_ended", Item: &item})
}

// Heartbeat implements orchestrator.Notifier.
func (h *Hub) Heartbeat(elapsed time.Duration) {
	h.broadcastJSON(outboundMessage{Type: "heartbeat", ElapsedMS: elapsed.Milliseconds()})
}

// Fatal implements orchestrator.Notifier.
func (h *Hub) Fatal(err error) {
	h.broadcastJSON(outboundMessage{Type: "error", Error: err.Error(), Fatal: true})
}

// PlayAudio implements synth.Sink, shipping synthesized audio to clients as a
// binary frame. Delivery is fire-and-forget; playback pacing happens client
// side.
func (h *Hub) PlayAudio(ctx context.Context, audio []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.broadcast(wsFrame{messageType: websocket.BinaryMessage, data: audio})
	return nil
}
