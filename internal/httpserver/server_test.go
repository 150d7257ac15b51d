package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/capture"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
	"github.com/Gonna-AI/call-agent/internal/logger"
	"github.com/Gonna-AI/call-agent/internal/orchestrator"
	"github.com/Gonna-AI/call-agent/internal/respond"
	"github.com/Gonna-AI/call-agent/internal/session"
	"github.com/Gonna-AI/call-agent/internal/summary"
	"github.com/Gonna-AI/call-agent/internal/synth"
)

type testEnv struct {
	e     *echo.Echo
	store *session.Store
	kb    *knowledge.Store
	orch  *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Discard()
	store := session.NewStore(nil, logger.Component(log, "session"))
	kb := knowledge.NewStore(knowledge.Default())
	hub := NewHub(logger.Component(log, "ws"))

	cap := capture.NewAdapter(hub.EngineFactory, "en-US", capture.Callbacks{},
		capture.Options{SilenceWindow: 50 * time.Millisecond}, logger.Component(log, "capture"))
	speaker := synth.NewSpeaker(nil, nil, hub, time.Second, logger.Component(log, "synth"))
	chain := respond.NewChain(logger.Component(log, "respond"), respond.NewMockResponder())
	summarizer := summary.NewFallback(nil, logger.Component(log, "summary"))

	orch := orchestrator.New(store, kb, cap, speaker, chain, summarizer, hub, orchestrator.Options{
		SendCooldown:   50 * time.Millisecond,
		HeartbeatEvery: time.Hour,
		SummaryTimeout: time.Second,
	}, logger.Component(log, "orchestrator"))
	cap.SetCallbacks(orch.CaptureCallbacks())
	hub.Bind(orch)

	e := NewRouter()
	New(orch, store, kb, hub, logger.Component(log, "http")).Register(e)
	return &testEnv{e: e, store: store, kb: kb, orch: orch}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	w := httptest.NewRecorder()
	env.e.ServeHTTP(w, r)
	return w
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStartAndEndCall(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/call/start", `{"type":"text"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var sess call.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if sess.Status != call.StatusActive {
		t.Fatalf("session should be active, got %q", sess.Status)
	}

	w = env.do(t, http.MethodPost, "/call/end", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("end: expected 204, got %d", w.Code)
	}
	// Ending again stays a no-op.
	w = env.do(t, http.MethodPost, "/call/end", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("repeat end: expected 204, got %d", w.Code)
	}
}

func TestSendTextWithoutCallRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/call/text", `{"text":"hello"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without a call, got %d", w.Code)
	}
}

func TestSendTextAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/call/start", `{"type":"text"}`)
	w := env.do(t, http.MethodPost, "/call/text", `{"text":"hello"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCurrentCall(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/call/current", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with no call, got %d", w.Code)
	}
	env.do(t, http.MethodPost, "/call/start", `{"type":"text"}`)
	if w := env.do(t, http.MethodGet, "/call/current", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with active call, got %d", w.Code)
	}
}

func TestCallStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/call/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(call.StatusIdle) {
		t.Fatalf("expected idle, got %v", body["status"])
	}
}

func TestMuteEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/call/start", `{"type":"voice"}`)
	w := env.do(t, http.MethodPost, "/call/mute", `{"muted":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !env.orch.Muted() {
		t.Fatalf("mute flag not applied")
	}
}

func TestHistoryAndAnalytics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/call/start", `{"type":"text"}`)
	env.do(t, http.MethodPost, "/call/end", "")

	w := env.do(t, http.MethodGet, "/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", w.Code)
	}
	var items []call.HistoryItem
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one history entry, got %d", len(items))
	}

	w = env.do(t, http.MethodGet, "/history/"+items[0].ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("history item: expected 200, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/history/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing item: expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/analytics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("analytics: expected 200, got %d", w.Code)
	}
}

func TestHistoryBadSinceParam(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/history?since=yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", w.Code)
	}
}

func TestKnowledgeRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/knowledge", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	var cfg knowledge.Config
	if err := json.Unmarshal(w.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}

	cfg.Greeting = "Welcome to the test line!"
	updated, _ := json.Marshal(cfg)
	w = env.do(t, http.MethodPut, "/knowledge", string(updated))
	if w.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d", w.Code)
	}
	if env.kb.Get().Greeting != "Welcome to the test line!" {
		t.Fatalf("knowledge update not applied")
	}
}

func TestKnowledgeFieldAndCategoryRoutes(t *testing.T) {
	env := newTestEnv(t)
	before := len(env.kb.Get().ContextFields)

	w := env.do(t, http.MethodPost, "/knowledge/fields", `{"id":"order","name":"Order Number","type":"text"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("add field: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.kb.Get().ContextFields) != before+1 {
		t.Fatalf("field not added")
	}
	if w := env.do(t, http.MethodPost, "/knowledge/fields", `{"name":"no id"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("field without id: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/knowledge/fields/order", ""); w.Code != http.StatusOK {
		t.Fatalf("remove field: expected 200, got %d", w.Code)
	}
	if len(env.kb.Get().ContextFields) != before {
		t.Fatalf("field not removed")
	}

	cats := len(env.kb.Get().Categories)
	if w := env.do(t, http.MethodPost, "/knowledge/categories", `{"id":"billing","name":"Billing"}`); w.Code != http.StatusOK {
		t.Fatalf("add category: expected 200, got %d", w.Code)
	}
	if len(env.kb.Get().Categories) != cats+1 {
		t.Fatalf("category not added")
	}
	if w := env.do(t, http.MethodDelete, "/knowledge/categories/billing", ""); w.Code != http.StatusOK {
		t.Fatalf("remove category: expected 200, got %d", w.Code)
	}
	if len(env.kb.Get().Categories) != cats {
		t.Fatalf("category not removed")
	}
}
