// Package httpserver exposes the call agent over HTTP and WebSocket: call
// control, transcript and history queries, knowledge-base editing, and the
// realtime gateway browsers connect to.
package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
	"github.com/Gonna-AI/call-agent/internal/orchestrator"
	"github.com/Gonna-AI/call-agent/internal/session"
)

// Server bundles the handlers and their dependencies.
type Server struct {
	orch  *orchestrator.Orchestrator
	store *session.Store
	kb    *knowledge.Store
	hub   *Hub
	log   *logrus.Entry
}

// New constructs the server.
func New(orch *orchestrator.Orchestrator, store *session.Store, kb *knowledge.Store, hub *Hub, log *logrus.Entry) *Server {
	return &Server{orch: orch, store: store, kb: kb, hub: hub, log: log}
}

// Register attaches all routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	e.POST("/call/start", s.startCall)
	e.POST("/call/end", s.endCall)
	e.POST("/call/text", s.sendText)
	e.POST("/call/mute", s.setMute)
	e.GET("/call/current", s.currentCall)
	e.GET("/call/status", s.callStatus)
	e.GET("/call/ws", s.hub.Handle)

	e.GET("/history", s.history)
	e.GET("/history/:id", s.historyItem)
	e.GET("/analytics", s.analytics)

	e.GET("/knowledge", s.getKnowledge)
	e.PUT("/knowledge", s.putKnowledge)
	e.POST("/knowledge/fields", s.addKnowledgeField)
	e.DELETE("/knowledge/fields/:id", s.removeKnowledgeField)
	e.POST("/knowledge/categories", s.addKnowledgeCategory)
	e.DELETE("/knowledge/categories/:id", s.removeKnowledgeCategory)
}

type startCallRequest struct {
	Type string `json:"type"`
}

func (s *Server) startCall(c echo.Context) error {
	var req startCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	t := call.TypeVoice
	if req.Type == string(call.TypeText) {
		t = call.TypeText
	}
	sess, err := s.orch.StartCall(c.Request().Context(), t)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) endCall(c echo.Context) error {
	s.orch.EndCall(c.Request().Context())
	return c.NoContent(http.StatusNoContent)
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) sendText(c echo.Context) error {
	var req textRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if !s.orch.SendText(c.Request().Context(), req.Text) {
		// Cooldown, in-flight response, or no active call. Dropping is the
		// contract; tell the client so it can keep the input in the box.
		return c.JSON(http.StatusConflict, echo.Map{"accepted": false})
	}
	return c.JSON(http.StatusAccepted, echo.Map{"accepted": true})
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (s *Server) setMute(c echo.Context) error {
	var req muteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	s.orch.SetMuted(req.Muted)
	return c.JSON(http.StatusOK, echo.Map{"muted": req.Muted})
}

func (s *Server) currentCall(c echo.Context) error {
	sess := s.store.Current()
	if sess == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) callStatus(c echo.Context) error {
	status, agent := s.orch.Status()
	return c.JSON(http.StatusOK, echo.Map{
		"status":      status,
		"agentStatus": agent,
		"muted":       s.orch.Muted(),
	})
}

func (s *Server) history(c echo.Context) error {
	filter := session.Filter{
		CategoryID: c.QueryParam("category"),
		Query:      c.QueryParam("q"),
	}
	if p := c.QueryParam("priority"); p != "" {
		filter.Priority = call.ParsePriority(p)
	}
	if since := c.QueryParam("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "since must be RFC3339"})
		}
		filter.Since = t
	}
	return c.JSON(http.StatusOK, s.store.History(filter))
}

func (s *Server) historyItem(c echo.Context) error {
	item, ok := s.store.HistoryItem(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "call not found"})
	}
	return c.JSON(http.StatusOK, item)
}

func (s *Server) analytics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.store.Analytics())
}

func (s *Server) getKnowledge(c echo.Context) error {
	return c.JSON(http.StatusOK, s.kb.Get())
}

func (s *Server) putKnowledge(c echo.Context) error {
	var cfg knowledge.Config
	if err := c.Bind(&cfg); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid configuration"})
	}
	s.kb.Set(cfg)
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) addKnowledgeField(c echo.Context) error {
	var f knowledge.ContextField
	if err := c.Bind(&f); err != nil || f.ID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "field requires an id"})
	}
	s.kb.AddContextField(f)
	return c.JSON(http.StatusOK, s.kb.Get().ContextFields)
}

func (s *Server) removeKnowledgeField(c echo.Context) error {
	s.kb.RemoveContextField(c.Param("id"))
	return c.JSON(http.StatusOK, s.kb.Get().ContextFields)
}

func (s *Server) addKnowledgeCategory(c echo.Context) error {
	var cat call.Category
	if err := c.Bind(&cat); err != nil || cat.ID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "category requires an id"})
	}
	s.kb.AddCategory(cat)
	return c.JSON(http.StatusOK, s.kb.Get().Categories)
}

func (s *Server) removeKnowledgeCategory(c echo.Context) error {
	s.kb.RemoveCategory(c.Param("id"))
	return c.JSON(http.StatusOK, s.kb.Get().Categories)
}
