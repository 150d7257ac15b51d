// Package telephony exposes the agent to phone callers through Twilio voice
// webhooks. Twilio does the audio work (speech gathering and playback); this
// surface just runs text turns against the orchestrator.
package telephony

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go/twiml"

	"github.com/Gonna-AI/call-agent/internal/call"
	"github.com/Gonna-AI/call-agent/internal/knowledge"
	"github.com/Gonna-AI/call-agent/internal/orchestrator"
)

// Handlers serves the Twilio webhook routes.
type Handlers struct {
	orch *orchestrator.Orchestrator
	kb   *knowledge.Store
	log  *logrus.Entry
}

// NewHandlers builds the webhook handlers.
func NewHandlers(orch *orchestrator.Orchestrator, kb *knowledge.Store, log *logrus.Entry) Handlers {
	return Handlers{orch: orch, kb: kb, log: log}
}

// Register attaches the webhook routes. authToken enables signature
// validation; empty disables the surface's auth (local testing only).
func (h Handlers) Register(e *echo.Echo, authToken string) {
	g := e.Group("/twilio", SignatureAuth(func() string { return authToken }))
	g.POST("/voice", h.voice)
	g.POST("/turn", h.turn)
	g.POST("/status", h.status)
}

// voice answers an incoming call: greet, then gather speech.
func (h Handlers) voice(c echo.Context) error {
	params := twilioParams(c)
	h.log.WithField("from", params["From"]).Info("incoming phone call")

	// Phone calls run as text-type sessions: Twilio speaks the replies.
	if _, err := h.orch.StartCall(c.Request().Context(), call.TypeText); err != nil {
		return c.String(http.StatusInternalServerError, "failed to start call")
	}

	greeting := strings.TrimSpace(h.kb.Get().Greeting)
	if greeting == "" {
		greeting = "Hello! How may I assist you today?"
	}
	say := &twiml.VoiceSay{Message: greeting}
	gather := &twiml.VoiceGather{Action: "/twilio/turn", Method: "POST", Input: "speech", SpeechTimeout: "auto"}
	return h.respond(c, say, gather)
}

// turn handles one gathered utterance and speaks the reply.
func (h Handlers) turn(c echo.Context) error {
	params := twilioParams(c)
	speech := strings.TrimSpace(params["SpeechResult"])
	if speech == "" {
		gather := &twiml.VoiceGather{Action: "/twilio/turn", Method: "POST", Input: "speech", SpeechTimeout: "auto"}
		say := &twiml.VoiceSay{Message: "I didn't catch that. Could you say it again?"}
		return h.respond(c, say, gather)
	}

	reply, ok := h.orch.TextTurnSync(c.Request().Context(), speech)
	if !ok {
		say := &twiml.VoiceSay{Message: "I'm sorry, something went wrong. Please call again later."}
		return h.respond(c, say, &twiml.VoiceHangup{})
	}

	say := &twiml.VoiceSay{Message: reply}
	if isClosing(speech) {
		h.orch.EndCall(c.Request().Context())
		return h.respond(c, say, &twiml.VoiceHangup{})
	}
	gather := &twiml.VoiceGather{Action: "/twilio/turn", Method: "POST", Input: "speech", SpeechTimeout: "auto"}
	return h.respond(c, say, gather)
}

// status receives call status callbacks; a completed call ends the session.
func (h Handlers) status(c echo.Context) error {
	params := twilioParams(c)
	st := params["CallStatus"]
	h.log.WithField("callStatus", st).Info("twilio status callback")
	switch st {
	case "completed", "busy", "failed", "no-answer", "canceled":
		h.orch.EndCall(c.Request().Context())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h Handlers) respond(c echo.Context, elements ...twiml.Element) error {
	response, err := twiml.Voice(elements)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func isClosing(speech string) bool {
	lower := strings.ToLower(speech)
	for _, kw := range []string{"goodbye", "bye", "that's all", "thats all", "nothing else"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func twilioParams(c echo.Context) map[string]string {
	if params, ok := c.Get("twilioParams").(map[string]string); ok {
		return params
	}
	return map[string]string{}
}
