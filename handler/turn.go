// Package handler exposes the Lambda webhook surface: launching a
// conversation and serving the voice platform's per-turn callbacks.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"callsim/internal/domain"
	"callsim/internal/turn"
	"callsim/internal/twiml"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	contentTypeXML      = "application/xml"

	// goodbyeUtterance is spoken when an invocation cannot be attributed
	// to a known leg; raw errors are never exposed to the call.
	goodbyeUtterance = "I'm sorry, something went wrong on our end. Goodbye."
)

// TurnTaker runs one dialogue turn.
type TurnTaker interface {
	Take(ctx context.Context, in turn.Input) (turn.Output, error)
}

// TurnHandler serves the voice platform's speech callbacks with TwiML.
type TurnHandler struct {
	engine    TurnTaker
	answerURL string
	voice     string
	log       *slog.Logger
}

// NewTurnHandler creates a TurnHandler. answerURL is the webhook's own base
// URL, used to build the gather action each response loops back to.
func NewTurnHandler(engine TurnTaker, answerURL, voice string, log *slog.Logger) (*TurnHandler, error) {
	if engine == nil {
		return nil, errors.New("handler: turn engine must not be nil")
	}
	if strings.TrimSpace(answerURL) == "" {
		return nil, errors.New("handler: answer url must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TurnHandler{engine: engine, answerURL: answerURL, voice: voice, log: log}, nil
}

// Handle parses one webhook invocation and renders the next TwiML step.
func (h *TurnHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)

	conversationID := req.QueryStringParameters["cid"]
	role := domain.Role(req.QueryStringParameters["role"])
	speech := speechResult(req.Body)

	out, err := h.engine.Take(ctx, turn.Input{
		ConversationID: conversationID,
		Role:           role,
		Speech:         speech,
	})
	if err != nil {
		h.log.Error("turn not attributable, ending leg",
			"correlationId", corrID,
			"conversationId", conversationID,
			"role", role,
			"err", err)
		return h.xmlResponse(corrID, twiml.Say{Voice: h.voice, Text: goodbyeUtterance}, twiml.Hangup{})
	}

	action := h.actionURL(conversationID, role)
	if out.Reply == "" {
		return h.xmlResponse(corrID, twiml.Listen(action)...)
	}
	return h.xmlResponse(corrID, twiml.SpeakAndListen(out.Reply, h.voice, action)...)
}

func (h *TurnHandler) actionURL(conversationID string, role domain.Role) string {
	u, err := url.Parse(h.answerURL)
	if err != nil {
		return h.answerURL
	}
	q := u.Query()
	q.Set("cid", conversationID)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *TurnHandler) xmlResponse(corrID string, verbs ...twiml.Verb) (events.APIGatewayProxyResponse, error) {
	body, err := twiml.Render(verbs...)
	if err != nil {
		// Rendering static verbs cannot realistically fail; keep the call
		// alive with a bare hangup rather than surfacing a 5xx.
		h.log.Error("twiml render failed", "correlationId", corrID, "err", err)
		body = `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":      contentTypeXML,
			headerCorrelationID: corrID,
		},
		Body: body,
	}, nil
}

// speechResult pulls the transcription field from the form-encoded webhook
// body. A body that does not parse yields no speech, which redirects the
// leg back to listening.
func speechResult(body string) string {
	form, err := url.ParseQuery(body)
	if err != nil {
		return ""
	}
	return form.Get("SpeechResult")
}

// correlationID propagates the caller's correlation header when present,
// matching case-insensitively, and mints one otherwise.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, headerCorrelationID) && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
