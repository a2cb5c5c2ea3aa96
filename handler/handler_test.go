package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"callsim/internal/domain"
	"callsim/internal/orchestrator"
	"callsim/internal/telephony"
	"callsim/internal/turn"
)

type stubEngine struct {
	out turn.Output
	err error
	in  turn.Input
}

func (s *stubEngine) Take(_ context.Context, in turn.Input) (turn.Output, error) {
	s.in = in
	return s.out, s.err
}

type stubLauncher struct {
	res      orchestrator.Result
	err      error
	strategy string
}

func (s *stubLauncher) Launch(_ context.Context, strategy string) (orchestrator.Result, error) {
	s.strategy = strategy
	return s.res, s.err
}

func turnEvent(cid, role, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodPost,
		Path:                  "/turn",
		QueryStringParameters: map[string]string{"cid": cid, "role": role},
		Headers:               map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:                  body,
	}
}

func newTurnHandler(t *testing.T, e TurnTaker) *TurnHandler {
	t.Helper()
	h, err := NewTurnHandler(e, "https://hooks.example.com/turn", "Polly.Joanna", nil)
	require.NoError(t, err)
	return h
}

func TestNewTurnHandler_Validation(t *testing.T) {
	_, err := NewTurnHandler(nil, "https://x", "", nil)
	require.Error(t, err)
	_, err = NewTurnHandler(&stubEngine{}, " ", "", nil)
	require.Error(t, err)
}

func TestTurnHandle_SpeechFlowsToEngine(t *testing.T) {
	e := &stubEngine{out: turn.Output{Reply: "Hello, how can I help?"}}
	h := newTurnHandler(t, e)

	body := url.Values{"SpeechResult": {"My bill is wrong."}, "CallSid": {"CA1"}}.Encode()
	resp, err := h.Handle(context.Background(), turnEvent("CFabc", "agent", body))
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/xml", resp.Headers["Content-Type"])
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])

	require.Equal(t, "CFabc", e.in.ConversationID)
	require.Equal(t, domain.RoleAgent, e.in.Role)
	require.Equal(t, "My bill is wrong.", e.in.Speech)

	require.Contains(t, resp.Body, "Hello, how can I help?")
	require.Contains(t, resp.Body, "<Gather")
	require.Contains(t, resp.Body, "cid=CFabc")
}

func TestTurnHandle_NoSpeechJustListens(t *testing.T) {
	e := &stubEngine{out: turn.Output{}}
	h := newTurnHandler(t, e)

	resp, err := h.Handle(context.Background(), turnEvent("CFabc", "customer", ""))
	require.NoError(t, err)
	require.NotContains(t, resp.Body, "<Say")
	require.Contains(t, resp.Body, "<Gather")
	require.Contains(t, resp.Body, "<Redirect")
}

func TestTurnHandle_EngineErrorSpeaksGoodbyeAndHangsUp(t *testing.T) {
	e := &stubEngine{err: errors.New("leg context not found")}
	h := newTurnHandler(t, e)

	resp, err := h.Handle(context.Background(), turnEvent("CFabc", "agent", "SpeechResult=hi"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Body, "<Hangup")
	require.NotContains(t, resp.Body, "leg context not found", "raw errors never reach the call")
}

func TestTurnHandle_PropagatesCorrelationIDCaseInsensitive(t *testing.T) {
	h := newTurnHandler(t, &stubEngine{})
	ev := turnEvent("CFabc", "agent", "")
	ev.Headers["x-correlation-id"] = "corr-123"

	resp, err := h.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func launchEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/conversations",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func launchResult() orchestrator.Result {
	return orchestrator.Result{
		ConferenceID:               "CFabc",
		ConversationID:             "CFabc",
		Customer:                   orchestrator.LegResult{ParticipantID: "CFabc_customer", CallID: "CA2", Name: "Pat", Phone: "+15005550011"},
		Agent:                      orchestrator.LegResult{ParticipantID: "CFabc_agent", CallID: "CA1", Name: "Morgan", Phone: "+15005550022"},
		TerminationScheduled:       true,
		TerminationDurationSeconds: 600,
		Timestamp:                  time.Now().UTC(),
	}
}

func TestLaunchHandle_HappyPath(t *testing.T) {
	l := &stubLauncher{res: launchResult()}
	h, err := NewLaunchHandler(l, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), launchEvent(`{"strategy":"frustrated"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "frustrated", l.strategy)

	var out orchestrator.Result
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	require.Equal(t, "CFabc", out.ConferenceID)
	require.True(t, out.TerminationScheduled)
}

func TestLaunchHandle_InvalidBody(t *testing.T) {
	h, err := NewLaunchHandler(&stubLauncher{}, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), launchEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLaunchHandle_ProviderFailureIsBadGateway(t *testing.T) {
	l := &stubLauncher{err: &telephony.ProviderError{Kind: telephony.KindTransient, Op: "AddParticipant", Err: errors.New("down")}}
	h, err := NewLaunchHandler(l, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), launchEvent(`{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out errorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	require.Equal(t, "LAUNCH_FAILED", out.Error)
}

func TestLaunchHandle_OtherFailuresAreInternal(t *testing.T) {
	l := &stubLauncher{err: errors.New("empty dataset")}
	h, err := NewLaunchHandler(l, nil)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), launchEvent(``))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
