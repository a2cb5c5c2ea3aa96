package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"callsim/internal/orchestrator"
	"callsim/internal/telephony"
)

// Launcher starts one synthetic conversation.
type Launcher interface {
	Launch(ctx context.Context, strategy string) (orchestrator.Result, error)
}

type launchRequest struct {
	Strategy string `json:"strategy"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// LaunchHandler serves the JSON endpoint that kicks off a conversation.
type LaunchHandler struct {
	launcher Launcher
	log      *slog.Logger
}

// NewLaunchHandler creates a LaunchHandler.
func NewLaunchHandler(launcher Launcher, log *slog.Logger) (*LaunchHandler, error) {
	if launcher == nil {
		return nil, errors.New("handler: launcher must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &LaunchHandler{launcher: launcher, log: log}, nil
}

// Handle decodes the request, runs the launch and maps failures to HTTP
// statuses: provider failures are 502, everything else 500.
func (h *LaunchHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)

	var in launchRequest
	if req.Body != "" {
		if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
			return jsonResponse(corrID, http.StatusBadRequest, errorResponse{Error: "INVALID_REQUEST"})
		}
	}

	res, err := h.launcher.Launch(ctx, in.Strategy)
	if err != nil {
		h.log.Error("launch failed", "correlationId", corrID, "strategy", in.Strategy, "err", err)
		status := http.StatusInternalServerError
		var pe *telephony.ProviderError
		if errors.As(err, &pe) {
			status = http.StatusBadGateway
		}
		return jsonResponse(corrID, status, errorResponse{Error: "LAUNCH_FAILED"})
	}

	return jsonResponse(corrID, http.StatusOK, res)
}

func jsonResponse(corrID string, status int, payload any) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{headerCorrelationID: corrID},
		}, nil
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: corrID,
		},
		Body: string(body),
	}, nil
}
