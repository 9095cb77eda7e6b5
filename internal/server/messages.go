package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hourglass-hq/hourglass/internal/channel"
	"github.com/hourglass-hq/hourglass/internal/engine"
	"github.com/hourglass-hq/hourglass/internal/timesheet"
)

// MessagesHandler runs inbound messages through the response pipeline.
type MessagesHandler struct {
	Coordinator *engine.Coordinator
}

func (h *MessagesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("", h.process)
	g.POST("/:id/resume", h.resume)
}

func (h *MessagesHandler) process(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := inboundFromRequest(c, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.Coordinator.Process(c.Request().Context(), msg)
	if err != nil {
		var invalid *engine.InvalidInputError
		if errors.As(err, &invalid) {
			return echo.NewHTTPError(http.StatusBadRequest, invalid.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, responseFromResult(result))
}

func (h *MessagesHandler) resume(c echo.Context) error {
	requestID := c.Param("id")
	if requestID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request id is required")
	}
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := inboundFromRequest(c, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := h.Coordinator.Resume(c.Request().Context(), requestID, msg)
	if err != nil {
		var invalid *engine.InvalidInputError
		if errors.As(err, &invalid) {
			return echo.NewHTTPError(http.StatusBadRequest, invalid.Error())
		}
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, responseFromResult(result))
}

func inboundFromRequest(c echo.Context, req MessageRequest) (engine.InboundMessage, error) {
	ch, err := channel.Parse(req.Channel)
	if err != nil {
		return engine.InboundMessage{}, err
	}
	return engine.InboundMessage{
		UserID:         req.UserID,
		Message:        req.Message,
		Channel:        ch,
		ConversationID: req.ConversationID,
		DisplayName:    req.DisplayName,
		Credentials:    timesheet.Credentials(c.Request().Header.Get("X-Timesheet-Token")),
		Timezone:       req.Timezone,
		Context:        req.Context,
	}, nil
}

func responseFromResult(r *engine.Result) MessageResponse {
	resp := MessageResponse{
		RequestID:           r.RequestID,
		FinalResponse:       r.FinalResponse,
		ValidationPassed:    r.ValidationPassed,
		RefinementAttempted: r.RefinementAttempted,
		GracefulFailure:     r.GracefulFailure,
		TotalDurationMs:     r.TotalDuration.Milliseconds(),
	}
	for _, p := range r.Parts {
		resp.Parts = append(resp.Parts, MessagePart{Sequence: p.Sequence, Content: p.Content})
	}
	return resp
}
