package api

import (
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/service"
)

// Chat runs one turn and streams the reply as plain text.
// POST /chat
func (h *Handler) Chat(c echo.Context) error {
	var req domain.ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: err.Error()})
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: "streaming not supported"})
	}

	ctx := c.Request().Context()
	turn, err := h.service.SubmitTurn(ctx, service.TurnRequest{
		SessionID:   req.SessionID,
		Content:     req.Content,
		Model:       req.Model,
		ImageBase64: req.ImageBase64,
	})
	if err != nil {
		return errorJSON(c, err)
	}
	defer turn.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set(HeaderSessionID, turn.SessionID)
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = turn.Relay(ctx, func(fragment string) error {
		if _, err := io.WriteString(res, fragment); err != nil {
			return fmt.Errorf("write fragment: %w", err)
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Headers are out; the reply is already stored.
		log.Printf("WARN: chat stream for session %s ended early: %v", turn.SessionID, err)
	}

	return nil
}
