package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/chatrelay/internal/domain"
)

// ListSessions returns all sessions, newest first.
// GET /sessions
func (h *Handler) ListSessions(c echo.Context) error {
	sessions, err := h.service.ListSessions(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

// GetSessionMessages returns the messages of a session in creation order.
// GET /sessions/:id
func (h *Handler) GetSessionMessages(c echo.Context) error {
	messages, err := h.service.GetSessionMessages(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return c.JSON(http.StatusOK, messages)
}

// DeleteSession deletes a session and its messages.
// DELETE /sessions/:id
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, domain.StatusResponse{Message: "Session deleted"})
}
