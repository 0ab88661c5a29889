package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskforge/internal/gatherer"
)

// RequirementsHandler feeds chat messages through the requirement gatherer.
type RequirementsHandler struct {
	gatherer *gatherer.Service
}

func NewRequirementsHandler(g *gatherer.Service) *RequirementsHandler {
	return &RequirementsHandler{gatherer: g}
}

func (h *RequirementsHandler) Register(g *echo.Group) {
	g.POST("/:conversation_id/messages", h.message)
	g.GET("/:conversation_id", h.session)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *RequirementsHandler) message(c echo.Context) error {
	conv := strings.TrimSpace(c.Param("conversation_id"))
	if conv == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id required")
	}
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text required")
	}
	reply, err := h.gatherer.Handle(c.Request().Context(), conv, req.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}

func (h *RequirementsHandler) session(c echo.Context) error {
	sess, err := h.gatherer.Session(c.Request().Context(), c.Param("conversation_id"))
	if errors.Is(err, gatherer.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no session for conversation")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}
