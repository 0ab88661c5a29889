package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskforge/internal/artifact"
	"github.com/mohammad-safakhou/taskforge/internal/core"
)

// ArtifactsHandler serves stored artifacts, as JSON records or raw bodies.
type ArtifactsHandler struct {
	store artifact.Store
}

func NewArtifactsHandler(s artifact.Store) *ArtifactsHandler {
	return &ArtifactsHandler{store: s}
}

func (h *ArtifactsHandler) Register(g *echo.Group) {
	g.GET("/:id", h.get)
}

var contentTypes = map[core.ArtifactType]string{
	core.ArtifactJSON:     echo.MIMEApplicationJSONCharsetUTF8,
	core.ArtifactMarkdown: "text/markdown; charset=utf-8",
	core.ArtifactText:     echo.MIMETextPlainCharsetUTF8,
	core.ArtifactCSV:      "text/csv; charset=utf-8",
}

func (h *ArtifactsHandler) get(c echo.Context) error {
	art, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, artifact.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
	}
	if err != nil {
		return err
	}
	if raw, _ := strconv.ParseBool(c.QueryParam("raw")); raw {
		if art.Deleted() {
			return echo.NewHTTPError(http.StatusGone, "artifact deleted")
		}
		return c.Blob(http.StatusOK, contentTypes[art.Type], []byte(art.Content))
	}
	return c.JSON(http.StatusOK, art)
}
