package casemgmt

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/casemerge/internal/merge"
	"github.com/ehr/casemerge/internal/platform/auth"
)

// Handler serves read-only case views used while preparing a merge.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group, roles ...string) {
	g := api.Group("/cases", auth.RequireRole(roles...))
	g.GET("/:id", h.GetCase)
	g.GET("/:id/log", h.ListLog)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cs, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) ListLog(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if _, err := h.repo.GetByID(ctx, id); err != nil {
		return httpError(err)
	}
	entries, err := h.repo.ListLogs(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if entries == nil {
		entries = []*LogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"case_id": id, "entries": entries})
}

func httpError(err error) error {
	if errors.Is(err, merge.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
