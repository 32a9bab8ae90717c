package merge

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/casemerge/internal/catalog"
	"github.com/ehr/casemerge/internal/platform/auth"
	"github.com/ehr/casemerge/internal/platform/db"
)

// SessionStore keeps serialized sessions between requests.
type SessionStore interface {
	Put(ctx context.Context, st State) error
	// Get returns ErrSessionNotFound for unknown or expired sessions.
	Get(ctx context.Context, id uuid.UUID) (State, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type Handler[R any] struct {
	coord    *Coordinator[R]
	sessions SessionStore
}

func NewHandler[R any](coord *Coordinator[R], sessions SessionStore) *Handler[R] {
	return &Handler[R]{coord: coord, sessions: sessions}
}

// RegisterRoutes mounts the session endpoints under /merge/<kind>s.
func (h *Handler[R]) RegisterRoutes(api *echo.Group, roles ...string) {
	g := api.Group("/merge/"+string(h.coord.Entity().Kind())+"s", auth.RequireRole(roles...))
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions/:id", h.GetSession)
	g.PUT("/sessions/:id/decisions/:field", h.UpdateDecision)
	g.POST("/sessions/:id/commit", h.Commit)
	g.DELETE("/sessions/:id", h.DeleteSession)
}

type createSessionRequest struct {
	A uuid.UUID `json:"a"`
	B uuid.UUID `json:"b"`
}

type decisionRequest struct {
	Source string `json:"source"`
	Value  string `json:"value"`
}

// DecisionView is one decision as shown to the operator.
type DecisionView struct {
	Description
	Conflict bool `json:"conflict"`
	Trivial  bool `json:"trivial"`
}

// SessionView is the API representation of a session.
type SessionView struct {
	ID           uuid.UUID      `json:"id"`
	Kind         catalog.Kind   `json:"kind"`
	IDA          uuid.UUID      `json:"id_a"`
	IDB          uuid.UUID      `json:"id_b"`
	Keep         Side           `json:"keep"`
	Decisions    []DecisionView `json:"decisions"`
	Descriptions []Description  `json:"descriptions"`
	CreatedAt    time.Time      `json:"created_at"`
}

func NewSessionView[R any](s *Session[R]) SessionView {
	v := SessionView{
		ID:           s.ID,
		Kind:         s.Kind(),
		IDA:          s.IDA,
		IDB:          s.IDB,
		Keep:         s.Keep,
		Descriptions: s.DescribeAll(),
		CreatedAt:    s.CreatedAt,
	}
	for _, d := range s.decisions {
		v.Decisions = append(v.Decisions, DecisionView{Description: d.Describe(), Conflict: d.Conflict(), Trivial: d.Trivial()})
	}
	return v
}

type staleResponse struct {
	Error       string      `json:"error"`
	StaleFields []string    `json:"stale_fields"`
	Session     SessionView `json:"session"`
}

func (h *Handler[R]) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.A == uuid.Nil || req.B == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "a and b are required")
	}
	ctx := c.Request().Context()
	s, err := h.coord.Open(ctx, req.A, req.B)
	if err != nil {
		return httpError(err)
	}
	if err := h.save(ctx, s); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, NewSessionView(s))
}

func (h *Handler[R]) GetSession(c echo.Context) error {
	s, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewSessionView(s))
}

func (h *Handler[R]) UpdateDecision(c echo.Context) error {
	s, err := h.load(c)
	if err != nil {
		return err
	}
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	src, err := ParseSource(req.Source)
	if err != nil {
		return httpError(err)
	}

	field := c.Param("field")
	if src == SourceEdit {
		err = s.Edit(field, req.Value)
	} else {
		err = s.Choose(field, src)
	}
	if err != nil {
		return httpError(err)
	}
	if err := h.save(c.Request().Context(), s); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, NewSessionView(s))
}

func (h *Handler[R]) Commit(c echo.Context) error {
	s, err := h.load(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.coord.Merge(ctx, s, auth.UserIDFromContext(ctx))
	if err != nil {
		var stale *StaleError[R]
		if errors.As(err, &stale) {
			if err := h.save(ctx, stale.Session); err != nil {
				return err
			}
			return c.JSON(http.StatusConflict, staleResponse{
				Error:       ErrStaleData.Error(),
				StaleFields: stale.Fields,
				Session:     NewSessionView(stale.Session),
			})
		}
		return httpError(err)
	}
	if err := h.sessions.Delete(ctx, s.ID); err != nil {
		c.Logger().Warnf("delete committed session %s: %v", s.ID, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler[R]) DeleteSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.sessions.Delete(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler[R]) load(c echo.Context) (*Session[R], error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	st, err := h.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	s, err := RestoreSession(h.coord.Entity(), st)
	if err != nil {
		return nil, httpError(err)
	}
	return s, nil
}

func (h *Handler[R]) save(ctx context.Context, s *Session[R]) error {
	st, err := s.State()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.sessions.Put(ctx, st); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConsistencyViolation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidValue), errors.Is(err, ErrUnknownField):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrLockTimeout):
		return echo.NewHTTPError(http.StatusConflict, "records are locked by another merge, retry")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
