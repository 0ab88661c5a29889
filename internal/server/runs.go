package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
	"github.com/mohammad-safakhou/taskforge/internal/runner"
	"github.com/mohammad-safakhou/taskforge/internal/runstore"
	"github.com/mohammad-safakhou/taskforge/internal/runtime"
)

// RunsHandler submits runs to the execution engine and reports on them from the run store.
type RunsHandler struct {
	runner *runner.Runner
	runs   runstore.Store
	skills *capability.Registry
	policy policy.DomainPolicy
	logger *log.Logger

	mu      sync.Mutex
	handles map[string]*runner.Handle
}

func NewRunsHandler(r *runner.Runner, runs runstore.Store, skills *capability.Registry, dp policy.DomainPolicy, logger *log.Logger) *RunsHandler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RunsHandler{
		runner:  r,
		runs:    runs,
		skills:  skills,
		policy:  dp,
		logger:  logger,
		handles: map[string]*runner.Handle{},
	}
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/result", h.result)
	g.POST("/:id/cancel", h.cancel)
}

type submitRequest struct {
	ConversationID string         `json:"conversation_id"`
	Job            *core.JobSpec  `json:"job"`
	Plan           *core.PlanSpec `json:"plan"`
}

type submitResponse struct {
	RunID  string         `json:"run_id"`
	Status core.RunStatus `json:"status"`
}

// submit starts a run in the background and answers 202. With ?wait=true it runs to
// completion and answers with the result. A missing plan is compiled from the job.
func (h *RunsHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Job == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "job required")
	}
	plan := req.Plan
	if plan == nil {
		compiled, err := compilePlan(*req.Job, h.skills, h.policy)
		if err != nil {
			return err
		}
		plan = &compiled
	}
	owner, _ := runtime.SubjectFromContext(c.Request().Context())
	rr := runner.RunRequest{
		ConversationID: req.ConversationID,
		OwnerID:        owner,
		Job:            *req.Job,
		Plan:           *plan,
	}

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		res, err := h.runner.Submit(c.Request().Context(), rr)
		if errors.Is(err, runner.ErrStructural) && res != nil {
			return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error(), "result": res})
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}

	handle, err := h.runner.Start(c.Request().Context(), rr)
	if err != nil {
		return err
	}
	h.track(handle)
	return c.JSON(http.StatusAccepted, submitResponse{RunID: handle.RunID, Status: handle.Status()})
}

func (h *RunsHandler) track(handle *runner.Handle) {
	h.mu.Lock()
	h.handles[handle.RunID] = handle
	h.mu.Unlock()
	go func() {
		<-handle.Done()
		if _, err := handle.Wait(context.Background()); err != nil {
			h.logger.Printf("run %s finished with error: %v", handle.RunID, err)
		}
		h.mu.Lock()
		delete(h.handles, handle.RunID)
		h.mu.Unlock()
	}()
}

type runView struct {
	RunID          string                     `json:"run_id"`
	ConversationID string                     `json:"conversation_id,omitempty"`
	Status         core.RunStatus             `json:"status"`
	PlanID         string                     `json:"plan_id"`
	Nodes          map[string]core.NodeResult `json:"nodes"`
	Events         []core.Event               `json:"events"`
	CreatedAt      time.Time                  `json:"created_at"`
	StartedAt      *time.Time                 `json:"started_at,omitempty"`
	CompletedAt    *time.Time                 `json:"completed_at,omitempty"`
}

func viewOf(s core.RunnerSession) runView {
	return runView{
		RunID:          s.RunID,
		ConversationID: s.ConversationID,
		Status:         s.Status,
		PlanID:         s.Plan.PlanID,
		Nodes:          s.NodeResults,
		Events:         s.Events,
		CreatedAt:      s.CreatedAt,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
	}
}

// load returns the session when it exists and the caller may see it. Runs submitted
// with an owner are hidden from everyone else.
func (h *RunsHandler) load(c echo.Context) (core.RunnerSession, error) {
	sess, err := h.runs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, runstore.ErrRunNotFound) {
		return sess, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return sess, err
	}
	if sess.OwnerID != "" {
		if owner, _ := runtime.SubjectFromContext(c.Request().Context()); owner != sess.OwnerID {
			return sess, echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
	}
	return sess, nil
}

func (h *RunsHandler) get(c echo.Context) error {
	sess, err := h.load(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(sess))
}

func (h *RunsHandler) result(c echo.Context) error {
	sess, err := h.load(c)
	if err != nil {
		return err
	}
	if !sess.Status.Terminal() || sess.Result == nil {
		return echo.NewHTTPError(http.StatusConflict, "run is "+string(sess.Status))
	}
	return c.JSON(http.StatusOK, sess.Result)
}

func (h *RunsHandler) cancel(c echo.Context) error {
	sess, err := h.load(c)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "run is "+string(sess.Status))
	}
	h.mu.Lock()
	handle, ok := h.handles[sess.RunID]
	h.mu.Unlock()
	if !ok {
		return echo.NewHTTPError(http.StatusConflict, "run is not executing in this process")
	}
	handle.Cancel()
	return c.JSON(http.StatusAccepted, submitResponse{RunID: sess.RunID, Status: handle.Status()})
}

func (h *RunsHandler) list(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	owner, _ := runtime.SubjectFromContext(c.Request().Context())
	sessions, err := h.runs.Query(c.Request().Context(), runstore.Filter{
		ConversationID: c.QueryParam("conversation_id"),
		OwnerID:        owner,
		Unowned:        owner == "",
		Status:         core.RunStatus(c.QueryParam("status")),
	}, limit)
	if err != nil {
		return err
	}
	out := make([]runView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s))
	}
	return c.JSON(http.StatusOK, out)
}
