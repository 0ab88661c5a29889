package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/taskforge/internal/capability"
	"github.com/mohammad-safakhou/taskforge/internal/core"
	"github.com/mohammad-safakhou/taskforge/internal/planner"
	"github.com/mohammad-safakhou/taskforge/internal/policy"
)

// PlansHandler compiles job specs into plans and validates submitted plan documents.
type PlansHandler struct {
	skills *capability.Registry
	policy policy.DomainPolicy
}

func NewPlansHandler(skills *capability.Registry, dp policy.DomainPolicy) *PlansHandler {
	return &PlansHandler{skills: skills, policy: dp}
}

func (h *PlansHandler) Register(g *echo.Group) {
	g.POST("/compile", h.compile)
	g.POST("/validate", h.validate)
}

type compileRequest struct {
	Job *core.JobSpec `json:"job"`
}

func (h *PlansHandler) compile(c echo.Context) error {
	var req compileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Job == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "job required")
	}
	plan, err := compilePlan(*req.Job, h.skills, h.policy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plan)
}

type validateResponse struct {
	Valid  bool     `json:"valid"`
	PlanID string   `json:"plan_id,omitempty"`
	Order  []string `json:"execution_order,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func (h *PlansHandler) validate(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil || len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	plan, err := planner.DecodePlan(raw)
	if err != nil {
		resp := validateResponse{Valid: false}
		var verrs planner.ValidationErrors
		if errors.As(err, &verrs) {
			for _, v := range verrs {
				resp.Errors = append(resp.Errors, v.Error())
			}
		} else {
			resp.Errors = []string{err.Error()}
		}
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	order, _ := planner.TopoOrder(plan)
	return c.JSON(http.StatusOK, validateResponse{Valid: true, PlanID: plan.PlanID, Order: order})
}

func compilePlan(job core.JobSpec, skills *capability.Registry, dp policy.DomainPolicy) (core.PlanSpec, error) {
	plan, err := planner.Compile(job, skills, planner.WithPolicy(dp))
	switch {
	case errors.Is(err, planner.ErrSkillUnavailable), errors.Is(err, planner.ErrEmptyPattern):
		return core.PlanSpec{}, echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return core.PlanSpec{}, err
	}
	return plan, nil
}
