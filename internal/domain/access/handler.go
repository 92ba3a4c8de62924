package access

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/navimed/navimed/internal/platform/auth"
	"github.com/navimed/navimed/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/access-requests", h.Create)
	api.GET("/access-requests/pending", h.ListPending)
	api.GET("/access-requests/:id", h.Get)
	api.GET("/access-requests/:id/history", h.History)
	api.GET("/access-requests/:id/access", h.CheckAccess)
	api.POST("/access-requests/:id/decision", h.Decide)
	api.GET("/access-policy", h.Policy)

	admin := api.Group("", auth.RequireRole(auth.RoleComplianceOfficer, auth.RoleMedicalDirector))
	admin.GET("/access-requests", h.List)

	revoke := api.Group("", auth.RequireRole(auth.RoleComplianceOfficer))
	revoke.POST("/access-requests/:id/revoke", h.Revoke)
}

type createRequest struct {
	PatientID            uuid.UUID  `json:"patient_id"`
	TargetPhysicianID    *string    `json:"target_physician_id"`
	Reason               string     `json:"reason"`
	Urgency              Urgency    `json:"urgency"`
	AccessContext        Context    `json:"access_context"`
	AccessType           AccessType `json:"access_type"`
	RequestedDurationSec int64      `json:"requested_duration_secs"`
}

func (h *Handler) Create(c echo.Context) error {
	var body createRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// The requester is always the authenticated caller, never the body.
	requester := auth.UserIDFromContext(c.Request().Context())
	if requester == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}

	req, err := h.svc.CreateRequest(c.Request().Context(), CreateInput{
		PatientID:             body.PatientID,
		RequestingPhysicianID: requester,
		TargetPhysicianID:     body.TargetPhysicianID,
		Reason:                body.Reason,
		Urgency:               body.Urgency,
		AccessContext:         body.AccessContext,
		AccessType:            body.AccessType,
		RequestedDuration:     time.Duration(body.RequestedDurationSec) * time.Second,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	req, err := h.svc.GetRequest(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f Filter
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("status"); v != "" {
		st := Status(v)
		f.Status = &st
	}
	if v := c.QueryParam("requester"); v != "" {
		f.RequesterID = &v
	}
	if c.QueryParam("review") == "pending" {
		f.ReviewPending = true
	}

	items, total, err := h.svc.ListRequests(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// ListPending returns the caller's approval queue, ordered by deadline.
func (h *Handler) ListPending(c echo.Context) error {
	pg := pagination.FromContext(c)
	roles := auth.RolesFromContext(c.Request().Context())

	items, total, err := h.svc.ListPendingFor(c.Request().Context(), roles, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type decisionRequest struct {
	Action Decision `json:"action"`
	Notes  *string  `json:"notes"`
	Level  int      `json:"level"`
}

func (h *Handler) Decide(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body decisionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// The level the approver believes they are deciding is mandatory: it is
	// what catches a submission built against a stale view of the request.
	if body.Level < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "level must be a positive integer")
	}

	ctx := c.Request().Context()
	approverID := auth.UserIDFromContext(ctx)
	if approverID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}

	req, err := h.svc.Decide(ctx, id, approverID, auth.RolesFromContext(ctx), body.Action, body.Notes, body.Level)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) History(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.svc.GetHistory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

// CheckAccess is the authorization probe downstream services call before
// serving restricted chart data.
func (h *Handler) CheckAccess(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	live, err := h.svc.HasLiveAccess(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"access": live})
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Revoke(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body revokeRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if err := h.svc.Revoke(ctx, id, auth.UserIDFromContext(ctx), body.Reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Policy(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.PolicyTable())
}

// httpError maps the domain error taxonomy onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrRequestNotActionable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrLevelMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnauthorizedApprover):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrPolicyResolution):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
