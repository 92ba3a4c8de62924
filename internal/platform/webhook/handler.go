package webhook

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/navimed/navimed/pkg/pagination"
)

// Handler exposes subscription management. Registered behind the
// compliance-officer role guard; the tenant comes from the tenant
// middleware, so subscriptions are always owned by the caller's tenant.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(dispatcher *Dispatcher) *Handler {
	return &Handler{dispatcher: dispatcher}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.Subscribe)
	g.GET("/webhooks", h.List)
	g.GET("/webhooks/:id", h.Get)
	g.DELETE("/webhooks/:id", h.Unsubscribe)
	g.POST("/webhooks/:id/pause", h.Pause)
	g.POST("/webhooks/:id/resume", h.Resume)
	g.POST("/webhooks/:id/ping", h.Ping)
	g.GET("/webhooks/:id/deliveries", h.Deliveries)
	g.POST("/webhooks/deliveries/:id/redeliver", h.Redeliver)
}

func tenantID(c echo.Context) string {
	tid, _ := c.Get("tenant_id").(string)
	return tid
}

type subscribeRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// subscriptionCreated is the one response that includes the secret, so the
// caller can store it for signature verification.
type subscriptionCreated struct {
	*Subscription
	Secret string `json:"secret"`
}

func (h *Handler) Subscribe(c echo.Context) error {
	var body subscribeRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sub, err := h.dispatcher.Subscribe(c.Request().Context(), tenantID(c), body.URL, body.Secret, body.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, subscriptionCreated{Subscription: sub, Secret: sub.Secret})
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	subs, total, err := h.dispatcher.Subscriptions(c.Request().Context(), tenantID(c), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(subs, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	sub, err := h.dispatcher.Subscription(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) Unsubscribe(c echo.Context) error {
	if err := h.dispatcher.Unsubscribe(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Pause(c echo.Context) error {
	if err := h.dispatcher.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Resume(c echo.Context) error {
	if err := h.dispatcher.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Ping(c echo.Context) error {
	delivery, err := h.dispatcher.Ping(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, delivery)
}

func (h *Handler) Deliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.dispatcher.Deliveries(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Redeliver(c echo.Context) error {
	delivery, err := h.dispatcher.Redeliver(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, delivery)
}
