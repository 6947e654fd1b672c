package laboratory

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/auth"
	"github.com/lis/lis/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, lab_tech
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "lab_tech"))
	readGroup.GET("/orders", h.ListOrders)
	readGroup.GET("/orders/stats", h.StatusCounts)
	readGroup.GET("/orders/:id", h.GetOrder)
	readGroup.GET("/orders/:id/history", h.GetHistory)
	readGroup.GET("/items/:id", h.GetItem)
	readGroup.GET("/catalog", h.ListCatalog)

	// Ordering and cancelling – admin, physician, lab_tech
	orderGroup := api.Group("", auth.RequireRole("admin", "physician", "lab_tech"))
	orderGroup.POST("/orders", h.CreateOrder)
	orderGroup.POST("/orders/:id/cancel", h.CancelOrder)
	orderGroup.POST("/items/:id/cancel", h.CancelItem)

	// Bench work – admin, lab_tech
	benchGroup := api.Group("", auth.RequireRole("admin", "lab_tech"))
	benchGroup.PATCH("/orders/:id/start", h.StartProcessing)
	benchGroup.POST("/items/:id/result", h.RecordResult)
}

// ErrorResponse is the body of every non-2xx answer of this API.
type ErrorResponse struct {
	Error    string `json:"error"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id,omitempty"`
	Message  string `json:"message"`
}

func statusForKind(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes err as an ErrorResponse. A request whose deadline expired gets
// a 504; other errors without a domain kind are logged and reported as a bare 500.
func (h *Handler) fail(c echo.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(c.Request().Context().Err(), context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, ErrorResponse{
			Error:   "Timeout",
			Message: "request processing exceeded the allowed time limit",
		})
	}
	kind := KindName(err)
	if kind == "" {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "InternalError", Message: "internal server error"})
	}
	body := ErrorResponse{Error: kind, Message: err.Error()}
	var de *Error
	if errors.As(err, &de) {
		body.Resource = de.Resource
		body.ID = de.ID
		body.Message = de.Message
		if body.Message == "" {
			body.Message = de.Kind.Error()
		}
	}
	return c.JSON(statusForKind(err), body)
}

func badRequest(c echo.Context, resource, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "ValidationError", Resource: resource, Message: msg})
}

func parseID(c echo.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	return id, err == nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var in CreateOrderInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "order", "malformed request body")
	}
	detail, err := h.svc.CreateOrder(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set("Location", "/api/v1/orders/"+detail.Order.ID.String())
	return c.JSON(http.StatusCreated, detail)
}

func (h *Handler) StartProcessing(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "order", "invalid id")
	}
	o, err := h.svc.StartProcessing(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "order", "invalid id")
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "order", "malformed request body")
	}
	o, err := h.svc.CancelOrder(c.Request().Context(), id, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) RecordResult(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "item", "invalid id")
	}
	var in ResultInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "item", "malformed request body")
	}
	it, err := h.svc.RecordResult(c.Request().Context(), id, in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) CancelItem(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "item", "invalid id")
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "item", "malformed request body")
	}
	it, err := h.svc.CancelItem(c.Request().Context(), id, req.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "order", "invalid id")
	}
	detail, err := h.svc.GetOrderDetail(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) GetItem(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "item", "invalid id")
	}
	it, err := h.svc.GetItem(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) ListOrders(c echo.Context) error {
	var f OrderFilter
	if v := c.QueryParam("status"); v != "" {
		st, err := ParseOrderStatus(v)
		if err != nil {
			return h.fail(c, err)
		}
		f.Status = st
	}
	if v := c.QueryParam("patient_ref"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return badRequest(c, "order", "invalid patient_ref")
		}
		f.PatientID = &pid
	}
	if v := c.QueryParam("urgent"); v != "" {
		urgent, err := strconv.ParseBool(v)
		if err != nil {
			return badRequest(c, "order", "invalid urgent flag")
		}
		f.Urgent = &urgent
	}

	pg := pagination.FromContext(c)
	orders, total, err := h.svc.ListOrders(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	links := pg.Links(c.Request().URL.Path, c.QueryParams(), total)
	return c.JSON(http.StatusOK, pagination.NewResponse(orders, total, pg.Limit, pg.Offset).WithLinks(links))
}

func (h *Handler) StatusCounts(c echo.Context) error {
	counts, err := h.svc.StatusCounts(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "order", "invalid id")
	}
	history, err := h.svc.OrderHistory(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) ListCatalog(c echo.Context) error {
	entries, err := h.svc.ListCatalog(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}
