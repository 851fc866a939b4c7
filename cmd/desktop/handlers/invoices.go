package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/invoicesync/internal/models"
)

// InvoiceService is what the invoice routes need from the runtime.
// *app.App satisfies CreateInvoice and Now; the store and orchestrator the rest.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, customerName string, items []models.LineItem) (*models.InvoiceRecord, error)
	Now() time.Time
}

// InvoiceReader reads recorded invoices. Implemented by *db.Store.
type InvoiceReader interface {
	Get(ctx context.Context, id string) (*models.InvoiceRecord, error)
	ListAll(ctx context.Context) ([]*models.InvoiceRecord, error)
	ListDue(ctx context.Context, now time.Time) ([]*models.InvoiceRecord, error)
}

// Retrier requeues failed invoices. Implemented by *sync.Orchestrator.
type Retrier interface {
	Retry(ctx context.Context, id string) error
}

// InvoiceHandler handles invoice entry and listing.
type InvoiceHandler struct {
	service InvoiceService
	reader  InvoiceReader
	retrier Retrier
}

// NewInvoiceHandler creates a new InvoiceHandler.
func NewInvoiceHandler(service InvoiceService, reader InvoiceReader, retrier Retrier) *InvoiceHandler {
	return &InvoiceHandler{service: service, reader: reader, retrier: retrier}
}

// Register mounts the invoice routes on g.
func (h *InvoiceHandler) Register(g *echo.Group) {
	g.POST("/invoices", h.CreateInvoice)
	g.GET("/invoices", h.ListInvoices)
	g.GET("/invoices/:id", h.GetInvoice)
	g.POST("/invoices/:id/retry", h.RetryInvoice)
}

// CreateInvoiceRequest is the body of POST /api/invoices.
type CreateInvoiceRequest struct {
	CustomerName string            `json:"customerName"`
	Items        []models.LineItem `json:"items"`
}

// CreateInvoice handles POST /api/invoices
// The invoice is persisted locally and queued; delivery happens on the next pass.
func (h *InvoiceHandler) CreateInvoice(c echo.Context) error {
	var req CreateInvoiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items is required")
	}

	rec, err := h.service.CreateInvoice(c.Request().Context(), strings.TrimSpace(req.CustomerName), req.Items)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

// ListInvoicesResponse is returned by GET /api/invoices.
type ListInvoicesResponse struct {
	Items []*models.InvoiceRecord `json:"items"`
	Total int                     `json:"total"`
}

// ListInvoices handles GET /api/invoices
// Query parameters: due=true limits to invoices the next pass would attempt;
// status filters by lifecycle state.
func (h *InvoiceHandler) ListInvoices(c echo.Context) error {
	ctx := c.Request().Context()

	status := models.InvoiceStatus(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	var (
		recs []*models.InvoiceRecord
		err  error
	)
	if c.QueryParam("due") == "true" {
		recs, err = h.reader.ListDue(ctx, h.service.Now())
	} else {
		recs, err = h.reader.ListAll(ctx)
	}
	if err != nil {
		return httpError(err)
	}

	items := make([]*models.InvoiceRecord, 0, len(recs))
	for _, rec := range recs {
		if status == "" || rec.Status == status {
			items = append(items, rec)
		}
	}
	return c.JSON(http.StatusOK, ListInvoicesResponse{Items: items, Total: len(items)})
}

// GetInvoice handles GET /api/invoices/:id
func (h *InvoiceHandler) GetInvoice(c echo.Context) error {
	rec, err := h.reader.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// RetryInvoice handles POST /api/invoices/:id/retry
func (h *InvoiceHandler) RetryInvoice(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.retrier.Retry(ctx, id); err != nil {
		return httpError(err)
	}
	rec, err := h.reader.Get(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
