package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"banggood-pipeline/models"
)

// DefaultTopN is used when a top query has no n parameter.
const DefaultTopN = 10

// QueryService is the read-only query contract served over HTTP.
type QueryService interface {
	TopN(ctx context.Context, q models.TopQuery) ([]models.ProductRecord, error)
	CategoryRollup(ctx context.Context, q models.RollupQuery) ([]models.RollupRow, error)
	Trend(ctx context.Context, q models.TrendQuery) ([]models.ProductRecord, error)
}

// QueryHandler serves product queries.
type QueryHandler struct {
	logger  *zap.Logger
	service QueryService
	timeout time.Duration
	now     func() time.Time
}

// NewQueryHandler creates a QueryHandler.
func NewQueryHandler(logger *zap.Logger, service QueryService) *QueryHandler {
	return &QueryHandler{
		logger:  logger,
		service: service,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// TopProducts handles GET /api/v1/products/top.
func (h *QueryHandler) TopProducts(c *fiber.Ctx) error {
	asOf, err := h.dateParam(c, "as_of")
	if err != nil {
		return badRequest(c, err)
	}
	if asOf.IsZero() {
		asOf = models.DateOf(h.now(), time.UTC)
	}
	q := models.TopQuery{
		Category:       strings.TrimSpace(c.Query("category")),
		Metric:         models.Metric(c.Query("metric", string(models.MetricValueScore))),
		N:              c.QueryInt("n", DefaultTopN),
		AsOf:           asOf,
		IncludeInvalid: c.QueryBool("include_invalid", false),
	}

	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()
	rows, err := h.service.TopN(ctx, q)
	if err != nil {
		return h.fail(c, "api.top_products.failed", err)
	}

	return c.JSON(TopResponse{
		AsOf:     asOf.Format(models.DateLayout),
		Metric:   string(q.Metric),
		Category: q.Category,
		Count:    len(rows),
		Products: toProductResponses(rows),
	})
}

// CategoryRollup handles GET /api/v1/categories/rollup.
func (h *QueryHandler) CategoryRollup(c *fiber.Ctx) error {
	asOf, err := h.dateParam(c, "as_of")
	if err != nil {
		return badRequest(c, err)
	}
	if asOf.IsZero() {
		asOf = models.DateOf(h.now(), time.UTC)
	}

	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()
	rows, err := h.service.CategoryRollup(ctx, models.RollupQuery{
		AsOf:           asOf,
		IncludeInvalid: c.QueryBool("include_invalid", false),
	})
	if err != nil {
		return h.fail(c, "api.category_rollup.failed", err)
	}
	if rows == nil {
		rows = []models.RollupRow{}
	}

	return c.JSON(RollupResponse{
		AsOf:       asOf.Format(models.DateLayout),
		Count:      len(rows),
		Categories: rows,
	})
}

// ProductTrend handles GET /api/v1/products/:id/trend.
func (h *QueryHandler) ProductTrend(c *fiber.Ctx) error {
	from, err := h.dateParam(c, "from")
	if err != nil {
		return badRequest(c, err)
	}
	to, err := h.dateParam(c, "to")
	if err != nil {
		return badRequest(c, err)
	}
	id := c.Params("id")

	ctx, cancel := context.WithTimeout(c.Context(), h.timeout)
	defer cancel()
	rows, err := h.service.Trend(ctx, models.TrendQuery{
		ProductID:      id,
		From:           from,
		To:             to,
		IncludeInvalid: c.QueryBool("include_invalid", false),
	})
	if err != nil {
		return h.fail(c, "api.product_trend.failed", err, zap.String("product_id", id))
	}

	return c.JSON(TrendResponse{
		ProductID: id,
		Count:     len(rows),
		Snapshots: toProductResponses(rows),
	})
}

func (h *QueryHandler) dateParam(c *fiber.Ctx, name string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(models.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD, got %q", name, raw)
	}
	return t, nil
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
}

// fail maps query errors to a status: argument errors are 400, anything else
// is logged and reported as 500.
func (h *QueryHandler) fail(c *fiber.Ctx, event string, err error, fields ...zap.Field) error {
	if errors.Is(err, models.ErrInvalidQuery) {
		return badRequest(c, err)
	}
	h.logger.Error(event, append(fields, zap.Error(err))...)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "query failed"})
}
