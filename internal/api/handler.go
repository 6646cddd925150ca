// Package api exposes the pipeline over HTTP. Routes are dynamic: any
// registered object gets the full CRUD surface under /api/:object.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"objectflow/internal/driver"
	"objectflow/internal/pipeline"
	"objectflow/internal/query"
)

// SessionKey is the fiber.Locals key carrying the authenticated session.
const SessionKey = "session"

// GetSession extracts the pipeline session from a request context.
func GetSession(c *fiber.Ctx) *pipeline.Session {
	sess, _ := c.Locals(SessionKey).(*pipeline.Session)
	return sess
}

type Handler struct {
	pipeline *pipeline.Pipeline
}

func NewHandler(p *pipeline.Pipeline) *Handler {
	return &Handler{pipeline: p}
}

func (h *Handler) repo(c *fiber.Ctx) (*pipeline.Repository, error) {
	name := c.Params("object")
	repo, err := h.pipeline.Object(name)
	if err != nil {
		return nil, UnknownObjectError(name)
	}
	return repo, nil
}

// List handles GET /api/:object
func (h *Handler) List(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	opts, err := parseQueryOptions(c)
	if err != nil {
		return err
	}

	rows, err := repo.Find(c.Context(), GetSession(c), opts)
	if err != nil {
		return mapError(c, err)
	}
	if rows == nil {
		rows = []driver.Record{}
	}

	total, err := repo.Count(c.Context(), GetSession(c), opts.Filters)
	if err != nil {
		return mapError(c, err)
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{
			"top":   opts.Top,
			"skip":  opts.Skip,
			"total": total,
		},
	})
}

// GetByID handles GET /api/:object/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	row, err := repo.FindOne(c.Context(), GetSession(c), id)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return NotFoundError(repo.Name(), id)
		}
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"data": row})
}

// Create handles POST /api/:object
func (h *Handler) Create(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	record, err := repo.Create(c.Context(), GetSession(c), body)
	if err != nil {
		return mapError(c, err)
	}
	return c.Status(201).JSON(fiber.Map{"data": record})
}

// Update handles PUT /api/:object/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}

	id := c.Params("id")
	record, err := repo.Update(c.Context(), GetSession(c), id, body)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return NotFoundError(repo.Name(), id)
		}
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"data": record})
}

// Delete handles DELETE /api/:object/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	if err := repo.Delete(c.Context(), GetSession(c), id); err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return NotFoundError(repo.Name(), id)
		}
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"message": "Deleted"})
}

// Aggregate handles GET /api/:object/aggregate
func (h *Handler) Aggregate(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	opts, err := parseQueryOptions(c)
	if err != nil {
		return err
	}
	if groupBy := c.Query("group_by"); groupBy != "" {
		opts.GroupBy = strings.Split(groupBy, ",")
	}
	aggs, err := parseAggregations(c.Query("agg"))
	if err != nil {
		return err
	}
	opts.Aggregations = aggs

	rows, err := repo.Aggregate(c.Context(), GetSession(c), opts)
	if err != nil {
		if errors.Is(err, driver.ErrUnsupported) {
			return NewAppError("UNSUPPORTED", 400, "Storage backend does not support aggregation")
		}
		return mapError(c, err)
	}
	if rows == nil {
		rows = []driver.Record{}
	}
	return c.JSON(fiber.Map{"data": rows})
}

// BulkCreate handles POST /api/:object/bulk
func (h *Handler) BulkCreate(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	var body []map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	result := repo.CreateMany(c.Context(), GetSession(c), body)
	status := 201
	if len(result.Errors) > 0 {
		status = 207
	}
	return c.Status(status).JSON(fiber.Map{"data": result})
}

// BulkDelete handles POST /api/:object/bulk-delete
func (h *Handler) BulkDelete(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	var body struct {
		IDs []any `json:"ids"`
	}
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	result := repo.DeleteMany(c.Context(), GetSession(c), body.IDs)
	status := 200
	if len(result.Errors) > 0 {
		status = 207
	}
	return c.Status(status).JSON(fiber.Map{"data": result})
}

// RunAction handles POST /api/:object/actions/:name
func (h *Handler) RunAction(c *fiber.Ctx) error {
	repo, err := h.repo(c)
	if err != nil {
		return err
	}
	var body map[string]any
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
		}
	}
	result, err := repo.RunAction(c.Context(), GetSession(c), c.Params("name"), body)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownAction) {
			return NewAppError("UNKNOWN_ACTION", 404, err.Error())
		}
		return mapError(c, err)
	}
	return c.JSON(fiber.Map{"data": result})
}

// RegisterRoutes mounts the dynamic object routes behind the given
// middleware chain.
func RegisterRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	group := app.Group("/api", middleware...)
	group.Get("/:object", h.List)
	group.Post("/:object", h.Create)
	group.Get("/:object/aggregate", h.Aggregate)
	group.Post("/:object/bulk", h.BulkCreate)
	group.Post("/:object/bulk-delete", h.BulkDelete)
	group.Post("/:object/actions/:name", h.RunAction)
	group.Get("/:object/:id", h.GetByID)
	group.Put("/:object/:id", h.Update)
	group.Delete("/:object/:id", h.Delete)
}

// parseQueryOptions reads ?fields=, ?filter= (JSON), ?sort=, ?top=, ?skip=.
func parseQueryOptions(c *fiber.Ctx) (query.Options, error) {
	var opts query.Options

	if fields := c.Query("fields"); fields != "" {
		opts.Fields = strings.Split(fields, ",")
	}
	if filter := c.Query("filter"); filter != "" {
		var parsed any
		if err := json.Unmarshal([]byte(filter), &parsed); err != nil {
			return opts, NewAppError("INVALID_FILTER", 400, "filter must be valid JSON")
		}
		opts.Filters = parsed
	}
	if sortParam := c.Query("sort"); sortParam != "" {
		for _, part := range strings.Split(sortParam, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s := query.Sort{Field: part, Dir: "asc"}
			if strings.HasPrefix(part, "-") {
				s.Field = part[1:]
				s.Dir = "desc"
			}
			opts.Sort = append(opts.Sort, s)
		}
	}
	if top := c.Query("top"); top != "" {
		n, err := strconv.Atoi(top)
		if err != nil || n < 0 {
			return opts, NewAppError("INVALID_QUERY", 400, "top must be a non-negative integer")
		}
		opts.Top = n
	}
	if skip := c.Query("skip"); skip != "" {
		n, err := strconv.Atoi(skip)
		if err != nil || n < 0 {
			return opts, NewAppError("INVALID_QUERY", 400, "skip must be a non-negative integer")
		}
		opts.Skip = n
	}
	return opts, nil
}

// parseAggregations reads the agg parameter: "count:id:n,sum:amount:total".
func parseAggregations(param string) ([]query.Aggregation, error) {
	if param == "" {
		return nil, nil
	}
	var aggs []query.Aggregation
	for _, part := range strings.Split(param, ",") {
		pieces := strings.Split(strings.TrimSpace(part), ":")
		if len(pieces) < 2 {
			return nil, NewAppError("INVALID_QUERY", 400, "agg entries take the form func:field[:alias]")
		}
		agg := query.Aggregation{Func: pieces[0], Field: pieces[1]}
		if len(pieces) > 2 {
			agg.Alias = pieces[2]
		}
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

// mapError translates pipeline errors into transport responses.
func mapError(c *fiber.Ctx, err error) error {
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		details := make([]ErrorDetail, 0, len(verr.Result.Results))
		for _, rr := range verr.Result.Results {
			if rr.Valid {
				continue
			}
			field := ""
			if len(rr.Fields) > 0 {
				field = rr.Fields[0]
			}
			details = append(details, ErrorDetail{
				Field:    field,
				Rule:     rr.Rule,
				Severity: rr.Severity,
				Message:  rr.Message,
			})
		}
		return ValidationFailedError(details)
	}

	var perr *pipeline.PermissionError
	if errors.As(err, &perr) {
		return ForbiddenError(perr.Error())
	}

	if errors.Is(err, query.ErrUnsupportedOperator) {
		return NewAppError("INVALID_FILTER", 400, err.Error())
	}
	return err
}

// ErrorHandler is the fiber-level error handler mapping AppError to its
// status and everything else to a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(ErrorResponse{
		Error: &AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
