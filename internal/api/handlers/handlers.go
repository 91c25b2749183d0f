package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/internal/dispatcher"
	"github.com/acme/failover-dialer/internal/domain"
	"github.com/acme/failover-dialer/internal/repository"
	"github.com/acme/failover-dialer/pkg/logger"
)

// StatusReader reports the dispatcher state.
type StatusReader interface {
	Status() dispatcher.Status
}

// SubmissionHistory looks up past submissions for one destination.
type SubmissionHistory interface {
	ListByDestination(ctx context.Context, campaign string, dest domain.Destination, limit int) ([]domain.SubmissionRecord, error)
}

// Deps are the collaborators behind the admin routes. Appender and History
// are optional; their routes answer 501 when unset.
type Deps struct {
	Campaign string
	Status   StatusReader
	Pause    repository.PauseControl
	Appender repository.DestinationAppender
	History  SubmissionHistory
	Checks   map[string]func(context.Context) error
	Logger   *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps Deps
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{deps: deps}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	dialer := v1.Group("/dialer")
	dialer.Get("/status", h.status)
	dialer.Post("/pause", h.pause)
	dialer.Post("/resume", h.resume)
	dialer.Post("/destinations", h.appendDestinations)
	dialer.Get("/submissions/:destination", h.listSubmissions)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.deps.Logger.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.Checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	body := fiber.Map{"status": "ok", "errors": errs}
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	if h.deps.Status != nil {
		body["dispatcher"] = h.deps.Status.Status().State
	}

	return ctx.Status(status).JSON(body)
}
