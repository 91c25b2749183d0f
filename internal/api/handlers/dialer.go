package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/internal/dispatcher"
	"github.com/acme/failover-dialer/internal/domain"
	apperrors "github.com/acme/failover-dialer/pkg/errors"
)

const maxAppendBatch = 10000

type statusResponse struct {
	Campaign string `json:"campaign"`
	Paused   bool   `json:"paused"`
	dispatcher.Status
}

type appendDestinationsRequest struct {
	Destinations []string `json:"destinations"`
}

type submissionResponse struct {
	ID          string `json:"id"`
	CallID      string `json:"call_id"`
	Identity    string `json:"identity"`
	Status      string `json:"status"`
	JobID       string `json:"job_id,omitempty"`
	Error       string `json:"error,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

func (h *HandlerSet) status(ctx *fiber.Ctx) error {
	resp := statusResponse{
		Campaign: h.deps.Campaign,
		Paused:   h.deps.Pause.IsPaused(ctx.UserContext()),
	}
	if h.deps.Status != nil {
		resp.Status = h.deps.Status.Status()
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) pause(ctx *fiber.Ctx) error {
	if err := h.deps.Pause.Pause(ctx.UserContext()); err != nil {
		return translateError(err)
	}
	h.deps.Logger.Info("api: campaign paused", zap.String("campaign", h.deps.Campaign), zap.String("remote", ctx.IP()))
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"paused": true})
}

func (h *HandlerSet) resume(ctx *fiber.Ctx) error {
	if err := h.deps.Pause.Resume(ctx.UserContext()); err != nil {
		return translateError(err)
	}
	h.deps.Logger.Info("api: campaign resumed", zap.String("campaign", h.deps.Campaign), zap.String("remote", ctx.IP()))
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"paused": false})
}

func (h *HandlerSet) appendDestinations(ctx *fiber.Ctx) error {
	if h.deps.Appender == nil {
		return fiber.NewError(http.StatusNotImplemented, "destination source is read-only")
	}

	var req appendDestinationsRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Destinations) == 0 {
		return translateError(fmt.Errorf("%w: destinations must not be empty", apperrors.ErrValidation))
	}
	if len(req.Destinations) > maxAppendBatch {
		return translateError(fmt.Errorf("%w: at most %d destinations per request", apperrors.ErrValidation, maxAppendBatch))
	}

	dests := make([]domain.Destination, 0, len(req.Destinations))
	for i, raw := range req.Destinations {
		d := strings.TrimSpace(raw)
		if d == "" || strings.ContainsAny(d, "\r\n") {
			return translateError(fmt.Errorf("%w: destinations[%d] is not a single number", apperrors.ErrValidation, i))
		}
		dests = append(dests, domain.Destination(d))
	}

	if err := h.deps.Appender.Append(ctx.UserContext(), dests); err != nil {
		return translateError(err)
	}
	h.deps.Logger.Info("api: destinations appended", zap.String("campaign", h.deps.Campaign), zap.Int("count", len(dests)))
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"appended": len(dests)})
}

func (h *HandlerSet) listSubmissions(ctx *fiber.Ctx) error {
	if h.deps.History == nil {
		return fiber.NewError(http.StatusNotImplemented, "submission history is not enabled")
	}

	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return fiber.NewError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = n
	}

	dest := domain.Destination(ctx.Params("destination"))
	records, err := h.deps.History.ListByDestination(ctx.UserContext(), h.deps.Campaign, dest, limit)
	if err != nil {
		return translateError(err)
	}

	out := make([]submissionResponse, 0, len(records))
	for _, r := range records {
		out = append(out, submissionResponse{
			ID:          r.ID.String(),
			CallID:      r.CallID.String(),
			Identity:    string(r.Identity),
			Status:      string(r.Status),
			JobID:       r.JobID,
			Error:       r.Error,
			SubmittedAt: r.SubmittedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return ctx.JSON(fiber.Map{"destination": dest, "submissions": out})
}
