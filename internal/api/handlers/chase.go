package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"duepoint/internal/chase"
	"duepoint/internal/core"
	"duepoint/internal/types"
)

// ChaseRunner is the batch entry point shared with the scheduled trigger.
// Both paths execute the same code; this endpoint only adds the secret gate.
type ChaseRunner interface {
	Run(ctx context.Context, input chase.RunInput) (types.ChaseRunStats, error)
}

// TriggerChaseRequest is the optional body for POST /v1/chase/run.
type TriggerChaseRequest struct {
	DryRun bool `json:"dry_run"`
	Limit  int  `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

// ChaseHandler exposes the manual chase trigger. It is gated by a shared
// cron secret header, not by API-key auth, because callers are operators
// and scheduler infrastructure rather than account owners.
type ChaseHandler struct {
	runner     ChaseRunner
	cronSecret string
	validator  *core.Validator
	logger     *slog.Logger
}

// NewChaseHandler creates a ChaseHandler.
func NewChaseHandler(runner ChaseRunner, cronSecret string, validator *core.Validator, logger *slog.Logger) *ChaseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChaseHandler{
		runner:     runner,
		cronSecret: cronSecret,
		validator:  validator,
		logger:     logger,
	}
}

// RegisterRoutes mounts the trigger route. Mounted outside the API-key auth
// group; the secret header is the only gate.
func (h *ChaseHandler) RegisterRoutes(r chi.Router) {
	r.Post("/chase/run", h.Trigger)
}

// Trigger handles POST /v1/chase/run. The X-Cron-Secret header must match
// the configured secret exactly; comparison is constant-time. The kill
// switch is enforced inside the runner so the scheduled path shares it.
func (h *ChaseHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	presented := r.Header.Get("X-Cron-Secret")
	if h.cronSecret == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(h.cronSecret)) != 1 {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthCronSecret,
			"invalid cron secret", nil))
		return
	}

	var req TriggerChaseRequest
	if r.ContentLength > 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	stats, err := h.runner.Run(r.Context(), chase.RunInput{
		DryRun: req.DryRun,
		Limit:  req.Limit,
	})
	if err != nil {
		if errors.Is(err, chase.ErrDisabled) {
			core.Error(w, r, types.NewAppError(types.ErrCodeAuthChaseKilled,
				"chase processing is disabled", err))
			return
		}
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "manual chase run completed",
		"candidates", stats.Candidates,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"dry_run", req.DryRun,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: stats})
}
