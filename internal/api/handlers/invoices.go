// Package handlers contains the HTTP handler implementations for the
// DuePoint API. Handlers depend on locally defined interfaces so tests can
// inject fakes without touching the db package.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"duepoint/internal/core"
	"duepoint/internal/db"
	"duepoint/internal/types"
)

// InvoiceRepo is the data access contract for invoice CRUD.
type InvoiceRepo interface {
	Create(ctx context.Context, inv *types.Invoice) error
	GetByID(ctx context.Context, accountID, id string) (*types.Invoice, error)
	List(ctx context.Context, accountID string, params db.ListParams) ([]*types.Invoice, error)
	Update(ctx context.Context, inv *types.Invoice) error
	Delete(ctx context.Context, accountID, id string) error
	MarkPaid(ctx context.Context, accountID, id string) error
	SetAutoChase(ctx context.Context, accountID, id string, enabled bool, now time.Time) error
}

// ChaseEventReader lists the chase history for one invoice.
type ChaseEventReader interface {
	ListByInvoice(ctx context.Context, invoiceID string) ([]types.ChaseEvent, error)
}

// PlanEnforcer checks plan limits before mutating operations.
type PlanEnforcer interface {
	CheckCanCreateInvoices(ctx context.Context, accountID string, n int) error
	CheckCanAutoChase(ctx context.Context, accountID string) error
}

// CreateInvoiceRequest is the body for POST /v1/invoices.
type CreateInvoiceRequest struct {
	Number        string `json:"number" validate:"omitempty,max=64"`
	CustomerName  string `json:"customer_name" validate:"omitempty,max=200"`
	CustomerEmail string `json:"customer_email" validate:"required,email"`
	AmountCents   int64  `json:"amount_cents" validate:"required,gt=0"`
	Currency      string `json:"currency" validate:"omitempty,len=3"`
	DueAt         any    `json:"due_at" validate:"required"`

	AutoChaseEnabled bool `json:"auto_chase_enabled"`
	AutoChaseDays    int  `json:"auto_chase_days" validate:"omitempty,gte=1,lte=90"`
	MaxChases        int  `json:"max_chases" validate:"omitempty,gte=1,lte=50"`
}

// UpdateInvoiceRequest is the body for PATCH /v1/invoices/{id}. Nil fields
// are left unchanged.
type UpdateInvoiceRequest struct {
	Number        *string `json:"number,omitempty" validate:"omitempty,max=64"`
	CustomerName  *string `json:"customer_name,omitempty" validate:"omitempty,max=200"`
	CustomerEmail *string `json:"customer_email,omitempty" validate:"omitempty,email"`
	AmountCents   *int64  `json:"amount_cents,omitempty" validate:"omitempty,gt=0"`
	Currency      *string `json:"currency,omitempty" validate:"omitempty,len=3"`
	DueAt         any     `json:"due_at,omitempty"`
	AutoChaseDays *int    `json:"auto_chase_days,omitempty" validate:"omitempty,gte=1,lte=90"`
	MaxChases     *int    `json:"max_chases,omitempty" validate:"omitempty,gte=1,lte=50"`
}

// SetAutoChaseRequest is the body for POST /v1/invoices/{id}/auto-chase.
type SetAutoChaseRequest struct {
	Enabled bool `json:"enabled"`
}

// InvoiceResponse is the client-facing invoice representation.
type InvoiceResponse struct {
	ID            string `json:"id"`
	Number        string `json:"number,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`

	Status types.InvoiceStatus `json:"status"`
	DueAt  time.Time           `json:"due_at"`

	AutoChaseEnabled bool       `json:"auto_chase_enabled"`
	AutoChaseDays    int        `json:"auto_chase_days,omitempty"`
	MaxChases        int        `json:"max_chases,omitempty"`
	ChaseCount       int        `json:"chase_count"`
	LastChasedAt     *time.Time `json:"last_chased_at,omitempty"`
	NextChaseAt      *time.Time `json:"next_chase_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toInvoiceResponse(inv *types.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:               inv.ID,
		Number:           inv.Number,
		CustomerName:     inv.CustomerName,
		CustomerEmail:    inv.CustomerEmail,
		AmountCents:      inv.AmountCents,
		Currency:         inv.Currency,
		Status:           inv.Status,
		DueAt:            inv.DueAt,
		AutoChaseEnabled: inv.AutoChaseEnabled,
		AutoChaseDays:    inv.AutoChaseDays,
		MaxChases:        inv.MaxChases,
		ChaseCount:       inv.ChaseCount,
		LastChasedAt:     inv.LastChasedAt,
		NextChaseAt:      inv.NextChaseAt,
		CreatedAt:        inv.CreatedAt,
		UpdatedAt:        inv.UpdatedAt,
	}
}

// ChaseEventResponse is the client-facing chase event representation.
type ChaseEventResponse struct {
	ID         string           `json:"id"`
	Stage      types.ChaseStage `json:"stage"`
	WeekNumber int              `json:"week_number,omitempty"`
	ToEmail    string           `json:"to_email"`
	MessageID  string           `json:"message_id,omitempty"`
	Error      string           `json:"error,omitempty"`
	DryRun     bool             `json:"dry_run,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// InvoiceHandler manages invoice CRUD and the chase-related toggles.
type InvoiceHandler struct {
	invoices  InvoiceRepo
	events    ChaseEventReader
	enforcer  PlanEnforcer
	validator *core.Validator
	logger    *slog.Logger
}

// NewInvoiceHandler creates an InvoiceHandler.
func NewInvoiceHandler(invoices InvoiceRepo, events ChaseEventReader, enforcer PlanEnforcer, validator *core.Validator, logger *slog.Logger) *InvoiceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceHandler{
		invoices:  invoices,
		events:    events,
		enforcer:  enforcer,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts invoice routes. The caller applies the auth
// middleware before mounting.
func (h *InvoiceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/mark-paid", h.MarkPaid)
			r.Post("/auto-chase", h.SetAutoChase)
			r.Get("/chase-events", h.ListChaseEvents)
		})
	})
}

// Create handles POST /v1/invoices.
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	var req CreateInvoiceRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	dueAt, err := types.NormalizeInstant(req.DueAt)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidDate,
			"due_at must be a date, RFC3339 timestamp, or epoch", err))
		return
	}

	if err := h.enforcer.CheckCanCreateInvoices(r.Context(), accountID, 1); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.AutoChaseEnabled {
		if err := h.enforcer.CheckCanAutoChase(r.Context(), accountID); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "USD"
	}

	inv := &types.Invoice{
		AccountID:        accountID,
		Number:           req.Number,
		CustomerName:     req.CustomerName,
		CustomerEmail:    req.CustomerEmail,
		AmountCents:      req.AmountCents,
		Currency:         currency,
		Status:           types.InvoicePending,
		DueAt:            dueAt.UTC(),
		AutoChaseEnabled: req.AutoChaseEnabled,
		AutoChaseDays:    req.AutoChaseDays,
		MaxChases:        req.MaxChases,
	}
	if err := h.invoices.Create(r.Context(), inv); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "invoice created",
		"invoice_id", inv.ID,
		"account_id", accountID,
		"auto_chase", inv.AutoChaseEnabled,
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: toInvoiceResponse(inv)})
}

// List handles GET /v1/invoices with optional status, limit, and offset
// query parameters.
func (h *InvoiceHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	params := db.ListParams{Limit: 50}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := types.InvoiceStatus(raw)
		if !status.Valid() {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidStatus,
				"status must be pending, overdue, or paid", nil))
			return
		}
		params.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			params.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			params.Offset = n
		}
	}

	invoices, err := h.invoices.List(r.Context(), accountID, params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	out := make([]InvoiceResponse, 0, len(invoices))
	for _, inv := range invoices {
		out = append(out, toInvoiceResponse(inv))
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}

// Get handles GET /v1/invoices/{id}.
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	inv, err := h.invoices.GetByID(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: toInvoiceResponse(inv)})
}

// Update handles PATCH /v1/invoices/{id}.
func (h *InvoiceHandler) Update(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	var req UpdateInvoiceRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	inv, err := h.invoices.GetByID(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if req.Number != nil {
		inv.Number = *req.Number
	}
	if req.CustomerName != nil {
		inv.CustomerName = *req.CustomerName
	}
	if req.CustomerEmail != nil {
		inv.CustomerEmail = *req.CustomerEmail
	}
	if req.AmountCents != nil {
		inv.AmountCents = *req.AmountCents
	}
	if req.Currency != nil {
		inv.Currency = strings.ToUpper(*req.Currency)
	}
	if req.AutoChaseDays != nil {
		inv.AutoChaseDays = *req.AutoChaseDays
	}
	if req.MaxChases != nil {
		inv.MaxChases = *req.MaxChases
	}
	if req.DueAt != nil {
		dueAt, err := types.NormalizeInstant(req.DueAt)
		if err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidDate,
				"due_at must be a date, RFC3339 timestamp, or epoch", err))
			return
		}
		inv.DueAt = dueAt.UTC()
	}

	if err := h.invoices.Update(r.Context(), inv); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: toInvoiceResponse(inv)})
}

// Delete handles DELETE /v1/invoices/{id}.
func (h *InvoiceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	if err := h.invoices.Delete(r.Context(), accountID, chi.URLParam(r, "id")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkPaid handles POST /v1/invoices/{id}/mark-paid. Paying an invoice
// clears its chase schedule so no further chases fire.
func (h *InvoiceHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.invoices.MarkPaid(r.Context(), accountID, id); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "invoice marked paid",
		"invoice_id", id, "account_id", accountID)
	w.WriteHeader(http.StatusNoContent)
}

// SetAutoChase handles POST /v1/invoices/{id}/auto-chase. Enabling puts
// the invoice into the next scheduler batch immediately.
func (h *InvoiceHandler) SetAutoChase(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	var req SetAutoChaseRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Enabled {
		if err := h.enforcer.CheckCanAutoChase(r.Context(), accountID); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	id := chi.URLParam(r, "id")
	if err := h.invoices.SetAutoChase(r.Context(), accountID, id, req.Enabled, time.Now().UTC()); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "invoice auto-chase toggled",
		"invoice_id", id, "account_id", accountID, "enabled", req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

// ListChaseEvents handles GET /v1/invoices/{id}/chase-events. The invoice
// is fetched first so the account scope is enforced before reading events.
func (h *InvoiceHandler) ListChaseEvents(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	inv, err := h.invoices.GetByID(r.Context(), accountID, chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	events, err := h.events.ListByInvoice(r.Context(), inv.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	out := make([]ChaseEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, ChaseEventResponse{
			ID:         ev.ID,
			Stage:      ev.Stage,
			WeekNumber: ev.WeekNumber,
			ToEmail:    ev.ToEmail,
			MessageID:  ev.MessageID,
			Error:      ev.Error,
			DryRun:     ev.DryRun,
			CreatedAt:  ev.CreatedAt,
		})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}
