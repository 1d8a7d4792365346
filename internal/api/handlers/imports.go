package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"duepoint/internal/core"
	"duepoint/internal/importer"
	"duepoint/internal/types"
)

// InvoiceCreator is the subset of the invoice repository the importer
// writes through.
type InvoiceCreator interface {
	Create(ctx context.Context, inv *types.Invoice) error
}

// ImportPlanEnforcer gates bulk import by plan.
type ImportPlanEnforcer interface {
	CheckCanImportCSV(ctx context.Context, accountID string) error
	CheckCanCreateInvoices(ctx context.Context, accountID string, n int) error
}

// ImportResponse summarizes one upload.
type ImportResponse struct {
	Accepted int                 `json:"accepted"`
	Created  int                 `json:"created"`
	Rejected []importer.RowError `json:"rejected,omitempty"`
}

// ImportHandler accepts bulk invoice uploads as CSV or gzipped CSV.
type ImportHandler struct {
	invoices InvoiceCreator
	enforcer ImportPlanEnforcer
	logger   *slog.Logger
}

// NewImportHandler creates an ImportHandler.
func NewImportHandler(invoices InvoiceCreator, enforcer ImportPlanEnforcer, logger *slog.Logger) *ImportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportHandler{invoices: invoices, enforcer: enforcer, logger: logger}
}

// RegisterRoutes mounts the import route under the auth group.
func (h *ImportHandler) RegisterRoutes(r chi.Router) {
	r.Post("/imports/invoices", h.Upload)
}

// Upload handles POST /v1/imports/invoices. The request body is the raw
// CSV stream. Row failures are reported per row; rows that parse are
// created individually so one database failure does not abort the rest.
func (h *ImportHandler) Upload(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	if err := h.enforcer.CheckCanImportCSV(r.Context(), accountID); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := importer.Parse(r.Body, accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.enforcer.CheckCanCreateInvoices(r.Context(), accountID, len(result.Invoices)); err != nil {
		core.Error(w, r, err)
		return
	}

	created := 0
	rejected := result.Rejected
	for _, inv := range result.Invoices {
		if err := h.invoices.Create(r.Context(), inv); err != nil {
			h.logger.ErrorContext(r.Context(), "import row insert failed",
				"account_id", accountID,
				"customer_email", inv.CustomerEmail,
				"error", err,
			)
			rejected = append(rejected, importer.RowError{Message: "database insert failed"})
			continue
		}
		created++
	}

	h.logger.InfoContext(r.Context(), "csv import completed",
		"account_id", accountID,
		"accepted", result.Accepted,
		"created", created,
		"rejected", len(rejected),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ImportResponse{
		Accepted: result.Accepted,
		Created:  created,
		Rejected: rejected,
	}})
}
