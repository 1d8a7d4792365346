package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"duepoint/internal/core"
	"duepoint/internal/types"
)

// ProfileRepo is the data access contract for business profiles.
type ProfileRepo interface {
	GetProfile(ctx context.Context, accountID string) (*types.BusinessProfile, error)
	Upsert(ctx context.Context, profile *types.BusinessProfile) error
}

// UpsertProfileRequest is the body for PUT /v1/business-profile. All fields
// optional; empty values fall back to literal defaults in outgoing emails.
type UpsertProfileRequest struct {
	CompanyName  string `json:"company_name" validate:"omitempty,max=200"`
	CompanyEmail string `json:"company_email" validate:"omitempty,email"`
	Phone        string `json:"phone" validate:"omitempty,max=40"`
	PaymentLink  string `json:"payment_link" validate:"omitempty,url,max=500"`
}

// ProfileResponse is the client-facing profile representation.
type ProfileResponse struct {
	CompanyName  string    `json:"company_name,omitempty"`
	CompanyEmail string    `json:"company_email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	PaymentLink  string    `json:"payment_link,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BusinessHandler manages the sender-facts profile used in chase emails.
type BusinessHandler struct {
	profiles  ProfileRepo
	validator *core.Validator
	logger    *slog.Logger
}

// NewBusinessHandler creates a BusinessHandler.
func NewBusinessHandler(profiles ProfileRepo, validator *core.Validator, logger *slog.Logger) *BusinessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BusinessHandler{profiles: profiles, validator: validator, logger: logger}
}

// RegisterRoutes mounts profile routes under the auth group.
func (h *BusinessHandler) RegisterRoutes(r chi.Router) {
	r.Get("/business-profile", h.Get)
	r.Put("/business-profile", h.Upsert)
}

// Get handles GET /v1/business-profile. A missing profile returns an empty
// object, not 404; senders without a profile are a supported state.
func (h *BusinessHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	profile, err := h.profiles.GetProfile(r.Context(), accountID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if profile == nil {
		core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ProfileResponse{}})
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ProfileResponse{
		CompanyName:  profile.CompanyName,
		CompanyEmail: profile.CompanyEmail,
		Phone:        profile.Phone,
		PaymentLink:  profile.PaymentLink,
		UpdatedAt:    profile.UpdatedAt,
	}})
}

// Upsert handles PUT /v1/business-profile.
func (h *BusinessHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	var req UpsertProfileRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	profile := &types.BusinessProfile{
		AccountID:    accountID,
		CompanyName:  req.CompanyName,
		CompanyEmail: req.CompanyEmail,
		Phone:        req.Phone,
		PaymentLink:  req.PaymentLink,
	}
	if err := h.profiles.Upsert(r.Context(), profile); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ProfileResponse{
		CompanyName:  profile.CompanyName,
		CompanyEmail: profile.CompanyEmail,
		Phone:        profile.Phone,
		PaymentLink:  profile.PaymentLink,
		UpdatedAt:    profile.UpdatedAt,
	}})
}
