package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"duepoint/internal/billing"
	"duepoint/internal/config"
	"duepoint/internal/core"
	"duepoint/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB.
const maxWebhookBodySize = 64 * 1024

// CheckoutService starts Stripe flows for an account.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, accountID string, plan types.PlanTier, priceID, successURL, cancelURL string) (string, error)
	CreatePortalSession(ctx context.Context, accountID string, returnURL string) (string, error)
}

// WebhookVerifier validates a provider webhook signature.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// SubscriptionUpdater applies plan changes from webhook events.
type SubscriptionUpdater interface {
	UpdateSubscription(ctx context.Context, accountID string, plan types.PlanTier, status types.SubscriptionStatus) error
}

// StartCheckoutRequest is the body for POST /v1/billing/checkout.
type StartCheckoutRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,oneof=starter pro"`
}

// PlanResponse describes one purchasable tier.
type PlanResponse struct {
	Tier            types.PlanTier `json:"tier"`
	MaxOpenInvoices int            `json:"max_open_invoices"` // 0 means unlimited
	AllowAutoChase  bool           `json:"allow_auto_chase"`
	AllowCSVImport  bool           `json:"allow_csv_import"`
}

// BillingHandler exposes the plan catalog and Stripe checkout entry points.
type BillingHandler struct {
	checkout  CheckoutService
	registry  billing.PlanRegistry
	cfg       config.BillingConfig
	dashboard string
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler. dashboardURL is the base for
// checkout redirect targets.
func NewBillingHandler(checkout CheckoutService, registry billing.PlanRegistry, cfg config.BillingConfig, dashboardURL string, validator *core.Validator, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		checkout:  checkout,
		registry:  registry,
		cfg:       cfg,
		dashboard: dashboardURL,
		validator: validator,
		logger:    logger,
	}
}

// RegisterRoutes mounts billing routes under the auth group.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing/plans", h.Plans)
	r.Post("/billing/checkout", h.StartCheckout)
	r.Post("/billing/portal", h.OpenPortal)
}

// Plans handles GET /v1/billing/plans.
func (h *BillingHandler) Plans(w http.ResponseWriter, r *http.Request) {
	tiers := []types.PlanTier{types.PlanFree, types.PlanStarter, types.PlanPro}
	out := make([]PlanResponse, 0, len(tiers))
	for _, tier := range tiers {
		limits := h.registry.GetLimits(tier)
		out = append(out, PlanResponse{
			Tier:            tier,
			MaxOpenInvoices: limits.MaxOpenInvoices,
			AllowAutoChase:  limits.AllowAutoChase,
			AllowCSVImport:  limits.AllowCSVImport,
		})
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}

// StartCheckout handles POST /v1/billing/checkout and returns the hosted
// checkout URL.
func (h *BillingHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	var req StartCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	priceID := h.priceFor(req.Plan)
	if priceID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("plan %q is not purchasable", req.Plan), nil))
		return
	}

	url, err := h.checkout.CreateCheckoutSession(r.Context(), accountID, req.Plan, priceID,
		h.dashboard+"/billing/success", h.dashboard+"/billing/cancelled")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"checkout_url": url}})
}

// OpenPortal handles POST /v1/billing/portal.
func (h *BillingHandler) OpenPortal(w http.ResponseWriter, r *http.Request) {
	accountID, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "authentication required", nil))
		return
	}

	url, err := h.checkout.CreatePortalSession(r.Context(), accountID, h.dashboard+"/billing")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{"portal_url": url}})
}

func (h *BillingHandler) priceFor(plan types.PlanTier) string {
	switch plan {
	case types.PlanStarter:
		return h.cfg.StarterPriceID
	case types.PlanPro:
		return h.cfg.ProPriceID
	default:
		return ""
	}
}

// --- Stripe webhook ---

// StripeWebhookHandler processes asynchronous Stripe events. It is mounted
// outside the auth group; the Stripe-Signature header is the only gate.
type StripeWebhookHandler struct {
	verifier WebhookVerifier
	accounts SubscriptionUpdater
	secret   string
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(verifier WebhookVerifier, accounts SubscriptionUpdater, secret string, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		accounts: accounts,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the public webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// stripeWebhookEvent is the subset of the Stripe event envelope this
// handler reads.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
			Status            string            `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

func (e *stripeWebhookEvent) accountID() string {
	if e.Data.Object.ClientReferenceID != "" {
		return e.Data.Object.ClientReferenceID
	}
	return e.Data.Object.Metadata["account_id"]
}

func (e *stripeWebhookEvent) plan() types.PlanTier {
	return types.PlanTier(e.Data.Object.Metadata["plan"])
}

// Handle verifies the signature, parses the event, and applies the plan
// change. Processing failures are logged but still acknowledged with 200 so
// Stripe does not retry forever.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid,
			"webhook signature verification failed", err))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"invalid webhook event JSON", err))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
		"created", event.eventTime(),
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		// Acknowledge anyway; Stripe retries would not fix a processing bug.
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	accountID := event.accountID()

	switch event.Type {
	case "checkout.session.completed":
		if accountID == "" {
			return fmt.Errorf("checkout.session.completed: missing account id in event %s", event.ID)
		}
		return h.accounts.UpdateSubscription(ctx, accountID, event.plan(), types.SubStatusActive)

	case "customer.subscription.updated":
		if accountID == "" {
			return fmt.Errorf("customer.subscription.updated: missing account id in event %s", event.ID)
		}
		return h.accounts.UpdateSubscription(ctx, accountID, event.plan(), subscriptionStatus(event.Data.Object.Status))

	case "customer.subscription.deleted":
		if accountID == "" {
			return fmt.Errorf("customer.subscription.deleted: missing account id in event %s", event.ID)
		}
		return h.accounts.UpdateSubscription(ctx, accountID, types.PlanFree, types.SubStatusCanceled)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type)
		return nil
	}
}

func subscriptionStatus(raw string) types.SubscriptionStatus {
	switch raw {
	case "active":
		return types.SubStatusActive
	case "trialing":
		return types.SubStatusTrialing
	case "past_due":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	default:
		return types.SubStatusNone
	}
}

// eventTime is kept for audit logging of webhook events.
func (e *stripeWebhookEvent) eventTime() time.Time {
	if e.Created > 0 {
		return time.Unix(e.Created, 0).UTC()
	}
	return time.Now().UTC()
}
