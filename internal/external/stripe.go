package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"duepoint/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL. Overridable in tests
// via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// AccountBillingLookup is the minimal data access StripeClient needs to
// resolve an account into its Stripe customer.
type AccountBillingLookup interface {
	// GetBillingInfo returns the stripe customer id and billing email for
	// the account. The customer id is empty when the account has never been
	// through checkout.
	GetBillingInfo(ctx context.Context, accountID string) (customerID string, email string, err error)

	// SetStripeCustomer records the customer id on the account.
	SetStripeCustomer(ctx context.Context, accountID string, customerID string) error
}

// StripeClientConfig configures a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // override for testing
	Logger    *slog.Logger
}

// StripeClient talks to the Stripe REST API through BaseClient. The
// form-encoded REST surface is small enough here that routing through the
// shared resilience layer beats the official client's own transport.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	accounts  AccountBillingLookup
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with its own BaseClient.
func NewStripeClient(httpClient *http.Client, accounts AccountBillingLookup, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy())
	return NewStripeClientWithBase(base, accounts, cfg)
}

// NewStripeClientWithBase creates a StripeClient around an existing
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, accounts AccountBillingLookup, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		accounts:  accounts,
		logger:    logger,
	}
}

// EnsureCustomer returns the Stripe customer id for the account, creating
// the customer on first use. Search runs before create so a retried call
// never produces a duplicate customer.
func (s *StripeClient) EnsureCustomer(ctx context.Context, accountID string, email string) (string, error) {
	query := url.Values{}
	query.Set("query", fmt.Sprintf("metadata['account_id']:'%s'", accountID))

	searchResp, err := s.doGet(ctx, "/v1/customers/search", query)
	if err != nil {
		return "", err
	}
	defer searchResp.Body.Close()
	if searchResp.StatusCode != http.StatusOK {
		return "", s.errorFromResponse(searchResp, "EnsureCustomer.search")
	}

	var search struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(searchResp.Body).Decode(&search); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response", err)
	}
	if len(search.Data) > 0 {
		s.saveCustomerID(ctx, accountID, search.Data[0].ID)
		return search.Data[0].ID, nil
	}

	params := url.Values{}
	params.Set("email", email)
	params.Set("metadata[account_id]", accountID)

	createResp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return "", err
	}
	defer createResp.Body.Close()
	if createResp.StatusCode != http.StatusOK {
		return "", s.errorFromResponse(createResp, "EnsureCustomer.create")
	}

	var customer struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response", err)
	}
	s.saveCustomerID(ctx, accountID, customer.ID)
	return customer.ID, nil
}

// CreateCheckoutSession starts a subscription checkout for the plan and
// returns the hosted checkout URL. client_reference_id carries the account
// id so the webhook can correlate the completed session.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, accountID string, plan types.PlanTier, priceID, successURL, cancelURL string) (string, error) {
	customerID, email, err := s.accounts.GetBillingInfo(ctx, accountID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		customerID, err = s.EnsureCustomer(ctx, accountID, email)
		if err != nil {
			return "", err
		}
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", accountID)
	params.Set("success_url", successURL)
	params.Set("cancel_url", cancelURL)
	params.Set("metadata[account_id]", accountID)
	params.Set("metadata[plan]", string(plan))
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", s.errorFromResponse(resp, "CreateCheckoutSession")
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response", err)
	}
	return session.URL, nil
}

// CreatePortalSession returns a Stripe billing portal URL for the account.
func (s *StripeClient) CreatePortalSession(ctx context.Context, accountID string, returnURL string) (string, error) {
	customerID, _, err := s.accounts.GetBillingInfo(ctx, accountID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", types.NewAppError(types.ErrCodeNotFoundAccount,
			"account has no billing customer", nil)
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", s.errorFromResponse(resp, "CreatePortalSession")
	}

	var session struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to decode Stripe portal session response", err)
	}
	return session.URL, nil
}

func (s *StripeClient) saveCustomerID(ctx context.Context, accountID, customerID string) {
	if err := s.accounts.SetStripeCustomer(ctx, accountID, customerID); err != nil {
		s.logger.WarnContext(ctx, "failed to persist stripe customer id",
			"account_id", accountID,
			"customer_id", customerID,
			"error", err,
		)
	}
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create Stripe request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create Stripe request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.base.Do(req)
}

// stripeErrorBody is the JSON error envelope Stripe returns.
type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *StripeClient) errorFromResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := string(body)
	var stripeErr stripeErrorBody
	if json.Unmarshal(body, &stripeErr) == nil && stripeErr.Error.Message != "" {
		message = stripeErr.Error.Message
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, message), nil)
}

// StripeVerifier checks webhook payload signatures using stripe-go's
// HMAC-SHA256 validation with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a webhook payload against the Stripe-Signature header.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}
