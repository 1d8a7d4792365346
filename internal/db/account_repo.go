package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"duepoint/internal/types"
)

// AccountRepository provides data access for the accounts table.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates an AccountRepository backed by the given
// database connection (pool or transaction).
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `id, email, plan, subscription_status, stripe_customer_id, created_at`

// GetByID returns the account or a not-found AppError.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id,
	)
	return r.scan(row)
}

// GetByStripeCustomer resolves an account from its Stripe customer id.
// Used by the billing webhook to apply subscription updates.
func (r *AccountRepository) GetByStripeCustomer(ctx context.Context, customerID string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = $1`, customerID,
	)
	return r.scan(row)
}

// UpdateSubscription applies a plan/status change from the billing webhook.
func (r *AccountRepository) UpdateSubscription(ctx context.Context, accountID string, plan types.PlanTier, status types.SubscriptionStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET plan = $2, subscription_status = $3 WHERE id = $1`,
		accountID, string(plan), string(status),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

// SetStripeCustomer stores the Stripe customer id after checkout creation.
func (r *AccountRepository) SetStripeCustomer(ctx context.Context, accountID, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET stripe_customer_id = $2 WHERE id = $1`,
		accountID, customerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set stripe customer", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
	}
	return nil
}

func (r *AccountRepository) scan(row scanner) (*types.Account, error) {
	var (
		a          types.Account
		customerID *string
	)
	if err := row.Scan(&a.ID, &a.Email, &a.Plan, &a.SubscriptionStatus, &customerID, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get account", err)
	}
	if customerID != nil {
		a.StripeCustomerID = *customerID
	}
	return &a, nil
}

// ------------------------------------------------------------------
// API keys
// ------------------------------------------------------------------

// APIKeyRepository provides data access for the api_keys table. Raw keys
// are never stored; lookup is by prefix, verification by bcrypt hash.
type APIKeyRepository struct {
	db DBTX
}

// NewAPIKeyRepository creates an APIKeyRepository backed by the given
// database connection (pool or transaction).
func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Create inserts a new API key record.
func (r *APIKeyRepository) Create(ctx context.Context, key *types.APIKey) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_keys (id, account_id, prefix, hash, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		key.ID, key.AccountID, key.Prefix, key.Hash,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create api key", err)
	}
	return nil
}

// GetByPrefix returns the key record matching the raw key's prefix, or nil
// when no such key exists (callers treat nil as authentication failure, not
// an error, to keep timing uniform).
func (r *APIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*types.APIKey, error) {
	var key types.APIKey
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, prefix, hash, created_at, last_used_at
		 FROM api_keys WHERE prefix = $1`,
		prefix,
	).Scan(&key.ID, &key.AccountID, &key.Prefix, &key.Hash, &key.CreatedAt, &key.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up api key", err)
	}
	return &key, nil
}

// TouchLastUsed updates the key's last_used_at. Best-effort; callers may
// ignore failures.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to touch api key", err)
	}
	return nil
}
