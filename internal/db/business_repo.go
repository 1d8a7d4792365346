package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"duepoint/internal/chase"
	"duepoint/internal/types"
)

// BusinessRepository provides data access for the business_profiles table.
// It implements chase.ProfileStore for the dispatcher's sender-facts lookup.
type BusinessRepository struct {
	db DBTX
}

// NewBusinessRepository creates a BusinessRepository backed by the given
// database connection (pool or transaction).
func NewBusinessRepository(db DBTX) *BusinessRepository {
	return &BusinessRepository{db: db}
}

var _ chase.ProfileStore = (*BusinessRepository)(nil)

// GetProfile returns the account's business profile, or nil when none has
// been saved yet. A missing profile is not an error; the chase dispatcher
// substitutes literal fallbacks.
func (r *BusinessRepository) GetProfile(ctx context.Context, accountID string) (*types.BusinessProfile, error) {
	var p types.BusinessProfile
	err := r.db.QueryRow(ctx,
		`SELECT account_id, company_name, company_email, phone, payment_link, updated_at
		 FROM business_profiles
		 WHERE account_id = $1`,
		accountID,
	).Scan(&p.AccountID, &p.CompanyName, &p.CompanyEmail, &p.Phone, &p.PaymentLink, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get business profile", err)
	}
	return &p, nil
}

// Upsert writes the account's business profile, inserting on first save.
func (r *BusinessRepository) Upsert(ctx context.Context, p *types.BusinessProfile) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO business_profiles (account_id, company_name, company_email, phone, payment_link, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (account_id) DO UPDATE SET
		   company_name = EXCLUDED.company_name,
		   company_email = EXCLUDED.company_email,
		   phone = EXCLUDED.phone,
		   payment_link = EXCLUDED.payment_link,
		   updated_at = EXCLUDED.updated_at`,
		p.AccountID,
		p.CompanyName,
		p.CompanyEmail,
		p.Phone,
		p.PaymentLink,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert business profile", err)
	}
	return nil
}
