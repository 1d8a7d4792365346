package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"duepoint/internal/types"
)

// Note: mockDBTX and mockRow are defined in invoice_repo_test.go.

func accountScanFn(a types.Account) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = a.ID
		*dest[1].(*string) = a.Email
		*dest[2].(*types.PlanTier) = a.Plan
		*dest[3].(*types.SubscriptionStatus) = a.SubscriptionStatus
		if a.StripeCustomerID != "" {
			*dest[4].(**string) = &a.StripeCustomerID
		}
		*dest[5].(*time.Time) = a.CreatedAt
		return nil
	}
}

// ============ AccountRepository Tests ============

func TestAccountRepository_GetByID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	want := types.Account{
		ID:                 "acct_1",
		Email:              "owner@acme.test",
		Plan:               types.PlanStarter,
		SubscriptionStatus: types.SubStatusActive,
		StripeCustomerID:   "cus_123",
		CreatedAt:          time.Now().UTC(),
	}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"acct_1"}).
		Return(&mockRow{scanFn: accountScanFn(want)})

	got, err := repo.GetByID(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanStarter, got.Plan)
	assert.Equal(t, "cus_123", got.StripeCustomerID)
	db.AssertExpectations(t)
}

func TestAccountRepository_GetByID_NullStripeCustomer(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	want := types.Account{ID: "acct_1", Email: "owner@acme.test", Plan: types.PlanFree}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: accountScanFn(want)})

	got, err := repo.GetByID(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Empty(t, got.StripeCustomerID)
}

func TestAccountRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "acct_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundAccount, appErr.Code)
}

func TestAccountRepository_UpdateSubscription_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"acct_1", "pro", "past_due"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.UpdateSubscription(context.Background(), "acct_1", types.PlanPro, types.SubStatusPastDue)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestAccountRepository_UpdateSubscription_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.UpdateSubscription(context.Background(), "acct_missing", types.PlanFree, types.SubStatusCanceled)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundAccount, appErr.Code)
}

// ============ APIKeyRepository Tests ============

func TestAPIKeyRepository_GetByPrefix_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)
	now := time.Now().UTC()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"dp_12345"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "key_1"
			*dest[1].(*string) = "acct_1"
			*dest[2].(*string) = "dp_12345"
			*dest[3].(*[]byte) = []byte("$2a$10$hash")
			*dest[4].(*time.Time) = now
			return nil
		}})

	key, err := repo.GetByPrefix(context.Background(), "dp_12345")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "acct_1", key.AccountID)
	assert.Nil(t, key.LastUsedAt)
	db.AssertExpectations(t)
}

func TestAPIKeyRepository_GetByPrefix_UnknownIsNotAnError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	key, err := repo.GetByPrefix(context.Background(), "dp_nope")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestAPIKeyRepository_TouchLastUsed_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAPIKeyRepository(db)
	now := time.Now().UTC()

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"key_1", now}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.TouchLastUsed(context.Background(), "key_1", now)
	require.NoError(t, err)
	db.AssertExpectations(t)
}
