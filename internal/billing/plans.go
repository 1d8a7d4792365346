// Package billing provides plan management and billing domain logic.
package billing

import (
	"context"

	"duepoint/internal/types"
)

// PlanRegistry defines the authoritative limits for each tier.
type PlanRegistry interface {
	// GetLimits returns the resource limits for the given plan tier. For
	// unknown tiers it returns the most restrictive (Free) limits to fail
	// safely.
	GetLimits(tier types.PlanTier) types.PlanLimits
}

// planDefaults holds the hardcoded plan limits.
//
//	| Plan    | Open invoices | Auto-chase | CSV import |
//	|---------|---------------|------------|------------|
//	| Free    | 10            | No         | No         |
//	| Starter | 200           | Yes        | Yes        |
//	| Pro     | 0 (unlimited) | Yes        | Yes        |
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanFree: {
		MaxOpenInvoices: 10,
		AllowAutoChase:  false,
		AllowCSVImport:  false,
	},
	types.PlanStarter: {
		MaxOpenInvoices: 200,
		AllowAutoChase:  true,
		AllowCSVImport:  true,
	},
	types.PlanPro: {
		MaxOpenInvoices: 0, // unlimited
		AllowAutoChase:  true,
		AllowCSVImport:  true,
	},
}

var freeLimits = planDefaults[types.PlanFree]

// staticPlanRegistry is a compile-time registry backed by an in-memory map.
type staticPlanRegistry struct {
	limits map[types.PlanTier]types.PlanLimits
}

// NewStaticPlanRegistry returns the standard production PlanRegistry.
func NewStaticPlanRegistry() PlanRegistry {
	m := make(map[types.PlanTier]types.PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{limits: m}
}

func (r *staticPlanRegistry) GetLimits(tier types.PlanTier) types.PlanLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return freeLimits
}

// AccountPlanLookup resolves an account to its current plan tier.
type AccountPlanLookup interface {
	GetByID(ctx context.Context, accountID string) (*types.Account, error)
}

// InvoiceCounter reports how many open invoices an account currently has.
type InvoiceCounter interface {
	CountOpen(ctx context.Context, accountID string) (int, error)
}

// Enforcer checks plan limits before mutating operations.
type Enforcer struct {
	registry PlanRegistry
	accounts AccountPlanLookup
	invoices InvoiceCounter
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(registry PlanRegistry, accounts AccountPlanLookup, invoices InvoiceCounter) *Enforcer {
	return &Enforcer{registry: registry, accounts: accounts, invoices: invoices}
}

// Limits returns the plan limits for the account.
func (e *Enforcer) Limits(ctx context.Context, accountID string) (types.PlanLimits, error) {
	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		return types.PlanLimits{}, err
	}
	return e.registry.GetLimits(account.Plan), nil
}

// CheckCanCreateInvoices verifies the account may add n more open invoices.
// Returns a limit AppError (402) when the plan ceiling would be exceeded.
func (e *Enforcer) CheckCanCreateInvoices(ctx context.Context, accountID string, n int) error {
	limits, err := e.Limits(ctx, accountID)
	if err != nil {
		return err
	}
	if limits.MaxOpenInvoices == 0 {
		return nil
	}

	open, err := e.invoices.CountOpen(ctx, accountID)
	if err != nil {
		return err
	}
	if open+n > limits.MaxOpenInvoices {
		return types.NewAppErrorWithDetails(types.ErrCodeLimitInvoices,
			"open invoice limit for the current plan would be exceeded", nil,
			map[string]any{"limit": limits.MaxOpenInvoices, "open": open, "requested": n})
	}
	return nil
}

// CheckCanAutoChase verifies the account's plan includes automated chasing.
func (e *Enforcer) CheckCanAutoChase(ctx context.Context, accountID string) error {
	limits, err := e.Limits(ctx, accountID)
	if err != nil {
		return err
	}
	if !limits.AllowAutoChase {
		return types.NewAppError(types.ErrCodeLimitInvoices,
			"automated chasing is not included in the current plan", nil)
	}
	return nil
}

// CheckCanImportCSV verifies the account's plan includes CSV import.
func (e *Enforcer) CheckCanImportCSV(ctx context.Context, accountID string) error {
	limits, err := e.Limits(ctx, accountID)
	if err != nil {
		return err
	}
	if !limits.AllowCSVImport {
		return types.NewAppError(types.ErrCodeLimitInvoices,
			"CSV import is not included in the current plan", nil)
	}
	return nil
}
