package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"duepoint/internal/chase"
	"duepoint/internal/types"
)

// InvoiceRepository provides data access for the invoices table, including
// the two multi-step transactions the chase scheduler depends on
// (ClaimForChase and RecordDispatch). It implements chase.Store.
//
// The invoice row is the only mutably shared resource in the chase core and
// is never mutated outside a transaction. The claim uses SELECT ... FOR
// UPDATE so two overlapping claims serialize on the row: the loser re-reads
// the winner's fresh processing_at and aborts as locked.
type InvoiceRepository struct {
	db TxBeginner
}

// NewInvoiceRepository creates an InvoiceRepository backed by the given pool.
func NewInvoiceRepository(db TxBeginner) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

const invoiceColumns = `id, account_id, number, customer_name, customer_email,
	amount_cents, currency, status, due_at,
	auto_chase_enabled, auto_chase_days, max_chases,
	chase_count, last_chased_at, next_chase_at, processing_at,
	created_at, updated_at`

// ------------------------------------------------------------------
// CRUD
// ------------------------------------------------------------------

// Create inserts a new invoice. An ID is generated when the caller leaves
// it blank; chase defaults are applied for unset configuration fields.
func (r *InvoiceRepository) Create(ctx context.Context, inv *types.Invoice) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.AutoChaseDays <= 0 {
		inv.AutoChaseDays = types.DefaultAutoChaseDays
	}
	if inv.MaxChases <= 0 {
		inv.MaxChases = types.DefaultMaxChases
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO invoices
		 (id, account_id, number, customer_name, customer_email,
		  amount_cents, currency, status, due_at,
		  auto_chase_enabled, auto_chase_days, max_chases,
		  chase_count, next_chase_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, NOW(), NOW())`,
		inv.ID,
		inv.AccountID,
		inv.Number,
		inv.CustomerName,
		inv.CustomerEmail,
		inv.AmountCents,
		inv.Currency,
		string(inv.Status),
		inv.DueAt,
		inv.AutoChaseEnabled,
		inv.AutoChaseDays,
		inv.MaxChases,
		inv.NextChaseAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create invoice", err)
	}
	return nil
}

// GetByID returns the invoice scoped to its owning account, or a not-found
// AppError.
func (r *InvoiceRepository) GetByID(ctx context.Context, accountID, id string) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get invoice", err)
	}
	return inv, nil
}

// ListParams filters and pages the account-scoped invoice listing.
type ListParams struct {
	Status types.InvoiceStatus // empty = all
	Limit  int
	Offset int
}

// List returns the account's invoices, newest first.
func (r *InvoiceRepository) List(ctx context.Context, accountID string, params ListParams) ([]*types.Invoice, error) {
	limit := params.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE account_id = $1
		   AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`,
		accountID,
		string(params.Status),
		limit,
		params.Offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list invoices", err)
	}
	defer rows.Close()

	var invoices []*types.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan invoice", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating invoices", err)
	}
	return invoices, nil
}

// CountOpen returns the number of unpaid invoices owned by the account.
// Used for plan limit enforcement.
func (r *InvoiceRepository) CountOpen(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices
		 WHERE account_id = $1 AND status IN ('pending', 'overdue')`,
		accountID,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count invoices", err)
	}
	return count, nil
}

// Update rewrites the caller-editable fields of an invoice.
func (r *InvoiceRepository) Update(ctx context.Context, inv *types.Invoice) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices
		 SET number = $3, customer_name = $4, customer_email = $5,
		     amount_cents = $6, currency = $7, status = $8, due_at = $9,
		     auto_chase_days = $10, max_chases = $11, updated_at = NOW()
		 WHERE id = $1 AND account_id = $2`,
		inv.ID,
		inv.AccountID,
		inv.Number,
		inv.CustomerName,
		inv.CustomerEmail,
		inv.AmountCents,
		inv.Currency,
		string(inv.Status),
		inv.DueAt,
		inv.AutoChaseDays,
		inv.MaxChases,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update invoice", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return nil
}

// Delete removes an invoice; chase_events cascade.
func (r *InvoiceRepository) Delete(ctx context.Context, accountID, id string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM invoices WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete invoice", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return nil
}

// MarkPaid transitions an invoice to paid and removes it from chase
// scheduling in the same statement.
func (r *InvoiceRepository) MarkPaid(ctx context.Context, accountID, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices
		 SET status = 'paid', next_chase_at = NULL, processing_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND account_id = $2`,
		id, accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark invoice paid", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return nil
}

// SetAutoChase toggles automated chasing. Enabling makes the invoice
// immediately visible to the eligibility query; disabling clears the
// schedule so the query skips it without relying on the flag alone.
func (r *InvoiceRepository) SetAutoChase(ctx context.Context, accountID, id string, enabled bool, now time.Time) error {
	var next *time.Time
	if enabled {
		next = &now
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices
		 SET auto_chase_enabled = $3, next_chase_at = $4, chase_count = CASE WHEN $3 THEN 0 ELSE chase_count END, updated_at = NOW()
		 WHERE id = $1 AND account_id = $2`,
		id, accountID, enabled, next,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to toggle auto-chase", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return nil
}

// ------------------------------------------------------------------
// chase.Store
// ------------------------------------------------------------------

// Compile-time assertion that InvoiceRepository implements chase.Store.
var _ chase.Store = (*InvoiceRepository)(nil)

// ListDue implements the eligibility query: a bounded batch of chase-enabled
// pending/overdue invoices whose next check time has arrived. No ordering
// guarantee; no side effects.
func (r *InvoiceRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]types.Invoice, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE status IN ('pending', 'overdue')
		   AND auto_chase_enabled
		   AND next_chase_at IS NOT NULL
		   AND next_chase_at <= $1
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due invoices", err)
	}
	defer rows.Close()

	var invoices []types.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due invoice", err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due invoices", err)
	}
	return invoices, nil
}

// RepairMissingSchedule backfills next_chase_at = now on chase-enabled
// invoices created before scheduling existed. Repairs are applied per row,
// best-effort: a failed row is skipped (it will be attempted again on a
// future empty run), not retried here.
func (r *InvoiceRepository) RepairMissingSchedule(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 25
	}

	rows, err := r.db.Query(ctx,
		`SELECT id FROM invoices
		 WHERE status IN ('pending', 'overdue')
		   AND auto_chase_enabled
		   AND next_chase_at IS NULL
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to query invoices missing schedule", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to scan invoice id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "error iterating invoice ids", err)
	}

	repaired := 0
	var lastErr error
	for _, id := range ids {
		_, err := r.db.Exec(ctx,
			`UPDATE invoices SET next_chase_at = $2, updated_at = NOW()
			 WHERE id = $1 AND next_chase_at IS NULL`,
			id, now,
		)
		if err != nil {
			lastErr = err
			continue
		}
		repaired++
	}
	if repaired == 0 && lastErr != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to backfill chase schedules", lastErr)
	}
	return repaired, nil
}

// ClaimForChase runs the guard transaction for one candidate:
//
//  1. Re-read the invoice FOR UPDATE (closes the race between batch
//     selection and processing; overlapping claims serialize here).
//  2. Abort as locked when another worker's processing_at is still fresh.
//  3. Write processing_at = now in the same transaction.
//  4. Abort as cooldown when last_chased_at is within the cooldown,
//     releasing the lock and rescheduling for when the cooldown ends.
//  5. Run the policy decision over the full event history; no stage due
//     means release, reschedule now + interval, abort as no_next.
//  6. Re-check the idempotency window for the decided stage; a recent event
//     means release, reschedule, abort as idempotent.
//  7. Commit with the lock held and hand the snapshot to dispatch.
func (r *InvoiceRepository) ClaimForChase(ctx context.Context, invoiceID string, now time.Time, p chase.ClaimParams, decide chase.DecideFunc) (types.ClaimOutcome, error) {
	outcome := types.ClaimOutcome{Status: types.ClaimGone}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`,
			invoiceID,
		)
		inv, err := scanInvoice(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil // deleted since selection
			}
			return types.NewAppError(types.ErrCodeInternalDB, "failed to re-read invoice", err)
		}

		// Paid, disabled, or otherwise ineligible since selection.
		if !inv.Status.Chaseable() || !inv.AutoChaseEnabled {
			return nil
		}

		if inv.ProcessingAt != nil && now.Sub(*inv.ProcessingAt) < p.LockTTL {
			outcome.Status = types.ClaimLocked
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE invoices SET processing_at = $2 WHERE id = $1`,
			invoiceID, now,
		); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to claim processing lock", err)
		}

		if inv.LastChasedAt != nil && now.Sub(*inv.LastChasedAt) < p.Cooldown {
			// Re-examine once the cooldown has elapsed.
			next := inv.LastChasedAt.Add(p.Cooldown)
			if err := releaseWithReschedule(ctx, tx, invoiceID, &next); err != nil {
				return err
			}
			outcome.Status = types.ClaimCooldown
			return nil
		}

		events := NewChaseEventRepository(tx)
		history, err := events.ListByInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}

		decision := decide(inv, history)
		if decision == nil || decision.ScheduledFor.After(now) {
			next := now.Add(inv.ChaseInterval())
			if err := releaseWithReschedule(ctx, tx, invoiceID, &next); err != nil {
				return err
			}
			outcome.Status = types.ClaimNoStage
			return nil
		}

		recent, err := events.ExistsSince(ctx, invoiceID, decision.Stage, decision.WeekNumber, now.Add(-p.IdempotencyWindow))
		if err != nil {
			return err
		}
		if recent {
			next := now.Add(inv.ChaseInterval())
			if err := releaseWithReschedule(ctx, tx, invoiceID, &next); err != nil {
				return err
			}
			outcome.Status = types.ClaimIdempotent
			return nil
		}

		claimed := *inv
		claimed.ProcessingAt = &now
		outcome = types.ClaimOutcome{
			Status:   types.ClaimAcquired,
			Invoice:  &claimed,
			Decision: decision,
		}
		return nil
	})
	if err != nil {
		return types.ClaimOutcome{Status: types.ClaimGone}, err
	}
	return outcome, nil
}

// RecordDispatch is the bookkeeping transaction: exactly one ChaseEvent per
// attempt, counters advanced (dry runs excepted), reschedule written, lock
// released. Success and failure differ only in which event fields are set
// and the reschedule the caller computed.
func (r *InvoiceRepository) RecordDispatch(ctx context.Context, invoiceID string, now time.Time, res types.DispatchResult) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		ev := res.Event
		ev.InvoiceID = invoiceID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		if err := NewChaseEventRepository(tx).Insert(ctx, &ev); err != nil {
			return err
		}

		if ev.DryRun {
			_, err := tx.Exec(ctx,
				`UPDATE invoices
				 SET next_chase_at = $2, processing_at = NULL, updated_at = NOW()
				 WHERE id = $1`,
				invoiceID, res.NextChaseAt,
			)
			if err != nil {
				return types.NewAppError(types.ErrCodeInternalDB, "failed to record dry run", err)
			}
			return nil
		}

		_, err := tx.Exec(ctx,
			`UPDATE invoices
			 SET chase_count = chase_count + 1,
			     last_chased_at = $2,
			     next_chase_at = $3,
			     processing_at = NULL,
			     updated_at = NOW()
			 WHERE id = $1`,
			invoiceID, now, res.NextChaseAt,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to record dispatch", err)
		}
		return nil
	})
}

// StopChasing clears the schedule and lock for an invoice that has reached
// its chase budget. Terminal until a human re-enables chasing.
func (r *InvoiceRepository) StopChasing(ctx context.Context, invoiceID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE invoices
		 SET next_chase_at = NULL, processing_at = NULL, updated_at = NOW()
		 WHERE id = $1`,
		invoiceID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to stop chasing", err)
	}
	return nil
}

// ReleaseLock best-effort clears the processing lock after an unexpected
// per-invoice failure. If this fails too, the lock TTL expires on its own.
func (r *InvoiceRepository) ReleaseLock(ctx context.Context, invoiceID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE invoices SET processing_at = NULL WHERE id = $1`,
		invoiceID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release processing lock", err)
	}
	return nil
}

// releaseWithReschedule clears the lock and writes the next check time as
// part of the surrounding claim transaction.
func releaseWithReschedule(ctx context.Context, tx pgx.Tx, invoiceID string, next *time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE invoices
		 SET processing_at = NULL, next_chase_at = $2, updated_at = NOW()
		 WHERE id = $1`,
		invoiceID, next,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release and reschedule", err)
	}
	return nil
}

func scanInvoice(row scanner) (*types.Invoice, error) {
	var inv types.Invoice
	if err := row.Scan(
		&inv.ID,
		&inv.AccountID,
		&inv.Number,
		&inv.CustomerName,
		&inv.CustomerEmail,
		&inv.AmountCents,
		&inv.Currency,
		&inv.Status,
		&inv.DueAt,
		&inv.AutoChaseEnabled,
		&inv.AutoChaseDays,
		&inv.MaxChases,
		&inv.ChaseCount,
		&inv.LastChasedAt,
		&inv.NextChaseAt,
		&inv.ProcessingAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &inv, nil
}
