package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"duepoint/internal/types"
)

// ChaseEventRepository provides data access for the chase_events table.
// Events are append-only: created once per dispatch attempt, never mutated
// or deleted. The claim transaction constructs one of these over its pgx.Tx
// to read history and re-check the idempotency window atomically with the
// invoice row.
type ChaseEventRepository struct {
	db DBTX
}

// NewChaseEventRepository creates a ChaseEventRepository backed by the given
// database connection (pool or transaction).
func NewChaseEventRepository(db DBTX) *ChaseEventRepository {
	return &ChaseEventRepository{db: db}
}

const chaseEventColumns = `id, invoice_id, stage, week_number, to_email, message_id, error, dry_run, created_at`

// Insert appends a chase event. Empty MessageID/Error are stored as NULL;
// an ID is generated when the caller leaves it blank.
func (r *ChaseEventRepository) Insert(ctx context.Context, ev *types.ChaseEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO chase_events
		 (id, invoice_id, stage, week_number, to_email, message_id, error, dry_run, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)`,
		ev.ID,
		ev.InvoiceID,
		string(ev.Stage),
		ev.WeekNumber,
		ev.ToEmail,
		ev.MessageID,
		ev.Error,
		ev.DryRun,
		ev.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert chase event", err)
	}
	return nil
}

// ListByInvoice returns the invoice's full chase history, oldest first.
// The policy engine consumes this to apply its once-ever rules.
func (r *ChaseEventRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]types.ChaseEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+chaseEventColumns+`
		 FROM chase_events
		 WHERE invoice_id = $1
		 ORDER BY created_at ASC`,
		invoiceID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query chase events", err)
	}
	defer rows.Close()

	var events []types.ChaseEvent
	for rows.Next() {
		ev, err := scanChaseEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan chase event", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating chase events", err)
	}
	return events, nil
}

// ExistsSince reports whether a non-dry-run event of the given stage (and
// week number, for weekly follow-ups) was created at or after cutoff. This
// is the final idempotency re-check inside the claim transaction, defending
// against two overlapping claims both passing the policy read before either
// commits.
func (r *ChaseEventRepository) ExistsSince(ctx context.Context, invoiceID string, stage types.ChaseStage, weekNumber int, cutoff time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM chase_events
		   WHERE invoice_id = $1
		     AND stage = $2
		     AND week_number = $3
		     AND NOT dry_run
		     AND created_at >= $4
		 )`,
		invoiceID,
		string(stage),
		weekNumber,
		cutoff,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check chase event window", err)
	}
	return exists, nil
}

// scanner is the subset of pgx.Row/pgx.Rows needed by the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanChaseEvent(row scanner) (*types.ChaseEvent, error) {
	var (
		ev        types.ChaseEvent
		messageID *string
		errMsg    *string
	)
	if err := row.Scan(
		&ev.ID,
		&ev.InvoiceID,
		&ev.Stage,
		&ev.WeekNumber,
		&ev.ToEmail,
		&messageID,
		&errMsg,
		&ev.DryRun,
		&ev.CreatedAt,
	); err != nil {
		return nil, err
	}
	if messageID != nil {
		ev.MessageID = *messageID
	}
	if errMsg != nil {
		ev.Error = *errMsg
	}
	return &ev, nil
}
