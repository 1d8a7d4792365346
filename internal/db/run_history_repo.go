package db

import (
	"context"
	"encoding/json"
	"time"

	"duepoint/internal/chase"
	"duepoint/internal/types"
)

// RunHistoryRepository records chase batch runs in the chase_runs table for
// operational visibility. It implements chase.RunHistory.
type RunHistoryRepository struct {
	db DBTX
}

// NewRunHistoryRepository creates a RunHistoryRepository backed by the given
// database connection (pool or transaction).
func NewRunHistoryRepository(db DBTX) *RunHistoryRepository {
	return &RunHistoryRepository{db: db}
}

var _ chase.RunHistory = (*RunHistoryRepository)(nil)

// Start inserts a chase_runs row with status 'running' and returns its id.
func (r *RunHistoryRepository) Start(ctx context.Context, now time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO chase_runs (started_at, status) VALUES ($1, 'running') RETURNING id`,
		now,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start chase run record", err)
	}
	return id, nil
}

// Finish closes the chase_runs row with the final status and the full stats
// snapshot as JSON.
func (r *RunHistoryRepository) Finish(ctx context.Context, id int64, stats types.ChaseRunStats, runErr error) error {
	status := "success"
	var errMsg *string
	if runErr != nil {
		status = "failed"
		s := runErr.Error()
		errMsg = &s
	}

	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal run stats", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE chase_runs
		 SET finished_at = NOW(), status = $2, stats = $3, error = $4
		 WHERE id = $1`,
		id, status, statsJSON, errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish chase run record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "chase run record not found", nil)
	}
	return nil
}
