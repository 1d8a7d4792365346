package chase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"duepoint/internal/config"
	"duepoint/internal/types"
)

// DecideFunc is invoked inside the claim transaction with the re-read
// invoice snapshot and its full chase history.
type DecideFunc func(inv *types.Invoice, events []types.ChaseEvent) *types.ChaseDecision

// ClaimParams carries the guard durations into the claim transaction.
type ClaimParams struct {
	LockTTL           time.Duration
	Cooldown          time.Duration
	IdempotencyWindow time.Duration
}

// Store abstracts the database operations the runner needs. The two
// mutation entry points (ClaimForChase, RecordDispatch) each run as a single
// atomic transaction; a plain read followed by a separate write would
// reintroduce duplicate sends under overlapping runs.
type Store interface {
	// ListDue returns up to limit invoices with status pending/overdue,
	// auto-chase enabled, and next_chase_at <= now. No side effects, no
	// ordering guarantee.
	ListDue(ctx context.Context, now time.Time, limit int) ([]types.Invoice, error)

	// RepairMissingSchedule sets next_chase_at = now on up to limit
	// chase-enabled invoices missing the field, so the next run's
	// eligibility query picks them up. Best-effort per row; returns the
	// number repaired.
	RepairMissingSchedule(ctx context.Context, now time.Time, limit int) (int, error)

	// ClaimForChase runs the per-invoice lock and idempotency guard as one
	// transaction: re-read, lock-TTL check, atomic lock claim, cooldown
	// check, policy decision via decide, and the idempotency-window
	// re-check for the decided stage. On every outcome except ClaimAcquired
	// and ClaimLocked it also writes the appropriate next_chase_at
	// reschedule and releases the lock before committing.
	ClaimForChase(ctx context.Context, invoiceID string, now time.Time, p ClaimParams, decide DecideFunc) (types.ClaimOutcome, error)

	// RecordDispatch runs the bookkeeping transaction after a send attempt
	// (or dry run): append exactly one ChaseEvent, advance the chase
	// counters, write next_chase_at, and release the lock.
	RecordDispatch(ctx context.Context, invoiceID string, now time.Time, res types.DispatchResult) error

	// StopChasing clears next_chase_at and the lock for an invoice that has
	// exhausted its chase budget. The invoice re-enters chasing only via
	// explicit re-enable.
	StopChasing(ctx context.Context, invoiceID string) error

	// ReleaseLock best-effort clears processing_at. Used on unexpected
	// per-invoice failures; if it fails too, the lock TTL expires on its own.
	ReleaseLock(ctx context.Context, invoiceID string) error
}

// ProfileStore resolves sender display facts for the owning account.
type ProfileStore interface {
	// GetProfile returns nil (not an error) when no profile exists.
	GetProfile(ctx context.Context, accountID string) (*types.BusinessProfile, error)
}

// Renderer produces the email content for a decided stage.
type Renderer interface {
	Render(stage types.ChaseStage, inv *types.Invoice, weekNumber int, sender types.SenderIdentity) (types.RenderedEmail, error)
}

// EmailSender is the outbound transport. Send returns the provider message
// id on success. The runner performs no retries; failures are recorded and
// the invoice is rescheduled with a short backoff.
type EmailSender interface {
	Send(ctx context.Context, msg types.OutboundEmail) (string, error)
}

// AuditPublisher receives the best-effort global audit record after each
// dispatch attempt.
type AuditPublisher interface {
	Publish(ctx context.Context, rec types.ChaseAuditRecord) error
}

// Metrics receives chase observability signals. Implementations must never
// fail the caller.
type Metrics interface {
	RecordOutcome(ctx context.Context, stage types.ChaseStage, result string)
	RecordSkip(ctx context.Context, reason types.SkipReason)
	RecordRun(ctx context.Context, stats types.ChaseRunStats, elapsed time.Duration)
}

// RunHistory records start/finish rows for each batch run.
type RunHistory interface {
	Start(ctx context.Context, now time.Time) (int64, error)
	Finish(ctx context.Context, id int64, stats types.ChaseRunStats, runErr error) error
}

// Runner is the batch chase job. Any number of runner invocations may
// overlap in time; correctness relies entirely on the per-invoice claim
// transaction and idempotency windows, not on external mutual exclusion.
type Runner struct {
	store    Store
	profiles ProfileStore
	renderer Renderer
	sender   EmailSender
	audit    AuditPublisher // may be nil
	metrics  Metrics        // may be nil
	history  RunHistory     // may be nil
	cfg      config.ChaseConfig
	logger   *slog.Logger
	nowFn    func() time.Time
}

// RunnerConfig holds the dependencies for creating a Runner.
type RunnerConfig struct {
	Store    Store
	Profiles ProfileStore
	Renderer Renderer
	Sender   EmailSender
	Audit    AuditPublisher
	Metrics  Metrics
	History  RunHistory
	Chase    config.ChaseConfig
	Logger   *slog.Logger
	// Now overrides the clock for deterministic tests.
	Now func() time.Time
}

// NewRunner creates a chase Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		store:    cfg.Store,
		profiles: cfg.Profiles,
		renderer: cfg.Renderer,
		sender:   cfg.Sender,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		history:  cfg.History,
		cfg:      cfg.Chase,
		logger:   logger,
		nowFn:    nowFn,
	}
}

// RunInput carries per-invocation overrides for manual triggers.
type RunInput struct {
	// DryRun forces dry-run mode for this invocation regardless of config.
	DryRun bool `json:"dry_run"`
	// Limit overrides the batch limit (still clamped to the hard cap).
	Limit int `json:"limit"`
}

// ErrDisabled is returned when the chase kill switch is off. Both the
// scheduled and the manual trigger path surface it the same way.
var ErrDisabled = types.NewAppError(types.ErrCodeAuthChaseKilled, "chase scheduling is disabled", nil)

// Run executes one batch pass: select due candidates, claim and dispatch
// each one, and fall back to the legacy backfill when the main query is
// empty. Nothing escapes the per-invoice handling; Run only returns an error
// for batch-level failures (eligibility query, kill switch).
func (r *Runner) Run(ctx context.Context, input RunInput) (types.ChaseRunStats, error) {
	stats := types.NewChaseRunStats()

	if !r.cfg.Enabled {
		return stats, ErrDisabled
	}

	now := r.nowFn()
	start := time.Now()
	dryRun := r.cfg.DryRun || input.DryRun

	limit := r.cfg.EffectiveBatchLimit()
	if input.Limit > 0 {
		limit = input.Limit
		if limit > config.BatchLimitHardCap {
			limit = config.BatchLimitHardCap
		}
	}

	var historyID int64
	if r.history != nil {
		id, err := r.history.Start(ctx, now)
		if err != nil {
			// Run audit is not worth failing the batch over.
			r.logger.ErrorContext(ctx, "failed to record run start", "error", err)
		} else {
			historyID = id
		}
	}

	candidates, err := r.store.ListDue(ctx, now, limit)
	if err != nil {
		r.finishRun(ctx, historyID, stats, err)
		return stats, fmt.Errorf("listing due invoices: %w", err)
	}
	stats.Candidates = len(candidates)

	if len(candidates) == 0 {
		// Legacy records created before scheduling existed have no
		// next_chase_at and are invisible to the main query. Repair a
		// bounded batch so the next run finds them. Deliberately only runs
		// when the main query is empty.
		repaired, err := r.store.RepairMissingSchedule(ctx, now, r.cfg.BackfillLimit)
		if err != nil {
			r.logger.ErrorContext(ctx, "legacy schedule backfill failed", "error", err)
		} else {
			stats.Backfilled = repaired
			if repaired > 0 {
				r.logger.InfoContext(ctx, "backfilled missing chase schedules", "repaired", repaired)
			}
		}
		r.finishRun(ctx, historyID, stats, nil)
		return stats, nil
	}

	r.logger.InfoContext(ctx, "chase run starting",
		"candidates", len(candidates),
		"dry_run", dryRun,
	)

	for i := range candidates {
		r.processOne(ctx, &candidates[i], now, dryRun, &stats)
	}

	elapsed := time.Since(start)
	r.logger.InfoContext(ctx, "chase run complete",
		"processed", stats.Processed,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"dry_runs", stats.DryRuns,
		"skipped", stats.SkippedTotal(),
		"errors", stats.Errors,
		"elapsed", elapsed,
	)

	if r.metrics != nil {
		r.metrics.RecordRun(ctx, stats, elapsed)
	}
	r.finishRun(ctx, historyID, stats, nil)

	return stats, nil
}

// processOne handles a single candidate with full failure isolation: one bad
// invoice never aborts the batch.
func (r *Runner) processOne(ctx context.Context, inv *types.Invoice, now time.Time, dryRun bool, stats *types.ChaseRunStats) {
	stats.Processed++
	logger := r.logger.With("invoice_id", inv.ID, "account_id", inv.AccountID)

	defer func() {
		if rvr := recover(); rvr != nil {
			stats.Errors++
			logger.ErrorContext(ctx, "panic while processing invoice", "panic", fmt.Sprintf("%v", rvr))
			r.releaseBestEffort(ctx, inv.ID, logger)
		}
	}()

	// Malformed invoices are excluded pre-transaction and counted, never
	// allowed to crash the run.
	if inv.CustomerEmail == "" {
		stats.Skip(types.SkipMissingEmail)
		r.recordSkip(ctx, types.SkipMissingEmail)
		return
	}
	if inv.DueAt.IsZero() {
		stats.Skip(types.SkipInvalidDueDate)
		r.recordSkip(ctx, types.SkipInvalidDueDate)
		return
	}

	params := ClaimParams{
		LockTTL:           r.cfg.LockTTL,
		Cooldown:          r.cfg.Cooldown,
		IdempotencyWindow: r.cfg.IdempotencyWindow,
	}
	outcome, err := r.store.ClaimForChase(ctx, inv.ID, now, params, func(snapshot *types.Invoice, events []types.ChaseEvent) *types.ChaseDecision {
		return Decide(snapshot, events, now, r.cfg.IdempotencyWindow)
	})
	if err != nil {
		stats.Errors++
		logger.ErrorContext(ctx, "claim transaction failed", "error", err)
		r.releaseBestEffort(ctx, inv.ID, logger)
		return
	}

	if outcome.Status != types.ClaimAcquired {
		if outcome.Status == types.ClaimGone {
			// Deleted or paid between selection and claim; nothing to count.
			return
		}
		reason := outcome.Status.SkipReason()
		stats.Skip(reason)
		r.recordSkip(ctx, reason)
		logger.DebugContext(ctx, "invoice skipped", "reason", string(reason))
		return
	}

	r.dispatch(ctx, outcome, now, dryRun, stats, logger)
}

// dispatch sends (or dry-runs) the decided stage for a claimed invoice and
// records the outcome. The claim transaction left the lock held; every path
// out of here releases it through a bookkeeping write.
func (r *Runner) dispatch(ctx context.Context, outcome types.ClaimOutcome, now time.Time, dryRun bool, stats *types.ChaseRunStats, logger *slog.Logger) {
	inv := outcome.Invoice
	decision := outcome.Decision

	// Chase budget exhausted: stop scheduling entirely. next_chase_at is
	// cleared; only an explicit re-enable brings the invoice back.
	if inv.ChaseCount >= inv.ChaseBudget() {
		if err := r.store.StopChasing(ctx, inv.ID); err != nil {
			stats.Errors++
			logger.ErrorContext(ctx, "failed to stop chasing", "error", err)
			r.releaseBestEffort(ctx, inv.ID, logger)
			return
		}
		stats.Skip(types.SkipMaxChases)
		r.recordSkip(ctx, types.SkipMaxChases)
		logger.InfoContext(ctx, "chase budget exhausted",
			"chase_count", inv.ChaseCount,
			"max_chases", inv.ChaseBudget(),
		)
		return
	}

	sender := r.resolveSender(ctx, inv.AccountID, logger)

	event := types.ChaseEvent{
		InvoiceID:  inv.ID,
		Stage:      decision.Stage,
		WeekNumber: decision.WeekNumber,
		ToEmail:    inv.CustomerEmail,
		CreatedAt:  now,
	}

	if dryRun {
		event.DryRun = true
		res := types.DispatchResult{Event: event, NextChaseAt: now.Add(inv.ChaseInterval())}
		if err := r.store.RecordDispatch(ctx, inv.ID, now, res); err != nil {
			stats.Errors++
			logger.ErrorContext(ctx, "failed to record dry run", "error", err)
			r.releaseBestEffort(ctx, inv.ID, logger)
			return
		}
		stats.DryRuns++
		logger.InfoContext(ctx, "dry run recorded", "stage", string(decision.Stage), "week", decision.WeekNumber)
		r.publishAudit(ctx, inv, &event, now)
		return
	}

	msgID, sendErr := r.send(ctx, inv, decision, sender)

	res := types.DispatchResult{Event: event}
	if sendErr != nil {
		res.Event.Error = sendErr.Error()
		res.NextChaseAt = now.Add(r.cfg.RetryBackoff)
	} else {
		res.Event.MessageID = msgID
		res.Sent = true
		res.NextChaseAt = now.Add(inv.ChaseInterval())
	}

	// Either outcome is recorded as exactly one ChaseEvent.
	if err := r.store.RecordDispatch(ctx, inv.ID, now, res); err != nil {
		stats.Errors++
		logger.ErrorContext(ctx, "failed to record dispatch", "error", err, "send_error", res.Event.Error)
		r.releaseBestEffort(ctx, inv.ID, logger)
		return
	}

	if sendErr != nil {
		stats.Failed++
		logger.ErrorContext(ctx, "chase send failed",
			"stage", string(decision.Stage),
			"week", decision.WeekNumber,
			"error", sendErr,
		)
		r.recordOutcome(ctx, decision.Stage, "failure")
	} else {
		stats.Sent++
		logger.InfoContext(ctx, "chase sent",
			"stage", string(decision.Stage),
			"week", decision.WeekNumber,
			"message_id", msgID,
		)
		r.recordOutcome(ctx, decision.Stage, "success")
	}

	r.publishAudit(ctx, inv, &res.Event, now)
}

// send renders and transmits the chase email. Render failures surface the
// same way as transport failures so the attempt is still recorded.
func (r *Runner) send(ctx context.Context, inv *types.Invoice, decision *types.ChaseDecision, sender types.SenderIdentity) (string, error) {
	rendered, err := r.renderer.Render(decision.Stage, inv, decision.WeekNumber, sender)
	if err != nil {
		return "", fmt.Errorf("rendering %s email: %w", decision.Stage, err)
	}

	return r.sender.Send(ctx, types.OutboundEmail{
		To:              inv.CustomerEmail,
		Subject:         rendered.Subject,
		HTML:            rendered.BodyHTML,
		Text:            rendered.BodyText,
		ReplyTo:         sender.CompanyEmail,
		FromDisplayName: sender.CompanyName,
	})
}

// resolveSender looks up the account's business profile, substituting
// literal fallbacks for anything missing.
func (r *Runner) resolveSender(ctx context.Context, accountID string, logger *slog.Logger) types.SenderIdentity {
	identity := types.SenderIdentity{CompanyName: "Your service provider"}

	profile, err := r.profiles.GetProfile(ctx, accountID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load business profile", "error", err)
		return identity
	}
	if profile == nil {
		return identity
	}

	if profile.CompanyName != "" {
		identity.CompanyName = profile.CompanyName
	}
	identity.CompanyEmail = profile.CompanyEmail
	identity.Phone = profile.Phone
	identity.PaymentLink = profile.PaymentLink
	return identity
}

func (r *Runner) publishAudit(ctx context.Context, inv *types.Invoice, ev *types.ChaseEvent, now time.Time) {
	if r.audit == nil {
		return
	}
	rec := types.ChaseAuditRecord{
		InvoiceID:  inv.ID,
		AccountID:  inv.AccountID,
		Stage:      ev.Stage,
		WeekNumber: ev.WeekNumber,
		ToEmail:    ev.ToEmail,
		MessageID:  ev.MessageID,
		Error:      ev.Error,
		DryRun:     ev.DryRun,
		OccurredAt: now,
	}
	if err := r.audit.Publish(ctx, rec); err != nil {
		// Audit loss is not failure-critical.
		r.logger.WarnContext(ctx, "failed to publish chase audit record",
			"invoice_id", inv.ID,
			"error", err,
		)
	}
}

func (r *Runner) releaseBestEffort(ctx context.Context, invoiceID string, logger *slog.Logger) {
	if err := r.store.ReleaseLock(ctx, invoiceID); err != nil {
		// The lock TTL will expire it for a future run.
		logger.WarnContext(ctx, "failed to release processing lock", "error", err)
	}
}

func (r *Runner) recordSkip(ctx context.Context, reason types.SkipReason) {
	if r.metrics != nil {
		r.metrics.RecordSkip(ctx, reason)
	}
}

func (r *Runner) recordOutcome(ctx context.Context, stage types.ChaseStage, result string) {
	if r.metrics != nil {
		r.metrics.RecordOutcome(ctx, stage, result)
	}
}

func (r *Runner) finishRun(ctx context.Context, historyID int64, stats types.ChaseRunStats, runErr error) {
	if r.history == nil || historyID == 0 {
		return
	}
	if err := r.history.Finish(ctx, historyID, stats, runErr); err != nil {
		r.logger.ErrorContext(ctx, "failed to record run finish", "error", err)
	}
}
