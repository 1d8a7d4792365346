package types

// InvoiceStatus represents the payment lifecycle state of an invoice.
// Only pending and overdue invoices are eligible for automated chasing.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoiceOverdue InvoiceStatus = "overdue"
	InvoicePaid    InvoiceStatus = "paid"
)

// Chaseable reports whether invoices in this status may receive chase emails.
func (s InvoiceStatus) Chaseable() bool {
	return s == InvoicePending || s == InvoiceOverdue
}

// Valid reports whether the status is one of the recognized values.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoicePending, InvoiceOverdue, InvoicePaid:
		return true
	}
	return false
}

// ChaseStage identifies the semantic category of a chase email.
type ChaseStage string

const (
	// StageReminder is the pre-due-date courtesy reminder. Fires at most once
	// per invoice lifetime.
	StageReminder ChaseStage = "reminder"
	// StageDueToday fires on (or immediately after) the due date. Fires at
	// most once per invoice lifetime.
	StageDueToday ChaseStage = "due_today"
	// StageWeekly is the recurring overdue follow-up, keyed by week number.
	StageWeekly ChaseStage = "weekly"
	// StageManual is an operator-initiated one-off chase outside the
	// scheduled cadence.
	StageManual ChaseStage = "manual"
)

// SkipReason explains why the chase runner declined to dispatch for an
// otherwise-selected invoice. Skips are expected outcomes, not errors; the
// runner counts them per reason for observability.
type SkipReason string

const (
	// SkipLocked means another worker holds the invoice's processing lock.
	SkipLocked SkipReason = "locked"
	// SkipCooldown means the invoice was chased within the cooldown period.
	SkipCooldown SkipReason = "cooldown"
	// SkipNoStage means no chase stage is currently due; the invoice was
	// rescheduled for a later check.
	SkipNoStage SkipReason = "no_next"
	// SkipIdempotent means an event for the decided stage already exists
	// inside the idempotency window.
	SkipIdempotent SkipReason = "idempotent"
	// SkipMaxChases means the invoice has exhausted its chase budget and
	// future scheduling was cleared.
	SkipMaxChases SkipReason = "max_chases"
	// SkipMissingEmail means the invoice has no customer email on file.
	SkipMissingEmail SkipReason = "missing_email"
	// SkipInvalidDueDate means the invoice's due date is absent or unparseable.
	SkipInvalidDueDate SkipReason = "invalid_due_date"
)

// ClaimStatus is the outcome of a transactional claim attempt on an invoice.
type ClaimStatus string

const (
	ClaimAcquired   ClaimStatus = "acquired"
	ClaimLocked     ClaimStatus = "locked"
	ClaimCooldown   ClaimStatus = "cooldown"
	ClaimNoStage    ClaimStatus = "no_next"
	ClaimIdempotent ClaimStatus = "idempotent"
	// ClaimGone means the invoice disappeared or became ineligible between
	// batch selection and the claim transaction.
	ClaimGone ClaimStatus = "gone"
)

// SkipReason maps a non-acquired claim status to its skip reason for counting.
func (s ClaimStatus) SkipReason() SkipReason {
	switch s {
	case ClaimLocked:
		return SkipLocked
	case ClaimCooldown:
		return SkipCooldown
	case ClaimIdempotent:
		return SkipIdempotent
	default:
		return SkipNoStage
	}
}

// PlanTier identifies the billing plan for an account.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
)

// SubscriptionStatus mirrors the Stripe subscription states the platform
// tracks. These values MUST match the CHECK constraint on accounts.
type SubscriptionStatus string

const (
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusNone     SubscriptionStatus = "none"
)
