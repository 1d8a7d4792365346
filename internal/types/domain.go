// Package types holds the shared domain model for the DuePoint platform:
// invoices, chase events, accounts, and the enums and error types used across
// the repository, service, and API layers.
package types

import "time"

// Defaults applied when an invoice is created without explicit chase settings.
const (
	// DefaultAutoChaseDays is the reschedule interval used when no chase
	// stage is currently due.
	DefaultAutoChaseDays = 1
	// DefaultMaxChases caps total dispatched chase attempts per invoice.
	DefaultMaxChases = 3
)

// Invoice is the central record of the platform. The chase subsystem mutates
// only the chase bookkeeping fields (ChaseCount, LastChasedAt, NextChaseAt,
// ProcessingAt), and only inside database transactions.
type Invoice struct {
	ID        string
	AccountID string

	Number        string
	CustomerName  string
	CustomerEmail string
	AmountCents   int64
	Currency      string

	Status InvoiceStatus
	DueAt  time.Time

	// Chase configuration.
	AutoChaseEnabled bool
	AutoChaseDays    int // reschedule interval in days; DefaultAutoChaseDays if unset
	MaxChases        int // DefaultMaxChases if unset

	// Chase bookkeeping. NextChaseAt is the eligibility query's primary
	// filter; ProcessingAt acts as a short-lived per-invoice mutex.
	ChaseCount   int
	LastChasedAt *time.Time
	NextChaseAt  *time.Time
	ProcessingAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChaseInterval returns the reschedule interval, falling back to the default
// when the stored value is zero or negative.
func (i *Invoice) ChaseInterval() time.Duration {
	days := i.AutoChaseDays
	if days <= 0 {
		days = DefaultAutoChaseDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ChaseBudget returns the max chase attempts, falling back to the default.
func (i *Invoice) ChaseBudget() int {
	if i.MaxChases <= 0 {
		return DefaultMaxChases
	}
	return i.MaxChases
}

// ChaseEvent is the append-only record of a single chase dispatch attempt
// (or dry run). Events are never mutated or deleted; CreatedAt is the
// idempotency-window key.
type ChaseEvent struct {
	ID        string
	InvoiceID string

	Stage      ChaseStage
	WeekNumber int // >= 1 for StageWeekly, 0 otherwise

	ToEmail   string
	MessageID string // provider message id, set on successful sends
	Error     string // transport error message, set on failed sends
	DryRun    bool

	CreatedAt time.Time
}

// BusinessProfile holds the sender display facts for an account. All fields
// are optional; the dispatcher substitutes literal fallbacks for anything
// missing.
type BusinessProfile struct {
	AccountID    string
	CompanyName  string
	CompanyEmail string
	Phone        string
	PaymentLink  string
	UpdatedAt    time.Time
}

// Account is the owning business/user entity for invoices.
type Account struct {
	ID    string
	Email string

	Plan               PlanTier
	SubscriptionStatus SubscriptionStatus
	StripeCustomerID   string

	CreatedAt time.Time
}

// PlanLimits are the resource bounds for one plan tier. Zero means
// unlimited; enforcement code must treat 0 as no limit.
type PlanLimits struct {
	MaxOpenInvoices int
	AllowAutoChase  bool
	AllowCSVImport  bool
}

// APIKey is a bcrypt-hashed credential granting API access for one account.
type APIKey struct {
	ID         string
	AccountID  string
	Prefix     string // first 8 chars of the raw key, for lookup
	Hash       []byte // bcrypt hash of the raw key
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// ChaseDecision is the output of the chase policy engine: the stage to send,
// when it was scheduled for, and the week bucket for weekly follow-ups.
type ChaseDecision struct {
	Stage        ChaseStage
	ScheduledFor time.Time
	WeekNumber   int // >= 1 only for StageWeekly
}

// ClaimOutcome is the result of the per-invoice claim transaction. When
// Status is ClaimAcquired, Invoice holds the re-read snapshot and Decision
// the policy result; the caller owns the processing lock and must release it
// via the dispatch bookkeeping transaction.
type ClaimOutcome struct {
	Status   ClaimStatus
	Invoice  *Invoice
	Decision *ChaseDecision
}

// DispatchResult captures the outcome of one send attempt for the
// bookkeeping transaction.
type DispatchResult struct {
	Event       ChaseEvent
	Sent        bool      // true when the provider accepted the message
	NextChaseAt time.Time // reschedule written alongside the event
}

// ChaseAuditRecord is the best-effort, global audit entry published after
// each dispatch attempt for cross-invoice reporting. Its loss is not
// failure-critical and never rolls back the invoice transaction.
type ChaseAuditRecord struct {
	InvoiceID  string     `json:"invoice_id"`
	AccountID  string     `json:"account_id"`
	Stage      ChaseStage `json:"stage"`
	WeekNumber int        `json:"week_number,omitempty"`
	ToEmail    string     `json:"to_email"`
	MessageID  string     `json:"message_id,omitempty"`
	Error      string     `json:"error,omitempty"`
	DryRun     bool       `json:"dry_run,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// ChaseRunStats aggregates one batch run's counters. This is the only output
// that escapes the batch loop; individual invoice failures are logged and
// counted, never propagated.
type ChaseRunStats struct {
	Candidates int                `json:"candidates"`
	Processed  int                `json:"processed"`
	Sent       int                `json:"sent"`
	Failed     int                `json:"failed"`
	DryRuns    int                `json:"dry_runs"`
	Backfilled int                `json:"backfilled"`
	Errors     int                `json:"errors"`
	Skipped    map[SkipReason]int `json:"skipped"`
}

// NewChaseRunStats returns a stats value with the skip map initialized.
func NewChaseRunStats() ChaseRunStats {
	return ChaseRunStats{Skipped: make(map[SkipReason]int)}
}

// Skip increments the counter for one skip reason.
func (s *ChaseRunStats) Skip(reason SkipReason) {
	if s.Skipped == nil {
		s.Skipped = make(map[SkipReason]int)
	}
	s.Skipped[reason]++
}

// SkippedTotal returns the sum across all skip reasons.
func (s *ChaseRunStats) SkippedTotal() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

// OutboundEmail is the rendered message handed to the email transport.
type OutboundEmail struct {
	To              string
	Subject         string
	HTML            string
	Text            string
	ReplyTo         string
	FromDisplayName string
}

// RenderedEmail holds pre-rendered chase email content ready for transmission.
type RenderedEmail struct {
	Subject  string
	BodyHTML string
	BodyText string
}

// SenderIdentity is the resolved "from" facts used when rendering and
// sending a chase email.
type SenderIdentity struct {
	CompanyName  string
	CompanyEmail string
	Phone        string
	PaymentLink  string
}
