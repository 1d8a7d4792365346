// Package chase implements the automated invoice-chase scheduler: the pure
// stage-decision policy, the per-invoice lock and idempotency guard, and the
// batch runner that dispatches reminder and follow-up emails.
package chase

import (
	"time"

	"duepoint/internal/types"
)

// Chase emails go out at a fixed local send hour. The offset is fixed (no
// DST tracking); the cadence only needs day-level accuracy.
const sendHour = 9

// sendZone approximates America/Chicago as a fixed UTC offset.
var sendZone = time.FixedZone("CST", -6*60*60)

// Stage boundaries.
const (
	// reminderLeadDays is how many days before the due date the reminder
	// stage is scheduled.
	reminderLeadDays = 3
	// maxFollowupWeeks caps how many weekly overdue follow-ups are ever
	// scheduled for one invoice.
	maxFollowupWeeks = 8
)

// Decide computes which chase stage (if any) applies to the invoice at
// instant now, given the invoice's full chase event history.
//
// Stages are evaluated in order reminder -> due-today -> weekly follow-up;
// the first applicable, not-yet-sent stage whose scheduled instant has
// arrived wins. If a stage is applicable but scheduled in the future, that
// decision is returned so the caller can reschedule; the caller must treat a
// future ScheduledFor as "nothing to send right now".
//
// Duplicate suppression is intentionally asymmetric: reminder and due-today
// fire at most once per invoice lifetime (checked against the full history),
// while a weekly follow-up for a given week number is suppressed only within
// the idempotency window. Returns nil when no stage applies.
func Decide(inv *types.Invoice, events []types.ChaseEvent, now time.Time, window time.Duration) *types.ChaseDecision {
	if !inv.Status.Chaseable() {
		return nil
	}

	days := daysUntilDue(inv.DueAt, now)

	// A stage that applies but is not yet due. Only the first such stage in
	// evaluation order is remembered.
	var pending *types.ChaseDecision
	consider := func(d *types.ChaseDecision) *types.ChaseDecision {
		if !d.ScheduledFor.After(now) {
			return d
		}
		if pending == nil {
			pending = d
		}
		return nil
	}

	// Reminder: due date still ahead, never reminded before.
	if days > 0 && !hasStage(events, types.StageReminder) {
		var scheduledFor time.Time
		if days >= reminderLeadDays {
			scheduledFor = atSendHour(inv.DueAt.AddDate(0, 0, -reminderLeadDays))
		} else {
			scheduledFor = now
		}
		if d := consider(&types.ChaseDecision{Stage: types.StageReminder, ScheduledFor: scheduledFor}); d != nil {
			return d
		}
	}

	// Due-today: on the due date or any time past it, once ever.
	if days <= 0 && !hasStage(events, types.StageDueToday) {
		scheduledFor := now
		if days == 0 {
			scheduledFor = atSendHour(inv.DueAt)
		}
		if d := consider(&types.ChaseDecision{Stage: types.StageDueToday, ScheduledFor: scheduledFor}); d != nil {
			return d
		}
	}

	// Weekly follow-up: overdue by at least one full week. daysPast in
	// [7w, 7w+7) selects week bucket w.
	if days < 0 {
		daysPast := -days
		week := daysPast / 7
		if week >= 1 && week <= maxFollowupWeeks && !hasRecentWeekly(events, week, now, window) {
			scheduledFor := atSendHour(inv.DueAt.AddDate(0, 0, 7*week))
			if d := consider(&types.ChaseDecision{
				Stage:        types.StageWeekly,
				ScheduledFor: scheduledFor,
				WeekNumber:   week,
			}); d != nil {
				return d
			}
		}
	}

	return pending
}

// daysUntilDue returns the whole calendar days between now and the due date
// in the send zone. Time of day is ignored; negative values mean overdue.
func daysUntilDue(dueAt, now time.Time) int {
	due := dateOnly(dueAt)
	today := dateOnly(now)
	return int(due.Sub(today).Hours() / 24)
}

// dateOnly truncates an instant to midnight of its calendar day in sendZone.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.In(sendZone).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, sendZone)
}

// atSendHour returns the send-hour instant on t's calendar day in sendZone.
func atSendHour(t time.Time) time.Time {
	y, m, d := t.In(sendZone).Date()
	return time.Date(y, m, d, sendHour, 0, 0, 0, sendZone)
}

// hasStage reports whether any non-dry-run event of the given stage exists
// anywhere in the history.
func hasStage(events []types.ChaseEvent, stage types.ChaseStage) bool {
	for i := range events {
		if events[i].Stage == stage && !events[i].DryRun {
			return true
		}
	}
	return false
}

// hasRecentWeekly reports whether a non-dry-run weekly event for the exact
// week number was created within the idempotency window.
func hasRecentWeekly(events []types.ChaseEvent, week int, now time.Time, window time.Duration) bool {
	cutoff := now.Add(-window)
	for i := range events {
		ev := &events[i]
		if ev.Stage == types.StageWeekly && ev.WeekNumber == week && !ev.DryRun && ev.CreatedAt.After(cutoff) {
			return true
		}
	}
	return false
}
