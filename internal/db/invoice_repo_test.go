package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"duepoint/internal/chase"
	"duepoint/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

// mockRows implements pgx.Rows over a fixed list of per-row scan functions.
type mockRows struct {
	rows []func(dest ...any) error
	idx  int
	err  error
}

func (r *mockRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *mockRows) Scan(dest ...any) error { return r.rows[r.idx-1](dest...) }

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// --- Mock transaction ---

type sqlCall struct {
	sql  string
	args []any
}

// mockTx scripts the statements the claim and dispatch transactions issue,
// routed by SQL substring. Rollback after a successful Commit returns
// pgx.ErrTxClosed, which pgx.BeginFunc's deferred rollback relies on.
type mockTx struct {
	invoiceRow pgx.Row  // SELECT ... FOR UPDATE
	existsRow  pgx.Row  // SELECT EXISTS idempotency re-check
	eventRows  pgx.Rows // chase history listing

	execErrFor string // Exec whose SQL contains this substring fails
	execErr    error

	queries    []sqlCall
	execs      []sqlCall
	committed  bool
	rolledBack bool
}

func (tx *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	tx.queries = append(tx.queries, sqlCall{sql, args})
	if strings.Contains(sql, "FOR UPDATE") {
		return tx.invoiceRow
	}
	return tx.existsRow
}

func (tx *mockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	tx.queries = append(tx.queries, sqlCall{sql, args})
	if tx.eventRows != nil {
		return tx.eventRows, nil
	}
	return &mockRows{}, nil
}

func (tx *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, sqlCall{sql, args})
	if tx.execErr != nil && strings.Contains(sql, tx.execErrFor) {
		return pgconn.CommandTag{}, tx.execErr
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *mockTx) Begin(ctx context.Context) (pgx.Tx, error) { return tx, nil }

func (tx *mockTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *mockTx) Rollback(ctx context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

func (tx *mockTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (tx *mockTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (tx *mockTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (tx *mockTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (tx *mockTx) Conn() *pgx.Conn { return nil }

// mockTxBeginner satisfies TxBeginner: pool-level statements go through the
// embedded mockDBTX, transactions through the scripted mockTx.
type mockTxBeginner struct {
	mockDBTX
	tx       *mockTx
	beginErr error
}

func (m *mockTxBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return m.tx, nil
}

// --- Fixtures ---

func invoiceScanFn(inv types.Invoice) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = inv.ID
		*dest[1].(*string) = inv.AccountID
		*dest[2].(*string) = inv.Number
		*dest[3].(*string) = inv.CustomerName
		*dest[4].(*string) = inv.CustomerEmail
		*dest[5].(*int64) = inv.AmountCents
		*dest[6].(*string) = inv.Currency
		*dest[7].(*types.InvoiceStatus) = inv.Status
		*dest[8].(*time.Time) = inv.DueAt
		*dest[9].(*bool) = inv.AutoChaseEnabled
		*dest[10].(*int) = inv.AutoChaseDays
		*dest[11].(*int) = inv.MaxChases
		*dest[12].(*int) = inv.ChaseCount
		*dest[13].(**time.Time) = inv.LastChasedAt
		*dest[14].(**time.Time) = inv.NextChaseAt
		*dest[15].(**time.Time) = inv.ProcessingAt
		*dest[16].(*time.Time) = inv.CreatedAt
		*dest[17].(*time.Time) = inv.UpdatedAt
		return nil
	}
}

func dueInvoice(now time.Time) types.Invoice {
	next := now.Add(-time.Minute)
	return types.Invoice{
		ID:               "inv_1",
		AccountID:        "acct_1",
		Number:           "INV-001",
		CustomerName:     "Acme Ltd",
		CustomerEmail:    "billing@acme.test",
		AmountCents:      125000,
		Currency:         "USD",
		Status:           types.InvoiceOverdue,
		DueAt:            now.Add(-8 * 24 * time.Hour),
		AutoChaseEnabled: true,
		AutoChaseDays:    3,
		MaxChases:        5,
		ChaseCount:       1,
		NextChaseAt:      &next,
		CreatedAt:        now.Add(-30 * 24 * time.Hour),
		UpdatedAt:        now.Add(-time.Hour),
	}
}

func claimParams() chase.ClaimParams {
	return chase.ClaimParams{
		LockTTL:           10 * time.Minute,
		Cooldown:          60 * time.Minute,
		IdempotencyWindow: 90 * time.Minute,
	}
}

func decideReminder(now time.Time) chase.DecideFunc {
	return func(inv *types.Invoice, events []types.ChaseEvent) *types.ChaseDecision {
		return &types.ChaseDecision{Stage: types.StageReminder, ScheduledFor: now.Add(-time.Hour)}
	}
}

// releaseNext extracts the next_chase_at argument written by a
// release-and-reschedule statement.
func releaseNext(t *testing.T, call sqlCall) time.Time {
	t.Helper()
	require.Contains(t, call.sql, "processing_at = NULL")
	next, ok := call.args[1].(*time.Time)
	require.True(t, ok)
	require.NotNil(t, next)
	return *next
}

// ============ CRUD Tests ============

func TestInvoiceRepository_Create_Success(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)
	now := time.Now().UTC()

	inv := &types.Invoice{
		AccountID:        "acct_1",
		Number:           "INV-007",
		CustomerName:     "Acme Ltd",
		CustomerEmail:    "billing@acme.test",
		AmountCents:      9900,
		Currency:         "USD",
		Status:           types.InvoicePending,
		DueAt:            now.Add(14 * 24 * time.Hour),
		AutoChaseEnabled: true,
		NextChaseAt:      &now,
	}

	var captured []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Create(context.Background(), inv)
	require.NoError(t, err)

	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, types.DefaultAutoChaseDays, inv.AutoChaseDays)
	assert.Equal(t, types.DefaultMaxChases, inv.MaxChases)

	require.Len(t, captured, 13)
	assert.Equal(t, inv.ID, captured[0])
	assert.Equal(t, "acct_1", captured[1])
	assert.Equal(t, "pending", captured[7])
	assert.Equal(t, types.DefaultAutoChaseDays, captured[10])
	assert.Equal(t, types.DefaultMaxChases, captured[11])
	db.AssertExpectations(t)
}

func TestInvoiceRepository_Create_DBError(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Create(context.Background(), &types.Invoice{AccountID: "acct_1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestInvoiceRepository_GetByID_Success(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)
	now := time.Now().UTC()
	want := dueInvoice(now)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"inv_1", "acct_1"}).
		Return(&mockRow{scanFn: invoiceScanFn(want)})

	got, err := repo.GetByID(context.Background(), "acct_1", "inv_1")
	require.NoError(t, err)
	assert.Equal(t, "inv_1", got.ID)
	assert.Equal(t, types.InvoiceOverdue, got.Status)
	assert.Equal(t, int64(125000), got.AmountCents)
	require.NotNil(t, got.NextChaseAt)
	db.AssertExpectations(t)
}

func TestInvoiceRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "acct_1", "inv_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundInvoice, appErr.Code)
}

func TestInvoiceRepository_List_ClampsLimit(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)
	now := time.Now().UTC()

	var captured []any
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
		Return(&mockRows{rows: []func(dest ...any) error{invoiceScanFn(dueInvoice(now))}}, nil)

	got, err := repo.List(context.Background(), "acct_1", ListParams{Status: types.InvoiceOverdue, Limit: 9999, Offset: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.Len(t, captured, 4)
	assert.Equal(t, "acct_1", captured[0])
	assert.Equal(t, "overdue", captured[1])
	assert.Equal(t, 50, captured[2])
	assert.Equal(t, 10, captured[3])
}

func TestInvoiceRepository_MarkPaid_NotFound(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"inv_1", "acct_other"}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.MarkPaid(context.Background(), "acct_other", "inv_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundInvoice, appErr.Code)
}

func TestInvoiceRepository_SetAutoChase_EnableSchedulesImmediately(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)
	now := time.Now().UTC()

	var captured []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.SetAutoChase(context.Background(), "acct_1", "inv_1", true, now)
	require.NoError(t, err)

	require.Len(t, captured, 4)
	assert.Equal(t, true, captured[2])
	next, ok := captured[3].(*time.Time)
	require.True(t, ok)
	require.NotNil(t, next)
	assert.Equal(t, now, *next)
}

func TestInvoiceRepository_SetAutoChase_DisableClearsSchedule(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)

	var captured []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(2).([]any) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.SetAutoChase(context.Background(), "acct_1", "inv_1", false, time.Now())
	require.NoError(t, err)

	require.Len(t, captured, 4)
	assert.Equal(t, false, captured[2])
	next, ok := captured[3].(*time.Time)
	require.True(t, ok)
	assert.Nil(t, next)
}

// ============ Eligibility Query Tests ============

func TestInvoiceRepository_ListDue_PassesWindowAndLimit(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)
	now := time.Now().UTC()

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{now, 50}).
		Return(&mockRows{rows: []func(dest ...any) error{invoiceScanFn(dueInvoice(now))}}, nil)

	got, err := repo.ListDue(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inv_1", got[0].ID)
	db.AssertExpectations(t)
}

func TestInvoiceRepository_RepairMissingSchedule_DefaultsLimit(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)
	now := time.Now().UTC()

	idRow := func(id string) func(dest ...any) error {
		return func(dest ...any) error {
			*dest[0].(*string) = id
			return nil
		}
	}

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{25}).
		Return(&mockRows{rows: []func(dest ...any) error{idRow("inv_1"), idRow("inv_2")}}, nil)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	repaired, err := repo.RepairMissingSchedule(context.Background(), now, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)
	db.AssertExpectations(t)
}

func TestInvoiceRepository_RepairMissingSchedule_SkipsFailedRow(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)
	now := time.Now().UTC()

	idRow := func(id string) func(dest ...any) error {
		return func(dest ...any) error {
			*dest[0].(*string) = id
			return nil
		}
	}

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{10}).
		Return(&mockRows{rows: []func(dest ...any) error{idRow("inv_1"), idRow("inv_2")}}, nil)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("deadlock detected")).Once()
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	repaired, err := repo.RepairMissingSchedule(context.Background(), now, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
}

func TestInvoiceRepository_RepairMissingSchedule_AllRowsFail(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)

	idRow := func(dest ...any) error {
		*dest[0].(*string) = "inv_1"
		return nil
	}

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRows{rows: []func(dest ...any) error{idRow}}, nil)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection reset"))

	repaired, err := repo.RepairMissingSchedule(context.Background(), time.Now(), 10)
	require.Error(t, err)
	assert.Zero(t, repaired)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

// ============ ClaimForChase Tests ============

func TestInvoiceRepository_ClaimForChase_Acquired(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)
	tx := &mockTx{
		invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)},
		existsRow: &mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = false
			return nil
		}},
	}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	decision := &types.ChaseDecision{Stage: types.StageReminder, ScheduledFor: now.Add(-2 * time.Hour)}
	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(),
		func(in *types.Invoice, history []types.ChaseEvent) *types.ChaseDecision {
			return decision
		})
	require.NoError(t, err)

	assert.Equal(t, types.ClaimAcquired, outcome.Status)
	require.NotNil(t, outcome.Invoice)
	require.NotNil(t, outcome.Invoice.ProcessingAt)
	assert.Equal(t, now, *outcome.Invoice.ProcessingAt)
	assert.Same(t, decision, outcome.Decision)

	// Only the lock claim is written; the reschedule belongs to dispatch.
	require.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0].sql, "processing_at = $2")
	assert.Equal(t, []any{"inv_1", now}, tx.execs[0].args)
	assert.True(t, tx.committed)

	// The idempotency re-check looks back exactly one window.
	existsQ := tx.queries[len(tx.queries)-1]
	assert.Contains(t, existsQ.sql, "NOT dry_run")
	assert.Equal(t, []any{"inv_1", "reminder", 0, now.Add(-90 * time.Minute)}, existsQ.args)
}

func TestInvoiceRepository_ClaimForChase_FreshLockAborts(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)
	locked := now.Add(-5 * time.Minute)
	inv.ProcessingAt = &locked

	tx := &mockTx{invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)}}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	decided := false
	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(),
		func(in *types.Invoice, history []types.ChaseEvent) *types.ChaseDecision {
			decided = true
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, types.ClaimLocked, outcome.Status)
	assert.False(t, decided)
	assert.Empty(t, tx.execs)
	assert.True(t, tx.committed)
}

func TestInvoiceRepository_ClaimForChase_ExpiredLockReclaimed(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)
	stale := now.Add(-45 * time.Minute)
	inv.ProcessingAt = &stale

	tx := &mockTx{
		invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)},
		existsRow: &mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = false
			return nil
		}},
	}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(), decideReminder(now))
	require.NoError(t, err)
	assert.Equal(t, types.ClaimAcquired, outcome.Status)
}

func TestInvoiceRepository_ClaimForChase_GoneWhenDeleted(t *testing.T) {
	tx := &mockTx{invoiceRow: &mockRow{scanErr: pgx.ErrNoRows}}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})
	now := time.Now().UTC()

	outcome, err := repo.ClaimForChase(context.Background(), "inv_gone", now, claimParams(), decideReminder(now))
	require.NoError(t, err)

	assert.Equal(t, types.ClaimGone, outcome.Status)
	assert.Nil(t, outcome.Invoice)
	assert.Empty(t, tx.execs)
}

func TestInvoiceRepository_ClaimForChase_GoneWhenPaidSinceSelection(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)
	inv.Status = types.InvoicePaid

	tx := &mockTx{invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)}}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(), decideReminder(now))
	require.NoError(t, err)

	assert.Equal(t, types.ClaimGone, outcome.Status)
	assert.Empty(t, tx.execs)
}

func TestInvoiceRepository_ClaimForChase_CooldownReschedulesToCooldownEnd(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)
	last := now.Add(-30 * time.Minute)
	inv.LastChasedAt = &last

	tx := &mockTx{invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)}}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	decided := false
	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(),
		func(in *types.Invoice, history []types.ChaseEvent) *types.ChaseDecision {
			decided = true
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, types.ClaimCooldown, outcome.Status)
	assert.False(t, decided)

	// Lock claim, then release with the next check at last chase + cooldown.
	require.Len(t, tx.execs, 2)
	assert.Equal(t, last.Add(60*time.Minute), releaseNext(t, tx.execs[1]))
	assert.True(t, tx.committed)
}

func TestInvoiceRepository_ClaimForChase_NoStageReschedulesByInterval(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now) // AutoChaseDays = 3

	tx := &mockTx{invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)}}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(),
		func(in *types.Invoice, history []types.ChaseEvent) *types.ChaseDecision {
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, types.ClaimNoStage, outcome.Status)
	require.Len(t, tx.execs, 2)
	assert.Equal(t, now.Add(3*24*time.Hour), releaseNext(t, tx.execs[1]))
}

func TestInvoiceRepository_ClaimForChase_FutureDecisionNotDue(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)

	tx := &mockTx{invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)}}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(),
		func(in *types.Invoice, history []types.ChaseEvent) *types.ChaseDecision {
			return &types.ChaseDecision{Stage: types.StageDueToday, ScheduledFor: now.Add(2 * time.Hour)}
		})
	require.NoError(t, err)
	assert.Equal(t, types.ClaimNoStage, outcome.Status)
}

func TestInvoiceRepository_ClaimForChase_IdempotentWindowHit(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)

	tx := &mockTx{
		invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)},
		existsRow: &mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}},
	}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(), decideReminder(now))
	require.NoError(t, err)

	assert.Equal(t, types.ClaimIdempotent, outcome.Status)
	require.Len(t, tx.execs, 2)
	assert.Equal(t, now.Add(3*24*time.Hour), releaseNext(t, tx.execs[1]))
	assert.True(t, tx.committed)
}

func TestInvoiceRepository_ClaimForChase_DecideReceivesHistory(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)

	reminder := types.ChaseEvent{
		ID: "ev_1", InvoiceID: "inv_1", Stage: types.StageReminder,
		ToEmail: "billing@acme.test", MessageID: "msg_1",
		CreatedAt: now.Add(-9 * 24 * time.Hour),
	}
	dueToday := types.ChaseEvent{
		ID: "ev_2", InvoiceID: "inv_1", Stage: types.StageDueToday,
		ToEmail: "billing@acme.test", Error: "mailbox full",
		CreatedAt: now.Add(-8 * 24 * time.Hour),
	}
	tx := &mockTx{
		invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)},
		eventRows:  &mockRows{rows: []func(dest ...any) error{chaseEventScanFn(reminder), chaseEventScanFn(dueToday)}},
	}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	var seen []types.ChaseEvent
	_, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(),
		func(in *types.Invoice, history []types.ChaseEvent) *types.ChaseDecision {
			seen = history
			return nil
		})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, types.StageReminder, seen[0].Stage)
	assert.Equal(t, "msg_1", seen[0].MessageID)
	assert.Equal(t, types.StageDueToday, seen[1].Stage)
	assert.Equal(t, "mailbox full", seen[1].Error)
}

func TestInvoiceRepository_ClaimForChase_LockWriteErrorRollsBack(t *testing.T) {
	now := time.Now().UTC()
	inv := dueInvoice(now)

	tx := &mockTx{
		invoiceRow: &mockRow{scanFn: invoiceScanFn(inv)},
		execErrFor: "processing_at = $2",
		execErr:    errors.New("connection reset"),
	}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	outcome, err := repo.ClaimForChase(context.Background(), "inv_1", now, claimParams(), decideReminder(now))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	assert.Equal(t, types.ClaimGone, outcome.Status)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

// ============ RecordDispatch Tests ============

func TestInvoiceRepository_RecordDispatch_SuccessAdvancesCounters(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(7 * 24 * time.Hour)
	tx := &mockTx{}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	res := types.DispatchResult{
		Event: types.ChaseEvent{
			Stage:      types.StageWeekly,
			WeekNumber: 2,
			ToEmail:    "billing@acme.test",
			MessageID:  "msg_123",
		},
		Sent:        true,
		NextChaseAt: next,
	}
	err := repo.RecordDispatch(context.Background(), "inv_1", now, res)
	require.NoError(t, err)

	require.Len(t, tx.execs, 2)

	insert := tx.execs[0]
	assert.Contains(t, insert.sql, "INSERT INTO chase_events")
	assert.Contains(t, insert.sql, "NULLIF($6, '')")
	assert.Contains(t, insert.sql, "NULLIF($7, '')")
	assert.NotEmpty(t, insert.args[0])
	assert.Equal(t, "inv_1", insert.args[1])
	assert.Equal(t, "weekly", insert.args[2])
	assert.Equal(t, 2, insert.args[3])
	assert.Equal(t, now, insert.args[8])

	update := tx.execs[1]
	assert.Contains(t, update.sql, "chase_count = chase_count + 1")
	assert.Contains(t, update.sql, "processing_at = NULL")
	assert.Equal(t, []any{"inv_1", now, next}, update.args)
	assert.True(t, tx.committed)
}

func TestInvoiceRepository_RecordDispatch_DryRunLeavesCounters(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(24 * time.Hour)
	tx := &mockTx{}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	res := types.DispatchResult{
		Event: types.ChaseEvent{
			Stage:   types.StageReminder,
			ToEmail: "billing@acme.test",
			DryRun:  true,
		},
		NextChaseAt: next,
	}
	err := repo.RecordDispatch(context.Background(), "inv_1", now, res)
	require.NoError(t, err)

	require.Len(t, tx.execs, 2)
	assert.Equal(t, true, tx.execs[0].args[7])

	update := tx.execs[1]
	assert.NotContains(t, update.sql, "chase_count")
	assert.NotContains(t, update.sql, "last_chased_at")
	assert.Contains(t, update.sql, "processing_at = NULL")
	assert.Equal(t, []any{"inv_1", next}, update.args)
	assert.True(t, tx.committed)
}

func TestInvoiceRepository_RecordDispatch_InsertErrorRollsBack(t *testing.T) {
	now := time.Now().UTC()
	tx := &mockTx{
		execErrFor: "chase_events",
		execErr:    errors.New("unique violation"),
	}
	repo := NewInvoiceRepository(&mockTxBeginner{tx: tx})

	err := repo.RecordDispatch(context.Background(), "inv_1", now, types.DispatchResult{
		Event:       types.ChaseEvent{Stage: types.StageReminder, ToEmail: "billing@acme.test"},
		NextChaseAt: now.Add(24 * time.Hour),
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	require.Len(t, tx.execs, 1)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

// ============ Lock Maintenance Tests ============

func TestInvoiceRepository_StopChasing_ClearsScheduleAndLock(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)

	var sql string
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"inv_1"}).
		Run(func(args mock.Arguments) { sql = args.String(1) }).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.StopChasing(context.Background(), "inv_1")
	require.NoError(t, err)
	assert.Contains(t, sql, "next_chase_at = NULL")
	assert.Contains(t, sql, "processing_at = NULL")
}

func TestInvoiceRepository_ReleaseLock_DBError(t *testing.T) {
	db := new(mockTxBeginner)
	repo := NewInvoiceRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.ReleaseLock(context.Background(), "inv_1")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
