package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"FolioLedger/internal/ledger"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/scheduler"
	"FolioLedger/internal/testutil"
	"FolioLedger/internal/underwriting"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 10:05 falls inside the 10:00-10:20 billing period.
var epoch = time.Date(2026, 7, 1, 10, 5, 0, 0, time.UTC)

type fixture struct {
	store   *persistence.Store
	clock   *testutil.Clock
	sched   *scheduler.PremiumScheduler
	metrics *observability.Metrics
	policy  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	clk := testutil.NewClock(epoch)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sched, err := scheduler.NewPremiumScheduler(store, clk, scheduler.DefaultConfig(), metrics, zerolog.Nop())
	require.NoError(t, err)

	policy := &underwriting.Policy{
		PolicyID: uuid.New(), CompanyID: uuid.New(), Name: "Health", Coverage: 100_000,
		PremiumAmount: 250, TermDays: 30, Active: true, CreatedAt: epoch,
	}
	require.NoError(t, underwriting.NewRepository().InsertPolicy(context.Background(), store.DB(), policy))

	return &fixture{store: store, clock: clk, sched: sched, metrics: metrics, policy: policy.PolicyID}
}

func (f *fixture) obligation(t *testing.T, user uuid.UUID, premium int64, approved bool, from, to time.Time) uuid.UUID {
	t.Helper()
	status := underwriting.ObligationRejected
	if approved {
		status = underwriting.ObligationApproved
	}
	o := &underwriting.Obligation{
		ObligationID: uuid.New(), UserID: user, PolicyID: f.policy, PremiumAmount: premium,
		ValidFrom: from, ValidTo: to, Approved: approved, Status: status, CreatedAt: from,
	}
	require.NoError(t, underwriting.NewRepository().InsertObligation(context.Background(), f.store.DB(), o))
	return o.ObligationID
}

func (f *fixture) fund(t *testing.T, user uuid.UUID, amount int64) {
	t.Helper()
	err := f.store.WithinUnitOfWork(context.Background(), func(ctx context.Context, uow *persistence.UnitOfWork) error {
		_, err := ledger.NewBalanceLedger(f.clock, nil).ApplyDelta(ctx, uow, user, amount)
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, user uuid.UUID) int64 {
	t.Helper()
	snap, err := ledger.NewBalanceLedger(f.clock, nil).GetActive(context.Background(), f.store.DB(), user)
	if errors.Is(err, xerrors.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return snap.Amount
}

func (f *fixture) premiumRecords(t *testing.T, user uuid.UUID) []ledger.TransactionRecord {
	t.Helper()
	recs, err := ledger.NewTransactionRecorder(f.clock).List(context.Background(), f.store.DB(), user,
		ledger.RecordFilter{Kind: ledger.RecordPremium})
	require.NoError(t, err)
	return recs
}

func TestRunOnce_DebitsOncePerPeriod(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 1_000)
	id := f.obligation(t, user, 250, true, epoch.Add(-time.Hour), epoch.AddDate(0, 1, 0))

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC), report.Period)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 1, report.Debited)
	assert.Equal(t, int64(750), f.balance(t, user))

	// Same period, later in it.
	f.clock.Advance(10 * time.Minute)
	report, err = f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Debited)
	assert.Equal(t, 1, report.AlreadyBilled)
	assert.Equal(t, int64(750), f.balance(t, user))

	recs := f.premiumRecords(t, user)
	require.Len(t, recs, 1)
	assert.Equal(t, scheduler.ObligationInstrumentID(id), recs[0].InstrumentID)
	assert.Equal(t, int64(1), recs[0].Quantity)
	assert.Equal(t, int64(250), recs[0].UnitPrice)

	var markerRecord string
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT record_id FROM premium_debits WHERE obligation_id = $1`, id).Scan(&markerRecord))
	assert.Equal(t, recs[0].RecordID, markerRecord)
}

func TestRunOnce_PreviouslyClaimedPeriodIsNotDebited(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 1_000)
	id := f.obligation(t, user, 250, true, epoch.Add(-time.Hour), epoch.AddDate(0, 1, 0))

	period := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	claimed, err := persistence.NewPeriodMarkers().Claim(context.Background(), f.store.DB(), id,
		period.Format(time.RFC3339), "earlier-run", period)
	require.NoError(t, err)
	require.True(t, claimed)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 0, report.Debited)
	assert.Equal(t, 1, report.AlreadyBilled)
	assert.Equal(t, int64(1_000), f.balance(t, user))
	assert.Empty(t, f.premiumRecords(t, user))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.PremiumDebits.WithLabelValues("already_billed")))
}

func TestRunOnce_NextPeriodDebitsAgain(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 1_000)
	f.obligation(t, user, 250, true, epoch.Add(-time.Hour), epoch.AddDate(0, 1, 0))

	_, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Debited)
	assert.Equal(t, int64(500), f.balance(t, user))
	assert.Len(t, f.premiumRecords(t, user), 2)
}

func TestRunOnce_InsufficientFundsSkipsOnlyThatObligation(t *testing.T) {
	f := newFixture(t)
	poor, rich := uuid.New(), uuid.New()
	f.fund(t, poor, 100)
	f.fund(t, rich, 1_000)
	f.obligation(t, poor, 250, true, epoch.Add(-time.Hour), epoch.AddDate(0, 1, 0))
	f.obligation(t, rich, 250, true, epoch.Add(-time.Hour), epoch.AddDate(0, 1, 0))

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Debited)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, int64(100), f.balance(t, poor))
	assert.Equal(t, int64(750), f.balance(t, rich))
	assert.Empty(t, f.premiumRecords(t, poor))

	// The skipped obligation left no marker, so it is retried once funded.
	f.fund(t, poor, 500)
	f.clock.Advance(time.Minute)
	report, err = f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Debited)
	assert.Equal(t, 1, report.AlreadyBilled)
	assert.Equal(t, int64(350), f.balance(t, poor))

	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.PremiumDebits.WithLabelValues("insufficient_funds")))
}

func TestRunOnce_OnlyApprovedObligationsInWindow(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, 10_000)

	f.obligation(t, user, 100, false, epoch.Add(-time.Hour), epoch.AddDate(0, 1, 0))
	f.obligation(t, user, 100, true, epoch.Add(time.Hour), epoch.AddDate(0, 1, 0))
	f.obligation(t, user, 100, true, epoch.AddDate(0, -1, 0), epoch.Add(-time.Minute))
	f.obligation(t, user, 100, true, epoch.Add(-time.Hour), epoch)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due, "only the window ending exactly now is due")
	assert.Equal(t, 1, report.Debited)
	assert.Equal(t, int64(9_900), f.balance(t, user))
}

// gateClock blocks the first Now call until released, holding a run open.
type gateClock struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	now     time.Time
}

func (c *gateClock) Now() time.Time {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.now
}

func TestRunOnce_ConcurrentCallReturnsInProgress(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	clk := &gateClock{entered: make(chan struct{}), release: make(chan struct{}), now: epoch}
	sched, err := scheduler.NewPremiumScheduler(store, clk, scheduler.DefaultConfig(), nil, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sched.RunOnce(context.Background())
		done <- err
	}()

	<-clk.entered
	_, err = sched.RunOnce(context.Background())
	assert.True(t, errors.Is(err, scheduler.ErrRunInProgress), "got %v", err)

	close(clk.release)
	require.NoError(t, <-done)

	_, err = sched.RunOnce(context.Background())
	assert.NoError(t, err, "flag is released after the run")
}

func TestNewPremiumScheduler_RejectsBadConfig(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	_, err := scheduler.NewPremiumScheduler(store, testutil.NewClock(epoch),
		scheduler.Config{Spec: "*/20 * * * *", BillingPeriod: 0}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = scheduler.NewPremiumScheduler(store, testutil.NewClock(epoch),
		scheduler.Config{Spec: "every now and then", BillingPeriod: time.Minute}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
