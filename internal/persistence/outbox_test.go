package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"FolioLedger/internal/persistence"
	"FolioLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu      sync.Mutex
	got     []persistence.OutboxMessage
	failOn  string
	failErr error
}

func (p *recordingPublisher) Publish(_ context.Context, msg persistence.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.EventID == p.failOn {
		return p.failErr
	}
	p.got = append(p.got, msg)
	return nil
}

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.got))
	for i, m := range p.got {
		out[i] = m.EventID
	}
	return out
}

var at = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, store *persistence.Store, ids ...string) {
	t.Helper()
	err := store.WithinUnitOfWork(context.Background(), func(ctx context.Context, uow *persistence.UnitOfWork) error {
		for _, id := range ids {
			if err := persistence.Enqueue(ctx, uow, "folio.ledger.events.buy", id, map[string]string{"id": id}, at); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOutbox_DrainPublishesInOrder(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	enqueue(t, store, "01A", "01C", "01B")
	enqueue(t, store, "01A") // duplicate id is a no-op

	pub := &recordingPublisher{}
	w := persistence.NewOutboxWorker(store.DB(), pub, 10, time.Second, nil, zerolog.Nop())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"01A", "01B", "01C"}, pub.ids())
	assert.JSONEq(t, `{"id":"01A"}`, string(pub.got[0].Payload))

	pending, err := persistence.NewOutboxWriter(store.DB()).CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	n, err = w.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutbox_StopsAtFirstFailure(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	enqueue(t, store, "01A", "01B", "01C")

	boom := errors.New("nats down")
	pub := &recordingPublisher{failOn: "01B", failErr: boom}
	w := persistence.NewOutboxWriter(store.DB())
	worker := persistence.NewOutboxWorker(store.DB(), pub, 10, time.Second, nil, zerolog.Nop())

	n, err := worker.Drain(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)

	pending, err := w.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "01B", pending[0].EventID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, 0, pending[1].Attempts)

	pub.failOn = ""
	n, err = worker.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"01A", "01B", "01C"}, pub.ids())
}

func TestOutbox_BatchSize(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	enqueue(t, store, "01A", "01B", "01C")

	pub := &recordingPublisher{}
	w := persistence.NewOutboxWorker(store.DB(), pub, 2, time.Second, nil, zerolog.Nop())

	n, err := w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = w.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutbox_CommitWakesWorker(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	pub := &recordingPublisher{}
	// A poll interval far beyond the test timeout: only Wake can trigger
	// the second drain.
	w := persistence.NewOutboxWorker(store.DB(), pub, 10, time.Hour, nil, zerolog.Nop())
	store.OnOutboxCommit(w.Wake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	enqueue(t, store, "01W")
	require.Eventually(t, func() bool {
		return len(pub.ids()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnitOfWork_RollbackDropsOutboxAndHooks(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	woken := 0
	store.OnOutboxCommit(func() { woken++ })

	boom := errors.New("abort")
	err := store.WithinUnitOfWork(context.Background(), func(ctx context.Context, uow *persistence.UnitOfWork) error {
		if err := persistence.Enqueue(ctx, uow, "folio.ledger.events.buy", "01R", "x", at); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, woken)

	pending, err := persistence.NewOutboxWriter(store.DB()).CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, pending)

	enqueue(t, store, "01S", "01T")
	assert.Equal(t, 1, woken, "one wake per committed unit of work")
}

func TestUnitOfWork_CancelledBeforeBegin(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithinUnitOfWork(ctx, func(context.Context, *persistence.UnitOfWork) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPeriodMarkers_ClaimOnce(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	pm := persistence.NewPeriodMarkers()

	// premium_debits references obligations; seed one row chain.
	_, err := store.DB().Exec(`INSERT INTO insurance_policies (policy_id, company_id, name, coverage, premium_amount, term_days, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		"p1", "c1", "P", 1, 1, 1, true, at)
	require.NoError(t, err)
	_, err = store.DB().Exec(`INSERT INTO obligations (obligation_id, user_id, policy_id, premium_amount, valid_from, valid_to, approved, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		"8d1f0c64-6f1e-4b1e-9d2a-0f6d8f3a2b11", "u1", "p1", 1, at, at, true, "APPROVED", at)
	require.NoError(t, err)

	id := mustUUID(t, "8d1f0c64-6f1e-4b1e-9d2a-0f6d8f3a2b11")
	claimed, err := pm.Claim(ctx, store.DB(), id, "2026-01-05T12:00:00Z", "r1", at)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = pm.Claim(ctx, store.DB(), id, "2026-01-05T12:00:00Z", "r2", at)
	require.NoError(t, err)
	assert.False(t, claimed)

	ok, err := pm.IsClaimed(ctx, store.DB(), id, "2026-01-05T12:00:00Z")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = pm.IsClaimed(ctx, store.DB(), id, "2026-01-05T12:20:00Z")
	require.NoError(t, err)
	assert.False(t, ok)
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}
