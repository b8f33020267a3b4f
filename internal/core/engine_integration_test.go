package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"FolioLedger/internal/core"
	"FolioLedger/internal/testutil"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

// Runs the contention cases against Postgres, where buys really interleave
// and only the advisory lock and row locks keep the balance consistent.
func TestPostgres_ConcurrentTradesStayConsistent(t *testing.T) {
	testutil.RequireIntegration(t)
	f := newFixture(t, testutil.SetupPostgresStore(t))
	ctx := context.Background()
	user := uuid.New()
	f.deposit(t, user, 10_000)

	const buyers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, poor int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Buy(ctx, trade(user, "stock:SBIN", 1, 1_000))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, xerrors.ErrInsufficientFunds):
				poor++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || poor != buyers-10 {
		t.Fatalf("expected 10 fills and %d rejections, got %d / %d", buyers-10, ok, poor)
	}
	if got := f.balance(t, user); got != 0 {
		t.Errorf("expected balance 0, got %d", got)
	}
	if n := f.count(t, `SELECT COUNT(*) FROM balance_snapshots WHERE user_id = $1 AND state = 'ACTIVE'`, user); n != 1 {
		t.Errorf("expected one ACTIVE snapshot, got %d", n)
	}
}

func TestPostgres_BuyAndSellInterleave(t *testing.T) {
	testutil.RequireIntegration(t)
	f := newFixture(t, testutil.SetupPostgresStore(t))
	ctx := context.Background()
	user := uuid.New()
	f.deposit(t, user, 100_000)

	if _, err := f.engine.Buy(ctx, trade(user, "stock:LT", 50, 100)); err != nil {
		t.Fatalf("seed buy failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Buy(ctx, trade(user, "stock:LT", 1, 100)); err != nil {
				t.Errorf("buy failed: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.engine.Sell(ctx, core.TradeRequest{UserID: user, InstrumentID: "stock:LT", Quantity: 1, UnitPrice: 100}); err != nil {
				t.Errorf("sell failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.balance(t, user); got != 95_000 {
		t.Errorf("expected balance 95000, got %d", got)
	}
	if n := f.count(t, `SELECT COUNT(*) FROM positions WHERE user_id = $1 AND state = 'OPEN'`, user); n != 1 {
		t.Errorf("expected one OPEN position, got %d", n)
	}
}
