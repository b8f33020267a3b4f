package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

// BalanceLedger owns the balance_snapshots table. Balances are never updated
// in place: every change supersedes the ACTIVE row and inserts a new one.
type BalanceLedger struct {
	clock   clock.Clock
	metrics *observability.Metrics
}

func NewBalanceLedger(clk clock.Clock, metrics *observability.Metrics) *BalanceLedger {
	return &BalanceLedger{clock: clk, metrics: metrics}
}

const snapshotColumns = `snapshot_id, user_id, version, amount, delta, state, created_at`

// GetActive returns the user's ACTIVE snapshot or a NotFound error.
func (bl *BalanceLedger) GetActive(ctx context.Context, q persistence.Querier, userID uuid.UUID) (*BalanceSnapshot, error) {
	return bl.getActive(ctx, q, userID, "")
}

func (bl *BalanceLedger) getActive(ctx context.Context, q persistence.Querier, userID uuid.UUID, lockSuffix string) (*BalanceSnapshot, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM balance_snapshots
		WHERE user_id = $1 AND state = 'ACTIVE'`+lockSuffix,
		userID,
	)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("no active balance for user %s", userID)
	}
	if err != nil {
		return nil, xerrors.Internal(err, "read active balance")
	}
	return snap, nil
}

// ApplyDelta moves the user's balance by delta inside uow and returns the new
// ACTIVE snapshot.
//
// The read-modify-write is serialised per user: the user advisory lock and
// the FOR UPDATE read (Postgres) or the IMMEDIATE write transaction (SQLite)
// stop two callers from superseding the same snapshot. A user without a
// snapshot starts from zero, so a credit creates version 1 and a debit fails
// with InsufficientFunds.
func (bl *BalanceLedger) ApplyDelta(ctx context.Context, uow *persistence.UnitOfWork, userID uuid.UUID, delta int64) (*BalanceSnapshot, error) {
	if userID == uuid.Nil {
		return nil, xerrors.Validation("user_id is required")
	}
	if delta == 0 {
		return nil, xerrors.Validation("balance delta must be non-zero")
	}

	if err := uow.LockKey(ctx, UserLockKey(userID)); err != nil {
		return nil, err
	}

	current, err := bl.getActive(ctx, uow, userID, uow.ForUpdate())
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return nil, err
	}

	var amount, version int64
	if current != nil {
		amount, version = current.Amount, current.Version
	}

	if delta > 0 && amount > math.MaxInt64-delta {
		return nil, xerrors.Validation("balance would overflow")
	}
	newAmount := amount + delta
	if newAmount < 0 {
		return nil, xerrors.New(xerrors.KindInsufficientFunds,
			"balance %d cannot cover debit of %d", amount, -delta).
			With("user_id", userID.String())
	}

	now := bl.clock.Now().UTC()

	if current != nil {
		res, err := uow.ExecContext(ctx, `
			UPDATE balance_snapshots
			SET state = 'SUPERSEDED'
			WHERE snapshot_id = $1 AND state = 'ACTIVE'`,
			current.SnapshotID,
		)
		if err != nil {
			return nil, xerrors.Internal(err, "supersede balance snapshot")
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return nil, xerrors.Internal(fmt.Errorf("superseded %d rows: %v", n, err), "supersede balance snapshot")
		}
	}

	next := &BalanceSnapshot{
		SnapshotID: uuid.New(),
		UserID:     userID,
		Version:    version + 1,
		Amount:     newAmount,
		Delta:      delta,
		State:      SnapshotActive,
		CreatedAt:  now,
	}

	if _, err := uow.ExecContext(ctx, `
		INSERT INTO balance_snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		next.SnapshotID, next.UserID, next.Version, next.Amount, next.Delta, string(next.State), next.CreatedAt,
	); err != nil {
		return nil, xerrors.Internal(err, "insert balance snapshot")
	}

	if bl.metrics != nil {
		direction := "credit"
		if delta < 0 {
			direction = "debit"
		}
		bl.metrics.LedgerDeltas.WithLabelValues(direction).Inc()
	}

	return next, nil
}

// History returns a user's snapshots, newest first. limit <= 0 means all.
func (bl *BalanceLedger) History(ctx context.Context, q persistence.Querier, userID uuid.UUID, limit int) ([]BalanceSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM balance_snapshots
		WHERE user_id = $1
		ORDER BY version DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Internal(err, "query balance history")
	}
	defer rows.Close()

	var out []BalanceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, xerrors.Internal(err, "scan balance history")
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Internal(err, "iterate balance history")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*BalanceSnapshot, error) {
	var (
		s     BalanceSnapshot
		state string
	)
	if err := row.Scan(&s.SnapshotID, &s.UserID, &s.Version, &s.Amount, &s.Delta, &state, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.State = SnapshotState(state)
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}
