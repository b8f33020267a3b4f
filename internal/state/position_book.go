package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"FolioLedger/internal/clock"
	fpmath "FolioLedger/internal/math"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

// PositionBook owns the positions table: one OPEN row per (user, instrument)
// carrying a weighted-average cost basis.
type PositionBook struct {
	clock clock.Clock
}

func NewPositionBook(clk clock.Clock) *PositionBook {
	return &PositionBook{clock: clk}
}

const positionColumns = `position_id, user_id, instrument_id, quantity, avg_cost, state, opened_at, updated_at, closed_at`

// GetOpen returns the OPEN position or NotFound.
func (pb *PositionBook) GetOpen(ctx context.Context, q persistence.Querier, userID uuid.UUID, instrumentID InstrumentID) (*Position, error) {
	return pb.getOpen(ctx, q, userID, instrumentID, "")
}

func (pb *PositionBook) getOpen(ctx context.Context, q persistence.Querier, userID uuid.UUID, instrumentID InstrumentID, lockSuffix string) (*Position, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = $1 AND instrument_id = $2 AND state = 'OPEN'`+lockSuffix,
		userID, string(instrumentID),
	)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("no open position in %s", instrumentID)
	}
	if err != nil {
		return nil, xerrors.Internal(err, "read position")
	}
	return pos, nil
}

// OpenOrIncrease adds qty units bought at unitPrice. An existing OPEN
// position gets a new weighted-average cost rounded half-up to one minor
// unit; otherwise a position is opened at unitPrice.
func (pb *PositionBook) OpenOrIncrease(
	ctx context.Context,
	uow *persistence.UnitOfWork,
	userID uuid.UUID,
	instrumentID InstrumentID,
	qty, unitPrice int64,
) (*Position, error) {
	if qty <= 0 || unitPrice <= 0 {
		return nil, xerrors.Validation("quantity and unit price must be positive")
	}

	now := pb.clock.Now().UTC()

	pos, err := pb.getOpen(ctx, uow, userID, instrumentID, uow.ForUpdate())
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
		pos = &Position{
			PositionID:   uuid.New(),
			UserID:       userID,
			InstrumentID: instrumentID,
			Quantity:     qty,
			AvgCost:      unitPrice,
			State:        PositionOpen,
			OpenedAt:     now,
			UpdatedAt:    now,
		}
		if _, err := uow.ExecContext(ctx, `
			INSERT INTO positions (`+positionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			pos.PositionID, pos.UserID, string(pos.InstrumentID), pos.Quantity, pos.AvgCost,
			string(pos.State), pos.OpenedAt, pos.UpdatedAt, nil,
		); err != nil {
			if persistence.IsUniqueViolation(err) {
				return nil, xerrors.Internal(err, "concurrent open of the same position")
			}
			return nil, xerrors.Internal(err, "insert position")
		}
		return pos, nil

	case err != nil:
		return nil, err
	}

	newAvg, err := fpmath.WeightedAverageCost(pos.Quantity, pos.AvgCost, qty, unitPrice)
	if err != nil {
		return nil, xerrors.Validation("average cost: %v", err)
	}
	if qty > math.MaxInt64-pos.Quantity {
		return nil, xerrors.Validation("position quantity overflows")
	}

	pos.Quantity += qty
	pos.AvgCost = newAvg
	pos.UpdatedAt = now
	if err := pb.update(ctx, uow, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// Decrease sells qty units at sellPrice and returns the realized profit
// (sellPrice - avgCost) * qty. The average cost never changes on a sale; a
// position sold down to zero is CLOSED.
func (pb *PositionBook) Decrease(
	ctx context.Context,
	uow *persistence.UnitOfWork,
	userID uuid.UUID,
	instrumentID InstrumentID,
	qty, sellPrice int64,
) (*Position, int64, error) {
	if qty <= 0 || sellPrice <= 0 {
		return nil, 0, xerrors.Validation("quantity and unit price must be positive")
	}

	pos, err := pb.getOpen(ctx, uow, userID, instrumentID, uow.ForUpdate())
	if errors.Is(err, xerrors.ErrNotFound) {
		return nil, 0, xerrors.New(xerrors.KindInsufficientHoldings, "no holdings in %s", instrumentID)
	}
	if err != nil {
		return nil, 0, err
	}

	if pos.Quantity < qty {
		return nil, 0, xerrors.New(xerrors.KindInsufficientHoldings,
			"holding %d of %s, cannot sell %d", pos.Quantity, instrumentID, qty)
	}

	profit, err := fpmath.RealizedProfit(qty, pos.AvgCost, sellPrice)
	if err != nil {
		return nil, 0, xerrors.Validation("realized profit: %v", err)
	}

	now := pb.clock.Now().UTC()
	pos.Quantity -= qty
	pos.UpdatedAt = now

	if pos.IsFlat() {
		if !pos.State.CanTransitionTo(PositionClosed) {
			return nil, 0, xerrors.Internal(fmt.Errorf("state %s", pos.State), "close position")
		}
		pos.State = PositionClosed
		pos.ClosedAt = &now
	}

	if err := pb.update(ctx, uow, pos); err != nil {
		return nil, 0, err
	}
	return pos, profit, nil
}

func (pb *PositionBook) update(ctx context.Context, uow *persistence.UnitOfWork, pos *Position) error {
	var closedAt interface{}
	if pos.ClosedAt != nil {
		closedAt = *pos.ClosedAt
	}
	res, err := uow.ExecContext(ctx, `
		UPDATE positions
		SET quantity = $1, avg_cost = $2, state = $3, updated_at = $4, closed_at = $5
		WHERE position_id = $6 AND state = 'OPEN'`,
		pos.Quantity, pos.AvgCost, string(pos.State), pos.UpdatedAt, closedAt, pos.PositionID,
	)
	if err != nil {
		return xerrors.Internal(err, "update position")
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return xerrors.Internal(fmt.Errorf("updated %d rows: %v", n, err), "update position")
	}
	return nil
}

// ListOpen returns the user's OPEN positions ordered by instrument.
func (pb *PositionBook) ListOpen(ctx context.Context, q persistence.Querier, userID uuid.UUID) ([]Position, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = $1 AND state = 'OPEN'
		ORDER BY instrument_id`,
		userID,
	)
	if err != nil {
		return nil, xerrors.Internal(err, "query positions")
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, xerrors.Internal(err, "scan position")
		}
		out = append(out, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Internal(err, "iterate positions")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*Position, error) {
	var (
		p          Position
		instrument string
		state      string
		closedAt   sql.NullTime
	)
	if err := row.Scan(&p.PositionID, &p.UserID, &instrument, &p.Quantity, &p.AvgCost,
		&state, &p.OpenedAt, &p.UpdatedAt, &closedAt); err != nil {
		return nil, err
	}
	p.InstrumentID = InstrumentID(instrument)
	p.State = PositionState(state)
	p.OpenedAt = p.OpenedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		p.ClosedAt = &t
	}
	return &p, nil
}
