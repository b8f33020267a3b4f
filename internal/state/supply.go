package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"FolioLedger/internal/persistence"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

// InstrumentSupply tracks finite issuance. Stocks have unlimited supply and
// every call on them is a no-op; bonds decrement remaining_supply on buy.
// Supply is never released.
type InstrumentSupply struct{}

func NewInstrumentSupply() *InstrumentSupply {
	return &InstrumentSupply{}
}

const bondColumns = `bond_id, issuer_id, name, face_value, coupon_rate_bps, total_supply, remaining_supply, maturity, active, created_at`

// Resolve loads the instrument without locking it.
func (s *InstrumentSupply) Resolve(ctx context.Context, q persistence.Querier, id InstrumentID) (*Instrument, error) {
	bondID, isBond := id.BondUUID()
	if !isBond {
		return &Instrument{ID: id}, nil
	}
	bond, err := loadBond(ctx, q, bondID, "")
	if err != nil {
		return nil, err
	}
	return &Instrument{ID: id, Bond: bond}, nil
}

// Reserve takes qty units of supply inside uow. The bond row stays locked
// until the unit of work ends, so concurrent buyers of the last units are
// serialised and remaining_supply cannot go negative.
func (s *InstrumentSupply) Reserve(ctx context.Context, uow *persistence.UnitOfWork, id InstrumentID, qty int64, at time.Time) (*Instrument, error) {
	if qty <= 0 {
		return nil, xerrors.Validation("quantity must be positive")
	}

	bondID, isBond := id.BondUUID()
	if !isBond {
		return &Instrument{ID: id}, nil
	}

	bond, err := loadBond(ctx, uow, bondID, uow.ForUpdate())
	if err != nil {
		return nil, err
	}

	switch {
	case !bond.Active:
		return nil, xerrors.Unavailable("bond %s is not active", bondID)
	case !at.Before(bond.Maturity):
		return nil, xerrors.Unavailable("bond %s matured on %s", bondID, bond.Maturity.Format(time.DateOnly))
	case bond.RemainingSupply < qty:
		return nil, xerrors.Unavailable("bond %s has %d units left, requested %d", bondID, bond.RemainingSupply, qty)
	}

	remaining := bond.RemainingSupply - qty
	res, err := uow.ExecContext(ctx, `
		UPDATE bonds SET remaining_supply = $1
		WHERE bond_id = $2 AND remaining_supply = $3`,
		remaining, bondID, bond.RemainingSupply,
	)
	if err != nil {
		return nil, xerrors.Internal(err, "reserve bond supply")
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, xerrors.Internal(fmt.Errorf("updated %d rows: %v", n, err), "reserve bond supply")
	}

	bond.RemainingSupply = remaining
	return &Instrument{ID: id, Bond: bond}, nil
}

func loadBond(ctx context.Context, q persistence.Querier, bondID uuid.UUID, lockSuffix string) (*Bond, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+bondColumns+`
		FROM bonds
		WHERE bond_id = $1`+lockSuffix,
		bondID,
	)
	bond, err := scanBond(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("bond %s not found", bondID)
	}
	if err != nil {
		return nil, xerrors.Internal(err, "read bond")
	}
	return bond, nil
}

func scanBond(row rowScanner) (*Bond, error) {
	var b Bond
	if err := row.Scan(&b.BondID, &b.IssuerID, &b.Name, &b.FaceValue, &b.CouponRateBps,
		&b.TotalSupply, &b.RemainingSupply, &b.Maturity, &b.Active, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.Maturity = b.Maturity.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	return &b, nil
}
