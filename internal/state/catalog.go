package state

import (
	"context"
	"time"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/event"
	"FolioLedger/internal/ledger"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/validate"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

// BondSpec is a company's request to issue a bond.
type BondSpec struct {
	Name          string    `json:"name" validate:"required,max=120"`
	FaceValue     int64     `json:"face_value" validate:"gt=0"`
	CouponRateBps int32     `json:"coupon_rate_bps" validate:"gte=0,lte=10000"`
	TotalSupply   int64     `json:"total_supply" validate:"gt=0"`
	Maturity      time.Time `json:"maturity" validate:"required"`
}

// InstrumentCatalog manages bond issuance and lookup.
type InstrumentCatalog struct {
	clock clock.Clock
}

func NewInstrumentCatalog(clk clock.Clock) *InstrumentCatalog {
	return &InstrumentCatalog{clock: clk}
}

// IssueBond creates a bond owned by the issuing company. Only COMPANY actors
// may issue, and only when bonds are enabled on their account.
func (c *InstrumentCatalog) IssueBond(ctx context.Context, uow *persistence.UnitOfWork, actor Actor, spec BondSpec) (*Bond, error) {
	if !actor.IsCompany() {
		return nil, xerrors.Unauthorized("only companies can issue bonds")
	}
	if !actor.BondsEnabled {
		return nil, xerrors.Unavailable("bonds are not enabled for company %s", actor.ID)
	}
	if err := validate.Struct(spec); err != nil {
		return nil, err
	}

	now := c.clock.Now().UTC()
	if !spec.Maturity.After(now) {
		return nil, xerrors.Validation("maturity must be in the future")
	}

	bond := &Bond{
		BondID:          uuid.New(),
		IssuerID:        actor.ID,
		Name:            spec.Name,
		FaceValue:       spec.FaceValue,
		CouponRateBps:   spec.CouponRateBps,
		TotalSupply:     spec.TotalSupply,
		RemainingSupply: spec.TotalSupply,
		Maturity:        spec.Maturity.UTC(),
		Active:          true,
		CreatedAt:       now,
	}

	if _, err := uow.ExecContext(ctx, `
		INSERT INTO bonds (`+bondColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		bond.BondID, bond.IssuerID, bond.Name, bond.FaceValue, bond.CouponRateBps,
		bond.TotalSupply, bond.RemainingSupply, bond.Maturity, bond.Active, bond.CreatedAt,
	); err != nil {
		return nil, xerrors.Internal(err, "insert bond")
	}

	eventID := ledger.NewRecordID(now)
	env := event.NewEnvelope(eventID, event.EventTypeBondIssued, actor.ID, now, bond)
	if err := persistence.Enqueue(ctx, uow, event.EventTypeBondIssued.Subject(), eventID, env, now); err != nil {
		return nil, xerrors.Internal(err, "enqueue bond event")
	}
	return bond, nil
}

// GetBond looks a bond up by id.
func (c *InstrumentCatalog) GetBond(ctx context.Context, q persistence.Querier, bondID uuid.UUID) (*Bond, error) {
	return loadBond(ctx, q, bondID, "")
}

// ListAvailable returns active bonds with supply left that have not matured
// at the catalog clock's current time, nearest maturity first.
func (c *InstrumentCatalog) ListAvailable(ctx context.Context, q persistence.Querier) ([]Bond, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+bondColumns+`
		FROM bonds
		WHERE active = $1 AND remaining_supply > 0
		ORDER BY maturity, bond_id`,
		true,
	)
	if err != nil {
		return nil, xerrors.Internal(err, "query bonds")
	}
	defer rows.Close()

	now := c.clock.Now()
	var out []Bond
	for rows.Next() {
		b, err := scanBond(rows)
		if err != nil {
			return nil, xerrors.Internal(err, "scan bond")
		}
		if b.Available(now) {
			out = append(out, *b)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Internal(err, "iterate bonds")
	}
	return out, nil
}
