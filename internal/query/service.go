package query

import (
	"context"
	"errors"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/ledger"
	fpmath "FolioLedger/internal/math"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/state"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service answers read-only queries straight from the ledger tables. Reads
// are not taken inside a unit of work and may trail a concurrent commit.
type Service struct {
	db        persistence.Querier
	balances  *ledger.BalanceLedger
	recorder  *ledger.TransactionRecorder
	positions *state.PositionBook
	catalog   *state.InstrumentCatalog
	currency  string
}

func NewService(store *persistence.Store, clk clock.Clock, currency string) *Service {
	return &Service{
		db:        store.DB(),
		balances:  ledger.NewBalanceLedger(clk, nil),
		recorder:  ledger.NewTransactionRecorder(clk),
		positions: state.NewPositionBook(clk),
		catalog:   state.NewInstrumentCatalog(clk),
		currency:  currency,
	}
}

// Balance returns the user's ACTIVE balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*BalanceResponse, error) {
	if userID == uuid.Nil {
		return nil, xerrors.Validation("user_id is required")
	}

	resp := &BalanceResponse{UserID: userID, Currency: s.currency}
	snap, err := s.balances.GetActive(ctx, s.db, userID)
	switch {
	case errors.Is(err, xerrors.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		resp.Amount = snap.Amount
		resp.Version = snap.Version
		updated := snap.CreatedAt
		resp.UpdatedAt = &updated
	}
	resp.Display = fpmath.Format(resp.Amount, s.currency)
	return resp, nil
}

// BalanceHistory returns up to limit snapshots, newest first.
func (s *Service) BalanceHistory(ctx context.Context, userID uuid.UUID, limit int) ([]BalanceHistoryEntry, error) {
	if userID == uuid.Nil {
		return nil, xerrors.Validation("user_id is required")
	}
	snaps, err := s.balances.History(ctx, s.db, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	out := make([]BalanceHistoryEntry, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, BalanceHistoryEntry{
			Version:   sn.Version,
			Amount:    sn.Amount,
			Delta:     sn.Delta,
			State:     string(sn.State),
			CreatedAt: sn.CreatedAt,
		})
	}
	return out, nil
}

// OpenPositions returns the instruments the user currently holds.
func (s *Service) OpenPositions(ctx context.Context, userID uuid.UUID) ([]PositionResponse, error) {
	if userID == uuid.Nil {
		return nil, xerrors.Validation("user_id is required")
	}
	positions, err := s.positions.ListOpen(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	out := make([]PositionResponse, 0, len(positions))
	for _, p := range positions {
		basis, err := p.CostBasis()
		if err != nil {
			return nil, xerrors.Internal(err, "cost basis of position "+p.PositionID.String())
		}
		out = append(out, PositionResponse{
			PositionID:   p.PositionID,
			InstrumentID: p.InstrumentID.String(),
			Kind:         string(p.InstrumentID.Kind()),
			Quantity:     p.Quantity,
			AvgCost:      p.AvgCost,
			CostBasis:    basis,
			CostDisplay:  fpmath.Format(basis, s.currency),
			OpenedAt:     p.OpenedAt,
			UpdatedAt:    p.UpdatedAt,
		})
	}
	return out, nil
}

// Records pages through the user's transaction records, newest first.
// kind may be empty; beforeID continues from a previous page.
func (s *Service) Records(ctx context.Context, userID uuid.UUID, kind string, beforeID string, limit int) (*RecordsPage, error) {
	if userID == uuid.Nil {
		return nil, xerrors.Validation("user_id is required")
	}

	f := ledger.RecordFilter{BeforeID: beforeID, Limit: clampLimit(limit)}
	if kind != "" {
		k, ok := ledger.ParseRecordKind(kind)
		if !ok {
			return nil, xerrors.Validation("unknown record kind %q", kind)
		}
		f.Kind = k
	}

	recs, err := s.recorder.List(ctx, s.db, userID, f)
	if err != nil {
		return nil, err
	}

	page := &RecordsPage{Records: recs}
	if page.Records == nil {
		page.Records = []ledger.TransactionRecord{}
	}
	if len(recs) == f.Limit {
		page.NextBeforeID = recs[len(recs)-1].RecordID
	}
	return page, nil
}

// AvailableBonds lists bonds that can be bought now.
func (s *Service) AvailableBonds(ctx context.Context) ([]BondResponse, error) {
	bonds, err := s.catalog.ListAvailable(ctx, s.db)
	if err != nil {
		return nil, err
	}

	out := make([]BondResponse, 0, len(bonds))
	for _, b := range bonds {
		out = append(out, BondResponse{
			InstrumentID:    b.InstrumentID().String(),
			IssuerID:        b.IssuerID,
			Name:            b.Name,
			FaceValue:       b.FaceValue,
			FaceDisplay:     fpmath.Format(b.FaceValue, s.currency),
			CouponRateBps:   b.CouponRateBps,
			RemainingSupply: b.RemainingSupply,
			TotalSupply:     b.TotalSupply,
			Maturity:        b.Maturity,
		})
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}
