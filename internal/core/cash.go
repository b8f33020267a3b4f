package core

import (
	"context"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/ledger"
	fpmath "FolioLedger/internal/math"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/validate"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type CashRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Amount int64     `json:"amount" validate:"gt=0"`
}

type CashResult struct {
	Record  ledger.TransactionRecord `json:"record"`
	Balance ledger.BalanceSnapshot   `json:"balance"`
}

// CashService moves money in and out of a user's balance. Each call writes
// one snapshot and one DEPOSIT or WITHDRAWAL record.
type CashService struct {
	store    *persistence.Store
	balances *ledger.BalanceLedger
	recorder *ledger.TransactionRecorder
	currency string
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewCashService(
	store *persistence.Store,
	clk clock.Clock,
	currency string,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *CashService {
	return &CashService{
		store:    store,
		balances: ledger.NewBalanceLedger(clk, metrics),
		recorder: ledger.NewTransactionRecorder(clk),
		currency: currency,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *CashService) Deposit(ctx context.Context, req CashRequest) (*CashResult, error) {
	return s.move(ctx, ledger.RecordDeposit, req)
}

// Withdraw fails with InsufficientFunds when the balance cannot cover it.
func (s *CashService) Withdraw(ctx context.Context, req CashRequest) (*CashResult, error) {
	return s.move(ctx, ledger.RecordWithdrawal, req)
}

func (s *CashService) move(ctx context.Context, kind ledger.RecordKind, req CashRequest) (*CashResult, error) {
	op := "deposit"
	delta := req.Amount
	if kind == ledger.RecordWithdrawal {
		op = "withdraw"
		delta = -req.Amount
	}

	res, err := s.apply(ctx, kind, req, delta)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CashOps.WithLabelValues(op, xerrors.KindOf(err).String()).Inc()
		}
		s.logger.Warn().Err(err).
			Str("op", op).
			Str("user_id", req.UserID.String()).
			Int64("amount", req.Amount).
			Msg("cash operation rejected")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.CashOps.WithLabelValues(op, "ok").Inc()
	}
	s.logger.Info().
		Str("op", op).
		Str("user_id", req.UserID.String()).
		Str("amount", fpmath.Format(req.Amount, s.currency)).
		Str("balance", fpmath.Format(res.Balance.Amount, s.currency)).
		Msg("cash operation committed")
	return res, nil
}

func (s *CashService) apply(ctx context.Context, kind ledger.RecordKind, req CashRequest, delta int64) (*CashResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	res := &CashResult{}
	err := s.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow *persistence.UnitOfWork) error {
		snap, err := s.balances.ApplyDelta(ctx, uow, req.UserID, delta)
		if err != nil {
			return err
		}
		rec, err := s.recorder.Append(ctx, uow, ledger.TransactionRecord{
			UserID:       req.UserID,
			InstrumentID: ledger.CashInstrumentID,
			Kind:         kind,
			Quantity:     1,
			UnitPrice:    req.Amount,
			Amount:       req.Amount,
		})
		if err != nil {
			return err
		}
		res.Balance = *snap
		res.Record = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
