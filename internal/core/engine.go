package core

import (
	"context"
	"fmt"
	"time"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/ledger"
	fpmath "FolioLedger/internal/math"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/state"
	"FolioLedger/internal/validate"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TradeStage is how far a trade got inside its unit of work.
type TradeStage int

const (
	StageValidated TradeStage = iota
	StageSupplyReserved
	StageBalanceUpdated
	StagePositionUpdated
	StageRecorded
	StageCommitted
	StageAborted
)

func (s TradeStage) String() string {
	switch s {
	case StageValidated:
		return "validated"
	case StageSupplyReserved:
		return "supply_reserved"
	case StageBalanceUpdated:
		return "balance_updated"
	case StagePositionUpdated:
		return "position_updated"
	case StageRecorded:
		return "recorded"
	case StageCommitted:
		return "committed"
	case StageAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var tradeTransitions = map[TradeSide]map[TradeStage][]TradeStage{
	SideBuy: {
		StageValidated:       {StageSupplyReserved},
		StageSupplyReserved:  {StageBalanceUpdated},
		StageBalanceUpdated:  {StagePositionUpdated},
		StagePositionUpdated: {StageRecorded},
		StageRecorded:        {StageCommitted},
	},
	SideSell: {
		StageValidated:       {StagePositionUpdated},
		StagePositionUpdated: {StageBalanceUpdated},
		StageBalanceUpdated:  {StageRecorded},
		StageRecorded:        {StageCommitted},
	},
}

// CanTransitionTo validates stage transitions for a trade side. Every
// non-terminal stage may abort.
func (s TradeStage) CanTransitionTo(side TradeSide, next TradeStage) bool {
	if s == StageCommitted || s == StageAborted {
		return false
	}
	if next == StageAborted {
		return true
	}
	for _, allowed := range tradeTransitions[side][s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// TradeRequest is a buy or sell at a caller-supplied price.
type TradeRequest struct {
	UserID       uuid.UUID `json:"user_id" validate:"required"`
	InstrumentID string    `json:"instrument_id" validate:"required"`
	Quantity     int64     `json:"quantity" validate:"gt=0"`
	UnitPrice    int64     `json:"unit_price" validate:"gt=0"`
}

type TradeResult struct {
	Side           TradeSide                `json:"side"`
	Record         ledger.TransactionRecord `json:"record"`
	Balance        ledger.BalanceSnapshot   `json:"balance"`
	Position       state.Position           `json:"position"`
	RealizedProfit int64                    `json:"realized_profit"`
	Stage          TradeStage               `json:"-"`
}

// TradeEngine executes buys and sells atomically across instrument supply,
// the balance ledger, the position book and the transaction record log.
type TradeEngine struct {
	store     *persistence.Store
	clock     clock.Clock
	balances  *ledger.BalanceLedger
	positions *state.PositionBook
	supply    *state.InstrumentSupply
	recorder  *ledger.TransactionRecorder
	currency  string
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewTradeEngine(
	store *persistence.Store,
	clk clock.Clock,
	currency string,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *TradeEngine {
	return &TradeEngine{
		store:     store,
		clock:     clk,
		balances:  ledger.NewBalanceLedger(clk, metrics),
		positions: state.NewPositionBook(clk),
		supply:    state.NewInstrumentSupply(),
		recorder:  ledger.NewTransactionRecorder(clk),
		currency:  currency,
		metrics:   metrics,
		logger:    logger,
	}
}

// tradeRun tracks the stage reached by one trade.
type tradeRun struct {
	side  TradeSide
	stage TradeStage
}

func (r *tradeRun) advance(next TradeStage) error {
	if !r.stage.CanTransitionTo(r.side, next) {
		return xerrors.Internal(fmt.Errorf("%s: %s -> %s", r.side, r.stage, next), "illegal trade stage transition")
	}
	r.stage = next
	return nil
}

// Buy reserves supply, debits the total cost, opens or grows the position
// and appends a BUY record, all in one unit of work.
func (e *TradeEngine) Buy(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	return e.execute(ctx, SideBuy, req)
}

// Sell shrinks (or closes) the position, credits the proceeds and appends a
// SELL record carrying the realized profit.
func (e *TradeEngine) Sell(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	return e.execute(ctx, SideSell, req)
}

func (e *TradeEngine) execute(ctx context.Context, side TradeSide, req TradeRequest) (*TradeResult, error) {
	start := time.Now()
	run := &tradeRun{side: side, stage: StageValidated}

	result, err := e.run(ctx, run, req)
	if err != nil {
		reached := run.stage
		run.stage = StageAborted
		e.abort(side, reached, req, err)
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues(string(side), "committed").Inc()
		e.metrics.TradeDuration.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	}
	e.logger.Info().
		Str("side", string(side)).
		Str("user_id", req.UserID.String()).
		Str("instrument_id", result.Record.InstrumentID).
		Int64("quantity", req.Quantity).
		Str("amount", fpmath.Format(result.Record.Amount, e.currency)).
		Str("balance", fpmath.Format(result.Balance.Amount, e.currency)).
		Int64("realized_profit", result.RealizedProfit).
		Str("record_id", result.Record.RecordID).
		Msg("trade committed")
	return result, nil
}

func (e *TradeEngine) run(ctx context.Context, run *tradeRun, req TradeRequest) (*TradeResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if req.UserID == uuid.Nil {
		return nil, xerrors.Validation("user_id is required")
	}
	instrumentID, err := state.ParseInstrumentID(req.InstrumentID)
	if err != nil {
		return nil, err
	}
	amount, err := fpmath.MulAmount(req.Quantity, req.UnitPrice)
	if err != nil {
		return nil, xerrors.Validation("quantity * unit_price overflows")
	}

	if run.side == SideBuy {
		// Face value never changes, so an unlocked read is enough here.
		inst, err := e.supply.Resolve(ctx, e.store.DB(), instrumentID)
		if err != nil {
			return nil, err
		}
		if !inst.Unlimited() && req.UnitPrice != inst.Bond.FaceValue {
			return nil, xerrors.Validation("bond %s sells at face value %d, got %d",
				instrumentID, inst.Bond.FaceValue, req.UnitPrice)
		}
	}

	result := &TradeResult{Side: run.side}
	err = e.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow *persistence.UnitOfWork) error {
		if err := uow.LockKey(ctx, ledger.UserLockKey(req.UserID)); err != nil {
			return err
		}
		if run.side == SideBuy {
			return e.buySteps(ctx, uow, run, req, instrumentID, amount, result)
		}
		return e.sellSteps(ctx, uow, run, req, instrumentID, amount, result)
	})
	if err != nil {
		return nil, err
	}

	if err := run.advance(StageCommitted); err != nil {
		return nil, err
	}
	result.Stage = run.stage
	return result, nil
}

func (e *TradeEngine) buySteps(
	ctx context.Context,
	uow *persistence.UnitOfWork,
	run *tradeRun,
	req TradeRequest,
	instrumentID state.InstrumentID,
	cost int64,
	result *TradeResult,
) error {
	if _, err := e.supply.Reserve(ctx, uow, instrumentID, req.Quantity, e.clock.Now()); err != nil {
		return err
	}
	if err := run.advance(StageSupplyReserved); err != nil {
		return err
	}

	snap, err := e.balances.ApplyDelta(ctx, uow, req.UserID, -cost)
	if err != nil {
		return err
	}
	if err := run.advance(StageBalanceUpdated); err != nil {
		return err
	}

	pos, err := e.positions.OpenOrIncrease(ctx, uow, req.UserID, instrumentID, req.Quantity, req.UnitPrice)
	if err != nil {
		return err
	}
	if err := run.advance(StagePositionUpdated); err != nil {
		return err
	}

	rec, err := e.recorder.Append(ctx, uow, ledger.TransactionRecord{
		UserID:       req.UserID,
		InstrumentID: instrumentID.String(),
		Kind:         ledger.RecordBuy,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		Amount:       cost,
	})
	if err != nil {
		return err
	}
	if err := run.advance(StageRecorded); err != nil {
		return err
	}

	result.Balance = *snap
	result.Position = *pos
	result.Record = *rec
	return nil
}

func (e *TradeEngine) sellSteps(
	ctx context.Context,
	uow *persistence.UnitOfWork,
	run *tradeRun,
	req TradeRequest,
	instrumentID state.InstrumentID,
	proceeds int64,
	result *TradeResult,
) error {
	pos, profit, err := e.positions.Decrease(ctx, uow, req.UserID, instrumentID, req.Quantity, req.UnitPrice)
	if err != nil {
		return err
	}
	if err := run.advance(StagePositionUpdated); err != nil {
		return err
	}

	snap, err := e.balances.ApplyDelta(ctx, uow, req.UserID, proceeds)
	if err != nil {
		return err
	}
	if err := run.advance(StageBalanceUpdated); err != nil {
		return err
	}

	rec, err := e.recorder.Append(ctx, uow, ledger.TransactionRecord{
		UserID:         req.UserID,
		InstrumentID:   instrumentID.String(),
		Kind:           ledger.RecordSell,
		Quantity:       req.Quantity,
		UnitPrice:      req.UnitPrice,
		Amount:         proceeds,
		RealizedProfit: profit,
	})
	if err != nil {
		return err
	}
	if err := run.advance(StageRecorded); err != nil {
		return err
	}

	result.Balance = *snap
	result.Position = *pos
	result.Record = *rec
	result.RealizedProfit = profit
	return nil
}

func (e *TradeEngine) abort(side TradeSide, reached TradeStage, req TradeRequest, err error) {
	kind := xerrors.KindOf(err)
	if e.metrics != nil {
		e.metrics.TradesTotal.WithLabelValues(string(side), "aborted").Inc()
		e.metrics.TradeAborts.WithLabelValues(string(side), reached.String(), kind.String()).Inc()
	}

	ev := e.logger.Warn()
	if kind == xerrors.KindInternal {
		ev = e.logger.Error()
	}
	ev.Err(err).
		Str("side", string(side)).
		Str("stage", reached.String()).
		Str("user_id", req.UserID.String()).
		Str("instrument_id", req.InstrumentID).
		Int64("quantity", req.Quantity).
		Int64("unit_price", req.UnitPrice).
		Msg("trade aborted")
}
