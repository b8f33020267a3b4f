// Package scheduler bills recurring insurance premiums.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/ledger"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/underwriting"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrRunInProgress is returned by RunOnce while another run is active.
var ErrRunInProgress = errors.New("premium run already in progress")

var errAlreadyBilled = errors.New("obligation already billed for period")

type Config struct {
	// Spec is a standard 5-field cron expression.
	Spec string
	// BillingPeriod is the dedup window: one debit per obligation per period.
	BillingPeriod time.Duration
}

func DefaultConfig() Config {
	return Config{Spec: "*/20 * * * *", BillingPeriod: 20 * time.Minute}
}

// RunReport summarises one pass over the due obligations.
type RunReport struct {
	Period        time.Time `json:"period"`
	Due           int       `json:"due"`
	Debited       int       `json:"debited"`
	AlreadyBilled int       `json:"already_billed"`
	Skipped       int       `json:"skipped"`
	Failed        int       `json:"failed"`
}

// PremiumScheduler debits every approved obligation once per billing period.
// Each obligation is billed in its own unit of work together with its
// (obligation, period) marker, so a crash or a second instance can never
// double-charge.
type PremiumScheduler struct {
	store       *persistence.Store
	balances    *ledger.BalanceLedger
	recorder    *ledger.TransactionRecorder
	markers     *persistence.PeriodMarkers
	obligations *underwriting.Repository
	clock       clock.Clock
	cfg         Config
	metrics     *observability.Metrics
	logger      zerolog.Logger

	running atomic.Bool
}

func NewPremiumScheduler(
	store *persistence.Store,
	clk clock.Clock,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*PremiumScheduler, error) {
	if cfg.BillingPeriod <= 0 {
		return nil, fmt.Errorf("billing period must be positive, got %s", cfg.BillingPeriod)
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", cfg.Spec, err)
	}
	return &PremiumScheduler{
		store:       store,
		balances:    ledger.NewBalanceLedger(clk, metrics),
		recorder:    ledger.NewTransactionRecorder(clk),
		markers:     persistence.NewPeriodMarkers(),
		obligations: underwriting.NewRepository(),
		clock:       clk,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
	}, nil
}

// Start runs RunOnce on the cron schedule until ctx is cancelled, then waits
// for an in-flight run to finish.
func (s *PremiumScheduler) Start(ctx context.Context) error {
	cl := observability.CronLogger{Log: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			s.logger.Error().Err(err).Msg("premium run failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule premium run: %w", err)
	}

	s.logger.Info().Str("spec", s.cfg.Spec).Dur("billing_period", s.cfg.BillingPeriod).Msg("premium scheduler started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("premium scheduler stopped")
	return nil
}

// PeriodFor returns the billing period containing t.
func (s *PremiumScheduler) PeriodFor(t time.Time) time.Time {
	return t.UTC().Truncate(s.cfg.BillingPeriod)
}

// RunOnce bills the current period. Per-obligation failures are counted in
// the report and never abort the run; only a failure to load obligations or
// cancellation of ctx does.
func (s *PremiumScheduler) RunOnce(ctx context.Context) (RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.PremiumRuns.WithLabelValues("in_progress").Inc()
		}
		return RunReport{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	now := s.clock.Now().UTC()
	report := RunReport{Period: s.PeriodFor(now)}

	all, err := s.obligations.ListApproved(ctx, s.store.DB())
	if err != nil {
		s.finish(report, "error", start)
		return report, err
	}

	for i := range all {
		o := &all[i]
		if !o.DueAt(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			s.finish(report, "cancelled", start)
			return report, err
		}
		report.Due++

		recordID, err := s.debit(ctx, o, report.Period, now)
		switch {
		case err == nil:
			report.Debited++
			s.countDebit("debited")
			s.logger.Info().
				Str("obligation_id", o.ObligationID.String()).
				Str("user_id", o.UserID.String()).
				Int64("premium", o.PremiumAmount).
				Str("record_id", recordID).
				Msg("premium debited")
		case errors.Is(err, errAlreadyBilled):
			report.AlreadyBilled++
			s.countDebit("already_billed")
		case errors.Is(err, xerrors.ErrInsufficientFunds):
			report.Skipped++
			s.countDebit("insufficient_funds")
			s.logger.Warn().
				Str("obligation_id", o.ObligationID.String()).
				Str("user_id", o.UserID.String()).
				Int64("premium", o.PremiumAmount).
				Msg("insufficient balance for premium, skipped")
		default:
			report.Failed++
			s.countDebit("failed")
			s.logger.Error().Err(err).
				Str("obligation_id", o.ObligationID.String()).
				Msg("premium debit failed")
		}
	}

	s.finish(report, "ok", start)
	return report, nil
}

func (s *PremiumScheduler) debit(ctx context.Context, o *underwriting.Obligation, period, now time.Time) (string, error) {
	// Unlocked read skips the transaction for periods already billed; the
	// claim inside the unit of work still decides races.
	billed, err := s.markers.IsClaimed(ctx, s.store.DB(), o.ObligationID, periodKey(period))
	if err != nil {
		return "", xerrors.Internal(err, "check premium period")
	}
	if billed {
		return "", errAlreadyBilled
	}

	recordID := ledger.NewRecordID(now)
	err = s.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow *persistence.UnitOfWork) error {
		if err := uow.LockKey(ctx, ledger.UserLockKey(o.UserID)); err != nil {
			return err
		}

		claimed, err := s.markers.Claim(ctx, uow, o.ObligationID, periodKey(period), recordID, now)
		if err != nil {
			return xerrors.Internal(err, "claim premium period")
		}
		if !claimed {
			return errAlreadyBilled
		}

		if _, err := s.balances.ApplyDelta(ctx, uow, o.UserID, -o.PremiumAmount); err != nil {
			return err
		}

		_, err = s.recorder.Append(ctx, uow, ledger.TransactionRecord{
			RecordID:     recordID,
			UserID:       o.UserID,
			InstrumentID: ObligationInstrumentID(o.ObligationID),
			Kind:         ledger.RecordPremium,
			Quantity:     1,
			UnitPrice:    o.PremiumAmount,
			Amount:       o.PremiumAmount,
		})
		return err
	})
	return recordID, err
}

func (s *PremiumScheduler) countDebit(outcome string) {
	if s.metrics != nil {
		s.metrics.PremiumDebits.WithLabelValues(outcome).Inc()
	}
}

func (s *PremiumScheduler) finish(report RunReport, outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.PremiumRuns.WithLabelValues(outcome).Inc()
		s.metrics.PremiumRunDuration.Observe(time.Since(start).Seconds())
		s.metrics.PremiumLastPeriod.Set(float64(report.Period.Unix()))
	}
	s.logger.Info().
		Time("period", report.Period).
		Int("due", report.Due).
		Int("debited", report.Debited).
		Int("already_billed", report.AlreadyBilled).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Str("outcome", outcome).
		Dur("took", time.Since(start)).
		Msg("premium run finished")
}

// ObligationInstrumentID is the instrument id written on PREMIUM records.
func ObligationInstrumentID(id uuid.UUID) string {
	return "obligation:" + id.String()
}

func periodKey(period time.Time) string {
	return period.UTC().Format(time.RFC3339)
}
