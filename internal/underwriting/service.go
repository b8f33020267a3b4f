// Package underwriting manages insurance policies and decides applications
// with an external risk score. Approved applications become the recurring
// obligations the premium scheduler bills.
package underwriting

import (
	"context"
	"errors"
	"time"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/event"
	"FolioLedger/internal/ledger"
	"FolioLedger/internal/observability"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/state"
	"FolioLedger/internal/validate"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	// ScoreTimeout bounds one call to the risk scorer.
	ScoreTimeout time.Duration
	// MaxRiskPercent is the highest score still approved.
	MaxRiskPercent float64
}

func DefaultConfig() Config {
	return Config{ScoreTimeout: 3 * time.Second, MaxRiskPercent: 60}
}

type ApplyRequest struct {
	PolicyID  uuid.UUID `json:"policy_id" validate:"required"`
	Applicant Applicant `json:"applicant"`
}

type Service struct {
	store   *persistence.Store
	repo    *Repository
	scorer  RiskScorer
	clock   clock.Clock
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewService(
	store *persistence.Store,
	scorer RiskScorer,
	clk clock.Clock,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		store:   store,
		repo:    NewRepository(),
		scorer:  scorer,
		clock:   clk,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// CreatePolicy registers a policy for a company that has insurances enabled.
func (s *Service) CreatePolicy(ctx context.Context, actor state.Actor, spec PolicySpec) (*Policy, error) {
	if !actor.IsCompany() {
		return nil, xerrors.Unauthorized("only companies can create policies")
	}
	if !actor.InsurancesEnabled {
		return nil, xerrors.Unavailable("insurances are not enabled for company %s", actor.ID)
	}
	if err := validate.Struct(spec); err != nil {
		return nil, err
	}

	p := &Policy{
		PolicyID:      uuid.New(),
		CompanyID:     actor.ID,
		Name:          spec.Name,
		Coverage:      spec.Coverage,
		PremiumAmount: spec.PremiumAmount,
		TermDays:      spec.TermDays,
		Active:        true,
		CreatedAt:     s.clock.Now().UTC(),
	}
	if err := s.repo.InsertPolicy(ctx, s.store.DB(), p); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("policy_id", p.PolicyID.String()).
		Str("company_id", actor.ID.String()).
		Int64("premium", p.PremiumAmount).
		Msg("policy created")
	return p, nil
}

// Apply scores the applicant and stores the decision. A scorer error or
// timeout rejects the application; it is not returned as an error.
func (s *Service) Apply(ctx context.Context, actor state.Actor, req ApplyRequest) (*Obligation, error) {
	if actor.Role != state.RoleUser {
		return nil, xerrors.Unauthorized("only users can apply for insurance")
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	policy, err := s.repo.GetPolicy(ctx, s.store.DB(), req.PolicyID)
	if err != nil {
		return nil, err
	}
	if !policy.Active {
		return nil, xerrors.Unavailable("policy %s is not active", policy.PolicyID)
	}

	score, decision, reason := s.decide(ctx, req.Applicant)

	now := s.clock.Now().UTC()
	o := &Obligation{
		ObligationID:  uuid.New(),
		UserID:        actor.ID,
		PolicyID:      policy.PolicyID,
		PremiumAmount: policy.PremiumAmount,
		ValidFrom:     now,
		ValidTo:       now.AddDate(0, 0, int(policy.TermDays)),
		Approved:      decision == ObligationApproved,
		Status:        decision,
		RiskScore:     score,
		DecisionNote:  reason,
		CreatedAt:     now,
	}

	err = s.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow *persistence.UnitOfWork) error {
		if err := s.repo.InsertObligation(ctx, uow, o); err != nil {
			return err
		}
		eventID := ledger.NewRecordID(now)
		env := event.NewEnvelope(eventID, event.EventTypeObligationDecided, o.UserID, now, o)
		if err := persistence.Enqueue(ctx, uow, event.EventTypeObligationDecided.Subject(), eventID, env, now); err != nil {
			return xerrors.Internal(err, "enqueue obligation event")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.UnderwritingDecisions.WithLabelValues(string(decision), reason).Inc()
	}
	s.logger.Info().
		Str("obligation_id", o.ObligationID.String()).
		Str("user_id", o.UserID.String()).
		Str("policy_id", o.PolicyID.String()).
		Str("status", string(o.Status)).
		Str("reason", reason).
		Msg("insurance application decided")
	return o, nil
}

// decide returns the score (nil when unavailable), the decision and a short
// machine-readable reason.
func (s *Service) decide(ctx context.Context, a Applicant) (*float64, ObligationStatus, string) {
	scoreCtx, cancel := context.WithTimeout(ctx, s.cfg.ScoreTimeout)
	defer cancel()

	score, err := s.scorer.Score(scoreCtx, a)
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || scoreCtx.Err() != nil):
		s.logger.Warn().Err(err).Dur("timeout", s.cfg.ScoreTimeout).Msg("risk scorer timed out")
		return nil, ObligationRejected, "scorer_timeout"
	case err != nil:
		s.logger.Warn().Err(err).Msg("risk scorer failed")
		return nil, ObligationRejected, "scorer_error"
	case score > s.cfg.MaxRiskPercent:
		return &score, ObligationRejected, "risk_too_high"
	default:
		return &score, ObligationApproved, "risk_accepted"
	}
}

// Obligations returns the user's applications.
func (s *Service) Obligations(ctx context.Context, userID uuid.UUID) ([]Obligation, error) {
	return s.repo.ListByUser(ctx, s.store.DB(), userID)
}
