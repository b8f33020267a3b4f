package underwriting

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"FolioLedger/internal/persistence"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

// Policy is an insurance product offered by a company.
type Policy struct {
	PolicyID      uuid.UUID `json:"policy_id"`
	CompanyID     uuid.UUID `json:"company_id"`
	Name          string    `json:"name"`
	Coverage      int64     `json:"coverage"`
	PremiumAmount int64     `json:"premium_amount"`
	TermDays      int32     `json:"term_days"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

type PolicySpec struct {
	Name          string `json:"name" validate:"required,max=120"`
	Coverage      int64  `json:"coverage" validate:"gt=0"`
	PremiumAmount int64  `json:"premium_amount" validate:"gt=0"`
	TermDays      int32  `json:"term_days" validate:"gt=0,lte=36500"`
}

type ObligationStatus string

const (
	ObligationPending  ObligationStatus = "PENDING"
	ObligationApproved ObligationStatus = "APPROVED"
	ObligationRejected ObligationStatus = "REJECTED"
)

// Obligation is a user's application to a policy. Once approved it is a
// recurring premium debit for its validity window.
type Obligation struct {
	ObligationID  uuid.UUID        `json:"obligation_id"`
	UserID        uuid.UUID        `json:"user_id"`
	PolicyID      uuid.UUID        `json:"policy_id"`
	PremiumAmount int64            `json:"premium_amount"`
	ValidFrom     time.Time        `json:"valid_from"`
	ValidTo       time.Time        `json:"valid_to"`
	Approved      bool             `json:"approved"`
	Status        ObligationStatus `json:"status"`
	RiskScore     *float64         `json:"risk_score,omitempty"`
	DecisionNote  string           `json:"decision_note,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// DueAt reports whether the obligation should be billed at t. Both ends of
// the validity window are inclusive.
func (o *Obligation) DueAt(t time.Time) bool {
	return o.Approved && !t.Before(o.ValidFrom) && !t.After(o.ValidTo)
}

// Repository reads and writes insurance_policies and obligations.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const policyColumns = `policy_id, company_id, name, coverage, premium_amount, term_days, active, created_at`

const obligationColumns = `obligation_id, user_id, policy_id, premium_amount, valid_from, valid_to, approved, status, risk_score, decision_note, created_at`

func (r *Repository) InsertPolicy(ctx context.Context, q persistence.Querier, p *Policy) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO insurance_policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.PolicyID, p.CompanyID, p.Name, p.Coverage, p.PremiumAmount, p.TermDays, p.Active, p.CreatedAt,
	)
	if err != nil {
		return xerrors.Internal(err, "insert policy")
	}
	return nil
}

func (r *Repository) GetPolicy(ctx context.Context, q persistence.Querier, policyID uuid.UUID) (*Policy, error) {
	var p Policy
	err := q.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM insurance_policies
		WHERE policy_id = $1`,
		policyID,
	).Scan(&p.PolicyID, &p.CompanyID, &p.Name, &p.Coverage, &p.PremiumAmount, &p.TermDays, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("policy %s not found", policyID)
	}
	if err != nil {
		return nil, xerrors.Internal(err, "read policy")
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (r *Repository) InsertObligation(ctx context.Context, q persistence.Querier, o *Obligation) error {
	var score sql.NullFloat64
	if o.RiskScore != nil {
		score = sql.NullFloat64{Float64: *o.RiskScore, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO obligations (`+obligationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ObligationID, o.UserID, o.PolicyID, o.PremiumAmount, o.ValidFrom, o.ValidTo,
		o.Approved, string(o.Status), score, o.DecisionNote, o.CreatedAt,
	)
	if err != nil {
		return xerrors.Internal(err, "insert obligation")
	}
	return nil
}

// ListApproved returns every approved obligation. The validity window is
// checked by the caller against its own clock.
func (r *Repository) ListApproved(ctx context.Context, q persistence.Querier) ([]Obligation, error) {
	return r.list(ctx, q, `WHERE approved = $1 ORDER BY obligation_id`, true)
}

// ListByUser returns a user's obligations, newest first.
func (r *Repository) ListByUser(ctx context.Context, q persistence.Querier, userID uuid.UUID) ([]Obligation, error) {
	return r.list(ctx, q, `WHERE user_id = $1 ORDER BY created_at DESC, obligation_id`, userID)
}

func (r *Repository) list(ctx context.Context, q persistence.Querier, where string, args ...any) ([]Obligation, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+obligationColumns+` FROM obligations `+where, args...)
	if err != nil {
		return nil, xerrors.Internal(err, "query obligations")
	}
	defer rows.Close()

	var out []Obligation
	for rows.Next() {
		var (
			o      Obligation
			status string
			score  sql.NullFloat64
		)
		if err := rows.Scan(&o.ObligationID, &o.UserID, &o.PolicyID, &o.PremiumAmount, &o.ValidFrom, &o.ValidTo,
			&o.Approved, &status, &score, &o.DecisionNote, &o.CreatedAt); err != nil {
			return nil, xerrors.Internal(err, "scan obligation")
		}
		o.Status = ObligationStatus(status)
		if score.Valid {
			s := score.Float64
			o.RiskScore = &s
		}
		o.ValidFrom = o.ValidFrom.UTC()
		o.ValidTo = o.ValidTo.UTC()
		o.CreatedAt = o.CreatedAt.UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Internal(err, "iterate obligations")
	}
	return out, nil
}
