package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PeriodMarkers deduplicates recurring debits. A marker row keyed by
// (obligation_id, period) is claimed inside the same unit of work as the
// debit, so it commits or rolls back with it.
type PeriodMarkers struct{}

func NewPeriodMarkers() *PeriodMarkers {
	return &PeriodMarkers{}
}

// Claim inserts the marker and reports whether this caller won it. A
// concurrent claimer on Postgres blocks on the conflicting insert until the
// first transaction finishes, then sees zero affected rows.
func (pm *PeriodMarkers) Claim(
	ctx context.Context,
	q Querier,
	obligationID uuid.UUID,
	period string,
	recordID string,
	at time.Time,
) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO premium_debits (obligation_id, period, record_id, debited_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (obligation_id, period) DO NOTHING`,
		obligationID, period, recordID, at.UTC(),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsClaimed checks whether a debit for the period is already committed.
func (pm *PeriodMarkers) IsClaimed(ctx context.Context, q Querier, obligationID uuid.UUID, period string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx, `
		SELECT 1
		FROM premium_debits
		WHERE obligation_id = $1 AND period = $2
		LIMIT 1`,
		obligationID, period,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
