package state

import (
	"time"

	fpmath "FolioLedger/internal/math"

	"github.com/google/uuid"
)

// PositionState is the lifecycle of one holding. CLOSED is terminal; buying
// the instrument again opens a new position.
type PositionState string

const (
	PositionOpen   PositionState = "OPEN"
	PositionClosed PositionState = "CLOSED"
)

// Position is a user's holding of one instrument with its cost basis.
type Position struct {
	PositionID   uuid.UUID     `json:"position_id"`
	UserID       uuid.UUID     `json:"user_id"`
	InstrumentID InstrumentID  `json:"instrument_id"`
	Quantity     int64         `json:"quantity"`
	AvgCost      int64         `json:"avg_cost"` // minor units per unit
	State        PositionState `json:"state"`
	OpenedAt     time.Time     `json:"opened_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
}

// CanTransitionTo validates state transitions
func (s PositionState) CanTransitionTo(next PositionState) bool {
	validTransitions := map[PositionState][]PositionState{
		PositionOpen: {
			PositionOpen, // increase or partial sell
			PositionClosed,
		},
		PositionClosed: {},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// IsFlat returns true if the position holds nothing
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// CostBasis is Quantity * AvgCost, the amount still invested.
func (p *Position) CostBasis() (int64, error) {
	return fpmath.MulAmount(p.Quantity, p.AvgCost)
}
