package query

import (
	"time"

	"FolioLedger/internal/ledger"

	"github.com/google/uuid"
)

// BalanceResponse is the user's current cash balance. A user with no
// snapshot yet has a zero balance at version 0.
type BalanceResponse struct {
	UserID    uuid.UUID  `json:"user_id"`
	Amount    int64      `json:"amount"`
	Display   string     `json:"display"`
	Currency  string     `json:"currency"`
	Version   int64      `json:"version"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// BalanceHistoryEntry is one snapshot in the balance history.
type BalanceHistoryEntry struct {
	Version   int64     `json:"version"`
	Amount    int64     `json:"amount"`
	Delta     int64     `json:"delta"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// PositionResponse is one held instrument.
type PositionResponse struct {
	PositionID   uuid.UUID `json:"position_id"`
	InstrumentID string    `json:"instrument_id"`
	Kind         string    `json:"kind"`
	Quantity     int64     `json:"quantity"`
	AvgCost      int64     `json:"avg_cost"`
	CostBasis    int64     `json:"cost_basis"`
	CostDisplay  string    `json:"cost_display"`
	OpenedAt     time.Time `json:"opened_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RecordsPage is a page of records, newest first. NextBeforeID is set when
// more records may follow.
type RecordsPage struct {
	Records      []ledger.TransactionRecord `json:"records"`
	NextBeforeID string                     `json:"next_before_id,omitempty"`
}

// BondResponse is a bond open for purchase.
type BondResponse struct {
	InstrumentID    string    `json:"instrument_id"`
	IssuerID        uuid.UUID `json:"issuer_id"`
	Name            string    `json:"name"`
	FaceValue       int64     `json:"face_value"`
	FaceDisplay     string    `json:"face_display"`
	CouponRateBps   int32     `json:"coupon_rate_bps"`
	RemainingSupply int64     `json:"remaining_supply"`
	TotalSupply     int64     `json:"total_supply"`
	Maturity        time.Time `json:"maturity"`
}
