package ledger

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotState replaces the live-row boolean flags: exactly one ACTIVE
// snapshot per user, every older one SUPERSEDED.
type SnapshotState string

const (
	SnapshotActive     SnapshotState = "ACTIVE"
	SnapshotSuperseded SnapshotState = "SUPERSEDED"
)

// BalanceSnapshot is one immutable version of a user's cash balance.
type BalanceSnapshot struct {
	SnapshotID uuid.UUID     `json:"snapshot_id"`
	UserID     uuid.UUID     `json:"user_id"`
	Version    int64         `json:"version"`
	Amount     int64         `json:"amount"` // minor units
	Delta      int64         `json:"delta"`  // signed change that produced Amount
	State      SnapshotState `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
}

// UserLockKey is the advisory lock key serialising every balance-affecting
// unit of work of one user.
func UserLockKey(userID uuid.UUID) string {
	return "user:" + userID.String()
}
