// Package event defines the outbound events FolioLedger publishes after a
// state change commits.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for outbound payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeBuy
	EventTypeSell
	EventTypePremium
	EventTypeDeposit
	EventTypeWithdrawal
	EventTypeBondIssued
	EventTypeObligationDecided
)

// SubjectPrefix is the NATS subject root for every outbound event.
const SubjectPrefix = "folio.ledger.events"

// Envelope wraps every outbound event. EventID doubles as the NATS
// Nats-Msg-Id header so JetStream drops redelivered duplicates.
type Envelope struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	UserID     uuid.UUID   `json:"user_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func NewEnvelope(id string, et EventType, userID uuid.UUID, at time.Time, payload interface{}) Envelope {
	return Envelope{
		EventID:    id,
		EventType:  et.String(),
		UserID:     userID,
		OccurredAt: at.UTC(),
		Payload:    payload,
	}
}

// Subject returns folio.ledger.events.{event_type} in snake case.
func (et EventType) Subject() string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, toSnake(et.String()))
}

func (et EventType) String() string {
	switch et {
	case EventTypeBuy:
		return "Buy"
	case EventTypeSell:
		return "Sell"
	case EventTypePremium:
		return "Premium"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypeBondIssued:
		return "BondIssued"
	case EventTypeObligationDecided:
		return "ObligationDecided"
	default:
		return "Unknown"
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
