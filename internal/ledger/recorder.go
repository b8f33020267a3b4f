package ledger

import (
	"context"
	"strconv"
	"strings"
	"time"

	"FolioLedger/internal/clock"
	"FolioLedger/internal/event"
	"FolioLedger/internal/persistence"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type RecordKind string

const (
	RecordBuy        RecordKind = "BUY"
	RecordSell       RecordKind = "SELL"
	RecordPremium    RecordKind = "PREMIUM"
	RecordDeposit    RecordKind = "DEPOSIT"
	RecordWithdrawal RecordKind = "WITHDRAWAL"
)

// CashInstrumentID is the instrument of deposit and withdrawal records.
const CashInstrumentID = "cash"

func ParseRecordKind(s string) (RecordKind, bool) {
	k := RecordKind(strings.ToUpper(s))
	switch k {
	case RecordBuy, RecordSell, RecordPremium, RecordDeposit, RecordWithdrawal:
		return k, true
	}
	return "", false
}

// Debits reports whether the kind takes cash out of the balance.
func (k RecordKind) Debits() bool {
	return k == RecordBuy || k == RecordPremium || k == RecordWithdrawal
}

func (k RecordKind) eventType() event.EventType {
	switch k {
	case RecordBuy:
		return event.EventTypeBuy
	case RecordSell:
		return event.EventTypeSell
	case RecordPremium:
		return event.EventTypePremium
	case RecordDeposit:
		return event.EventTypeDeposit
	case RecordWithdrawal:
		return event.EventTypeWithdrawal
	}
	return event.EventTypeUnknown
}

// TransactionRecord is the immutable audit entry of a completed trade, debit
// or cash movement.
type TransactionRecord struct {
	RecordID       string     `json:"record_id"`
	UserID         uuid.UUID  `json:"user_id"`
	InstrumentID   string     `json:"instrument_id"`
	Kind           RecordKind `json:"kind"`
	Quantity       int64      `json:"quantity"`
	UnitPrice      int64      `json:"unit_price"`
	Amount         int64      `json:"amount"`
	RealizedProfit int64      `json:"realized_profit"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SignedAmount is the record's effect on the cash balance.
func (r TransactionRecord) SignedAmount() int64 {
	if r.Kind.Debits() {
		return -r.Amount
	}
	return r.Amount
}

// NewRecordID returns a ULID, so record ids sort by creation time.
func NewRecordID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

// TransactionRecorder appends to transaction_records. Rows are never updated
// or deleted; the schema enforces this with triggers.
type TransactionRecorder struct {
	clock clock.Clock
}

func NewTransactionRecorder(clk clock.Clock) *TransactionRecorder {
	return &TransactionRecorder{clock: clk}
}

const recordColumns = `record_id, user_id, instrument_id, kind, quantity, unit_price, amount, realized_profit, created_at`

// Append writes rec and its outbound event inside uow. RecordID is generated
// when empty so callers that need the id up front (premium markers) can set
// it themselves.
func (tr *TransactionRecorder) Append(ctx context.Context, uow *persistence.UnitOfWork, rec TransactionRecord) (*TransactionRecord, error) {
	if _, ok := ParseRecordKind(string(rec.Kind)); !ok {
		return nil, xerrors.Validation("unknown record kind %q", rec.Kind)
	}
	if rec.UserID == uuid.Nil || rec.InstrumentID == "" {
		return nil, xerrors.Validation("record needs user and instrument")
	}
	if rec.Quantity <= 0 || rec.UnitPrice <= 0 || rec.Amount <= 0 {
		return nil, xerrors.Validation("record quantity, unit price and amount must be positive")
	}

	now := tr.clock.Now().UTC()
	rec.CreatedAt = now
	if rec.RecordID == "" {
		rec.RecordID = NewRecordID(now)
	}

	if _, err := uow.ExecContext(ctx, `
		INSERT INTO transaction_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.RecordID, rec.UserID, rec.InstrumentID, string(rec.Kind),
		rec.Quantity, rec.UnitPrice, rec.Amount, rec.RealizedProfit, rec.CreatedAt,
	); err != nil {
		return nil, xerrors.Internal(err, "append transaction record")
	}

	et := rec.Kind.eventType()
	env := event.NewEnvelope(rec.RecordID, et, rec.UserID, now, rec)
	if err := persistence.Enqueue(ctx, uow, et.Subject(), rec.RecordID, env, now); err != nil {
		return nil, xerrors.Internal(err, "enqueue record event")
	}

	return &rec, nil
}

// RecordFilter narrows List. Zero values mean no filter.
type RecordFilter struct {
	Kind     RecordKind
	BeforeID string // page backwards from this record id
	Limit    int
}

// List returns a user's records newest first.
func (tr *TransactionRecorder) List(ctx context.Context, q persistence.Querier, userID uuid.UUID, f RecordFilter) ([]TransactionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM transaction_records WHERE user_id = $1`
	args := []interface{}{userID}

	if f.Kind != "" {
		args = append(args, string(f.Kind))
		query += ` AND kind = $` + strconv.Itoa(len(args))
	}
	if f.BeforeID != "" {
		args = append(args, f.BeforeID)
		query += ` AND record_id < $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY record_id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Internal(err, "query transaction records")
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var (
			r    TransactionRecord
			kind string
		)
		if err := rows.Scan(&r.RecordID, &r.UserID, &r.InstrumentID, &kind,
			&r.Quantity, &r.UnitPrice, &r.Amount, &r.RealizedProfit, &r.CreatedAt); err != nil {
			return nil, xerrors.Internal(err, "scan transaction record")
		}
		r.Kind = RecordKind(kind)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Internal(err, "iterate transaction records")
	}
	return out, nil
}
