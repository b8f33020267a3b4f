package state

import (
	"strings"
	"time"

	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

type InstrumentKind string

const (
	InstrumentStock InstrumentKind = "stock"
	InstrumentBond  InstrumentKind = "bond"
)

// InstrumentID identifies what a position holds: "stock:<SYMBOL>" or
// "bond:<uuid>".
type InstrumentID string

func StockID(symbol string) InstrumentID {
	return InstrumentID("stock:" + strings.ToUpper(strings.TrimSpace(symbol)))
}

func BondID(id uuid.UUID) InstrumentID {
	return InstrumentID("bond:" + id.String())
}

// ParseInstrumentID validates the prefix and body of an instrument id.
func ParseInstrumentID(s string) (InstrumentID, error) {
	prefix, body, ok := strings.Cut(s, ":")
	if !ok || body == "" {
		return "", xerrors.Validation("instrument_id %q must look like stock:<SYMBOL> or bond:<uuid>", s)
	}
	switch strings.ToLower(prefix) {
	case "stock":
		if strings.ContainsAny(body, " :") || len(body) > 32 {
			return "", xerrors.Validation("invalid stock symbol %q", body)
		}
		return StockID(body), nil
	case "bond":
		id, err := uuid.Parse(body)
		if err != nil {
			return "", xerrors.Validation("invalid bond id %q", body)
		}
		return BondID(id), nil
	default:
		return "", xerrors.Validation("unknown instrument type %q", prefix)
	}
}

func (id InstrumentID) Kind() InstrumentKind {
	if strings.HasPrefix(string(id), "bond:") {
		return InstrumentBond
	}
	return InstrumentStock
}

// BondUUID returns the bond id for bond instruments.
func (id InstrumentID) BondUUID() (uuid.UUID, bool) {
	if id.Kind() != InstrumentBond {
		return uuid.Nil, false
	}
	u, err := uuid.Parse(strings.TrimPrefix(string(id), "bond:"))
	return u, err == nil
}

func (id InstrumentID) String() string { return string(id) }

// Bond is a finite-supply instrument issued by a company.
type Bond struct {
	BondID          uuid.UUID `json:"bond_id"`
	IssuerID        uuid.UUID `json:"issuer_id"`
	Name            string    `json:"name"`
	FaceValue       int64     `json:"face_value"`
	CouponRateBps   int32     `json:"coupon_rate_bps"`
	TotalSupply     int64     `json:"total_supply"`
	RemainingSupply int64     `json:"remaining_supply"`
	Maturity        time.Time `json:"maturity"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

func (b *Bond) InstrumentID() InstrumentID { return BondID(b.BondID) }

// Available reports whether the bond can still be bought at t.
func (b *Bond) Available(t time.Time) bool {
	return b.Active && b.RemainingSupply > 0 && t.Before(b.Maturity)
}

// Instrument is the resolved form of an InstrumentID. Bond is nil for stocks.
type Instrument struct {
	ID   InstrumentID
	Bond *Bond
}

// Unlimited reports whether supply tracking is a no-op for the instrument.
func (i *Instrument) Unlimited() bool { return i.Bond == nil }
