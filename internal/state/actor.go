package state

import "github.com/google/uuid"

type Role string

const (
	RoleUser    Role = "USER"
	RoleCompany Role = "COMPANY"
	RoleAdmin   Role = "ADMIN"
)

// Actor is the authenticated caller as asserted by the upstream gateway.
// Feature flags mirror what a company account was onboarded for.
type Actor struct {
	ID                uuid.UUID
	Role              Role
	BondsEnabled      bool
	InsurancesEnabled bool
}

func (a Actor) IsCompany() bool { return a.Role == RoleCompany }
