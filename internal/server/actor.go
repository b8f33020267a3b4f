package server

import (
	"context"
	"strings"

	"FolioLedger/internal/state"
	"FolioLedger/internal/xerrors"

	"github.com/google/uuid"
)

// Actor headers set by the upstream gateway. gRPC metadata keys are the same
// strings.
const (
	HeaderUserID   = "x-user-id"
	HeaderUserRole = "x-user-role"
	// HeaderFeatures is a comma list of company features: bonds, insurances.
	HeaderFeatures = "x-company-features"
)

type actorKey struct{}

func withActor(ctx context.Context, a state.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller attached to ctx by the transport.
func ActorFrom(ctx context.Context) (state.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(state.Actor)
	return a, ok
}

func requireActor(ctx context.Context) (state.Actor, error) {
	a, ok := ActorFrom(ctx)
	if !ok {
		return state.Actor{}, xerrors.Unauthorized("missing %s", HeaderUserID)
	}
	return a, nil
}

// parseActor builds an actor from raw header values. ok is false when no
// user id was sent at all.
func parseActor(id, role, features string) (state.Actor, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return state.Actor{}, false, nil
	}
	uid, err := uuid.Parse(id)
	if err != nil || uid == uuid.Nil {
		return state.Actor{}, false, xerrors.Validation("invalid %s %q", HeaderUserID, id)
	}

	a := state.Actor{ID: uid, Role: state.RoleUser}
	switch r := state.Role(strings.ToUpper(strings.TrimSpace(role))); r {
	case "":
	case state.RoleUser, state.RoleCompany, state.RoleAdmin:
		a.Role = r
	default:
		return state.Actor{}, false, xerrors.Validation("invalid %s %q", HeaderUserRole, role)
	}

	if a.IsCompany() {
		for _, f := range strings.Split(features, ",") {
			switch strings.ToLower(strings.TrimSpace(f)) {
			case "bonds":
				a.BondsEnabled = true
			case "insurances":
				a.InsurancesEnabled = true
			}
		}
	}
	return a, true, nil
}

// actingFor resolves which user an operation touches. An empty id means the
// caller. Only admins act for someone else.
func actingFor(actor state.Actor, userID uuid.UUID) (uuid.UUID, error) {
	if userID == uuid.Nil || userID == actor.ID {
		return actor.ID, nil
	}
	if actor.Role == state.RoleAdmin {
		return userID, nil
	}
	return uuid.Nil, xerrors.Unauthorized("actor %s may not act for user %s", actor.ID, userID)
}
