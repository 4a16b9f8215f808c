package attendance

import (
	"context"

	"rollcall/internal/storage"
)

// GuardianLookup is the guardian association as stored.
type GuardianLookup interface {
	IsGuardian(ctx context.Context, guardianID, minorID string) (bool, error)
	ListGuardians(ctx context.Context, minorID string) ([]string, error)
}

// GuardianAuthorizer answers guardianship questions against current data.
// Nothing is cached, so a link added or removed after check-in governs the
// check-out.
type GuardianAuthorizer struct {
	lookup GuardianLookup
}

func NewGuardianAuthorizer(lookup GuardianLookup) *GuardianAuthorizer {
	return &GuardianAuthorizer{lookup: lookup}
}

// IsAuthorized reports whether actorID is a direct guardian of minorID.
// Guardianship is not transitive.
func (g *GuardianAuthorizer) IsAuthorized(ctx context.Context, actorID, minorID string) (bool, error) {
	if actorID == "" || minorID == "" || actorID == minorID {
		return false, nil
	}
	ok, err := g.lookup.IsGuardian(ctx, actorID, minorID)
	if err != nil {
		return false, storage.Failure(ctx, "check guardian", err)
	}
	return ok, nil
}

// HasGuardian reports whether the minor has at least one guardian.
func (g *GuardianAuthorizer) HasGuardian(ctx context.Context, minorID string) (bool, error) {
	ids, err := g.lookup.ListGuardians(ctx, minorID)
	if err != nil {
		return false, storage.Failure(ctx, "list guardians", err)
	}
	return len(ids) > 0, nil
}
