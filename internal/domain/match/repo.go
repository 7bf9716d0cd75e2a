package match

import (
	"context"

	"github.com/google/uuid"
)

// Repo is the persistence contract for candidate pairs.
type Repo interface {
	Create(ctx context.Context, m *IdentityMatch) error
	GetByID(ctx context.Context, id uuid.UUID) (*IdentityMatch, error)
	// GetByPair looks up the unordered pair; argument order is irrelevant.
	GetByPair(ctx context.Context, x, y uuid.UUID) (*IdentityMatch, error)
	Update(ctx context.Context, m *IdentityMatch) error
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*IdentityMatch, error)
	ListPending(ctx context.Context, limit, offset int) ([]*IdentityMatch, int, error)
	// Reparent rewrites match history from one identity to another as
	// part of a merge, dropping rows that would become self-pairs or
	// collide with an existing pair on the target.
	Reparent(ctx context.Context, fromID, toID uuid.UUID) error
}
