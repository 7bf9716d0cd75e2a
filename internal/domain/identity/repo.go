package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DemographicQuery is the loose candidate-pool filter used by the match
// finder. Zero-value fields are ignored.
type DemographicQuery struct {
	FirstName   string
	LastName    string
	DateOfBirth *time.Time
	Phone       string
	Email       string
	Limit       int
}

// Store is the persistence contract for identity records. All read
// methods return the active view (soft-deleted rows excluded) unless the
// method name says otherwise. Update is compare-and-swap on the version
// column and returns ConflictError when the expected version is stale.
type Store interface {
	Create(ctx context.Context, i *Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	GetByIDIncludingDeleted(ctx context.Context, id uuid.UUID) (*Identity, error)
	GetByMPIID(ctx context.Context, mpiID string) (*Identity, error)
	GetByExternalID(ctx context.Context, sourceSystem, externalPatientID string) (*Identity, error)
	GetBySSN(ctx context.Context, ssn string) ([]*Identity, error)
	SearchByDemographics(ctx context.Context, q DemographicQuery) ([]*Identity, error)
	Update(ctx context.Context, i *Identity, expectedVersion int) error
	List(ctx context.Context, limit, offset int) ([]*Identity, int, error)
	ListByMaster(ctx context.Context, masterID uuid.UUID) ([]*Identity, error)
	MPIIDExists(ctx context.Context, mpiID string) (bool, error)
	TouchAccess(ctx context.Context, id uuid.UUID, at time.Time) error

	// Aliases
	AddAlias(ctx context.Context, a *Alias) error
	ListAliases(ctx context.Context, identityID uuid.UUID) ([]*Alias, error)
	ReparentAliases(ctx context.Context, fromID, toID uuid.UUID) error

	// WithTx runs fn inside a single store transaction. Nested calls
	// join the surrounding transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
