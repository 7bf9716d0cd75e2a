package identity

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested record does not exist or is
// soft-deleted and the caller asked for the active view.
var ErrNotFound = errors.New("identity not found")

// ValidationError rejects malformed input before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError signals an optimistic concurrency failure: the record's
// version moved after it was read. Callers may retry with fresh state.
type ConflictError struct {
	ID       uuid.UUID
	Expected int
	Attempts int
}

func (e *ConflictError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("identity %s: version conflict after %d attempts", e.ID, e.Attempts)
	}
	return fmt.Sprintf("identity %s: version conflict (expected version %d)", e.ID, e.Expected)
}

// DuplicateMPIIDError signals an mpi_id uniqueness collision. The service
// regenerates and retries internally; callers only see this when retries
// are exhausted.
type DuplicateMPIIDError struct {
	MPIID string
}

func (e *DuplicateMPIIDError) Error() string {
	return fmt.Sprintf("mpi id %s already assigned", e.MPIID)
}

// MergeIntegrityError rejects a merge or unlink that would corrupt the
// master-link graph. It is never retried automatically.
type MergeIntegrityError struct {
	Reason      string
	MasterID    uuid.UUID
	DuplicateID uuid.UUID
}

func (e *MergeIntegrityError) Error() string {
	return fmt.Sprintf("merge %s -> %s: %s", e.DuplicateID, e.MasterID, e.Reason)
}
