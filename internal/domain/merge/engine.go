// Package merge owns the master-link graph: merging duplicate identities
// under a master, unlinking them again, and the batch reconciliation
// sweep. The graph is kept flat and acyclic — a duplicate always links
// directly to an ACTIVE master, never to another duplicate.
package merge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/domain/match"
	"github.com/ehr/mpi/internal/platform/events"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 25 * time.Millisecond
)

type Engine struct {
	store      identity.Store
	matches    match.Repo
	events     *events.Dispatcher
	log        zerolog.Logger
	maxRetries int
	backoff    time.Duration
}

type Option func(*Engine)

func WithRetries(max int, backoff time.Duration) Option {
	return func(e *Engine) {
		if max > 0 {
			e.maxRetries = max
		}
		if backoff > 0 {
			e.backoff = backoff
		}
	}
}

func NewEngine(store identity.Store, matches match.Repo, dispatcher *events.Dispatcher, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		matches:    matches,
		events:     dispatcher,
		log:        log,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge links duplicateID under masterID. Both rows, the alias
// re-parenting, and the match-history rewrite commit in one store
// transaction; version conflicts are retried with fresh state up to the
// configured limit. Re-merging an already linked pair is a no-op.
func (e *Engine) Merge(ctx context.Context, masterID, duplicateID uuid.UUID, actor string) (*identity.Identity, error) {
	if masterID == duplicateID {
		return nil, &identity.MergeIntegrityError{
			Reason: "cannot merge an identity into itself", MasterID: masterID, DuplicateID: duplicateID,
		}
	}

	var attemptErr error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		master, dup, done, err := e.loadForMerge(ctx, masterID, duplicateID)
		if err != nil {
			return nil, err
		}
		if done {
			return master, nil
		}

		attemptErr = e.applyMerge(ctx, master, dup, actor)
		if attemptErr == nil {
			e.events.Enqueue(events.Event{
				Type:       events.IdentityMerged,
				IdentityID: master.ID,
				MPIID:      master.MPIID,
				Actor:      actor,
				Payload: map[string]interface{}{
					"duplicate_id":     dup.ID.String(),
					"duplicate_mpi_id": dup.MPIID,
				},
			})
			return master, nil
		}

		var conflict *identity.ConflictError
		if !errors.As(attemptErr, &conflict) {
			return nil, attemptErr
		}
		e.log.Warn().
			Str("master_id", masterID.String()).
			Str("duplicate_id", duplicateID.String()).
			Int("attempt", attempt).
			Msg("merge version conflict, retrying")
		select {
		case <-time.After(time.Duration(attempt) * e.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &identity.ConflictError{ID: duplicateID, Attempts: e.maxRetries}
}

// loadForMerge fetches both sides and enforces graph integrity. done is
// true when the link already exists exactly as requested.
func (e *Engine) loadForMerge(ctx context.Context, masterID, duplicateID uuid.UUID) (master, dup *identity.Identity, done bool, err error) {
	master, err = e.store.GetByID(ctx, masterID)
	if err != nil {
		return nil, nil, false, err
	}
	dup, err = e.store.GetByID(ctx, duplicateID)
	if err != nil {
		return nil, nil, false, err
	}

	if dup.Status == identity.StatusDuplicate {
		if dup.MasterID != nil && *dup.MasterID == masterID {
			return master, dup, true, nil
		}
		return nil, nil, false, &identity.MergeIntegrityError{
			Reason: "identity is already merged under a different master", MasterID: masterID, DuplicateID: duplicateID,
		}
	}
	if master.Status == identity.StatusDuplicate {
		return nil, nil, false, &identity.MergeIntegrityError{
			Reason: "target master is itself a duplicate; merge chains are not allowed", MasterID: masterID, DuplicateID: duplicateID,
		}
	}
	if err := e.checkAcyclic(ctx, masterID, duplicateID); err != nil {
		return nil, nil, false, err
	}
	return master, dup, false, nil
}

// checkAcyclic walks master's link ancestry and refuses the merge if it
// reaches the duplicate. The flat-graph rule already prevents cycles;
// this guards against a corrupted graph compounding.
func (e *Engine) checkAcyclic(ctx context.Context, masterID, duplicateID uuid.UUID) error {
	visited := map[uuid.UUID]bool{}
	current := masterID
	for {
		if current == duplicateID {
			return &identity.MergeIntegrityError{
				Reason: "merge would create a cycle in the master-link graph", MasterID: masterID, DuplicateID: duplicateID,
			}
		}
		if visited[current] {
			return &identity.MergeIntegrityError{
				Reason: "master-link graph already contains a cycle", MasterID: masterID, DuplicateID: duplicateID,
			}
		}
		visited[current] = true

		i, err := e.store.GetByIDIncludingDeleted(ctx, current)
		if err != nil {
			return err
		}
		if i.MasterID == nil {
			return nil
		}
		current = *i.MasterID
	}
}

func (e *Engine) applyMerge(ctx context.Context, master, dup *identity.Identity, actor string) error {
	return e.store.WithTx(ctx, func(ctx context.Context) error {
		if err := e.store.ReparentAliases(ctx, dup.ID, master.ID); err != nil {
			return err
		}
		if err := e.matches.Reparent(ctx, dup.ID, master.ID); err != nil {
			return err
		}

		// The duplicate's demographics survive as an alias on the
		// master so the name variant stays searchable.
		if dup.FirstName != "" || dup.LastName != "" {
			if err := e.store.AddAlias(ctx, &identity.Alias{
				IdentityID:  master.ID,
				AliasType:   "merged",
				FirstName:   dup.FirstName,
				LastName:    dup.LastName,
				DateOfBirth: dup.DateOfBirth,
				CreatedBy:   actor,
			}); err != nil {
				return err
			}
		}

		masterID := master.ID
		dup.Status = identity.StatusDuplicate
		dup.IsMaster = false
		dup.MasterID = &masterID
		dup.UpdatedBy = actor
		if err := e.store.Update(ctx, dup, dup.Version); err != nil {
			return err
		}

		master.IsMaster = true
		master.MasterID = nil
		master.UpdatedBy = actor
		return e.store.Update(ctx, master, master.Version)
	})
}

// Unlink reverses a merge. It refuses when a later merge depends on the
// link: the unlinked record has dependents of its own, or its master has
// since been merged away. The restored record comes back ACTIVE and
// flagged for re-verification.
//
// Aliases are not restored. Names reparented by the merge, and the
// merged-name breadcrumb, stay on the master: alias rows are search
// history, and after an unlink the master genuinely was known by those
// names for the life of the link. Re-resolving the restored record
// rebuilds any pair the two still score into.
func (e *Engine) Unlink(ctx context.Context, duplicateID uuid.UUID, actor string) (*identity.Identity, error) {
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		dup, err := e.store.GetByID(ctx, duplicateID)
		if err != nil {
			return nil, err
		}
		if dup.Status != identity.StatusDuplicate || dup.MasterID == nil {
			return nil, &identity.MergeIntegrityError{
				Reason: "identity is not merged", DuplicateID: duplicateID,
			}
		}
		masterID := *dup.MasterID

		dependents, err := e.store.ListByMaster(ctx, duplicateID)
		if err != nil {
			return nil, err
		}
		if len(dependents) > 0 {
			return nil, &identity.MergeIntegrityError{
				Reason: "identity has dependent merges and cannot be unlinked", MasterID: masterID, DuplicateID: duplicateID,
			}
		}
		masterRow, err := e.store.GetByIDIncludingDeleted(ctx, masterID)
		if err != nil {
			return nil, err
		}
		if masterRow.Status == identity.StatusDuplicate {
			return nil, &identity.MergeIntegrityError{
				Reason: "master has since been merged; resolve that link first", MasterID: masterID, DuplicateID: duplicateID,
			}
		}

		dup.Status = identity.StatusActive
		dup.IsMaster = true
		dup.MasterID = nil
		dup.Verification = identity.VerificationRequired
		dup.VerifiedBy = nil
		dup.VerifiedAt = nil
		dup.UpdatedBy = actor

		err = e.store.Update(ctx, dup, dup.Version)
		if err == nil {
			return dup, nil
		}
		var conflict *identity.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(attempt) * e.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &identity.ConflictError{ID: duplicateID, Attempts: e.maxRetries}
}

// Linked returns the duplicates currently merged under a master.
func (e *Engine) Linked(ctx context.Context, masterID uuid.UUID) ([]*identity.Identity, error) {
	if _, err := e.store.GetByID(ctx, masterID); err != nil {
		return nil, err
	}
	return e.store.ListByMaster(ctx, masterID)
}
