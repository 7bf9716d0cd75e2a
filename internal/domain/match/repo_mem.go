package match

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mpi/internal/domain/identity"
)

// MemRepo is the in-memory Repo used by tests and development mode.
type MemRepo struct {
	mu      sync.RWMutex
	matches map[uuid.UUID]*IdentityMatch
}

func NewMemRepo() *MemRepo {
	return &MemRepo{matches: make(map[uuid.UUID]*IdentityMatch)}
}

func (r *MemRepo) Create(_ context.Context, m *IdentityMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.IdentityA, m.IdentityB = PairFor(m.IdentityA, m.IdentityB)
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	r.matches[m.ID] = &cp
	return nil
}

func (r *MemRepo) GetByID(_ context.Context, id uuid.UUID) (*IdentityMatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.matches[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemRepo) GetByPair(_ context.Context, x, y uuid.UUID) (*IdentityMatch, error) {
	a, b := PairFor(x, y)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.matches {
		if m.IdentityA == a && m.IdentityB == b {
			cp := *m
			return &cp, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (r *MemRepo) Update(_ context.Context, m *IdentityMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.matches[m.ID]
	if !ok {
		return identity.ErrNotFound
	}
	m.CreatedAt = current.CreatedAt
	m.UpdatedAt = time.Now()
	cp := *m
	r.matches[m.ID] = &cp
	return nil
}

func (r *MemRepo) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]*IdentityMatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*IdentityMatch
	for _, m := range r.matches {
		if m.IdentityA == identityID || m.IdentityB == identityID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (r *MemRepo) ListPending(_ context.Context, limit, offset int) ([]*IdentityMatch, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*IdentityMatch
	for _, m := range r.matches {
		if m.MatchStatus == StatusPending {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score == out[b].Score {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].Score > out[b].Score
	})
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *MemRepo) Reparent(_ context.Context, fromID, toID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	find := func(a, b uuid.UUID) *IdentityMatch {
		for _, m := range r.matches {
			if m.IdentityA == a && m.IdentityB == b {
				return m
			}
		}
		return nil
	}

	for _, m := range r.matches {
		if m.IdentityA != fromID && m.IdentityB != fromID {
			continue
		}
		other := m.Other(fromID)
		if other == toID {
			// Decision record for the merged pair stays as history.
			continue
		}
		a, b := PairFor(toID, other)
		if survivor := find(a, b); survivor != nil {
			// The relationship is already tracked against the master.
			// The stale row is kept, not deleted: match history is
			// append-only.
			sid := survivor.ID
			m.MatchStatus = StatusSuperseded
			m.SupersededBy = &sid
			m.UpdatedAt = time.Now()
			continue
		}
		m.IdentityA, m.IdentityB = a, b
		m.UpdatedAt = time.Now()
	}
	return nil
}

func sortByCreated(list []*IdentityMatch) {
	sort.Slice(list, func(a, b int) bool {
		return list[a].CreatedAt.Before(list[b].CreatedAt)
	})
}
