package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is a mutex-guarded in-memory Store used by tests and
// development mode. It mirrors the CAS semantics of the postgres store.
type MemStore struct {
	mu         sync.RWMutex
	identities map[uuid.UUID]*Identity
	aliases    map[uuid.UUID]*Alias
}

func NewMemStore() *MemStore {
	return &MemStore{
		identities: make(map[uuid.UUID]*Identity),
		aliases:    make(map[uuid.UUID]*Alias),
	}
}

func (s *MemStore) Create(_ context.Context, i *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	for _, existing := range s.identities {
		if existing.MPIID == i.MPIID {
			return &DuplicateMPIIDError{MPIID: i.MPIID}
		}
	}
	now := time.Now()
	i.Version = 1
	i.CreatedAt = now
	i.UpdatedAt = now
	s.identities[i.ID] = cloneIdentity(i)
	return nil
}

func (s *MemStore) GetByID(_ context.Context, id uuid.UUID) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.identities[id]
	if !ok || !i.ActiveRecord() {
		return nil, ErrNotFound
	}
	return cloneIdentity(i), nil
}

func (s *MemStore) GetByIDIncludingDeleted(_ context.Context, id uuid.UUID) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneIdentity(i), nil
}

func (s *MemStore) GetByMPIID(_ context.Context, mpiID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, i := range s.identities {
		if i.MPIID == mpiID && i.ActiveRecord() {
			return cloneIdentity(i), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) GetByExternalID(_ context.Context, sourceSystem, externalPatientID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, i := range s.identities {
		if i.SourceSystem == sourceSystem && i.ExternalPatientID == externalPatientID && i.ActiveRecord() {
			return cloneIdentity(i), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) GetBySSN(_ context.Context, ssn string) ([]*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Identity
	for _, i := range s.identities {
		if i.SSN == ssn && i.ActiveRecord() {
			out = append(out, cloneIdentity(i))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemStore) SearchByDemographics(_ context.Context, q DemographicQuery) ([]*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	var out []*Identity
	for _, i := range s.identities {
		if !i.ActiveRecord() {
			continue
		}
		if matchesQuery(i, q) {
			out = append(out, cloneIdentity(i))
		}
	}
	sortByCreated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesQuery(i *Identity, q DemographicQuery) bool {
	if q.LastName != "" && i.LastName != "" &&
		strings.EqualFold(q.LastName[:1], i.LastName[:1]) {
		return true
	}
	if q.DateOfBirth != nil && i.DateOfBirth != nil &&
		q.DateOfBirth.Year() == i.DateOfBirth.Year() {
		return true
	}
	if q.Phone != "" {
		for _, p := range i.Phones {
			if p == q.Phone {
				return true
			}
		}
	}
	if q.Email != "" {
		for _, e := range i.Emails {
			if e == q.Email {
				return true
			}
		}
	}
	return false
}

func (s *MemStore) Update(_ context.Context, i *Identity, expectedVersion int) error {
	if err := i.CheckLinkInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.identities[i.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return &ConflictError{ID: i.ID, Expected: expectedVersion}
	}
	i.Version = expectedVersion + 1
	i.UpdatedAt = time.Now()
	i.CreatedAt = current.CreatedAt
	i.AccessCount = current.AccessCount
	i.LastAccessedAt = current.LastAccessedAt
	s.identities[i.ID] = cloneIdentity(i)
	return nil
}

func (s *MemStore) List(_ context.Context, limit, offset int) ([]*Identity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Identity
	for _, i := range s.identities {
		if i.ActiveRecord() {
			all = append(all, cloneIdentity(i))
		}
	}
	sortByCreated(all)
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *MemStore) ListByMaster(_ context.Context, masterID uuid.UUID) ([]*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Identity
	for _, i := range s.identities {
		if i.MasterID != nil && *i.MasterID == masterID && i.ActiveRecord() {
			out = append(out, cloneIdentity(i))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemStore) MPIIDExists(_ context.Context, mpiID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, i := range s.identities {
		if i.MPIID == mpiID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) TouchAccess(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	i.AccessCount++
	t := at
	i.LastAccessedAt = &t
	return nil
}

func (s *MemStore) AddAlias(_ context.Context, a *Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	cp := *a
	s.aliases[a.ID] = &cp
	return nil
}

func (s *MemStore) ListAliases(_ context.Context, identityID uuid.UUID) ([]*Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Alias
	for _, a := range s.aliases {
		if a.IdentityID == identityID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *MemStore) ReparentAliases(_ context.Context, fromID, toID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.aliases {
		if a.IdentityID == fromID {
			a.IdentityID = toID
		}
	}
	return nil
}

// WithTx runs fn directly; individual MemStore operations are atomic and
// the merge engine's CAS updates carry the consistency guarantee.
func (s *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func cloneIdentity(i *Identity) *Identity {
	cp := *i
	if i.MasterID != nil {
		m := *i.MasterID
		cp.MasterID = &m
	}
	if i.DateOfBirth != nil {
		d := *i.DateOfBirth
		cp.DateOfBirth = &d
	}
	if i.LastAccessedAt != nil {
		t := *i.LastAccessedAt
		cp.LastAccessedAt = &t
	}
	if i.VerifiedAt != nil {
		t := *i.VerifiedAt
		cp.VerifiedAt = &t
	}
	if i.VerifiedBy != nil {
		v := *i.VerifiedBy
		cp.VerifiedBy = &v
	}
	cp.Phones = append([]string(nil), i.Phones...)
	cp.Emails = append([]string(nil), i.Emails...)
	cp.Addresses = append([]Address(nil), i.Addresses...)
	return &cp
}

func sortByCreated(list []*Identity) {
	sort.Slice(list, func(a, b int) bool {
		if list[a].CreatedAt.Equal(list[b].CreatedAt) {
			return list[a].ID.String() < list[b].ID.String()
		}
		return list[a].CreatedAt.Before(list[b].CreatedAt)
	})
}
