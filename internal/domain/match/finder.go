package match

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/ehr/mpi/internal/domain/identity"
)

// fuzzyNameFloor is the minimum name similarity for a demographic hit to
// enter the candidate list at all.
const fuzzyNameFloor = 0.80

// Candidate is one potential duplicate of an incoming record, scored and
// classified by how it was found.
type Candidate struct {
	Identity  *identity.Identity `json:"identity"`
	MatchType Type               `json:"match_type"`
	Score     float64            `json:"score"`
}

// Finder assembles the ranked candidate list for an incoming record.
// Exact key hits (SSN, source identifiers, mpi_id) short-circuit the
// demographic search.
type Finder struct {
	store  identity.Store
	scorer *Scorer
}

func NewFinder(store identity.Store, scorer *Scorer) *Finder {
	return &Finder{store: store, scorer: scorer}
}

// FindQuery carries everything the finder can key on. Any field may be
// empty; with nothing usable the result is an empty list, never an error.
type FindQuery struct {
	Demographics      identity.Demographics
	SourceSystem      string
	ExternalPatientID string
	MPIID             string
	// ExcludeID removes the incoming record itself from its own
	// candidate list once it has been stored.
	ExcludeID uuid.UUID
}

func (f *Finder) FindCandidates(ctx context.Context, q FindQuery) ([]Candidate, error) {
	seen := make(map[uuid.UUID]bool)
	var candidates []Candidate

	add := func(i *identity.Identity, t Type) {
		if i == nil || seen[i.ID] || i.ID == q.ExcludeID {
			return
		}
		// Duplicates resolve through their master; only link targets
		// that are themselves linkable.
		if i.Status == identity.StatusDuplicate {
			return
		}
		seen[i.ID] = true
		candidates = append(candidates, Candidate{
			Identity:  i,
			MatchType: t,
			Score:     f.scorer.Score(q.Demographics, i.Demographics),
		})
	}

	// Exact shortcuts first.
	if q.MPIID != "" {
		if i, err := f.store.GetByMPIID(ctx, q.MPIID); err == nil {
			add(i, TypeExact)
		}
	}
	if q.SourceSystem != "" && q.ExternalPatientID != "" {
		if i, err := f.store.GetByExternalID(ctx, q.SourceSystem, q.ExternalPatientID); err == nil {
			add(i, TypeExact)
		}
	}
	if q.Demographics.SSN != "" {
		hits, err := f.store.GetBySSN(ctx, digits(q.Demographics.SSN))
		if err != nil {
			return nil, err
		}
		for _, i := range hits {
			add(i, TypeExact)
		}
	}

	// Fuzzy demographic pool.
	pool, err := f.store.SearchByDemographics(ctx, poolQuery(q.Demographics))
	if err != nil {
		return nil, err
	}
	for _, i := range pool {
		if seen[i.ID] || i.ID == q.ExcludeID {
			continue
		}
		t, ok := classify(q.Demographics, i.Demographics)
		if !ok {
			continue
		}
		add(i, t)
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Score != candidates[b].Score {
			return candidates[a].Score > candidates[b].Score
		}
		// Tie: prefer the record a human vouched for most recently.
		av, bv := candidates[a].Identity.VerifiedAt, candidates[b].Identity.VerifiedAt
		switch {
		case av != nil && bv == nil:
			return true
		case av == nil && bv != nil:
			return false
		case av != nil && bv != nil && !av.Equal(*bv):
			return av.After(*bv)
		}
		return candidates[a].Identity.CreatedAt.Before(candidates[b].Identity.CreatedAt)
	})
	return candidates, nil
}

func poolQuery(d identity.Demographics) identity.DemographicQuery {
	q := identity.DemographicQuery{
		FirstName:   d.FirstName,
		LastName:    d.LastName,
		DateOfBirth: d.DateOfBirth,
	}
	if len(d.Phones) > 0 {
		q.Phone = d.Phones[0]
	}
	if len(d.Emails) > 0 {
		q.Email = d.Emails[0]
	}
	return q
}

// classify decides whether a pool hit is worth scoring and how it was
// found. Name-driven hits are FUZZY; contact-only hits PROBABILISTIC.
func classify(a, b identity.Demographics) (Type, bool) {
	var nameSim float64
	var compared float64
	if a.FirstName != "" && b.FirstName != "" {
		nameSim += jaroWinkler(normalizeName(a.FirstName), normalizeName(b.FirstName))
		compared++
	}
	if a.LastName != "" && b.LastName != "" {
		nameSim += jaroWinkler(normalizeName(a.LastName), normalizeName(b.LastName))
		compared++
	}
	if compared > 0 && nameSim/compared >= fuzzyNameFloor {
		return TypeFuzzy, true
	}
	if sim, ok := contactSimilarity(a, b); ok && sim > 0 {
		return TypeProbabilistic, true
	}
	return "", false
}
