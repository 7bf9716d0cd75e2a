package match

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/events"
)

// AutoLinkActor marks decisions made by the resolver itself rather than
// a human reviewer.
const AutoLinkActor = "system:auto-link"

// pendingCandidateCap bounds how many review-band pairs one resolution
// can queue.
const pendingCandidateCap = 5

// Action is the outcome of resolving an incoming record.
type Action string

const (
	ActionCreated     Action = "CREATED"
	ActionUpdated     Action = "UPDATED"
	ActionLinkPending Action = "LINK_PENDING"
	ActionAutoMerged  Action = "AUTO_MERGED"
)

// Merger performs the merge triggered by a confirmed match. Implemented
// by the merge engine; an interface here keeps the dependency one-way.
type Merger interface {
	Merge(ctx context.Context, masterID, duplicateID uuid.UUID, actor string) (*identity.Identity, error)
}

// Thresholds splits the score range into the three resolution bands.
type Thresholds struct {
	AutoLink    float64 `mapstructure:"auto_link"`
	ReviewLower float64 `mapstructure:"review_lower"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{AutoLink: 85, ReviewLower: 60}
}

func (t Thresholds) Validate() error {
	if t.ReviewLower < 0 || t.AutoLink > 100 || t.ReviewLower >= t.AutoLink {
		return errors.New("match thresholds must satisfy 0 <= review_lower < auto_link <= 100")
	}
	return nil
}

type ResolveInput struct {
	SourceSystem      string                `json:"source_system"`
	ExternalPatientID string                `json:"external_patient_id"`
	Demographics      identity.Demographics `json:"demographics"`
	Actor             string                `json:"-"`
}

// Resolution reports what happened to an incoming record. Identity is
// always the canonical record the caller should use from now on: the
// survivor after an auto-merge, otherwise the record itself.
type Resolution struct {
	Action     Action             `json:"action"`
	Identity   *identity.Identity `json:"identity"`
	Match      *IdentityMatch     `json:"match,omitempty"`
	Candidates []Candidate        `json:"candidates,omitempty"`
}

// Resolver runs the resolution pipeline: find candidates, score, then
// auto-merge, queue for review, or stand the record up on its own.
type Resolver struct {
	store      identity.Store
	identities *identity.Service
	matches    Repo
	finder     *Finder
	merger     Merger
	events     *events.Dispatcher
	thresholds Thresholds
	log        zerolog.Logger
}

func NewResolver(store identity.Store, identities *identity.Service, matches Repo,
	finder *Finder, merger Merger, dispatcher *events.Dispatcher,
	thresholds Thresholds, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		identities: identities,
		matches:    matches,
		finder:     finder,
		merger:     merger,
		events:     dispatcher,
		thresholds: thresholds,
		log:        log,
	}
}

// Resolve ingests one source-system record. A record already known by
// its (source_system, external_patient_id) key is updated in place;
// otherwise a new identity is registered. Either way the record is then
// run through candidate matching.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	if in.SourceSystem == "" {
		return nil, &identity.ValidationError{Field: "source_system", Reason: "required"}
	}
	if in.ExternalPatientID == "" {
		return nil, &identity.ValidationError{Field: "external_patient_id", Reason: "required"}
	}
	actor := in.Actor
	if actor == "" {
		actor = "system"
	}

	existing, err := r.store.GetByExternalID(ctx, in.SourceSystem, in.ExternalPatientID)
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	var rec *identity.Identity
	baseAction := ActionCreated
	if existing != nil {
		rec, err = r.identities.UpdateDemographics(ctx, existing.ID, in.Demographics, actor, false)
		if err != nil {
			return nil, err
		}
		baseAction = ActionUpdated
	} else {
		rec = &identity.Identity{
			SourceSystem:      in.SourceSystem,
			ExternalPatientID: in.ExternalPatientID,
			Demographics:      in.Demographics,
		}
		if err := r.identities.Register(ctx, rec, actor); err != nil {
			return nil, err
		}
	}

	// A record already linked under a master resolves through it.
	if rec.MasterID != nil {
		master, err := r.store.GetByID(ctx, *rec.MasterID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Action: baseAction, Identity: master}, nil
	}

	return r.matchRecord(ctx, rec, baseAction, actor)
}

func (r *Resolver) matchRecord(ctx context.Context, rec *identity.Identity, baseAction Action, actor string) (*Resolution, error) {
	candidates, err := r.finder.FindCandidates(ctx, FindQuery{
		Demographics: rec.Demographics,
		ExcludeID:    rec.ID,
	})
	if err != nil {
		return nil, err
	}
	res := &Resolution{Action: baseAction, Identity: rec, Candidates: candidates}
	if len(candidates) == 0 {
		return res, nil
	}

	canonical := rec
	pendingQueued := 0

	for _, cand := range candidates {
		if cand.Score < r.thresholds.ReviewLower {
			break
		}
		if pendingQueued >= pendingCandidateCap {
			break
		}

		pair, err := r.matches.GetByPair(ctx, canonical.ID, cand.Identity.ID)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return nil, err
		}
		if pair != nil {
			switch pair.MatchStatus {
			case StatusConfirmed:
				continue
			case StatusRejected:
				if !r.reopenable(pair, canonical, cand.Identity) {
					continue
				}
				// Demographics moved since the rejection; the pair is
				// back on the table.
			case StatusSuperseded:
				// The merge that folded this pair away was unlinked;
				// the row is live history again and gets re-banded.
			case StatusPending:
				if pair.Score != cand.Score {
					pair.Score = cand.Score
					if err := r.matches.Update(ctx, pair); err != nil {
						return nil, err
					}
				}
				if res.Match == nil {
					res.Action = ActionLinkPending
					res.Match = pair
				}
				pendingQueued++
				continue
			}
		}

		if cand.Score >= r.thresholds.AutoLink && res.Action != ActionAutoMerged && res.Action != ActionLinkPending {
			m, err := r.autoLink(ctx, pair, canonical, cand)
			if err != nil {
				return nil, err
			}
			if m.MatchStatus == StatusConfirmed {
				res.Action = ActionAutoMerged
				res.Match = m
				res.Identity = cand.Identity
				canonical = cand.Identity
				continue
			}
			// Auto-link lost its race or hit an integrity wall; the row
			// was downgraded and falls through to the review queue.
			pair = m
		}

		m, err := r.queuePending(ctx, pair, canonical, cand, actor)
		if err != nil {
			return nil, err
		}
		if res.Match == nil {
			res.Action = ActionLinkPending
			res.Match = m
		}
		pendingQueued++
	}
	return res, nil
}

// reopenable reports whether a REJECTED pair may be re-evaluated: only
// when either side's demographics changed after the decision.
func (r *Resolver) reopenable(pair *IdentityMatch, a, b *identity.Identity) bool {
	if pair.DecidedAt == nil {
		return true
	}
	return a.DemographicsUpdatedAt.After(*pair.DecidedAt) || b.DemographicsUpdatedAt.After(*pair.DecidedAt)
}

// autoLink records a confirmed pair and merges the new record under the
// candidate. When the merge cannot proceed the pair is downgraded back
// to PENDING and returned for the caller to queue as a review pair.
func (r *Resolver) autoLink(ctx context.Context, pair *IdentityMatch, rec *identity.Identity, cand Candidate) (*IdentityMatch, error) {
	now := time.Now()
	decidedBy := AutoLinkActor

	if pair == nil {
		pair = &IdentityMatch{
			IdentityA:   rec.ID,
			IdentityB:   cand.Identity.ID,
			MatchType:   cand.MatchType,
			MatchStatus: StatusConfirmed,
			Score:       cand.Score,
			DecidedBy:   &decidedBy,
			DecidedAt:   &now,
		}
		if err := r.matches.Create(ctx, pair); err != nil {
			return nil, err
		}
	} else {
		pair.MatchStatus = StatusConfirmed
		pair.Score = cand.Score
		pair.DecidedBy = &decidedBy
		pair.DecidedAt = &now
		pair.SupersededBy = nil
		if err := r.matches.Update(ctx, pair); err != nil {
			return nil, err
		}
	}

	if _, err := r.merger.Merge(ctx, cand.Identity.ID, rec.ID, AutoLinkActor); err != nil {
		var integrity *identity.MergeIntegrityError
		var conflict *identity.ConflictError
		if errors.As(err, &integrity) || errors.As(err, &conflict) {
			r.log.Warn().Err(err).
				Str("identity_id", rec.ID.String()).
				Str("candidate_id", cand.Identity.ID.String()).
				Msg("auto-link merge failed, downgrading to review")
			pair.MatchStatus = StatusPending
			pair.DecidedBy = nil
			pair.DecidedAt = nil
			if uerr := r.matches.Update(ctx, pair); uerr != nil {
				return nil, uerr
			}
			return pair, nil
		}
		return nil, err
	}
	return pair, nil
}

func (r *Resolver) queuePending(ctx context.Context, pair *IdentityMatch, rec *identity.Identity, cand Candidate, actor string) (*IdentityMatch, error) {
	if pair == nil {
		pair = &IdentityMatch{
			IdentityA:   rec.ID,
			IdentityB:   cand.Identity.ID,
			MatchType:   cand.MatchType,
			MatchStatus: StatusPending,
			Score:       cand.Score,
		}
		if err := r.matches.Create(ctx, pair); err != nil {
			return nil, err
		}
	} else {
		pair.MatchStatus = StatusPending
		pair.MatchType = cand.MatchType
		pair.Score = cand.Score
		pair.DecidedBy = nil
		pair.DecidedAt = nil
		pair.RejectReason = nil
		pair.SupersededBy = nil
		if err := r.matches.Update(ctx, pair); err != nil {
			return nil, err
		}
	}
	r.events.Enqueue(events.Event{
		Type:       events.MatchPendingReview,
		IdentityID: rec.ID,
		MPIID:      rec.MPIID,
		Actor:      actor,
		Payload: map[string]interface{}{
			"match_id":     pair.ID.String(),
			"candidate_id": cand.Identity.ID.String(),
			"score":        cand.Score,
		},
	})
	return pair, nil
}

// Confirm settles a pending pair as a true match and merges it. The
// master side is chosen by survivorship: human-verified beats
// unverified, then higher data quality, then the older record.
func (r *Resolver) Confirm(ctx context.Context, matchID uuid.UUID, actor string) (*IdentityMatch, error) {
	m, err := r.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	switch m.MatchStatus {
	case StatusConfirmed:
		return m, nil
	case StatusRejected:
		return nil, &identity.ValidationError{Field: "match_status", Reason: "rejected match is terminal"}
	}

	a, err := r.store.GetByID(ctx, m.IdentityA)
	if err != nil {
		return nil, err
	}
	b, err := r.store.GetByID(ctx, m.IdentityB)
	if err != nil {
		return nil, err
	}
	master, dup := chooseSurvivor(a, b)

	now := time.Now()
	m.MatchStatus = StatusConfirmed
	m.DecidedBy = &actor
	m.DecidedAt = &now
	if err := r.matches.Update(ctx, m); err != nil {
		return nil, err
	}

	if _, err := r.merger.Merge(ctx, master.ID, dup.ID, actor); err != nil {
		m.MatchStatus = StatusPending
		m.DecidedBy = nil
		m.DecidedAt = nil
		if uerr := r.matches.Update(ctx, m); uerr != nil {
			r.log.Error().Err(uerr).Str("match_id", m.ID.String()).Msg("failed to restore pending state after merge failure")
		}
		return nil, err
	}
	return m, nil
}

// Reject settles a pending pair as a non-match. Terminal: the resolver
// will not re-score the pair unless demographics change afterwards.
func (r *Resolver) Reject(ctx context.Context, matchID uuid.UUID, actor, reason string) (*IdentityMatch, error) {
	m, err := r.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	switch m.MatchStatus {
	case StatusRejected:
		return m, nil
	case StatusConfirmed:
		return nil, &identity.ValidationError{Field: "match_status", Reason: "confirmed match cannot be rejected; unlink the merge instead"}
	}

	now := time.Now()
	m.MatchStatus = StatusRejected
	m.DecidedBy = &actor
	m.DecidedAt = &now
	if reason != "" {
		m.RejectReason = &reason
	}
	if err := r.matches.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Resolver) PendingMatches(ctx context.Context, limit, offset int) ([]*IdentityMatch, int, error) {
	return r.matches.ListPending(ctx, limit, offset)
}

func (r *Resolver) GetMatch(ctx context.Context, id uuid.UUID) (*IdentityMatch, error) {
	return r.matches.GetByID(ctx, id)
}

func chooseSurvivor(a, b *identity.Identity) (master, dup *identity.Identity) {
	av := a.Verification == identity.VerificationVerified
	bv := b.Verification == identity.VerificationVerified
	switch {
	case av && !bv:
		return a, b
	case bv && !av:
		return b, a
	}
	if a.DataQualityScore != b.DataQualityScore {
		if a.DataQualityScore > b.DataQualityScore {
			return a, b
		}
		return b, a
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	return a, b
}
