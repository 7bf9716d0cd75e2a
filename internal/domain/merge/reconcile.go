package merge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/domain/match"
	"github.com/ehr/mpi/internal/platform/events"
)

const reconcileBatchSize = 100

// Actor recorded on pairs and events raised by a reconciliation sweep.
const reconcileActor = "system:reconcile"

// Report summarizes one reconciliation sweep.
type Report struct {
	Scanned        int           `json:"scanned"`
	AutoMerged     int           `json:"auto_merged"`
	PendingCreated int           `json:"pending_created"`
	Conflicts      int           `json:"conflicts"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Reconciler sweeps the active population for duplicate pairs that
// slipped past ingestion-time resolution (records loaded before a
// demographic correction, bulk imports, threshold changes). Each pair is
// an independent unit of work: cancellation between pairs never leaves a
// partial merge behind.
type Reconciler struct {
	store      identity.Store
	matches    match.Repo
	finder     *match.Finder
	engine     *Engine
	thresholds match.Thresholds
	events     *events.Dispatcher
	log        zerolog.Logger
}

func NewReconciler(store identity.Store, matches match.Repo, finder *match.Finder,
	engine *Engine, thresholds match.Thresholds, dispatcher *events.Dispatcher, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		matches:    matches,
		finder:     finder,
		engine:     engine,
		thresholds: thresholds,
		events:     dispatcher,
		log:        log,
	}
}

// Run walks the active identities in creation order and resolves each
// against its candidates. It checkpoints between records, returning the
// partial report with ctx.Err() when cancelled.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{}
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}

		batch, _, err := r.store.List(ctx, reconcileBatchSize, offset)
		if err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				report.Elapsed = time.Since(start)
				return report, err
			}
			if rec.Status != identity.StatusActive {
				continue
			}
			report.Scanned++
			if err := r.reconcileOne(ctx, rec, &report); err != nil {
				r.log.Error().Err(err).
					Str("identity_id", rec.ID.String()).
					Msg("reconcile record failed")
			}
		}
		offset += reconcileBatchSize
	}

	report.Elapsed = time.Since(start)
	r.log.Info().
		Int("scanned", report.Scanned).
		Int("auto_merged", report.AutoMerged).
		Int("pending_created", report.PendingCreated).
		Int("conflicts", report.Conflicts).
		Dur("elapsed", report.Elapsed).
		Msg("reconciliation sweep complete")
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec *identity.Identity, report *Report) error {
	candidates, err := r.finder.FindCandidates(ctx, match.FindQuery{
		Demographics: rec.Demographics,
		ExcludeID:    rec.ID,
	})
	if err != nil {
		return err
	}

	for _, cand := range candidates {
		if cand.Score < r.thresholds.ReviewLower {
			break
		}

		pair, err := r.matches.GetByPair(ctx, rec.ID, cand.Identity.ID)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return err
		}
		if pair != nil && pair.Decided() {
			continue
		}

		if cand.Score >= r.thresholds.AutoLink {
			if err := r.autoMerge(ctx, pair, rec, cand, report); err != nil {
				return err
			}
			// rec is a duplicate now; remaining candidates resolve
			// against its master on a later pass.
			return nil
		}

		if pair == nil {
			pair = &match.IdentityMatch{
				IdentityA:   rec.ID,
				IdentityB:   cand.Identity.ID,
				MatchType:   cand.MatchType,
				MatchStatus: match.StatusPending,
				Score:       cand.Score,
			}
			if err := r.matches.Create(ctx, pair); err != nil {
				return err
			}
			report.PendingCreated++
			r.events.Enqueue(events.Event{
				Type:       events.MatchPendingReview,
				IdentityID: rec.ID,
				MPIID:      rec.MPIID,
				Actor:      reconcileActor,
				Payload: map[string]interface{}{
					"match_id":     pair.ID.String(),
					"candidate_id": cand.Identity.ID.String(),
					"score":        cand.Score,
				},
			})
		}
	}
	return nil
}

func (r *Reconciler) autoMerge(ctx context.Context, pair *match.IdentityMatch, rec *identity.Identity, cand match.Candidate, report *Report) error {
	now := time.Now()
	decidedBy := match.AutoLinkActor

	if pair == nil {
		pair = &match.IdentityMatch{
			IdentityA:   rec.ID,
			IdentityB:   cand.Identity.ID,
			MatchType:   cand.MatchType,
			MatchStatus: match.StatusConfirmed,
			Score:       cand.Score,
			DecidedBy:   &decidedBy,
			DecidedAt:   &now,
		}
		if err := r.matches.Create(ctx, pair); err != nil {
			return err
		}
	} else {
		pair.MatchStatus = match.StatusConfirmed
		pair.Score = cand.Score
		pair.DecidedBy = &decidedBy
		pair.DecidedAt = &now
		if err := r.matches.Update(ctx, pair); err != nil {
			return err
		}
	}

	_, err := r.engine.Merge(ctx, cand.Identity.ID, rec.ID, match.AutoLinkActor)
	if err != nil {
		var conflict *identity.ConflictError
		var integrity *identity.MergeIntegrityError
		if errors.As(err, &conflict) || errors.As(err, &integrity) {
			report.Conflicts++
			pair.MatchStatus = match.StatusPending
			pair.DecidedBy = nil
			pair.DecidedAt = nil
			return r.matches.Update(ctx, pair)
		}
		return err
	}
	report.AutoMerged++
	return nil
}
