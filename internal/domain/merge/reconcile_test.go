package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/domain/match"
	"github.com/ehr/mpi/internal/platform/events"
)

type reconcilerFixture struct {
	*engineFixture
	rec *Reconciler
}

func newReconcilerFixture() *reconcilerFixture {
	f := newEngineFixture()
	finder := match.NewFinder(f.store, match.NewScorer(match.DefaultWeights()))
	rec := NewReconciler(f.store, f.matches, finder, f.engine, match.DefaultThresholds(), nil, zerolog.Nop())
	return &reconcilerFixture{engineFixture: f, rec: rec}
}

func (f *reconcilerFixture) seedFull(t *testing.T, d identity.Demographics) *identity.Identity {
	t.Helper()
	i := f.seed(t, d.FirstName, d.LastName)
	stored, err := f.store.GetByID(context.Background(), i.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	stored.Demographics = d
	if err := f.store.Update(context.Background(), stored, stored.Version); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return stored
}

func TestReconcile_AutoMergesExactDuplicates(t *testing.T) {
	f := newReconcilerFixture()
	d := identity.Demographics{
		FirstName:   "Maria",
		LastName:    "Gonzalez",
		DateOfBirth: datePtr(1985, 3, 14),
		SSN:         "123456789",
	}
	a := f.seedFull(t, d)
	b := f.seedFull(t, d)

	report, err := f.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Scanned != 2 {
		t.Fatalf("scanned = %d, want 2", report.Scanned)
	}
	if report.AutoMerged != 1 || report.PendingCreated != 0 {
		t.Fatalf("report = %+v, want exactly one auto-merge", report)
	}

	// One of the pair is now the other's duplicate.
	ra, rb := f.get(t, a.ID), f.get(t, b.ID)
	if (ra.Status == identity.StatusDuplicate) == (rb.Status == identity.StatusDuplicate) {
		t.Fatalf("want exactly one DUPLICATE, got %s and %s", ra.Status, rb.Status)
	}
}

func TestReconcile_QueuesReviewBandPair(t *testing.T) {
	f := newReconcilerFixture()
	a := f.seedFull(t, identity.Demographics{
		FirstName:   "John",
		LastName:    "Smyth",
		DateOfBirth: datePtr(1970, 6, 12),
	})
	b := f.seedFull(t, identity.Demographics{
		FirstName:   "John",
		LastName:    "Smith",
		DateOfBirth: datePtr(1970, 6, 21),
	})

	report, err := f.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.AutoMerged != 0 {
		t.Fatalf("report = %+v, review-band pair must not merge", report)
	}
	if report.PendingCreated != 1 {
		t.Fatalf("pending created = %d, want 1 (the pair is unordered)", report.PendingCreated)
	}

	pair, err := f.matches.GetByPair(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetByPair: %v", err)
	}
	if pair.MatchStatus != match.StatusPending {
		t.Fatalf("pair status = %s, want PENDING", pair.MatchStatus)
	}
}

func TestReconcile_QueuedPairRaisesReviewEvent(t *testing.T) {
	f := newEngineFixture()
	sink := &events.MemorySink{}
	dispatcher := events.NewDispatcher(zerolog.Nop(), []events.Sink{sink})
	finder := match.NewFinder(f.store, match.NewScorer(match.DefaultWeights()))
	rec := NewReconciler(f.store, f.matches, finder, f.engine, match.DefaultThresholds(), dispatcher, zerolog.Nop())
	fx := &reconcilerFixture{engineFixture: f, rec: rec}

	a := fx.seedFull(t, identity.Demographics{
		FirstName:   "John",
		LastName:    "Smyth",
		DateOfBirth: datePtr(1970, 6, 12),
	})
	b := fx.seedFull(t, identity.Demographics{
		FirstName:   "John",
		LastName:    "Smith",
		DateOfBirth: datePtr(1970, 6, 21),
	})

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)

	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()
	dispatcher.Wait()

	if report.PendingCreated != 1 {
		t.Fatalf("pending created = %d, want 1", report.PendingCreated)
	}
	pair, err := f.matches.GetByPair(context.Background(), a.ID, b.ID)
	if err != nil {
		t.Fatalf("GetByPair: %v", err)
	}

	var review *events.Event
	for _, ev := range sink.Events() {
		if ev.Type == events.MatchPendingReview {
			ev := ev
			review = &ev
		}
	}
	if review == nil {
		t.Fatal("sweep queued a pair but raised no match.pending_review event")
	}
	if review.Actor != "system:reconcile" {
		t.Fatalf("event actor = %s, want system:reconcile", review.Actor)
	}
	if review.Payload["match_id"] != pair.ID.String() {
		t.Fatalf("event match_id = %v, want %s", review.Payload["match_id"], pair.ID)
	}
}

func TestReconcile_HonorsRejectedDecision(t *testing.T) {
	f := newReconcilerFixture()
	d := identity.Demographics{
		FirstName:   "Maria",
		LastName:    "Gonzalez",
		DateOfBirth: datePtr(1985, 3, 14),
		SSN:         "123456789",
	}
	a := f.seedFull(t, d)
	b := f.seedFull(t, d)

	reason := "verified twins"
	decidedBy := "reviewer"
	now := time.Now()
	if err := f.matches.Create(context.Background(), &match.IdentityMatch{
		IdentityA:    a.ID,
		IdentityB:    b.ID,
		MatchType:    match.TypeExact,
		MatchStatus:  match.StatusRejected,
		Score:        100,
		DecidedBy:    &decidedBy,
		DecidedAt:    &now,
		RejectReason: &reason,
	}); err != nil {
		t.Fatalf("Create pair: %v", err)
	}

	report, err := f.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.AutoMerged != 0 || report.PendingCreated != 0 {
		t.Fatalf("report = %+v, rejected pair must stay settled", report)
	}
	if f.get(t, a.ID).Status != identity.StatusActive || f.get(t, b.ID).Status != identity.StatusActive {
		t.Fatal("neither side of a rejected pair may be merged by the sweep")
	}
}

func TestReconcile_CancellationLeavesNoPartialWork(t *testing.T) {
	f := newReconcilerFixture()
	d := identity.Demographics{
		FirstName:   "Maria",
		LastName:    "Gonzalez",
		DateOfBirth: datePtr(1985, 3, 14),
		SSN:         "123456789",
	}
	a := f.seedFull(t, d)
	b := f.seedFull(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.rec.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: got %v, want context.Canceled", err)
	}
	if report.Scanned != 0 || report.AutoMerged != 0 {
		t.Fatalf("report = %+v, cancelled sweep must stop at a checkpoint", report)
	}
	if f.get(t, a.ID).Status != identity.StatusActive || f.get(t, b.ID).Status != identity.StatusActive {
		t.Fatal("cancelled sweep must not leave a partial merge")
	}
}

func datePtr(y, m, d int) *time.Time {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	return &t
}
