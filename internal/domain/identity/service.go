package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/cache"
	"github.com/ehr/mpi/internal/platform/events"
)

const mpiIDAttempts = 3

type Service struct {
	store  Store
	events *events.Dispatcher
	cache  *cache.MPICache
	log    zerolog.Logger
}

func NewService(store Store, dispatcher *events.Dispatcher, mpiCache *cache.MPICache, log zerolog.Logger) *Service {
	return &Service{store: store, events: dispatcher, cache: mpiCache, log: log}
}

// Register creates a new identity record for a source-system patient and
// assigns its mpi_id. The mpi_id is generated once and survives every
// later merge; collisions are regenerated internally.
func (s *Service) Register(ctx context.Context, i *Identity, actor string) error {
	if err := validateNew(i); err != nil {
		return err
	}

	normalizeDemographics(&i.Demographics)
	i.Status = StatusActive
	i.Verification = VerificationUnverified
	i.IsMaster = true
	i.MasterID = nil
	i.DataQualityScore = DataQualityScore(i.Demographics)
	i.CompletenessScore = CompletenessScore(i.Demographics)
	i.DemographicsUpdatedAt = time.Now()
	i.CreatedBy = actor
	i.UpdatedBy = actor

	var lastErr error
	for attempt := 0; attempt < mpiIDAttempts; attempt++ {
		i.MPIID = ulid.Make().String()
		exists, err := s.store.MPIIDExists(ctx, i.MPIID)
		if err != nil {
			return err
		}
		if exists {
			lastErr = &DuplicateMPIIDError{MPIID: i.MPIID}
			continue
		}
		err = s.store.Create(ctx, i)
		var dup *DuplicateMPIIDError
		if errors.As(err, &dup) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}
		s.events.Enqueue(events.Event{
			Type:       events.IdentityCreated,
			IdentityID: i.ID,
			MPIID:      i.MPIID,
			Actor:      actor,
		})
		return nil
	}
	s.log.Error().Str("source_system", i.SourceSystem).Msg("mpi id generation exhausted retries")
	return lastErr
}

// Get returns the active record and tracks the access.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Identity, error) {
	i, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchAccess(ctx, id, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("identity_id", id.String()).Msg("access tracking failed")
	}
	return i, nil
}

// GetByMPIID resolves an mpi_id through the lookup cache when available.
func (s *Service) GetByMPIID(ctx context.Context, mpiID string) (*Identity, error) {
	if id, ok := s.cache.Lookup(ctx, mpiID); ok {
		if i, err := s.Get(ctx, id); err == nil {
			return i, nil
		}
		s.cache.Invalidate(ctx, mpiID)
	}
	i, err := s.store.GetByMPIID(ctx, mpiID)
	if err != nil {
		return nil, err
	}
	s.cache.Store(ctx, mpiID, i.ID)
	if err := s.store.TouchAccess(ctx, i.ID, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("identity_id", i.ID.String()).Msg("access tracking failed")
	}
	return i, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Identity, int, error) {
	return s.store.List(ctx, limit, offset)
}

// UpdateDemographics replaces the matchable fields. Unless keepVerified
// is set, a VERIFIED record drops back to VERIFICATION_REQUIRED because
// the vouched-for data changed.
func (s *Service) UpdateDemographics(ctx context.Context, id uuid.UUID, d Demographics, actor string, keepVerified bool) (*Identity, error) {
	i, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateDemographics(d); err != nil {
		return nil, err
	}

	normalizeDemographics(&d)
	i.Demographics = d
	i.DataQualityScore = DataQualityScore(d)
	i.CompletenessScore = CompletenessScore(d)
	i.DemographicsUpdatedAt = time.Now()
	if i.Verification == VerificationVerified && !keepVerified {
		i.Verification = VerificationRequired
		i.VerifiedBy = nil
		i.VerifiedAt = nil
	}
	i.UpdatedBy = actor

	if err := s.store.Update(ctx, i, i.Version); err != nil {
		return nil, err
	}
	return i, nil
}

// Verify records a human attestation of the identity's demographics.
func (s *Service) Verify(ctx context.Context, id uuid.UUID, actor string) (*Identity, error) {
	i, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if i.Verification == VerificationVerified {
		return i, nil
	}
	now := time.Now()
	i.Verification = VerificationVerified
	i.VerifiedBy = &actor
	i.VerifiedAt = &now
	i.UpdatedBy = actor

	if err := s.store.Update(ctx, i, i.Version); err != nil {
		return nil, err
	}
	s.events.Enqueue(events.Event{
		Type:       events.IdentityVerified,
		IdentityID: i.ID,
		MPIID:      i.MPIID,
		Actor:      actor,
	})
	return i, nil
}

// SoftDelete flags the record DELETED. The row stays for audit and
// merge-history traversal; the active view stops returning it. Records
// participating in a merge link are refused: the link must be unlinked
// before either side can be deleted.
func (s *Service) SoftDelete(ctx context.Context, id uuid.UUID, actor string) error {
	i, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if i.Status == StatusDuplicate {
		masterID := uuid.Nil
		if i.MasterID != nil {
			masterID = *i.MasterID
		}
		return &MergeIntegrityError{
			Reason:      "record is merged under a master; unlink before deleting",
			MasterID:    masterID,
			DuplicateID: i.ID,
		}
	}
	linked, err := s.store.ListByMaster(ctx, id)
	if err != nil {
		return err
	}
	if len(linked) > 0 {
		return &MergeIntegrityError{
			Reason:      "record has merged duplicates linked to it; unlink them before deleting",
			MasterID:    i.ID,
			DuplicateID: linked[0].ID,
		}
	}
	i.Status = StatusDeleted
	i.IsMaster = false
	i.MasterID = nil
	i.UpdatedBy = actor
	if err := s.store.Update(ctx, i, i.Version); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, i.MPIID)
	return nil
}

func (s *Service) AddAlias(ctx context.Context, a *Alias, actor string) error {
	if a.IdentityID == uuid.Nil {
		return &ValidationError{Field: "identity_id", Reason: "required"}
	}
	if a.FirstName == "" && a.LastName == "" {
		return &ValidationError{Field: "alias", Reason: "at least one name component required"}
	}
	if _, err := s.store.GetByID(ctx, a.IdentityID); err != nil {
		return err
	}
	a.CreatedBy = actor
	return s.store.AddAlias(ctx, a)
}

func (s *Service) ListAliases(ctx context.Context, identityID uuid.UUID) ([]*Alias, error) {
	if _, err := s.store.GetByID(ctx, identityID); err != nil {
		return nil, err
	}
	return s.store.ListAliases(ctx, identityID)
}

func validateNew(i *Identity) error {
	if i.SourceSystem == "" {
		return &ValidationError{Field: "source_system", Reason: "required"}
	}
	if i.ExternalPatientID == "" {
		return &ValidationError{Field: "external_patient_id", Reason: "required"}
	}
	return validateDemographics(i.Demographics)
}

func validateDemographics(d Demographics) error {
	if d.FirstName == "" && d.LastName == "" && d.SSN == "" {
		return &ValidationError{Field: "demographics", Reason: "a name or ssn is required"}
	}
	if d.SSN != "" && len(digitsOf(d.SSN)) != 9 {
		return &ValidationError{Field: "ssn", Reason: "must contain 9 digits"}
	}
	if d.DateOfBirth != nil && !plausibleBirthDate(*d.DateOfBirth) {
		return &ValidationError{Field: "date_of_birth", Reason: "implausible birth date"}
	}
	return nil
}

func normalizeDemographics(d *Demographics) {
	d.FirstName = strings.TrimSpace(d.FirstName)
	d.MiddleName = strings.TrimSpace(d.MiddleName)
	d.LastName = strings.TrimSpace(d.LastName)
	d.Gender = strings.ToLower(strings.TrimSpace(d.Gender))
	if d.SSN != "" {
		d.SSN = digitsOf(d.SSN)
	}
	for n, p := range d.Phones {
		d.Phones[n] = strings.TrimSpace(p)
	}
	for n, e := range d.Emails {
		d.Emails[n] = strings.ToLower(strings.TrimSpace(e))
	}
}
