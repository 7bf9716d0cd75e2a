package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an identity record. A record is never
// physically removed; DELETED is the terminal soft state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusInactive  Status = "INACTIVE"
	StatusDuplicate Status = "DUPLICATE"
	StatusDeleted   Status = "DELETED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDuplicate, StatusDeleted:
		return true
	}
	return false
}

// VerificationLevel tracks how much a human has vouched for the record.
type VerificationLevel string

const (
	VerificationUnverified VerificationLevel = "UNVERIFIED"
	VerificationRequired   VerificationLevel = "VERIFICATION_REQUIRED"
	VerificationVerified   VerificationLevel = "VERIFIED"
)

func (v VerificationLevel) Valid() bool {
	switch v {
	case VerificationUnverified, VerificationRequired, VerificationVerified:
		return true
	}
	return false
}

// Address is one postal address attached to a demographic set.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Demographics is the matchable slice of an identity. Any field may be
// absent; absence is never penalized during scoring.
type Demographics struct {
	FirstName   string     `db:"first_name" json:"first_name,omitempty"`
	MiddleName  string     `db:"middle_name" json:"middle_name,omitempty"`
	LastName    string     `db:"last_name" json:"last_name,omitempty"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender      string     `db:"gender" json:"gender,omitempty"`
	SSN         string     `db:"ssn" json:"ssn,omitempty"`
	Phones      []string   `db:"phones" json:"phones,omitempty"`
	Emails      []string   `db:"emails" json:"emails,omitempty"`
	Addresses   []Address  `db:"addresses" json:"addresses,omitempty"`
}

// Identity maps to the identity table. One row per source-system patient
// record; duplicates stay as rows linked to their master.
type Identity struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	MPIID             string     `db:"mpi_id" json:"mpi_id"`
	SourceSystem      string     `db:"source_system" json:"source_system"`
	ExternalPatientID string     `db:"external_patient_id" json:"external_patient_id"`

	Demographics

	Status            Status            `db:"identity_status" json:"identity_status"`
	Verification      VerificationLevel `db:"verification_status" json:"verification_status"`
	IsMaster          bool              `db:"is_master" json:"is_master"`
	MasterID          *uuid.UUID        `db:"master_patient_id" json:"master_patient_id,omitempty"`

	ConfidenceScore   float64 `db:"confidence_score" json:"confidence_score"`
	DataQualityScore  float64 `db:"data_quality_score" json:"data_quality_score"`
	CompletenessScore float64 `db:"completeness_score" json:"completeness_score"`

	AccessCount    int64      `db:"access_count" json:"access_count"`
	LastAccessedAt *time.Time `db:"last_accessed_at" json:"last_accessed_at,omitempty"`

	VerifiedBy *string    `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt *time.Time `db:"verified_at" json:"verified_at,omitempty"`

	DemographicsUpdatedAt time.Time `db:"demographics_updated_at" json:"demographics_updated_at"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	UpdatedBy string    `db:"updated_by" json:"updated_by"`
}

// ActiveRecord reports whether the row belongs to the active view.
func (i *Identity) ActiveRecord() bool {
	return i.Status != StatusDeleted
}

// CheckLinkInvariants validates the status/master-link pairing before a
// write hits the store:
//
//	DUPLICATE  <=> MasterID set
//	IsMaster    => MasterID nil
func (i *Identity) CheckLinkInvariants() error {
	if !i.Status.Valid() {
		return &ValidationError{Field: "identity_status", Reason: fmt.Sprintf("unknown status %q", i.Status)}
	}
	if !i.Verification.Valid() {
		return &ValidationError{Field: "verification_status", Reason: fmt.Sprintf("unknown status %q", i.Verification)}
	}
	if i.Status == StatusDuplicate && i.MasterID == nil {
		return &ValidationError{Field: "master_patient_id", Reason: "DUPLICATE record must reference its master"}
	}
	if i.Status != StatusDuplicate && i.MasterID != nil {
		return &ValidationError{Field: "master_patient_id", Reason: fmt.Sprintf("%s record must not reference a master", i.Status)}
	}
	if i.IsMaster && i.MasterID != nil {
		return &ValidationError{Field: "is_master", Reason: "master record cannot itself be linked to a master"}
	}
	return nil
}

// Alias is an alternate demographic variant seen for an identity
// (maiden name, prior address, nickname). Aliases follow the record to
// its master on merge.
type Alias struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	IdentityID  uuid.UUID  `db:"identity_id" json:"identity_id"`
	AliasType   string     `db:"alias_type" json:"alias_type"`
	FirstName   string     `db:"first_name" json:"first_name,omitempty"`
	LastName    string     `db:"last_name" json:"last_name,omitempty"`
	DateOfBirth *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CreatedBy   string     `db:"created_by" json:"created_by"`
}
