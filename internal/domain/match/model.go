package match

import (
	"time"

	"github.com/google/uuid"
)

// Type records how a candidate pair was found.
type Type string

const (
	TypeExact         Type = "EXACT"
	TypeFuzzy         Type = "FUZZY"
	TypeProbabilistic Type = "PROBABILISTIC"
)

// Status is the review state of a candidate pair. REJECTED is terminal:
// the pair is not re-scored unless demographics materially change.
// SUPERSEDED marks a row whose pair was folded into another row by a
// merge; it is kept as history and points at the surviving row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusRejected   Status = "REJECTED"
	StatusSuperseded Status = "SUPERSEDED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRejected, StatusSuperseded:
		return true
	}
	return false
}

// IdentityMatch maps to the identity_match table. The pair is unordered:
// IdentityA/IdentityB are stored in sorted uuid order and the pair is
// unique, so resolving (a,b) and (b,a) hits the same row.
type IdentityMatch struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	IdentityA    uuid.UUID  `db:"identity_a" json:"identity_a"`
	IdentityB    uuid.UUID  `db:"identity_b" json:"identity_b"`
	MatchType    Type       `db:"match_type" json:"match_type"`
	MatchStatus  Status     `db:"match_status" json:"match_status"`
	Score        float64    `db:"score" json:"score"`
	DecidedBy    *string    `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt    *time.Time `db:"decided_at" json:"decided_at,omitempty"`
	RejectReason *string    `db:"reject_reason" json:"reject_reason,omitempty"`
	SupersededBy *uuid.UUID `db:"superseded_by" json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// PairFor normalizes two identity ids into storage order.
func PairFor(x, y uuid.UUID) (uuid.UUID, uuid.UUID) {
	if x.String() > y.String() {
		return y, x
	}
	return x, y
}

// Other returns the counterpart of id within the pair.
func (m *IdentityMatch) Other(id uuid.UUID) uuid.UUID {
	if m.IdentityA == id {
		return m.IdentityB
	}
	return m.IdentityA
}

// Decided reports whether a human or the auto-link path has settled the
// pair.
func (m *IdentityMatch) Decided() bool {
	return m.MatchStatus != StatusPending
}
