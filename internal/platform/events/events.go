// Package events delivers identity lifecycle notifications to downstream
// systems. Producers enqueue after their store transaction commits; a
// single worker drains the queue and fans out to the configured sinks, so
// a slow consumer never blocks a write path.
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	IdentityCreated    Type = "identity.created"
	IdentityMerged     Type = "identity.merged"
	IdentityVerified   Type = "identity.verified"
	MatchPendingReview Type = "match.pending_review"
)

type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       Type                   `json:"type"`
	IdentityID uuid.UUID              `json:"identity_id"`
	MPIID      string                 `json:"mpi_id,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}
