package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes each event to the structured log. Used in development
// and as a fallback when no broker is configured.
type LogSink struct {
	Log zerolog.Logger
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	s.Log.Info().
		Str("event_id", ev.ID.String()).
		Str("event_type", string(ev.Type)).
		Str("identity_id", ev.IdentityID.String()).
		Str("mpi_id", ev.MPIID).
		Str("actor", ev.Actor).
		Msg("identity event")
	return nil
}

// MemorySink collects delivered events for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
