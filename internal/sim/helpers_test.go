package sim

import (
	"testing"

	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
	"lockstep/server/logging/sinks"
)

const frame = 1.0 / 60

func newTestScheduler(t *testing.T, hooks Hooks) (*Scheduler, *sinks.MemorySink) {
	t.Helper()
	mem := sinks.NewMemorySink()
	s := NewScheduler(Config{Seed: "test"}, Deps{
		Logger:    telemetry.LoggerFunc(t.Logf),
		Publisher: mem,
	}, hooks)
	return s, mem
}

func advanceFrames(s *Scheduler, n int) {
	for i := 0; i < n; i++ {
		s.Advance(frame)
	}
}

func mustAddRegion(t *testing.T, s *Scheduler, id int32, opts TimelineOptions) *Timeline {
	t.Helper()
	tl, err := s.AddRegion(id, opts)
	if err != nil {
		t.Fatalf("add region %d: %v", id, err)
	}
	return tl
}

func mustEnqueue(t *testing.T, s *Scheduler, env Envelope) {
	t.Helper()
	if err := s.Enqueue(env); err != nil {
		t.Fatalf("enqueue %s: %v", env.Type, err)
	}
}

func eventsOfType(mem *sinks.MemorySink, eventType logging.EventType) []logging.Event {
	return mem.EventsOfType(eventType)
}
