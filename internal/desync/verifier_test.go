package desync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/journal"
	"lockstep/server/internal/sim"
	schedlog "lockstep/server/logging/scheduler"
	"lockstep/server/logging/sinks"
)

type recorder struct {
	mu         sync.Mutex
	mismatches []Mismatch
	// release, when set, holds every write until it is closed.
	release chan struct{}
}

func (r *recorder) RecordDesync(_ context.Context, m Mismatch) error {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches = append(r.mismatches, m)
	return nil
}

func (r *recorder) recorded() []Mismatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Mismatch(nil), r.mismatches...)
}

func TestSumDependsOnEveryField(t *testing.T) {
	base := sim.GeneratorSnapshot{Timeline: sim.RegionRef(1), Tick: 4, Generator: 99, IDOffset: 2}
	variants := []sim.GeneratorSnapshot{
		{Timeline: sim.RegionRef(2), Tick: 4, Generator: 99, IDOffset: 2},
		{Timeline: sim.GlobalRef, Tick: 4, Generator: 99, IDOffset: 2},
		{Timeline: sim.RegionRef(1), Tick: 5, Generator: 99, IDOffset: 2},
		{Timeline: sim.RegionRef(1), Tick: 4, Generator: 98, IDOffset: 2},
		{Timeline: sim.RegionRef(1), Tick: 4, Generator: 99, IDOffset: 3},
	}
	for _, v := range variants {
		assert.NotEqual(t, Sum(base), Sum(v), "%+v", v)
	}
	assert.Equal(t, Sum(base), Sum(base))

	parsed, err := ParseChecksum(Sum(base).Hex())
	require.NoError(t, err)
	assert.Equal(t, Sum(base), parsed)
	_, err = ParseChecksum("abcd")
	assert.Error(t, err)
}

func TestVerifierMatchesRemoteBeforeAndAfterLocal(t *testing.T) {
	mem := sinks.NewMemorySink()
	j := journal.New(0, 0, nil)
	v, err := New(16, Deps{Publisher: mem, Resync: j})
	require.NoError(t, err)

	snap := sim.GeneratorSnapshot{Timeline: sim.GlobalRef, Tick: 1, Generator: 7}
	v.ObserveRemote(context.Background(), "early", sim.GlobalRef, 1, Sum(snap))
	v.Verify(snap)
	v.ObserveRemote(context.Background(), "late", sim.GlobalRef, 1, Sum(snap))

	assert.Empty(t, mem.EventsOfType(schedlog.EventDesyncDetected))
	_, pending := j.ConsumeResyncHint()
	assert.False(t, pending)

	local, ok := v.Local(sim.GlobalRef, 1)
	require.True(t, ok)
	assert.Equal(t, Sum(snap), local)
}

func TestVerifierReportsMismatch(t *testing.T) {
	mem := sinks.NewMemorySink()
	rec := &recorder{}
	j := journal.New(0, 0, nil)
	v, err := New(16, Deps{Publisher: mem, Resync: j, Recorder: rec})
	require.NoError(t, err)

	snap := sim.GeneratorSnapshot{Timeline: sim.RegionRef(3), Tick: 9, Generator: 1}
	v.Verify(snap)
	wrong := Sum(sim.GeneratorSnapshot{Timeline: sim.RegionRef(3), Tick: 9, Generator: 2})
	v.ObserveRemote(context.Background(), "peer-b", sim.RegionRef(3), 9, wrong)

	events := mem.EventsOfType(schedlog.EventDesyncDetected)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(schedlog.DesyncPayload)
	require.True(t, ok)
	assert.Equal(t, "region:3", payload.Timeline)
	assert.Equal(t, "peer-b", payload.Peer)

	require.NoError(t, v.Close(context.Background()))
	recorded := rec.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, wrong, recorded[0].Remote)

	signal, pending := j.ConsumeResyncHint()
	require.True(t, pending)
	assert.Equal(t, uint64(1), signal.Mismatches)
}

func TestVerifierAsSchedulerHook(t *testing.T) {
	mem := sinks.NewMemorySink()
	v, err := New(64, Deps{Publisher: mem})
	require.NoError(t, err)
	s := sim.NewScheduler(sim.Config{Seed: "desync"}, sim.Deps{Verifier: v, Publisher: mem}, sim.Hooks{})
	for i := 0; i < 12; i++ {
		s.Advance(1.0 / 60)
	}
	_, ok := v.Local(sim.GlobalRef, 2)
	assert.True(t, ok)
	_, ok = v.Local(sim.ConstantRef, 2)
	assert.True(t, ok)
}

func TestSlowRecorderDoesNotHoldSchedulerStep(t *testing.T) {
	rec := &recorder{release: make(chan struct{})}
	v, err := New(64, Deps{Recorder: rec})
	require.NoError(t, err)
	s := sim.NewScheduler(sim.Config{Seed: "desync"}, sim.Deps{Verifier: v}, sim.Hooks{})

	for tick := uint64(1); tick <= 4; tick++ {
		v.ObserveRemote(context.Background(), "peer-c", sim.GlobalRef, tick, Checksum{})
	}
	advanced := make(chan struct{})
	go func() {
		defer close(advanced)
		for i := 0; i < 30; i++ {
			s.Advance(1.0 / 60)
		}
	}()
	select {
	case <-advanced:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler waited on the desync recorder")
	}
	assert.Equal(t, uint64(5), s.Tick())
	assert.Empty(t, rec.recorded())

	close(rec.release)
	require.NoError(t, v.Close(context.Background()))
	assert.Len(t, rec.recorded(), 4)
}

func TestCloseWithoutRecorderIsNoop(t *testing.T) {
	v, err := New(4, Deps{})
	require.NoError(t, err)
	require.NoError(t, v.Close(context.Background()))
}
