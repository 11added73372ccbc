package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/internal/desync"
	"lockstep/server/internal/sim"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "lockstep.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLatestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestSnapshot(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	sched := sim.NewScheduler(sim.Config{Seed: "store"}, sim.Deps{}, sim.Hooks{})
	_, err = sched.AddRegion(4, sim.TimelineOptions{Speed: sim.SpeedFast, IDBlock: sim.NewIDBlock(10, 5)})
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		sched.Advance(1.0 / 60)
	}
	first := sched.Snapshot()
	require.NoError(t, s.SaveSnapshot(ctx, first))
	sched.Advance(1.0 / 60)
	second := sched.Snapshot()
	require.NoError(t, s.SaveSnapshot(ctx, second))

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest.Snapshot)
	assert.False(t, latest.SavedAt.IsZero())
}

func TestPruneKeepsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, sim.WorldSnapshot{Substeps: i * sim.SubstepsPerTick}))
	}
	removed, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest.Snapshot.Tick())
}

func TestRecordDesync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	local := desync.Sum(sim.GeneratorSnapshot{Timeline: sim.RegionRef(2), Tick: 8, Generator: 1})
	remote := desync.Sum(sim.GeneratorSnapshot{Timeline: sim.RegionRef(2), Tick: 8, Generator: 2})
	require.NoError(t, s.RecordDesync(ctx, desync.Mismatch{
		Timeline: sim.RegionRef(2), Tick: 8, Peer: "p", Local: local, Remote: remote,
	}))

	records, err := s.Desyncs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "region:2", records[0].Timeline)
	assert.Equal(t, uint64(8), records[0].Tick)
	assert.Equal(t, remote.Hex(), records[0].Remote)
}

func TestRetryOpStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("constraint failed")
	err := retryOp(context.Background(), retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: time.Millisecond}, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryOpRetriesBusy(t *testing.T) {
	calls := 0
	err := retryOp(context.Background(), retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
