package sim

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func worldHooks(draws map[int32]int) (Hooks, func(id int32) TimelineOptions) {
	regionOpts := func(id int32) TimelineOptions {
		return TimelineOptions{
			Speed: SpeedFast,
			Step: func(ctx *TickContext) {
				if ctx.Rand().Chance(0.5) {
					_, _ = ctx.NextID()
				}
				draws[id]++
			},
		}
	}
	return Hooks{RestoreRegion: regionOpts}, regionOpts
}

func TestRehydrateResumesIdentically(t *testing.T) {
	hooks, regionOpts := worldHooks(map[int32]int{})
	original, _ := newTestScheduler(t, hooks)
	original.RegisterFaction(2)
	opts := regionOpts(1)
	opts.Owner = 2
	opts.IDBlock = NewIDBlock(1000, 500)
	mustAddRegion(t, original, 1, opts)
	advanceFrames(original, 40)
	mustEnqueue(t, original, Envelope{TargetTick: original.Tick() + 3, Timeline: RegionRef(1), Type: CommandSetTimeSpeed, Payload: SetTimeSpeedPayload(SpeedSuperfast)})

	snap := original.Snapshot()
	encoded, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded WorldSnapshot
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	restoredHooks, _ := worldHooks(map[int32]int{})
	restored, _ := newTestScheduler(t, restoredHooks)
	require.NoError(t, restored.Rehydrate(decoded))
	require.Equal(t, snap, restored.Snapshot())

	advanceFrames(original, 60)
	advanceFrames(restored, 60)
	require.Equal(t, original.Snapshot(), restored.Snapshot())
	region, ok := restored.Timeline(RegionRef(1))
	require.True(t, ok)
	require.Equal(t, SpeedSuperfast, region.Speed())
	require.Equal(t, FactionID(2), region.Owner())
}

func TestRehydrateRemovesRegionsMissingFromSnapshot(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	snap := s.Snapshot()
	mustAddRegion(t, s, 5, TimelineOptions{})
	require.NoError(t, s.Rehydrate(snap))
	_, ok := s.Timeline(RegionRef(5))
	require.False(t, ok)
}
