package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockstep/server/logging/lifecycle"
	schedlog "lockstep/server/logging/scheduler"
)

func TestNormalSpeedSixFramesMakeOneTick(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	region := mustAddRegion(t, s, 1, TimelineOptions{Speed: SpeedNormal})

	advanceFrames(s, 5)
	require.Equal(t, uint64(0), region.CurrentTick())
	require.Equal(t, uint64(0), s.Tick())

	s.Advance(frame)
	require.Equal(t, uint64(1), region.CurrentTick())
	require.Equal(t, uint64(1), s.Global().CurrentTick())
	require.Equal(t, uint64(1), s.Tick())
}

func TestPausedTimelineNeverSteps(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	region := mustAddRegion(t, s, 1, TimelineOptions{Speed: SpeedPaused})

	advanceFrames(s, 600)
	require.Equal(t, uint64(0), region.CurrentTick())
	require.Equal(t, uint64(100), s.Global().CurrentTick())
	require.Zero(t, region.TimePerTick(SpeedPaused))
}

func TestSpeedMultipliers(t *testing.T) {
	cases := []struct {
		speed TimeSpeed
		quiet bool
		want  uint64
	}{
		{SpeedNormal, false, 10},
		{SpeedFast, false, 30},
		{SpeedSuperfast, false, 60},
		{SpeedSuperfast, true, 120},
		{SpeedUltrafast, false, 150},
	}
	for _, tc := range cases {
		t.Run(tc.speed.String(), func(t *testing.T) {
			s, _ := newTestScheduler(t, Hooks{})
			quiet := tc.quiet
			region := mustAddRegion(t, s, 1, TimelineOptions{Speed: tc.speed, Quiet: func() bool { return quiet }})
			advanceFrames(s, 60)
			assert.Equal(t, tc.want, region.CurrentTick())
			assert.InDelta(t, 1/float64(tc.speed.Multiplier(tc.quiet)), region.TimePerTick(tc.speed), 1e-12)
		})
	}
}

func TestAdvanceZeroIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	region := mustAddRegion(t, s, 1, TimelineOptions{Speed: SpeedNormal})
	advanceFrames(s, 7)
	mustEnqueue(t, s, Envelope{TargetTick: s.Tick(), Timeline: RegionRef(1), Type: CommandSetTimeSpeed, Payload: SetTimeSpeedPayload(SpeedFast)})

	before := s.Snapshot()
	for i := 0; i < 10; i++ {
		res := s.Advance(0)
		require.Zero(t, res.Substeps)
	}
	require.Equal(t, before, s.Snapshot())
	require.Equal(t, 1, region.Pending())
	require.Equal(t, SpeedNormal, region.Speed())
}

func TestSkipToConvergesWithoutOvershoot(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	region := mustAddRegion(t, s, 1, TimelineOptions{Speed: SpeedUltrafast})

	s.SkipTo(150)
	for i := 0; i < 3; i++ {
		s.Advance(1)
		require.LessOrEqual(t, s.Tick(), uint64(150))
	}
	require.Equal(t, uint64(150), s.Tick())
	require.Equal(t, uint64(150*15), region.CurrentTick())
	_, skipping := s.Skipping()
	require.True(t, skipping)

	s.Advance(frame)
	_, skipping = s.Skipping()
	require.False(t, skipping)
	require.Equal(t, uint64(150), s.Tick())
}

func TestSkipToStopsAtCeiling(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	s.SetReplay(true, SpeedNormal)
	s.SetCeiling(10)
	advanceFrames(s, 120)
	require.Equal(t, uint64(10), s.Tick())
	require.Equal(t, uint64(60), s.Substeps())

	s.SkipTo(20)
	for i := 0; i < 120; i++ {
		s.Advance(frame)
		require.LessOrEqual(t, s.Tick(), uint64(10))
	}
	require.Equal(t, uint64(60), s.Substeps())
	require.Equal(t, uint64(10), s.Global().CurrentTick())

	s.SetCeiling(20)
	s.Advance(frame)
	require.Equal(t, uint64(20), s.Tick())
	require.Equal(t, uint64(20), s.Global().CurrentTick())
}

func TestCeilingHoldsTimer(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	s.SetCeiling(2)
	advanceFrames(s, 60)
	require.Equal(t, uint64(2), s.Tick())

	s.SetCeiling(3)
	advanceFrames(s, 60)
	require.Equal(t, uint64(3), s.Tick())
}

func TestCatchUpBurstWhenFarBehindCeiling(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	s.SetCeiling(100)

	res := s.Advance(frame)
	require.Equal(t, uint64(92), res.CatchUp)
	require.Equal(t, uint64(92), s.Tick())
	require.Len(t, eventsOfType(mem, schedlog.EventCatchUp), 1)

	// Within the threshold only the frame's own time is spent.
	res = s.Advance(frame)
	require.Zero(t, res.CatchUp)
}

func TestFrameDeltaIsClamped(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	res := s.Advance(10)
	require.True(t, res.Clamped)
	require.Equal(t, 3, res.Substeps)
}

func TestCommandsDrainBeforeAnyTimelineSteps(t *testing.T) {
	flag := false
	var seenAtFirstStep *bool
	s, _ := newTestScheduler(t, Hooks{})
	mustAddRegion(t, s, 1, TimelineOptions{
		Speed: SpeedUltrafast,
		Step: func(ctx *TickContext) {
			if seenAtFirstStep == nil {
				v := flag
				seenAtFirstStep = &v
			}
		},
	})
	mustAddRegion(t, s, 2, TimelineOptions{Speed: SpeedNormal})
	s.Handle(TimelineRegion, CommandUser, func(ctx *TickContext, _ *PayloadReader) error {
		flag = true
		return nil
	})
	mustEnqueue(t, s, Envelope{TargetTick: 0, Timeline: RegionRef(2), Type: CommandUser})

	s.Advance(frame)
	require.NotNil(t, seenAtFirstStep)
	require.True(t, *seenAtFirstStep)
}

func TestPausedTimelineStillReceivesSpeedCommands(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	mustEnqueue(t, s, Envelope{TargetTick: 0, Timeline: GlobalRef, Type: CommandSetTimeSpeed, Payload: SetTimeSpeedPayload(SpeedPaused)})
	mustEnqueue(t, s, Envelope{TargetTick: 2, Timeline: GlobalRef, Type: CommandSetTimeSpeed, Payload: SetTimeSpeedPayload(SpeedFast)})

	advanceFrames(s, 12)
	require.Equal(t, uint64(0), s.Global().CurrentTick())
	require.Equal(t, SpeedPaused, s.Global().Speed())

	advanceFrames(s, 6)
	require.Equal(t, SpeedFast, s.Global().Speed())
	require.Equal(t, uint64(3), s.Global().CurrentTick())
}

func TestRemoveRegionDropsQueuedCommands(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	mustAddRegion(t, s, 4, TimelineOptions{})
	mustEnqueue(t, s, Envelope{TargetTick: 5, Timeline: RegionRef(4), Type: CommandUser})
	mustEnqueue(t, s, Envelope{TargetTick: 6, Timeline: RegionRef(4), Type: CommandUser})

	require.NoError(t, s.RemoveRegion(4))
	_, ok := s.Timeline(RegionRef(4))
	require.False(t, ok)

	dropped := eventsOfType(mem, schedlog.EventCommandDropped)
	require.Len(t, dropped, 2)
	for _, event := range dropped {
		payload := event.Payload.(schedlog.CommandPayload)
		require.Equal(t, schedlog.ReasonTimelineRemoved, payload.Reason)
	}
	removed := eventsOfType(mem, lifecycle.EventTimelineRemoved)
	require.Len(t, removed, 1)
	require.Equal(t, 2, removed[0].Payload.(lifecycle.TimelinePayload).DroppedCommands)

	err := s.Enqueue(Envelope{TargetTick: 7, Timeline: RegionRef(4), Type: CommandUser})
	require.ErrorIs(t, err, ErrUnknownTimeline)
	require.ErrorIs(t, s.RemoveRegion(4), ErrUnknownTimeline)
}

func TestRegionRemovedDuringDrainDropsRestOfBatch(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	mustAddRegion(t, s, 1, TimelineOptions{})
	ran := 0
	s.Handle(TimelineRegion, CommandUser, func(ctx *TickContext, _ *PayloadReader) error {
		ran++
		return ctx.Scheduler().RemoveRegion(ctx.Timeline.Region)
	})
	mustEnqueue(t, s, Envelope{Timeline: RegionRef(1), Type: CommandUser})
	mustEnqueue(t, s, Envelope{Timeline: RegionRef(1), Type: CommandUser})

	s.Advance(frame)
	require.Equal(t, 1, ran)
	require.Len(t, eventsOfType(mem, schedlog.EventCommandDropped), 1)
}

func TestLateCommandIsRejected(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	advanceFrames(s, 12)
	require.Equal(t, uint64(2), s.Tick())

	err := s.Enqueue(Envelope{TargetTick: 1, Timeline: GlobalRef, Type: CommandUser})
	require.ErrorIs(t, err, ErrLateCommand)
	require.Len(t, eventsOfType(mem, schedlog.EventCommandDropped), 1)

	require.NoError(t, s.Enqueue(Envelope{TargetTick: 2, Timeline: GlobalRef, Type: CommandUser}))
}

func TestUnknownTimelineIsDropped(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	err := s.Enqueue(Envelope{Timeline: RegionRef(99), Type: CommandUser})
	require.ErrorIs(t, err, ErrUnknownTimeline)
	dropped := eventsOfType(mem, schedlog.EventCommandDropped)
	require.Len(t, dropped, 1)
	require.Equal(t, schedlog.ReasonUnknownTimeline, dropped[0].Payload.(schedlog.CommandPayload).Reason)
}

func TestReentrantEnqueueRunsNextTick(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	var first, second []uint64
	s.Handle(TimelineGlobal, CommandUser, func(ctx *TickContext, _ *PayloadReader) error {
		first = append(first, ctx.Tick)
		return ctx.Enqueue(Envelope{TargetTick: ctx.Tick, Timeline: GlobalRef, Type: CommandUser + 1})
	})
	s.Handle(TimelineGlobal, CommandUser+1, func(ctx *TickContext, _ *PayloadReader) error {
		second = append(second, ctx.Tick)
		return nil
	})
	mustEnqueue(t, s, Envelope{TargetTick: 0, Timeline: GlobalRef, Type: CommandUser})

	advanceFrames(s, 12)
	require.Equal(t, []uint64{0}, first)
	require.Equal(t, []uint64{1}, second)
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	var ran []CommandType
	record := func(ctx *TickContext, _ *PayloadReader) error {
		ran = append(ran, ctx.Envelope.Type)
		return nil
	}
	s.Handle(TimelineGlobal, CommandUser, record)
	s.Handle(TimelineGlobal, CommandUser+1, func(ctx *TickContext, _ *PayloadReader) error {
		ran = append(ran, ctx.Envelope.Type)
		return errors.New("boom")
	})
	s.Handle(TimelineGlobal, CommandUser+2, func(ctx *TickContext, _ *PayloadReader) error {
		ran = append(ran, ctx.Envelope.Type)
		ctx.Factions().Push(42)
		panic("handler exploded")
	})
	s.Handle(TimelineGlobal, CommandUser+3, record)

	for _, typ := range []CommandType{CommandUser, CommandUser + 1, CommandUser + 2, CommandUser + 3, CommandUser + 9} {
		mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: typ})
	}
	advanceFrames(s, 6)

	require.Equal(t, []CommandType{CommandUser, CommandUser + 1, CommandUser + 2, CommandUser + 3}, ran)
	require.Equal(t, uint64(1), s.Global().CurrentTick())
	require.Zero(t, s.Exec().Factions().Depth())

	failed := eventsOfType(mem, schedlog.EventHandlerFailed)
	require.Len(t, failed, 2)
	assert.False(t, failed[0].Payload.(schedlog.HandlerFailedPayload).Panicked)
	assert.True(t, failed[1].Payload.(schedlog.HandlerFailedPayload).Panicked)

	unknown := eventsOfType(mem, schedlog.EventCommandDropped)
	require.Len(t, unknown, 1)
	assert.Equal(t, schedlog.ReasonUnknownType, unknown[0].Payload.(schedlog.CommandPayload).Reason)
}

func TestFactionContextDuringDispatch(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	s.RegisterFaction(3)
	s.RegisterFaction(7)
	mustAddRegion(t, s, 1, TimelineOptions{Owner: 7})

	type observed struct {
		faction FactionID
		depth   int
		local   bool
	}
	var seen []observed
	handler := func(ctx *TickContext, _ *PayloadReader) error {
		seen = append(seen, observed{ctx.Faction(), ctx.Factions().Depth(), ctx.IssuedLocally()})
		return nil
	}
	s.Handle(TimelineRegion, CommandUser, handler)
	s.Handle(TimelineGlobal, CommandUser, handler)

	mustEnqueue(t, s, Envelope{Timeline: RegionRef(1), Type: CommandUser, Faction: 3, IssuedLocally: true})
	mustEnqueue(t, s, Envelope{Timeline: RegionRef(1), Type: CommandUser})
	mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandUser})
	mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandUser, Faction: 9})
	s.Advance(frame)

	// Global drains before regions.
	require.Equal(t, []observed{
		{NoFaction, 0, false},
		{3, 2, true},
		{7, 1, false},
	}, seen)
	require.Zero(t, s.Exec().Factions().Depth())
	require.False(t, s.Exec().IssuedLocally())

	dropped := eventsOfType(mem, schedlog.EventCommandDropped)
	require.Len(t, dropped, 1)
	require.Equal(t, schedlog.ReasonUnknownFaction, dropped[0].Payload.(schedlog.CommandPayload).Reason)
}

func TestStepPanicRestoresContext(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	s.RegisterFaction(5)
	region := mustAddRegion(t, s, 1, TimelineOptions{
		Owner: 5,
		Step: func(ctx *TickContext) {
			ctx.Rand().Uint64()
			ctx.Factions().Push(11)
			panic("step exploded")
		},
	})

	advanceFrames(s, 12)
	require.Equal(t, uint64(2), region.CurrentTick())
	require.Zero(t, s.Exec().Factions().Depth())
	_, inTimeline := s.Exec().Timeline()
	require.False(t, inTimeline)
	require.Len(t, eventsOfType(mem, schedlog.EventStepFailed), 2)
}

func TestGeneratorStreamsAreIsolated(t *testing.T) {
	draw := func(into *[]uint64) StepFunc {
		return func(ctx *TickContext) {
			*into = append(*into, ctx.Rand().Uint64())
		}
	}

	var aloneA []uint64
	alone, _ := newTestScheduler(t, Hooks{})
	mustAddRegion(t, alone, 1, TimelineOptions{Speed: SpeedFast, Step: draw(&aloneA)})
	advanceFrames(alone, 60)

	var mixedA, mixedB, global []uint64
	mixed, _ := newTestScheduler(t, Hooks{GlobalStep: draw(&global)})
	mustAddRegion(t, mixed, 1, TimelineOptions{Speed: SpeedFast, Step: draw(&mixedA)})
	mustAddRegion(t, mixed, 2, TimelineOptions{Speed: SpeedUltrafast, Step: draw(&mixedB)})
	advanceFrames(mixed, 60)

	require.Len(t, aloneA, 30)
	require.Equal(t, aloneA, mixedA)
	require.NotEqual(t, mixedA[:10], mixedB[:10])
	require.Len(t, global, 10)
}

func TestReplayMultiplier(t *testing.T) {
	s, _ := newTestScheduler(t, Hooks{})
	require.Equal(t, 1.0, s.ReplayMultiplier())

	s.SetReplay(true, SpeedPaused)
	require.Equal(t, 0.0, s.ReplayMultiplier())
	before := s.Tick()
	advanceFrames(s, 30)
	require.Equal(t, before, s.Tick())

	s.SetReplay(true, SpeedFast)
	require.InDelta(t, 1.0/3, s.ReplayMultiplier(), 1e-12)

	s.SetSimulating(true)
	require.Equal(t, 1.0, s.ReplayMultiplier())
	s.SetSimulating(false)

	mustAddRegion(t, s, 1, TimelineOptions{Speed: SpeedPaused})
	require.NoError(t, s.SetActiveTimeline(RegionRef(1)))
	require.InDelta(t, 1.0/60, s.ReplayMultiplier(), 1e-12)
	require.ErrorIs(t, s.SetActiveTimeline(RegionRef(2)), ErrUnknownTimeline)

	require.NoError(t, s.RemoveRegion(1))
	require.Equal(t, GlobalRef, s.ActiveTimeline())
}

func TestIDBlockExhaustionAndReprovision(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	var ids []int32
	var errs []error
	region := mustAddRegion(t, s, 1, TimelineOptions{
		IDBlock: NewIDBlock(100, 2),
		Step: func(ctx *TickContext) {
			id, err := ctx.NextID()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids = append(ids, id)
		},
	})

	advanceFrames(s, 24)
	require.Equal(t, []int32{100, 101}, ids)
	require.Len(t, errs, 2)
	require.ErrorIs(t, errs[0], ErrIDBlockExhausted)
	require.True(t, region.Exhausted())
	require.Len(t, eventsOfType(mem, schedlog.EventIDBlockExhausted), 1)

	mustEnqueue(t, s, Envelope{TargetTick: s.Tick(), Timeline: RegionRef(1), Type: CommandSetIDBlock, Payload: SetIDBlockPayload(IDBlockState{Start: 500, Size: 10})})
	advanceFrames(s, 6)
	require.False(t, region.Exhausted())
	require.Equal(t, int32(500), ids[len(ids)-1])
}

type recordingSaver struct {
	saved []WorldSnapshot
	err   error
}

func (r *recordingSaver) SaveSnapshot(_ context.Context, snap WorldSnapshot) error {
	r.saved = append(r.saved, snap)
	return r.err
}

func TestAutosaveGatesAdvance(t *testing.T) {
	saver := &recordingSaver{}
	s := NewScheduler(Config{Seed: "test"}, Deps{Saver: saver}, Hooks{})
	mustEnqueue(t, s, Envelope{TargetTick: 1, Timeline: GlobalRef, Type: CommandAutosave})

	advanceFrames(s, 12)
	require.True(t, s.EventsPending())
	require.Equal(t, SpeedPaused, s.Global().Speed())
	tick := s.Tick()
	require.Equal(t, uint64(1), tick)

	res := s.Advance(frame)
	require.True(t, res.Gated)
	require.Equal(t, tick, s.Tick())

	require.NoError(t, s.RunLongEvents(context.Background()))
	require.False(t, s.EventsPending())
	require.Len(t, saver.saved, 1)
	require.Equal(t, tick, saver.saved[0].Tick())

	advanceFrames(s, 6)
	require.Greater(t, s.Tick(), tick)
}

func TestAutosaveFailureStillClearsGate(t *testing.T) {
	saver := &recordingSaver{err: errors.New("disk full")}
	s, mem := newTestScheduler(t, Hooks{})
	s.saver = saver
	mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandAutosave})
	s.Advance(frame)

	require.Error(t, s.RunLongEvents(context.Background()))
	require.False(t, s.EventsPending())
	autosaves := eventsOfType(mem, lifecycle.EventAutosave)
	require.Len(t, autosaves, 2)
	require.Equal(t, "failed", autosaves[1].Payload.(lifecycle.AutosavePayload).Stage)
}

func TestConstantTimelineRunsPerOnlineFaction(t *testing.T) {
	type visit struct {
		tick    uint64
		faction FactionID
		acting  FactionID
	}
	var visits []visit
	s, _ := newTestScheduler(t, Hooks{
		PerFaction: func(ctx *TickContext, id FactionID) {
			visits = append(visits, visit{ctx.Tick, id, ctx.Faction()})
		},
	})
	for _, id := range []FactionID{2, 1, 3} {
		mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandSetupFaction, Payload: FactionPayload(id)})
	}
	mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandFactionOnline, Payload: FactionPayload(2)})
	mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandFactionOnline, Payload: FactionPayload(1)})

	advanceFrames(s, 6)
	require.Equal(t, []visit{{1, 1, 1}, {1, 2, 2}}, visits)

	mustEnqueue(t, s, Envelope{TargetTick: 1, Timeline: GlobalRef, Type: CommandFactionOffline, Payload: FactionPayload(1)})
	visits = nil
	advanceFrames(s, 6)
	require.Equal(t, []visit{{2, 2, 2}}, visits)

	data, ok := s.Faction(1)
	require.True(t, ok)
	require.False(t, data.Online)
}

func TestCreateRegionFactionData(t *testing.T) {
	s, mem := newTestScheduler(t, Hooks{})
	region := mustAddRegion(t, s, 1, TimelineOptions{})
	s.RegisterFaction(4)
	mustEnqueue(t, s, Envelope{Timeline: RegionRef(1), Type: CommandCreateRegionFactionData, Payload: FactionPayload(4)})
	mustEnqueue(t, s, Envelope{Timeline: RegionRef(1), Type: CommandCreateRegionFactionData, Payload: FactionPayload(8)})
	s.Advance(frame)

	require.True(t, region.HasFactionData(4))
	require.False(t, region.HasFactionData(8))
	require.Equal(t, []FactionID{4}, region.RegionFactions())
	require.Len(t, eventsOfType(mem, schedlog.EventHandlerFailed), 1)
}

func TestPostPassRunsOncePerNonEmptyBatch(t *testing.T) {
	passes := 0
	s, _ := newTestScheduler(t, Hooks{GlobalAfterCommands: func(*TickContext) { passes++ }})
	s.Handle(TimelineGlobal, CommandUser, func(*TickContext, *PayloadReader) error { return nil })
	mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandUser})
	mustEnqueue(t, s, Envelope{Timeline: GlobalRef, Type: CommandUser})
	mustEnqueue(t, s, Envelope{TargetTick: 3, Timeline: GlobalRef, Type: CommandUser})

	advanceFrames(s, 30)
	require.Equal(t, 2, passes)
}

type recordingVerifier struct {
	snapshots []GeneratorSnapshot
}

func (r *recordingVerifier) Verify(snap GeneratorSnapshot) {
	r.snapshots = append(r.snapshots, snap)
}

func TestVerifierSeesEveryStep(t *testing.T) {
	verifier := &recordingVerifier{}
	s := NewScheduler(Config{Seed: "test"}, Deps{Verifier: verifier}, Hooks{})
	mustAddRegion(t, s, 1, TimelineOptions{Speed: SpeedFast})
	advanceFrames(s, 6)

	// global + constant + three fast region steps
	require.Len(t, verifier.snapshots, 5)
	last := verifier.snapshots[len(verifier.snapshots)-1]
	require.Equal(t, RegionRef(1), last.Timeline)
	require.Equal(t, uint64(3), last.Tick)
}
