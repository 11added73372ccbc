package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
	"lockstep/server/logging/lifecycle"
	schedlog "lockstep/server/logging/scheduler"
)

const (
	metricEnqueuedTotal   = "scheduler_commands_enqueued_total"
	metricDispatchedTotal = "scheduler_commands_dispatched_total"
	metricFailedTotal     = "scheduler_commands_failed_total"
	metricDroppedTotal    = "scheduler_commands_dropped_total"
	metricStepsTotal      = "scheduler_steps_total"
	metricTimerTick       = "scheduler_timer_tick"
	metricQueueDepth      = "scheduler_queue_depth"
	metricRegions         = "scheduler_regions"
)

// Config tunes how wall time turns into ticks.
type Config struct {
	// Seed is the root every timeline stream is derived from.
	Seed string
	// SubstepsPerSecond converts frame seconds into scheduler substeps.
	SubstepsPerSecond float64
	// MaxFrameDelta caps the seconds a single frame may contribute.
	MaxFrameDelta float64
	// CatchupThreshold is how many ticks behind the ceiling are tolerated before a burst.
	CatchupThreshold uint64
	// CatchupMaxTicks caps a single catch-up burst.
	CatchupMaxTicks uint64
	// SkipMaxTicksPerFrame caps how far one frame fast-forwards.
	SkipMaxTicksPerFrame uint64
	// PausedReplayStep is the replay multiplier while the watched timeline is paused.
	PausedReplayStep float64
}

func DefaultConfig() Config {
	return Config{
		Seed:                 "lockstep",
		SubstepsPerSecond:    60,
		MaxFrameDelta:        0.05,
		CatchupThreshold:     8,
		CatchupMaxTicks:      100,
		SkipMaxTicksPerFrame: 60,
		PausedReplayStep:     1.0 / 60,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.SubstepsPerSecond <= 0 {
		c.SubstepsPerSecond = def.SubstepsPerSecond
	}
	if c.MaxFrameDelta <= 0 {
		c.MaxFrameDelta = def.MaxFrameDelta
	}
	if c.CatchupMaxTicks == 0 {
		c.CatchupMaxTicks = def.CatchupMaxTicks
	}
	if c.SkipMaxTicksPerFrame == 0 {
		c.SkipMaxTicksPerFrame = def.SkipMaxTicksPerFrame
	}
	if c.PausedReplayStep <= 0 {
		c.PausedReplayStep = def.PausedReplayStep
	}
	return c
}

// Hooks are the simulation callbacks the scheduler drives.
type Hooks struct {
	GlobalStep          StepFunc
	GlobalAfterCommands StepFunc
	// ConstantStep runs every constant timeline step before the per-faction pass.
	ConstantStep StepFunc
	// PerFaction runs once per online faction on every constant timeline step,
	// in ascending faction order, with that faction pushed.
	PerFaction func(*TickContext, FactionID)
	// RestoreRegion supplies options for regions that a snapshot names but
	// that are not loaded.
	RestoreRegion func(id int32) TimelineOptions
	// CaptureWorld serialises simulation state kept outside the scheduler
	// into every snapshot. RestoreWorld reinstalls it during Rehydrate.
	CaptureWorld func() json.RawMessage
	RestoreWorld func(json.RawMessage) error
}

// Verifier observes every timeline's generator after each step.
type Verifier interface {
	Verify(GeneratorSnapshot)
}

// GeneratorSnapshot identifies the deterministic state of one timeline after one step.
type GeneratorSnapshot struct {
	Timeline  TimelineRef
	Tick      uint64
	Generator GeneratorState
	IDOffset  int32
}

// SnapshotSaver persists autosaves.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snapshot WorldSnapshot) error
}

// LongEvent is work too slow for the tick loop. While one is queued Advance
// does nothing; the real-time loop runs it between frames.
type LongEvent struct {
	Name string
	Run  func(ctx context.Context) error
}

// AdvanceResult summarises one Advance call.
type AdvanceResult struct {
	Substeps   int
	Steps      int
	Dispatched int
	Clamped    bool
	Gated      bool
	CatchUp    uint64
}

// Scheduler owns every timeline and turns frame time into deterministic
// steps. All methods must be called from a single goroutine.
type Scheduler struct {
	cfg       Config
	hooks     Hooks
	logger    telemetry.Logger
	publisher logging.Publisher
	metrics   telemetry.Metrics
	verifier  Verifier
	saver     SnapshotSaver
	ctx       context.Context

	exec        *ExecContext
	dispatchers map[TimelineKind]*Dispatcher
	global      *Timeline
	constant    *Timeline
	regions     map[int32]*Timeline
	regionIDs   []int32
	factions    factionRegistry

	substeps    uint64
	accumulator float64
	seq         uint64
	deferredSeq uint64

	ceiling    uint64
	hasCeiling bool
	skipTo     uint64
	skipping   bool

	replay      bool
	replaySpeed TimeSpeed
	simulating  bool
	active      TimelineRef

	inTick     bool
	longEvents []LongEvent
}

// NewScheduler builds a scheduler with its global and constant timelines.
func NewScheduler(cfg Config, deps Deps, hooks Hooks) *Scheduler {
	deps = deps.withDefaults()
	s := &Scheduler{
		cfg:         cfg.normalized(),
		hooks:       hooks,
		logger:      deps.Logger,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		verifier:    deps.Verifier,
		saver:       deps.Saver,
		ctx:         context.Background(),
		exec:        NewExecContext(),
		regions:     make(map[int32]*Timeline),
		replaySpeed: SpeedNormal,
		active:      GlobalRef,
		dispatchers: map[TimelineKind]*Dispatcher{
			TimelineGlobal:   NewDispatcher(TimelineGlobal),
			TimelineConstant: NewDispatcher(TimelineConstant),
			TimelineRegion:   NewDispatcher(TimelineRegion),
		},
	}
	s.exec.onExhausted = s.reportExhausted
	s.global = newTimeline(s, GlobalRef, TimelineOptions{
		Owner:         NoFaction,
		Speed:         SpeedNormal,
		Step:          hooks.GlobalStep,
		AfterCommands: hooks.GlobalAfterCommands,
	})
	s.constant = newTimeline(s, ConstantRef, TimelineOptions{
		Owner: NoFaction,
		Speed: SpeedNormal,
		Step:  s.stepConstant,
	})
	s.registerBuiltins()
	return s
}

// Handle registers a handler for typ on every timeline of kind.
func (s *Scheduler) Handle(kind TimelineKind, typ CommandType, h Handler) {
	if d, ok := s.dispatchers[kind]; ok {
		d.Register(typ, h)
	}
}

func (s *Scheduler) Dispatcher(kind TimelineKind) *Dispatcher {
	return s.dispatchers[kind]
}

func (s *Scheduler) Exec() *ExecContext     { return s.exec }
func (s *Scheduler) Global() *Timeline      { return s.global }
func (s *Scheduler) Constant() *Timeline    { return s.constant }
func (s *Scheduler) Config() Config         { return s.cfg }
func (s *Scheduler) Substeps() uint64       { return s.substeps }
func (s *Scheduler) Accumulator() float64   { return s.accumulator }
func (s *Scheduler) InTick() bool           { return s.inTick }
func (s *Scheduler) ReplaySpeed() TimeSpeed { return s.replaySpeed }

// Tick is the timer tick every envelope's target is measured against.
func (s *Scheduler) Tick() uint64 {
	return s.substeps / SubstepsPerTick
}

// SetContext sets the context used when publishing events.
func (s *Scheduler) SetContext(ctx context.Context) {
	if ctx != nil {
		s.ctx = ctx
	}
}

// Timeline looks up a live timeline.
func (s *Scheduler) Timeline(ref TimelineRef) (*Timeline, bool) {
	switch ref.Kind {
	case TimelineGlobal:
		return s.global, true
	case TimelineConstant:
		return s.constant, true
	case TimelineRegion:
		t, ok := s.regions[ref.Region]
		return t, ok
	default:
		return nil, false
	}
}

// Regions returns the loaded region timelines in ascending region order.
func (s *Scheduler) Regions() []*Timeline {
	out := make([]*Timeline, 0, len(s.regionIDs))
	for _, id := range s.regionIDs {
		out = append(out, s.regions[id])
	}
	return out
}

func (s *Scheduler) timelines() []*Timeline {
	out := make([]*Timeline, 0, 2+len(s.regionIDs))
	out = append(out, s.global, s.constant)
	return append(out, s.Regions()...)
}

// AddRegion starts a timeline for a newly loaded region.
func (s *Scheduler) AddRegion(id int32, opts TimelineOptions) (*Timeline, error) {
	if _, exists := s.regions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTimelineExists, RegionRef(id))
	}
	t := newTimeline(s, RegionRef(id), opts)
	s.regions[id] = t
	idx, _ := slices.BinarySearch(s.regionIDs, id)
	s.regionIDs = slices.Insert(s.regionIDs, idx, id)
	s.metrics.Store(metricRegions, uint64(len(s.regionIDs)))
	lifecycle.TimelineAdded(s.ctx, s.publisher, s.Tick(), lifecycle.TimelinePayload{
		Timeline: t.ref.String(),
		Owner:    int32(t.owner),
	}, nil)
	return t, nil
}

// RemoveRegion stops a region's timeline. Commands still queued for it are
// dropped and reported.
func (s *Scheduler) RemoveRegion(id int32) error {
	t, ok := s.regions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTimeline, RegionRef(id))
	}
	t.removed = true
	delete(s.regions, id)
	if idx, found := slices.BinarySearch(s.regionIDs, id); found {
		s.regionIDs = slices.Delete(s.regionIDs, idx, idx+1)
	}
	dropped := t.queue.Clear()
	for _, env := range dropped {
		s.dropCommand(env, schedlog.ReasonTimelineRemoved)
	}
	if s.active == t.ref {
		s.active = GlobalRef
	}
	s.metrics.Store(metricRegions, uint64(len(s.regionIDs)))
	lifecycle.TimelineRemoved(s.ctx, s.publisher, s.Tick(), lifecycle.TimelinePayload{
		Timeline:        t.ref.String(),
		Owner:           int32(t.owner),
		DroppedCommands: len(dropped),
	}, nil)
	return nil
}

// Enqueue accepts an envelope for later dispatch. Outside the tick loop an
// envelope for a tick that already ran is rejected. Inside the tick loop
// (from a handler or step) it is ordered after external envelopes and never
// targets the tick being processed.
func (s *Scheduler) Enqueue(env Envelope) error {
	t, ok := s.Timeline(env.Timeline)
	if !ok {
		s.dropCommand(env, schedlog.ReasonUnknownTimeline)
		return fmt.Errorf("%w: %s", ErrUnknownTimeline, env.Timeline)
	}
	now := s.Tick()
	env = env.clone()
	env.deferred = false
	if s.inTick {
		env.deferred = true
		if env.TargetTick <= now {
			env.TargetTick = now + 1
			schedlog.CommandDeferred(s.ctx, s.publisher, now, logging.TimelineRef(t.ref.String()), commandPayload(env, ""), nil)
		}
		s.deferredSeq++
		env.Seq = s.deferredSeq
	} else {
		if env.TargetTick < now {
			s.dropCommand(env, schedlog.ReasonLate)
			return fmt.Errorf("%w: target %d, current %d", ErrLateCommand, env.TargetTick, now)
		}
		if env.Seq == 0 {
			s.seq++
			env.Seq = s.seq
		} else if env.Seq > s.seq {
			s.seq = env.Seq
		}
	}
	t.queue.Push(env)
	s.metrics.Add(metricEnqueuedTotal, 1)
	return nil
}

// Advance converts delta seconds of frame time into substeps and runs them.
// Within each substep every timeline drains its due commands before any
// timeline steps.
func (s *Scheduler) Advance(delta float64) AdvanceResult {
	var res AdvanceResult
	if s.EventsPending() {
		res.Gated = true
		return res
	}
	if !(delta > 0) || math.IsInf(delta, 0) {
		return res
	}
	if delta > s.cfg.MaxFrameDelta {
		delta = s.cfg.MaxFrameDelta
		res.Clamped = true
	}
	frame := delta * s.cfg.SubstepsPerSecond
	s.accumulator += frame

	if s.hasCeiling {
		if s.atCeiling() {
			s.accumulator = 0
		} else if !s.replay && frame < 1.5 {
			res.CatchUp = s.grantCatchUp()
		}
	}
	if s.replay && s.replaySpeed == SpeedPaused {
		s.accumulator = 0
	}
	if s.skipping {
		if s.Tick() >= s.skipTo {
			s.skipping = false
		} else {
			budget := min(s.skipTo*SubstepsPerTick-s.substeps, s.cfg.SkipMaxTicksPerFrame*SubstepsPerTick)
			if s.hasCeiling {
				budget = min(budget, s.ceilingHeadroom())
			}
			s.accumulator = float64(budget)
		}
	}

	s.run(&res)
	s.metrics.Store(metricTimerTick, s.Tick())
	s.metrics.Store(metricQueueDepth, uint64(s.pending()))
	return res
}

func (s *Scheduler) grantCatchUp() uint64 {
	behind := s.ceiling - s.Tick()
	if behind <= s.cfg.CatchupThreshold {
		return 0
	}
	granted := min(s.cfg.CatchupMaxTicks, behind-s.cfg.CatchupThreshold)
	s.accumulator += float64(granted * SubstepsPerTick)
	schedlog.CatchUp(s.ctx, s.publisher, s.Tick(), schedlog.CatchUpPayload{
		Ceiling: s.ceiling,
		Behind:  behind,
		Granted: granted,
	}, nil)
	return granted
}

func (s *Scheduler) run(res *AdvanceResult) {
	s.inTick = true
	defer func() { s.inTick = false }()

	for s.accumulator > 0 && !s.atCeiling() {
		tick := s.Tick()
		live := s.timelines()
		for _, t := range live {
			if t.removed {
				continue
			}
			res.Dispatched += s.dispatchers[t.ref.Kind].DrainDue(t, tick)
		}
		for _, t := range live {
			if t.removed {
				continue
			}
			res.Steps += t.advance()
		}

		mult := s.ReplayMultiplier()
		s.substeps++
		res.Substeps++
		if mult <= 0 || s.EventsPending() {
			s.accumulator = 0
			break
		}
		s.accumulator -= mult
		if s.atCeiling() {
			s.accumulator = 0
		}
	}
}

func (s *Scheduler) atCeiling() bool {
	return s.hasCeiling && s.Tick() >= s.ceiling
}

// ceilingHeadroom is how many substeps remain before the timer reaches the ceiling.
func (s *Scheduler) ceilingHeadroom() uint64 {
	limit := s.ceiling * SubstepsPerTick
	if s.substeps >= limit {
		return 0
	}
	return limit - s.substeps
}

// ReplayMultiplier is how much of the accumulator one substep consumes.
func (s *Scheduler) ReplayMultiplier() float64 {
	if !s.replay || s.skipping || s.simulating {
		return 1
	}
	if s.replaySpeed == SpeedPaused {
		return 0
	}
	active, ok := s.Timeline(s.active)
	if !ok {
		active = s.global
	}
	if active.speed == SpeedPaused {
		return s.cfg.PausedReplayStep
	}
	return active.TimePerTick(s.replaySpeed) / active.TimePerTick(active.speed)
}

// SetCeiling limits the timer to ticks below tick until raised again.
func (s *Scheduler) SetCeiling(tick uint64) {
	s.ceiling = tick
	s.hasCeiling = true
}

func (s *Scheduler) ClearCeiling() {
	s.ceiling = 0
	s.hasCeiling = false
}

func (s *Scheduler) Ceiling() (uint64, bool) {
	return s.ceiling, s.hasCeiling
}

// SkipTo fast-forwards at full rate until the timer reaches tick.
func (s *Scheduler) SkipTo(tick uint64) {
	if tick <= s.Tick() {
		s.skipping = false
		return
	}
	s.skipTo = tick
	s.skipping = true
}

func (s *Scheduler) Skipping() (uint64, bool) {
	return s.skipTo, s.skipping
}

// SetReplay switches replay pacing on or off.
func (s *Scheduler) SetReplay(enabled bool, speed TimeSpeed) {
	s.replay = enabled
	if speed.Valid() {
		s.replaySpeed = speed
	}
}

// SetSimulating marks an internal simulation run that ignores replay pacing.
func (s *Scheduler) SetSimulating(simulating bool) {
	s.simulating = simulating
}

// SetActiveTimeline selects the timeline replay pacing follows.
func (s *Scheduler) SetActiveTimeline(ref TimelineRef) error {
	if _, ok := s.Timeline(ref); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTimeline, ref)
	}
	s.active = ref
	return nil
}

func (s *Scheduler) ActiveTimeline() TimelineRef {
	return s.active
}

// RegisterFaction creates faction data outside the command stream, for world
// bootstrap. It reports whether the faction was new; NoFaction is never registered.
func (s *Scheduler) RegisterFaction(id FactionID) bool {
	return s.factions.setup(id)
}

func (s *Scheduler) Faction(id FactionID) (FactionData, bool) {
	data, ok := s.factions.get(id)
	if !ok {
		return FactionData{}, false
	}
	return *data, true
}

// Factions lists every faction in ascending id order.
func (s *Scheduler) Factions() []FactionData {
	return s.factions.list()
}

// QueueLongEvent gates Advance until the event has run.
func (s *Scheduler) QueueLongEvent(ev LongEvent) {
	s.longEvents = append(s.longEvents, ev)
}

func (s *Scheduler) EventsPending() bool {
	return len(s.longEvents) > 0
}

// RunLongEvents runs queued long events in order. Events that fail are
// reported and discarded so the gate always clears.
func (s *Scheduler) RunLongEvents(ctx context.Context) error {
	var firstErr error
	for len(s.longEvents) > 0 {
		ev := s.longEvents[0]
		s.longEvents = s.longEvents[1:]
		if ev.Run == nil {
			continue
		}
		if err := ev.Run(ctx); err != nil {
			s.logger.Printf("[scheduler] long event %s failed: %v", ev.Name, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("long event %s: %w", ev.Name, err)
			}
		}
	}
	return firstErr
}

// Stats is a point-in-time summary for diagnostics.
type Stats struct {
	Tick        uint64 `json:"tick"`
	Substeps    uint64 `json:"substeps"`
	Ceiling     uint64 `json:"ceiling,omitempty"`
	HasCeiling  bool   `json:"hasCeiling"`
	SkipTo      uint64 `json:"skipTo,omitempty"`
	Skipping    bool   `json:"skipping"`
	Replay      bool   `json:"replay"`
	GlobalSpeed string `json:"globalSpeed"`
	Regions     int    `json:"regions"`
	Pending     int    `json:"pending"`
	Factions    int    `json:"factions"`
	LongEvents  int    `json:"longEvents"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Tick:        s.Tick(),
		Substeps:    s.substeps,
		Ceiling:     s.ceiling,
		HasCeiling:  s.hasCeiling,
		SkipTo:      s.skipTo,
		Skipping:    s.skipping,
		Replay:      s.replay,
		GlobalSpeed: s.global.speed.String(),
		Regions:     len(s.regionIDs),
		Pending:     s.pending(),
		Factions:    len(s.factions.byID),
		LongEvents:  len(s.longEvents),
	}
}

func (s *Scheduler) pending() int {
	total := 0
	for _, t := range s.timelines() {
		total += t.queue.Len()
	}
	return total
}

func (s *Scheduler) stepConstant(ctx *TickContext) {
	if s.hooks.ConstantStep != nil {
		s.hooks.ConstantStep(ctx)
	}
	if s.hooks.PerFaction == nil {
		return
	}
	for _, id := range s.factions.online() {
		ctx.Factions().Scope(id, func() {
			s.hooks.PerFaction(ctx, id)
		})
	}
}

func (s *Scheduler) verify(t *Timeline) {
	if s.verifier == nil {
		return
	}
	s.verifier.Verify(GeneratorSnapshot{
		Timeline:  t.ref,
		Tick:      t.tick,
		Generator: t.rand,
		IDOffset:  t.block.State().Offset,
	})
}

func commandPayload(env Envelope, reason string) schedlog.CommandPayload {
	return schedlog.CommandPayload{
		Timeline:   env.Timeline.String(),
		Type:       env.Type.String(),
		TargetTick: env.TargetTick,
		Faction:    int32(env.Faction),
		Reason:     reason,
	}
}

func (s *Scheduler) dropCommand(env Envelope, reason string) {
	s.metrics.Add(metricDroppedTotal, 1)
	schedlog.CommandDropped(s.ctx, s.publisher, s.Tick(), logging.TimelineRef(env.Timeline.String()), commandPayload(env, reason), nil)
}

func (s *Scheduler) reportHandlerFailure(t *Timeline, env Envelope, err error, panicked bool) {
	s.metrics.Add(metricFailedTotal, 1)
	s.logger.Printf("[scheduler] command %s on %s failed: %v", env.Type, t.ref, err)
	schedlog.HandlerFailed(s.ctx, s.publisher, s.Tick(), logging.TimelineRef(t.ref.String()), schedlog.HandlerFailedPayload{
		CommandPayload: commandPayload(env, ""),
		Error:          err.Error(),
		Panicked:       panicked,
	}, nil)
}

func (s *Scheduler) reportStepFailure(t *Timeline, err error) {
	s.logger.Printf("[scheduler] step of %s at tick %d failed: %v", t.ref, t.tick, err)
	schedlog.StepFailed(s.ctx, s.publisher, s.Tick(), logging.TimelineRef(t.ref.String()), schedlog.StepFailedPayload{
		Timeline: t.ref.String(),
		Error:    err.Error(),
	}, nil)
}

func (s *Scheduler) reportExhausted(ref TimelineRef, _ error) {
	t, ok := s.Timeline(ref)
	if !ok || t.exhausted {
		return
	}
	t.exhausted = true
	state := t.block.State()
	schedlog.IDBlockExhausted(s.ctx, s.publisher, s.Tick(), logging.TimelineRef(ref.String()), schedlog.IDBlockPayload{
		Timeline: ref.String(),
		Start:    state.Start,
		Size:     state.Size,
	}, nil)
}
