package sim

import (
	"fmt"
	"sort"
)

// StepFunc is the per-tick simulation callback a timeline runs inside its context.
type StepFunc func(*TickContext)

// Tickable is the read side of a timeline that collaborators observe.
type Tickable interface {
	Ref() TimelineRef
	Speed() TimeSpeed
	TimePerTick(TimeSpeed) float64
	CurrentTick() uint64
	Pending() int
	Step()
}

// TimelineOptions configures a timeline when it joins the scheduler.
type TimelineOptions struct {
	// Owner is pushed onto the faction stack for every step and command.
	Owner FactionID
	Speed TimeSpeed
	Step  StepFunc
	// AfterCommands runs once after each non-empty batch of drained commands.
	AfterCommands StepFunc
	// Quiet reports that nothing of interest is happening, which lets Superfast double.
	Quiet   func() bool
	IDBlock *IDBlock
}

// Timeline is an independently paced clock with its own command queue,
// generator stream and id block.
type Timeline struct {
	ref   TimelineRef
	owner FactionID
	speed TimeSpeed
	owed  int64
	tick  uint64
	queue CommandQueue

	rand      GeneratorState
	block     *IDBlock
	exhausted bool

	step          StepFunc
	afterCommands StepFunc
	quiet         func() bool

	regionFactions map[FactionID]struct{}
	removed        bool
	sched          *Scheduler
}

var _ Tickable = (*Timeline)(nil)

func newTimeline(s *Scheduler, ref TimelineRef, opts TimelineOptions) *Timeline {
	owner := opts.Owner
	if ref.Kind == TimelineGlobal {
		owner = NoFaction
	}
	speed := opts.Speed
	if !speed.Valid() {
		speed = SpeedNormal
	}
	t := &Timeline{
		ref:           ref,
		owner:         owner,
		speed:         speed,
		rand:          SeedFor(s.cfg.Seed, ref.String()),
		block:         opts.IDBlock,
		step:          opts.Step,
		afterCommands: opts.AfterCommands,
		quiet:         opts.Quiet,
		sched:         s,
	}
	if ref.Kind == TimelineRegion {
		t.regionFactions = make(map[FactionID]struct{})
	}
	return t
}

func (t *Timeline) Ref() TimelineRef      { return t.ref }
func (t *Timeline) Owner() FactionID      { return t.owner }
func (t *Timeline) Speed() TimeSpeed      { return t.speed }
func (t *Timeline) CurrentTick() uint64   { return t.tick }
func (t *Timeline) Pending() int          { return t.queue.Len() }
func (t *Timeline) Exhausted() bool       { return t.exhausted }
func (t *Timeline) IDBlock() IDBlockState { return t.block.State() }

// Generator returns the saved state of the timeline's stream.
func (t *Timeline) Generator() GeneratorState { return t.rand }

// PendingCommands copies the queued envelopes in dispatch order.
func (t *Timeline) PendingCommands() []Envelope { return t.queue.Entries() }

// TimePerTick returns the fraction of a timer tick one step of this timeline
// costs at speed, or zero when the speed never steps.
func (t *Timeline) TimePerTick(speed TimeSpeed) float64 {
	m := speed.Multiplier(t.isQuiet())
	if m == 0 {
		return 0
	}
	return 1 / float64(m)
}

func (t *Timeline) isQuiet() bool {
	return t.quiet != nil && t.quiet()
}

// HasFactionData reports whether CreateRegionFactionData registered id here.
func (t *Timeline) HasFactionData(id FactionID) bool {
	_, ok := t.regionFactions[id]
	return ok
}

// RegionFactions lists the factions with data in this region in ascending order.
func (t *Timeline) RegionFactions() []FactionID {
	ids := make([]FactionID, 0, len(t.regionFactions))
	for id := range t.regionFactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Step advances the timeline by exactly one tick and runs its simulation callback.
func (t *Timeline) Step() {
	exec := t.sched.exec
	prev := t.enter(exec, false)
	defer t.leave(exec, prev)

	t.tick++
	t.sched.metrics.Add(metricStepsTotal, 1)
	if t.step == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.sched.reportStepFailure(t, fmt.Errorf("step panicked: %v", r))
		}
	}()
	t.step(t.tickContext(t.tick, nil))
}

// advance pays one substep of time owed and steps for every whole tick it covers.
func (t *Timeline) advance() int {
	per := t.speed.unitsPerTick(t.isQuiet())
	if per == 0 {
		return 0
	}
	t.owed += timeUnitsPerSubstep
	steps := 0
	for t.owed >= per && !t.removed {
		t.owed -= per
		t.Step()
		t.sched.verify(t)
		steps++
	}
	return steps
}

func (t *Timeline) enter(exec *ExecContext, issuedLocally bool) ContextSnapshot {
	prev := exec.Save()
	exec.install(t.ref, t.rand, t.block, issuedLocally)
	if t.owner != NoFaction {
		exec.factions.Push(t.owner)
	}
	return prev
}

func (t *Timeline) leave(exec *ExecContext, prev ContextSnapshot) {
	t.rand = exec.rand.State()
	exec.Restore(prev)
}

func (t *Timeline) tickContext(tick uint64, env *Envelope) *TickContext {
	return &TickContext{
		Timeline: t.ref,
		Tick:     tick,
		Envelope: env,
		exec:     t.sched.exec,
		sched:    t.sched,
		timeline: t,
	}
}

func (t *Timeline) setIDBlock(block *IDBlock) {
	t.block = block
	t.exhausted = false
	if exec := t.sched.exec; exec.inTimeline && exec.timeline == t.ref {
		exec.block = block
	}
}

// TickContext is handed to steps and command handlers. It is only valid for
// the duration of the call.
type TickContext struct {
	Timeline TimelineRef
	// Tick is the timeline's tick during a step and the scheduler tick during dispatch.
	Tick uint64
	// Envelope is the command being dispatched, nil during a step.
	Envelope *Envelope

	exec     *ExecContext
	sched    *Scheduler
	timeline *Timeline
}

func (c *TickContext) Rand() *Generator           { return c.exec.Rand() }
func (c *TickContext) NextID() (int32, error)     { return c.exec.NextID() }
func (c *TickContext) Faction() FactionID         { return c.exec.Faction() }
func (c *TickContext) Factions() *FactionStack    { return c.exec.Factions() }
func (c *TickContext) IssuedLocally() bool        { return c.exec.IssuedLocally() }
func (c *TickContext) Scheduler() *Scheduler      { return c.sched }
func (c *TickContext) TimelineState() *Timeline   { return c.timeline }
func (c *TickContext) Enqueue(env Envelope) error { return c.sched.Enqueue(env) }
