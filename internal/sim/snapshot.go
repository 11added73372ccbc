package sim

import (
	"encoding/json"
	"fmt"
	"slices"
)

// PendingEnvelope is a queued envelope in persisted form.
type PendingEnvelope struct {
	Envelope
	Deferred bool `json:"deferred,omitempty"`
}

// TimelineState is everything needed to resume a timeline on another peer.
type TimelineState struct {
	Ref            TimelineRef       `json:"ref"`
	Owner          FactionID         `json:"owner"`
	Tick           uint64            `json:"tick"`
	Speed          TimeSpeed         `json:"speed"`
	Owed           int64             `json:"owed"`
	Generator      GeneratorState    `json:"generator"`
	IDBlock        *IDBlockState     `json:"idBlock,omitempty"`
	Exhausted      bool              `json:"exhausted,omitempty"`
	RegionFactions []FactionID       `json:"regionFactions,omitempty"`
	Pending        []PendingEnvelope `json:"pending,omitempty"`
}

// WorldSnapshot captures the scheduler between frames.
type WorldSnapshot struct {
	Substeps    uint64          `json:"substeps"`
	Seq         uint64          `json:"seq"`
	DeferredSeq uint64          `json:"deferredSeq"`
	Active      TimelineRef     `json:"active"`
	Factions    []FactionData   `json:"factions,omitempty"`
	Timelines   []TimelineState `json:"timelines"`
	// World is the simulation layer's own state, opaque to the scheduler.
	World json.RawMessage `json:"world,omitempty"`
}

// Tick is the timer tick the snapshot was taken at.
func (w WorldSnapshot) Tick() uint64 {
	return w.Substeps / SubstepsPerTick
}

// State captures the timeline.
func (t *Timeline) State() TimelineState {
	state := TimelineState{
		Ref:       t.ref,
		Owner:     t.owner,
		Tick:      t.tick,
		Speed:     t.speed,
		Owed:      t.owed,
		Generator: t.rand,
		Exhausted: t.exhausted,
	}
	if t.block != nil {
		block := t.block.State()
		state.IDBlock = &block
	}
	if len(t.regionFactions) > 0 {
		state.RegionFactions = t.RegionFactions()
	}
	for _, env := range t.queue.Entries() {
		state.Pending = append(state.Pending, PendingEnvelope{Envelope: env, Deferred: env.deferred})
	}
	return state
}

// Restore overwrites the timeline with state. Callbacks are left untouched.
func (t *Timeline) Restore(state TimelineState) {
	t.owner = state.Owner
	if t.ref.Kind == TimelineGlobal {
		t.owner = NoFaction
	}
	t.tick = state.Tick
	t.speed = state.Speed
	if !t.speed.Valid() {
		t.speed = SpeedNormal
	}
	t.owed = state.Owed
	t.rand = state.Generator
	t.block = nil
	if state.IDBlock != nil {
		t.block = RestoreIDBlock(*state.IDBlock)
	}
	t.exhausted = state.Exhausted
	if t.regionFactions != nil {
		clear(t.regionFactions)
		for _, id := range state.RegionFactions {
			t.regionFactions[id] = struct{}{}
		}
	}
	t.queue.Clear()
	for _, pending := range state.Pending {
		env := pending.Envelope.clone()
		env.deferred = pending.Deferred
		t.queue.Push(env)
	}
}

// Snapshot captures every timeline and the timer. It must not be called
// from inside the tick loop.
func (s *Scheduler) Snapshot() WorldSnapshot {
	snap := WorldSnapshot{
		Substeps:    s.substeps,
		Seq:         s.seq,
		DeferredSeq: s.deferredSeq,
		Active:      s.active,
	}
	if factions := s.factions.list(); len(factions) > 0 {
		snap.Factions = factions
	}
	for _, t := range s.timelines() {
		snap.Timelines = append(snap.Timelines, t.State())
	}
	if s.hooks.CaptureWorld != nil {
		snap.World = s.hooks.CaptureWorld()
	}
	return snap
}

// Rehydrate replaces the scheduler state with snap. Regions missing locally
// are created through Hooks.RestoreRegion; loaded regions absent from snap
// are removed. Queued envelopes older than the snapshot tick are discarded.
func (s *Scheduler) Rehydrate(snap WorldSnapshot) error {
	if s.inTick {
		return ErrInsideTick
	}
	wanted := make(map[int32]TimelineState)
	for _, state := range snap.Timelines {
		if state.Ref.Kind == TimelineRegion {
			wanted[state.Ref.Region] = state
		}
	}
	for _, id := range slices.Clone(s.regionIDs) {
		if _, ok := wanted[id]; !ok {
			_ = s.RemoveRegion(id)
		}
	}

	s.substeps = snap.Substeps
	s.accumulator = 0
	s.seq = snap.Seq
	s.deferredSeq = snap.DeferredSeq
	s.skipping = false
	s.factions.replace(snap.Factions)

	tick := snap.Tick()
	for _, state := range snap.Timelines {
		state.Pending = slices.DeleteFunc(slices.Clone(state.Pending), func(p PendingEnvelope) bool {
			return p.TargetTick < tick
		})
		t, ok := s.Timeline(state.Ref)
		if !ok {
			if s.hooks.RestoreRegion == nil {
				s.logger.Printf("[scheduler] snapshot names %s but no region factory is configured", state.Ref)
				continue
			}
			opts := s.hooks.RestoreRegion(state.Ref.Region)
			opts.Owner = state.Owner
			var err error
			if t, err = s.AddRegion(state.Ref.Region, opts); err != nil {
				return err
			}
		}
		t.Restore(state)
	}
	if _, ok := s.Timeline(snap.Active); ok {
		s.active = snap.Active
	} else {
		s.active = GlobalRef
	}
	if s.hooks.RestoreWorld != nil {
		if err := s.hooks.RestoreWorld(snap.World); err != nil {
			return fmt.Errorf("restore world: %w", err)
		}
	}
	return nil
}

// Clone deep-copies the snapshot so stored copies never alias live buffers.
func (w WorldSnapshot) Clone() WorldSnapshot {
	out := w
	out.Factions = slices.Clone(w.Factions)
	out.World = slices.Clone(w.World)
	if w.Timelines == nil {
		return out
	}
	out.Timelines = make([]TimelineState, len(w.Timelines))
	for i, state := range w.Timelines {
		if state.IDBlock != nil {
			block := *state.IDBlock
			state.IDBlock = &block
		}
		state.RegionFactions = slices.Clone(state.RegionFactions)
		if state.Pending != nil {
			pending := make([]PendingEnvelope, len(state.Pending))
			for j, p := range state.Pending {
				pending[j] = PendingEnvelope{Envelope: p.Envelope.clone(), Deferred: p.Deferred}
			}
			state.Pending = pending
		}
		out.Timelines[i] = state
	}
	return out
}
