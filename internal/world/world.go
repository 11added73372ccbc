package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"lockstep/server/internal/sim"
	"lockstep/server/internal/telemetry"
)

// Entity is one member of a region's population.
type Entity struct {
	ID      int32         `json:"id"`
	Faction sim.FactionID `json:"faction"`
	Born    uint64        `json:"born"`
	Energy  int32         `json:"energy"`
}

// FactionTally accumulates per-faction figures on the constant timeline.
type FactionTally struct {
	Faction    sim.FactionID `json:"faction"`
	Population int           `json:"population"`
	Upkeep     uint64        `json:"upkeep"`
}

type region struct {
	id       int32
	owner    sim.FactionID
	entities map[int32]*Entity
}

func (r *region) sortedIDs() []int32 {
	ids := make([]int32, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Deps bundles runtime dependencies required to construct a World instance.
type Deps struct {
	Logger telemetry.Logger
}

// World is a region population model driven entirely by scheduler
// callbacks. Every mutation happens on the scheduler goroutine and draws
// randomness and ids from the executing timeline, so peers fed the same
// envelopes hold identical worlds.
type World struct {
	config Config
	logger telemetry.Logger

	regions   map[int32]*region
	tallies   map[sim.FactionID]*FactionTally
	epoch     uint64
	nextBlock int32
}

// New constructs a world with normalized configuration and no regions.
// Regions are created by Install or by the load_region command.
func New(cfg Config, deps Deps) *World {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &World{
		config:  cfg.normalized(),
		logger:  logger,
		regions: make(map[int32]*region),
		tallies: make(map[sim.FactionID]*FactionTally),
	}
}

func (w *World) Config() Config { return w.config }

// Epoch counts global timeline steps.
func (w *World) Epoch() uint64 { return w.epoch }

// Hooks returns the scheduler callbacks that drive the world.
func (w *World) Hooks() sim.Hooks {
	return sim.Hooks{
		GlobalStep:    w.stepGlobal,
		PerFaction:    w.stepFaction,
		RestoreRegion: w.RegionOptions,
		CaptureWorld:  w.Capture,
		RestoreWorld:  w.Restore,
	}
}

// Install registers the world's command handlers on s and loads the
// configured regions. s must have been built with w.Hooks().
func (w *World) Install(s *sim.Scheduler) error {
	s.Handle(sim.TimelineRegion, CommandSpawn, w.handleSpawn)
	s.Handle(sim.TimelineGlobal, CommandLoadRegion, w.handleLoadRegion)
	s.Handle(sim.TimelineGlobal, CommandUnloadRegion, w.handleUnloadRegion)
	for _, id := range w.config.Regions {
		if err := w.loadRegion(s, id, sim.NoFaction); err != nil {
			return err
		}
	}
	return nil
}

// RegionOptions builds the timeline options for region id. Callbacks look
// the region up on every call so they survive a Restore.
func (w *World) RegionOptions(id int32) sim.TimelineOptions {
	opts := sim.TimelineOptions{
		Speed: w.config.InitialSpeed,
		Step:  func(ctx *sim.TickContext) { w.stepRegion(ctx, id) },
		Quiet: func() bool { return w.Population(id) < w.config.QuietThreshold },
	}
	if r, ok := w.regions[id]; ok {
		opts.Owner = r.owner
	}
	return opts
}

func (w *World) loadRegion(s *sim.Scheduler, id int32, owner sim.FactionID) error {
	if _, exists := w.regions[id]; exists {
		return fmt.Errorf("%w: region %d", ErrRegionLoaded, id)
	}
	w.regions[id] = &region{id: id, owner: owner, entities: make(map[int32]*Entity)}
	opts := w.RegionOptions(id)
	opts.IDBlock = sim.NewIDBlock(w.nextBlock, w.config.IDBlockSize)
	if _, err := s.AddRegion(id, opts); err != nil {
		delete(w.regions, id)
		return err
	}
	w.nextBlock += w.config.IDBlockSize
	return nil
}

// Regions lists loaded region ids in ascending order.
func (w *World) Regions() []int32 {
	ids := make([]int32, 0, len(w.regions))
	for id := range w.regions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Population reports how many entities live in region id.
func (w *World) Population(id int32) int {
	r, ok := w.regions[id]
	if !ok {
		return 0
	}
	return len(r.entities)
}

// Entities returns copies of region id's entities ordered by id.
func (w *World) Entities(id int32) []Entity {
	r, ok := w.regions[id]
	if !ok {
		return nil
	}
	out := make([]Entity, 0, len(r.entities))
	for _, eid := range r.sortedIDs() {
		out = append(out, *r.entities[eid])
	}
	return out
}

// Tally returns the accumulated figures for faction id.
func (w *World) Tally(id sim.FactionID) (FactionTally, bool) {
	t, ok := w.tallies[id]
	if !ok {
		return FactionTally{}, false
	}
	return *t, true
}

func (w *World) stepGlobal(*sim.TickContext) {
	w.epoch++
}

func (w *World) stepRegion(ctx *sim.TickContext, id int32) {
	r, ok := w.regions[id]
	if !ok {
		return
	}
	rng := ctx.Rand()
	for _, eid := range r.sortedIDs() {
		e := r.entities[eid]
		e.Energy -= int32(1 + rng.Intn(3))
		if e.Energy <= 0 {
			delete(r.entities, eid)
		}
	}
	if len(r.entities) < w.config.MaxPopulation && rng.Chance(w.config.SpawnChance) {
		w.spawn(ctx, r, ctx.Faction())
	}
}

func (w *World) spawn(ctx *sim.TickContext, r *region, faction sim.FactionID) bool {
	id, err := ctx.NextID()
	if err != nil {
		return false
	}
	r.entities[id] = &Entity{
		ID:      id,
		Faction: faction,
		Born:    ctx.Tick,
		Energy:  int32(20 + ctx.Rand().Intn(20)),
	}
	return true
}

// stepFaction runs on the constant timeline once per online faction.
func (w *World) stepFaction(_ *sim.TickContext, id sim.FactionID) {
	population := 0
	for _, rid := range w.Regions() {
		for _, e := range w.regions[rid].entities {
			if e.Faction == id {
				population++
			}
		}
	}
	t, ok := w.tallies[id]
	if !ok {
		t = &FactionTally{Faction: id}
		w.tallies[id] = t
	}
	t.Population = population
	t.Upkeep += uint64(population)
}

type regionRecord struct {
	ID       int32         `json:"id"`
	Owner    sim.FactionID `json:"owner,omitempty"`
	Entities []Entity      `json:"entities,omitempty"`
}

type worldState struct {
	Epoch     uint64         `json:"epoch"`
	NextBlock int32          `json:"nextBlock"`
	Regions   []regionRecord `json:"regions,omitempty"`
	Tallies   []FactionTally `json:"tallies,omitempty"`
}

// Capture serializes the world in a deterministic order.
func (w *World) Capture() json.RawMessage {
	state := worldState{Epoch: w.epoch, NextBlock: w.nextBlock}
	for _, id := range w.Regions() {
		r := w.regions[id]
		state.Regions = append(state.Regions, regionRecord{ID: id, Owner: r.owner, Entities: w.Entities(id)})
	}
	factions := make([]sim.FactionID, 0, len(w.tallies))
	for id := range w.tallies {
		factions = append(factions, id)
	}
	slices.Sort(factions)
	for _, id := range factions {
		state.Tallies = append(state.Tallies, *w.tallies[id])
	}
	raw, err := json.Marshal(state)
	if err != nil {
		w.logger.Printf("[world] capture failed: %v", err)
		return nil
	}
	return raw
}

// Restore replaces the world with a captured state. An empty message leaves
// the world untouched.
func (w *World) Restore(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var state worldState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode world: %w", err)
	}
	regions := make(map[int32]*region, len(state.Regions))
	for _, rec := range state.Regions {
		r := &region{id: rec.ID, owner: rec.Owner, entities: make(map[int32]*Entity, len(rec.Entities))}
		for _, e := range rec.Entities {
			r.entities[e.ID] = &e
		}
		regions[rec.ID] = r
	}
	tallies := make(map[sim.FactionID]*FactionTally, len(state.Tallies))
	for _, t := range state.Tallies {
		tallies[t.Faction] = &t
	}
	w.epoch = state.Epoch
	w.nextBlock = state.NextBlock
	w.regions = regions
	w.tallies = tallies
	return nil
}

// ErrRegionLoaded reports a load for a region that already exists.
var ErrRegionLoaded = errors.New("region already loaded")
