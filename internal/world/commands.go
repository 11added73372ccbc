package world

import (
	"fmt"

	"lockstep/server/internal/sim"
)

const (
	// CommandSpawn adds entities to the target region for the envelope's faction.
	CommandSpawn = sim.CommandUser + iota
	// CommandLoadRegion starts a region timeline. Global timeline only.
	CommandLoadRegion
	// CommandUnloadRegion stops a region timeline. Global timeline only.
	CommandUnloadRegion
)

func init() {
	sim.NameCommand(CommandSpawn, "spawn")
	sim.NameCommand(CommandLoadRegion, "load_region")
	sim.NameCommand(CommandUnloadRegion, "unload_region")
}

// SpawnPayload encodes the payload of CommandSpawn.
func SpawnPayload(count int32) []byte {
	return new(sim.PayloadWriter).Int32(count).Build()
}

// LoadRegionPayload encodes the payload of CommandLoadRegion.
func LoadRegionPayload(id int32, owner sim.FactionID) []byte {
	return new(sim.PayloadWriter).Int32(id).Int32(int32(owner)).Build()
}

// UnloadRegionPayload encodes the payload of CommandUnloadRegion.
func UnloadRegionPayload(id int32) []byte {
	return new(sim.PayloadWriter).Int32(id).Build()
}

func (w *World) handleSpawn(ctx *sim.TickContext, payload *sim.PayloadReader) error {
	count, err := payload.Int32()
	if err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("spawn count %d must be positive", count)
	}
	count = min(count, maxSpawnPerCommand)
	r, ok := w.regions[ctx.Timeline.Region]
	if !ok {
		return fmt.Errorf("%w: %s", sim.ErrUnknownTimeline, ctx.Timeline)
	}
	faction := ctx.Faction()
	for i := int32(0); i < count && len(r.entities) < w.config.MaxPopulation; i++ {
		if !w.spawn(ctx, r, faction) {
			break
		}
	}
	return nil
}

func (w *World) handleLoadRegion(ctx *sim.TickContext, payload *sim.PayloadReader) error {
	id, err := payload.Int32()
	if err != nil {
		return err
	}
	owner, err := payload.Int32()
	if err != nil {
		return err
	}
	if err := w.loadRegion(ctx.Scheduler(), id, sim.FactionID(owner)); err != nil {
		return err
	}
	w.logger.Printf("[world] region %d loaded at tick %d (owner %d)", id, ctx.Tick, owner)
	return nil
}

func (w *World) handleUnloadRegion(ctx *sim.TickContext, payload *sim.PayloadReader) error {
	id, err := payload.Int32()
	if err != nil {
		return err
	}
	if err := ctx.Scheduler().RemoveRegion(id); err != nil {
		return err
	}
	delete(w.regions, id)
	w.logger.Printf("[world] region %d unloaded at tick %d", id, ctx.Tick)
	return nil
}
