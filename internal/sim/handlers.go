package sim

import (
	"context"
	"errors"
	"fmt"

	"lockstep/server/logging"
	"lockstep/server/logging/lifecycle"
)

func (s *Scheduler) registerBuiltins() {
	global := s.dispatchers[TimelineGlobal]
	global.Register(CommandSetTimeSpeed, s.handleSetTimeSpeed)
	global.Register(CommandSetIDBlock, s.handleSetIDBlock)
	global.Register(CommandSetupFaction, s.handleSetupFaction)
	global.Register(CommandFactionOnline, s.handleFactionPresence(true))
	global.Register(CommandFactionOffline, s.handleFactionPresence(false))
	global.Register(CommandAutosave, s.handleAutosave)

	region := s.dispatchers[TimelineRegion]
	region.Register(CommandSetTimeSpeed, s.handleSetTimeSpeed)
	region.Register(CommandSetIDBlock, s.handleSetIDBlock)
	region.Register(CommandCreateRegionFactionData, s.handleCreateRegionFactionData)

	s.dispatchers[TimelineConstant].Register(CommandSetIDBlock, s.handleSetIDBlock)
}

// SetTimeSpeedPayload encodes the payload of CommandSetTimeSpeed.
func SetTimeSpeedPayload(speed TimeSpeed) []byte {
	return new(PayloadWriter).Uint8(uint8(speed)).Build()
}

// SetIDBlockPayload encodes the payload of CommandSetIDBlock.
func SetIDBlockPayload(state IDBlockState) []byte {
	return new(PayloadWriter).Int32(state.Start).Int32(state.Size).Int32(state.Offset).Build()
}

// FactionPayload encodes the payload of the faction commands.
func FactionPayload(id FactionID) []byte {
	return new(PayloadWriter).Int32(int32(id)).Build()
}

func (s *Scheduler) handleSetTimeSpeed(ctx *TickContext, payload *PayloadReader) error {
	raw, err := payload.Uint8()
	if err != nil {
		return err
	}
	speed := TimeSpeed(raw)
	if !speed.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSpeed, raw)
	}
	t := ctx.timeline
	if t.speed == speed {
		return nil
	}
	prev := t.speed
	t.speed = speed
	lifecycle.SpeedChanged(s.ctx, s.publisher, ctx.Tick, actorFor(ctx.Faction()), lifecycle.SpeedPayload{
		Timeline: t.ref.String(),
		From:     prev.String(),
		To:       speed.String(),
	}, nil)
	return nil
}

func (s *Scheduler) handleSetIDBlock(ctx *TickContext, payload *PayloadReader) error {
	var state IDBlockState
	var err error
	if state.Start, err = payload.Int32(); err != nil {
		return err
	}
	if state.Size, err = payload.Int32(); err != nil {
		return err
	}
	if payload.Remaining() >= 4 {
		if state.Offset, err = payload.Int32(); err != nil {
			return err
		}
	}
	ctx.timeline.setIDBlock(RestoreIDBlock(state))
	return nil
}

func (s *Scheduler) handleSetupFaction(ctx *TickContext, payload *PayloadReader) error {
	id, err := payload.Int32()
	if err != nil {
		return err
	}
	if FactionID(id) <= NoFaction {
		return fmt.Errorf("%w: %d", ErrUnknownFaction, id)
	}
	if s.factions.setup(FactionID(id)) {
		lifecycle.FactionSetup(s.ctx, s.publisher, ctx.Tick, logging.FactionRef(id), nil)
	}
	return nil
}

func (s *Scheduler) handleFactionPresence(online bool) Handler {
	return func(ctx *TickContext, payload *PayloadReader) error {
		id, err := payload.Int32()
		if err != nil {
			return err
		}
		data, ok := s.factions.get(FactionID(id))
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownFaction, id)
		}
		if data.Online == online {
			return nil
		}
		data.Online = online
		lifecycle.FactionPresence(s.ctx, s.publisher, ctx.Tick, logging.FactionRef(id), lifecycle.PresencePayload{Online: online}, nil)
		return nil
	}
}

func (s *Scheduler) handleCreateRegionFactionData(ctx *TickContext, payload *PayloadReader) error {
	id, err := payload.Int32()
	if err != nil {
		return err
	}
	faction := FactionID(id)
	if !s.factions.known(faction) {
		return fmt.Errorf("%w: %d", ErrUnknownFaction, id)
	}
	ctx.timeline.regionFactions[faction] = struct{}{}
	return nil
}

// handleAutosave pauses the world on every peer at the same tick and queues
// the save itself as a long event.
func (s *Scheduler) handleAutosave(ctx *TickContext, _ *PayloadReader) error {
	t := ctx.timeline
	if t.speed != SpeedPaused {
		prev := t.speed
		t.speed = SpeedPaused
		lifecycle.SpeedChanged(s.ctx, s.publisher, ctx.Tick, actorFor(ctx.Faction()), lifecycle.SpeedPayload{
			Timeline: t.ref.String(),
			From:     prev.String(),
			To:       SpeedPaused.String(),
		}, nil)
	}
	tick := ctx.Tick
	lifecycle.Autosave(s.ctx, s.publisher, tick, lifecycle.AutosavePayload{Stage: "queued"}, nil)
	s.QueueLongEvent(LongEvent{
		Name: "autosave",
		Run: func(runCtx context.Context) error {
			err := s.autosave(runCtx)
			payload := lifecycle.AutosavePayload{Stage: "completed"}
			if err != nil {
				payload = lifecycle.AutosavePayload{Stage: "failed", Error: err.Error()}
			}
			lifecycle.Autosave(s.ctx, s.publisher, s.Tick(), payload, nil)
			return err
		},
	})
	return nil
}

var errNoSaver = errors.New("no snapshot saver configured")

func (s *Scheduler) autosave(ctx context.Context) error {
	if s.saver == nil {
		return errNoSaver
	}
	return s.saver.SaveSnapshot(ctx, s.Snapshot())
}

func actorFor(id FactionID) logging.EntityRef {
	if id == NoFaction {
		return logging.EntityRef{Kind: logging.EntityKindWorld}
	}
	return logging.FactionRef(int32(id))
}
