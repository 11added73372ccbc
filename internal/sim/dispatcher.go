package sim

import (
	"fmt"

	schedlog "lockstep/server/logging/scheduler"
)

// Handler applies one command. It runs inside the target timeline's context
// with the acting faction pushed, and reads its arguments from payload.
type Handler func(ctx *TickContext, payload *PayloadReader) error

// Dispatcher routes drained envelopes of one timeline kind to their handlers.
type Dispatcher struct {
	kind     TimelineKind
	handlers map[CommandType]Handler
}

func NewDispatcher(kind TimelineKind) *Dispatcher {
	return &Dispatcher{kind: kind, handlers: make(map[CommandType]Handler)}
}

func (d *Dispatcher) Kind() TimelineKind {
	return d.kind
}

// Register binds typ to h, replacing any earlier handler.
func (d *Dispatcher) Register(typ CommandType, h Handler) {
	if h == nil {
		delete(d.handlers, typ)
		return
	}
	d.handlers[typ] = h
}

func (d *Dispatcher) Handles(typ CommandType) bool {
	_, ok := d.handlers[typ]
	return ok
}

// DrainDue dispatches every envelope due at tick in queue order and then runs
// the timeline's post-pass once if anything was drained.
func (d *Dispatcher) DrainDue(t *Timeline, tick uint64) int {
	batch := t.queue.PopDue(tick)
	if len(batch) == 0 {
		return 0
	}
	for _, env := range batch {
		if t.removed {
			t.sched.dropCommand(env, schedlog.ReasonTimelineRemoved)
			continue
		}
		_ = d.Dispatch(t, env)
	}
	if !t.removed {
		d.afterBatch(t, tick)
	}
	return len(batch)
}

// Dispatch runs a single envelope against t. Failures are reported and
// returned; they never escape as panics.
func (d *Dispatcher) Dispatch(t *Timeline, env Envelope) (err error) {
	s := t.sched
	if env.HasFaction() && env.Type != CommandSetupFaction && !s.factions.known(env.Faction) {
		s.dropCommand(env, schedlog.ReasonUnknownFaction)
		return fmt.Errorf("%w: %d", ErrUnknownFaction, env.Faction)
	}
	handler, ok := d.handlers[env.Type]
	if !ok {
		s.dropCommand(env, schedlog.ReasonUnknownType)
		return fmt.Errorf("%w: %s on %s", ErrUnknownCommand, env.Type, t.ref)
	}

	exec := s.exec
	prev := t.enter(exec, env.IssuedLocally)
	defer t.leave(exec, prev)
	if env.HasFaction() {
		exec.factions.Push(env.Faction)
	}

	defer func() {
		panicked := false
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			panicked = true
		}
		if err != nil {
			s.reportHandlerFailure(t, env, err, panicked)
			return
		}
		s.metrics.Add(metricDispatchedTotal, 1)
	}()
	return handler(t.tickContext(s.Tick(), &env), NewPayloadReader(env.Payload))
}

func (d *Dispatcher) afterBatch(t *Timeline, tick uint64) {
	if t.afterCommands == nil {
		return
	}
	exec := t.sched.exec
	prev := t.enter(exec, false)
	defer t.leave(exec, prev)
	defer func() {
		if r := recover(); r != nil {
			t.sched.reportStepFailure(t, fmt.Errorf("post-command pass panicked: %v", r))
		}
	}()
	t.afterCommands(t.tickContext(tick, nil))
}
