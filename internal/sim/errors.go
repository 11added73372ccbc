package sim

import "errors"

var (
	ErrUnknownTimeline  = errors.New("unknown timeline")
	ErrTimelineExists   = errors.New("timeline already exists")
	ErrLateCommand      = errors.New("command targets a tick that already ran")
	ErrUnknownCommand   = errors.New("no handler for command type")
	ErrUnknownFaction   = errors.New("unknown faction")
	ErrHandlerPanic     = errors.New("command handler panicked")
	ErrIDBlockExhausted = errors.New("id block exhausted")
	ErrNoIDBlock        = errors.New("no id block installed")
	ErrPayloadShort     = errors.New("payload too short")
	ErrInvalidSpeed     = errors.New("invalid time speed")
	ErrInsideTick       = errors.New("not allowed inside the tick loop")
)
