package scheduler

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventCommandDropped is emitted when an envelope is discarded before or instead of dispatch.
	EventCommandDropped logging.EventType = "scheduler.command_dropped"
	// EventCommandDeferred is emitted when a re-entrant enqueue is moved to the next tick.
	EventCommandDeferred logging.EventType = "scheduler.command_deferred"
	// EventHandlerFailed is emitted when a command handler returns an error or panics.
	EventHandlerFailed logging.EventType = "scheduler.handler_failed"
	// EventStepFailed is emitted when a timeline's simulation callback panics.
	EventStepFailed logging.EventType = "scheduler.step_failed"
	// EventIDBlockExhausted is emitted the first time a timeline runs out of ids in its block.
	EventIDBlockExhausted logging.EventType = "scheduler.id_block_exhausted"
	// EventDesyncDetected is emitted when a peer reports a different checksum for the same tick.
	EventDesyncDetected logging.EventType = "scheduler.desync_detected"
	// EventCatchUp is emitted when the scheduler grants extra ticks to close the gap to the ceiling.
	EventCatchUp logging.EventType = "scheduler.catch_up"
)

// Drop reasons carried in CommandPayload.Reason.
const (
	ReasonUnknownTimeline = "unknown_timeline"
	ReasonUnknownType     = "unknown_type"
	ReasonUnknownFaction  = "unknown_faction"
	ReasonLate            = "late"
	ReasonTimelineRemoved = "timeline_removed"
	ReasonInboxFull       = "inbox_full"
)

// CommandPayload describes the envelope an event is about.
type CommandPayload struct {
	Timeline   string `json:"timeline"`
	Type       string `json:"type"`
	TargetTick uint64 `json:"targetTick"`
	Faction    int32  `json:"faction"`
	Reason     string `json:"reason,omitempty"`
}

// HandlerFailedPayload adds the failure to the command description.
type HandlerFailedPayload struct {
	CommandPayload
	Error    string `json:"error"`
	Panicked bool   `json:"panicked"`
}

type StepFailedPayload struct {
	Timeline string `json:"timeline"`
	Error    string `json:"error"`
}

type IDBlockPayload struct {
	Timeline string `json:"timeline"`
	Start    int32  `json:"start"`
	Size     int32  `json:"size"`
}

type DesyncPayload struct {
	Timeline string `json:"timeline"`
	Peer     string `json:"peer"`
	Local    string `json:"local"`
	Remote   string `json:"remote"`
}

type CatchUpPayload struct {
	Ceiling uint64 `json:"ceiling"`
	Behind  uint64 `json:"behind"`
	Granted uint64 `json:"granted"`
}

// CommandDropped publishes a warning for an envelope that will never run.
func CommandDropped(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommandPayload, extra map[string]any) {
	publish(ctx, pub, EventCommandDropped, logging.SeverityWarn, tick, actor, payload, extra)
}

// CommandDeferred publishes a debug event when an envelope is pushed to the next tick.
func CommandDeferred(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload CommandPayload, extra map[string]any) {
	publish(ctx, pub, EventCommandDeferred, logging.SeverityDebug, tick, actor, payload, extra)
}

// HandlerFailed publishes an error for a failed command.
func HandlerFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload HandlerFailedPayload, extra map[string]any) {
	publish(ctx, pub, EventHandlerFailed, logging.SeverityError, tick, actor, payload, extra)
}

// StepFailed publishes an error for a panicking simulation step.
func StepFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload StepFailedPayload, extra map[string]any) {
	publish(ctx, pub, EventStepFailed, logging.SeverityError, tick, actor, payload, extra)
}

// IDBlockExhausted publishes an error when a timeline cannot allocate further ids.
func IDBlockExhausted(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload IDBlockPayload, extra map[string]any) {
	publish(ctx, pub, EventIDBlockExhausted, logging.SeverityError, tick, actor, payload, extra)
}

// DesyncDetected publishes an error when peers disagree on a timeline checksum.
func DesyncDetected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DesyncPayload, extra map[string]any) {
	publish(ctx, pub, EventDesyncDetected, logging.SeverityError, tick, actor, payload, extra)
}

// CatchUp publishes an info event when a frame is granted a catch-up burst.
func CatchUp(ctx context.Context, pub logging.Publisher, tick uint64, payload CatchUpPayload, extra map[string]any) {
	publish(ctx, pub, EventCatchUp, logging.SeverityInfo, tick, logging.EntityRef{Kind: logging.EntityKindWorld}, payload, extra)
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryScheduler,
		Payload:  payload,
		Extra:    extra,
	})
}
