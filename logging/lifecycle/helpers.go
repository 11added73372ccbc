package lifecycle

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventTimelineAdded is emitted when a region loads and its timeline joins the scheduler.
	EventTimelineAdded logging.EventType = "lifecycle.timeline_added"
	// EventTimelineRemoved is emitted when a region unloads.
	EventTimelineRemoved logging.EventType = "lifecycle.timeline_removed"
	// EventSpeedChanged is emitted when a timeline's time speed changes.
	EventSpeedChanged logging.EventType = "lifecycle.speed_changed"
	// EventFactionSetup is emitted when a faction's world data is created.
	EventFactionSetup logging.EventType = "lifecycle.faction_setup"
	// EventFactionPresence is emitted when a faction goes online or offline.
	EventFactionPresence logging.EventType = "lifecycle.faction_presence"
	// EventAutosave is emitted when an autosave is queued and again when it completes.
	EventAutosave logging.EventType = "lifecycle.autosave"
)

// TimelinePayload describes a timeline joining or leaving the scheduler.
type TimelinePayload struct {
	Timeline        string `json:"timeline"`
	Owner           int32  `json:"owner"`
	DroppedCommands int    `json:"droppedCommands,omitempty"`
}

// SpeedPayload captures a speed transition.
type SpeedPayload struct {
	Timeline string `json:"timeline"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// PresencePayload captures a faction online flag change.
type PresencePayload struct {
	Online bool `json:"online"`
}

// AutosavePayload captures autosave progress.
type AutosavePayload struct {
	Stage string `json:"stage"`
	Error string `json:"error,omitempty"`
}

// TimelineAdded publishes a timeline registration.
func TimelineAdded(ctx context.Context, pub logging.Publisher, tick uint64, payload TimelinePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTimelineAdded,
		Tick:     tick,
		Actor:    logging.TimelineRef(payload.Timeline),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// TimelineRemoved publishes a timeline removal. Removal is a notable event so it is logged at warn.
func TimelineRemoved(ctx context.Context, pub logging.Publisher, tick uint64, payload TimelinePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTimelineRemoved,
		Tick:     tick,
		Actor:    logging.TimelineRef(payload.Timeline),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// SpeedChanged publishes a speed transition.
func SpeedChanged(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SpeedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSpeedChanged,
		Tick:     tick,
		Actor:    actor,
		Targets:  []logging.EntityRef{logging.TimelineRef(payload.Timeline)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// FactionSetup publishes the creation of a faction's world data.
func FactionSetup(ctx context.Context, pub logging.Publisher, tick uint64, faction logging.EntityRef, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFactionSetup,
		Tick:     tick,
		Actor:    faction,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Extra:    extra,
	})
}

// FactionPresence publishes a faction going online or offline.
func FactionPresence(ctx context.Context, pub logging.Publisher, tick uint64, faction logging.EntityRef, payload PresencePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFactionPresence,
		Tick:     tick,
		Actor:    faction,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}

// Autosave publishes autosave progress. Failures are logged at error.
func Autosave(ctx context.Context, pub logging.Publisher, tick uint64, payload AutosavePayload, extra map[string]any) {
	if pub == nil {
		return
	}
	severity := logging.SeverityInfo
	if payload.Error != "" {
		severity = logging.SeverityError
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventAutosave,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
		Severity: severity,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
		Extra:    extra,
	})
}
