package sim

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// CommandType tags the handler an envelope is routed to.
type CommandType uint8

const (
	CommandSetTimeSpeed CommandType = iota + 1
	CommandSetIDBlock
	CommandSetupFaction
	CommandFactionOnline
	CommandFactionOffline
	CommandCreateRegionFactionData
	CommandAutosave
)

// CommandUser is the first tag available to handlers registered by the
// simulation layer. Built-in tags stay below it.
const CommandUser CommandType = 64

var (
	commandNamesMu sync.RWMutex
	commandNames   = map[CommandType]string{
		CommandSetTimeSpeed:            "set_time_speed",
		CommandSetIDBlock:              "set_id_block",
		CommandSetupFaction:            "setup_faction",
		CommandFactionOnline:           "faction_online",
		CommandFactionOffline:          "faction_offline",
		CommandCreateRegionFactionData: "create_region_faction_data",
		CommandAutosave:                "autosave",
	}
)

// NameCommand registers the wire name of a simulation-layer tag. It is meant
// to be called from init functions.
func NameCommand(t CommandType, name string) {
	if t < CommandUser {
		panic(fmt.Sprintf("sim: tag %d is reserved for built-in commands", t))
	}
	commandNamesMu.Lock()
	defer commandNamesMu.Unlock()
	commandNames[t] = name
}

func (t CommandType) String() string {
	commandNamesMu.RLock()
	name, ok := commandNames[t]
	commandNamesMu.RUnlock()
	if ok {
		return name
	}
	return fmt.Sprintf("command_%d", uint8(t))
}

// ParseCommandType accepts registered names and the command_N fallback form.
func ParseCommandType(value string) (CommandType, error) {
	commandNamesMu.RLock()
	for t, name := range commandNames {
		if name == value {
			commandNamesMu.RUnlock()
			return t, nil
		}
	}
	commandNamesMu.RUnlock()
	if raw, ok := strings.CutPrefix(value, "command_"); ok {
		if n, err := strconv.ParseUint(raw, 10, 8); err == nil && n > 0 {
			return CommandType(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, value)
}

// TimelineKind distinguishes the timeline flavours owned by the scheduler.
type TimelineKind uint8

const (
	TimelineGlobal TimelineKind = iota
	TimelineConstant
	TimelineRegion
)

func (k TimelineKind) String() string {
	switch k {
	case TimelineGlobal:
		return "global"
	case TimelineConstant:
		return "constant"
	case TimelineRegion:
		return "region"
	default:
		return "unknown"
	}
}

// TimelineRef addresses a timeline. Region is only meaningful for region timelines.
type TimelineRef struct {
	Kind   TimelineKind `json:"kind"`
	Region int32        `json:"region,omitempty"`
}

var (
	GlobalRef   = TimelineRef{Kind: TimelineGlobal}
	ConstantRef = TimelineRef{Kind: TimelineConstant}
)

// RegionRef addresses the timeline of a loaded region.
func RegionRef(id int32) TimelineRef {
	return TimelineRef{Kind: TimelineRegion, Region: id}
}

func (r TimelineRef) String() string {
	if r.Kind == TimelineRegion {
		return "region:" + strconv.FormatInt(int64(r.Region), 10)
	}
	return r.Kind.String()
}

// ParseTimelineRef accepts the forms produced by TimelineRef.String.
func ParseTimelineRef(value string) (TimelineRef, error) {
	switch value {
	case "global":
		return GlobalRef, nil
	case "constant":
		return ConstantRef, nil
	}
	raw, ok := strings.CutPrefix(value, "region:")
	if !ok {
		return TimelineRef{}, fmt.Errorf("%w: %q", ErrUnknownTimeline, value)
	}
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return TimelineRef{}, fmt.Errorf("%w: %q", ErrUnknownTimeline, value)
	}
	return RegionRef(int32(id)), nil
}

// FactionID identifies a faction. Real factions are positive; the zero value
// NoFaction marks an unowned envelope or timeline.
type FactionID int32

const NoFaction FactionID = 0

// Envelope is a command addressed to a timeline at a target tick. The
// scheduler copies it on enqueue; callers must not rely on mutating it later.
type Envelope struct {
	TargetTick    uint64      `json:"targetTick"`
	Timeline      TimelineRef `json:"timeline"`
	Faction       FactionID   `json:"faction"`
	Type          CommandType `json:"type"`
	Payload       []byte      `json:"payload,omitempty"`
	IssuedLocally bool        `json:"issuedLocally,omitempty"`
	// Seq is the enqueue order. Zero asks the scheduler to assign the next one.
	Seq uint64 `json:"seq,omitempty"`

	deferred bool
}

// HasFaction reports whether the envelope names an acting faction.
func (e Envelope) HasFaction() bool {
	return e.Faction != NoFaction
}

// Deferred reports whether the envelope was issued from inside the tick loop.
func (e Envelope) Deferred() bool {
	return e.deferred
}

// before is the queue ordering: target tick, then externally sequenced
// envelopes ahead of ones issued during the tick loop, then enqueue order.
func (e Envelope) before(other Envelope) bool {
	if e.TargetTick != other.TargetTick {
		return e.TargetTick < other.TargetTick
	}
	if e.deferred != other.deferred {
		return !e.deferred
	}
	return e.Seq < other.Seq
}

func (e Envelope) clone() Envelope {
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	return e
}
