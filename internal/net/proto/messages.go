package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"lockstep/server/internal/sim"
)

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// Client message type identifiers.
const (
	TypeCommand     = "command"
	TypeCeiling     = "ceiling"
	TypeChecksum    = "checksum"
	TypeHeartbeat   = "heartbeat"
	TypeKeyframeReq = "keyframeRequest"
)

// Server message type identifiers.
const (
	TypeWelcome       = "welcome"
	TypeCommandAck    = "commandAck"
	TypeCommandReject = "commandReject"
	TypeKeyframe      = "keyframe"
	TypeKeyframeNack  = "keyframeNack"
	TypeResync        = "resync"
)

// Reject reasons sent back to peers.
const (
	RejectMalformed   = "malformed"
	RejectRateLimited = "rate_limited"
	RejectLate        = "late"
	RejectNotHost     = "not_host"
	RejectInboxFull   = sim.DeliveryRejectFull
	RejectPeerLimit   = sim.DeliveryRejectPeerLimit
)

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingField       = errors.New("missing field")
)

// ClientMessage captures an inbound websocket message from a peer.
type ClientMessage struct {
	Ver         int     `json:"ver,omitempty"`
	Type        string  `json:"type" jsonschema:"enum=command,enum=ceiling,enum=checksum,enum=heartbeat,enum=keyframeRequest"`
	Seq         uint64  `json:"seq,omitempty" jsonschema:"description=Peer-local sequence echoed in acks"`
	Order       uint64  `json:"order,omitempty" jsonschema:"description=Host-assigned enqueue order on relayed commands"`
	Tick        uint64  `json:"tick"`
	Timeline    string  `json:"timeline,omitempty" jsonschema:"description=global or constant or region:N"`
	Faction     int32   `json:"faction,omitempty"`
	Cmd         string  `json:"cmd,omitempty"`
	Payload     []byte  `json:"payload,omitempty" jsonschema:"description=Base64 little-endian command payload"`
	Checksum    string  `json:"checksum,omitempty"`
	SentAt      int64   `json:"sentAt,omitempty"`
	KeyframeSeq *uint64 `json:"keyframeSeq,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("%w: %d", ErrUnsupportedVersion, msg.Ver)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: type", ErrMissingField)
	}
	return msg, nil
}

// TimelineRef parses the addressed timeline.
func (m ClientMessage) TimelineRef() (sim.TimelineRef, error) {
	if m.Timeline == "" {
		return sim.TimelineRef{}, fmt.Errorf("%w: timeline", ErrMissingField)
	}
	return sim.ParseTimelineRef(m.Timeline)
}

// Envelope converts a command message. Order becomes the enqueue sequence;
// the peer's Seq only correlates acks.
func (m ClientMessage) Envelope() (sim.Envelope, error) {
	if m.Type != TypeCommand {
		return sim.Envelope{}, fmt.Errorf("message type %q is not a command", m.Type)
	}
	ref, err := m.TimelineRef()
	if err != nil {
		return sim.Envelope{}, err
	}
	if m.Cmd == "" {
		return sim.Envelope{}, fmt.Errorf("%w: cmd", ErrMissingField)
	}
	typ, err := sim.ParseCommandType(m.Cmd)
	if err != nil {
		return sim.Envelope{}, err
	}
	return sim.Envelope{
		TargetTick: m.Tick,
		Timeline:   ref,
		Faction:    sim.FactionID(m.Faction),
		Type:       typ,
		Payload:    m.Payload,
		Seq:        m.Order,
	}, nil
}

// CommandMessage renders an envelope for relay to peers. The envelope's
// enqueue sequence travels as Order.
func CommandMessage(env sim.Envelope) ClientMessage {
	return ClientMessage{
		Ver:      Version,
		Type:     TypeCommand,
		Order:    env.Seq,
		Tick:     env.TargetTick,
		Timeline: env.Timeline.String(),
		Faction:  int32(env.Faction),
		Cmd:      env.Type.String(),
		Payload:  env.Payload,
	}
}

type WelcomeMessage struct {
	Ver     int    `json:"ver"`
	Type    string `json:"type"`
	Session string `json:"session"`
	Tick    uint64 `json:"tick"`
	Seed    string `json:"seed"`
}

type CommandAckMessage struct {
	Ver  int    `json:"ver"`
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
	Tick uint64 `json:"tick,omitempty"`
}

type CommandRejectMessage struct {
	Ver    int    `json:"ver"`
	Type   string `json:"type"`
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
	Retry  bool   `json:"retry,omitempty"`
	Tick   uint64 `json:"tick,omitempty"`
}

type HeartbeatMessage struct {
	Ver        int    `json:"ver"`
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	ClientTime int64  `json:"clientTime"`
	Tick       uint64 `json:"tick"`
}

type KeyframeMessage struct {
	Ver      int               `json:"ver"`
	Type     string            `json:"type"`
	Sequence uint64            `json:"sequence"`
	Tick     uint64            `json:"tick"`
	Snapshot sim.WorldSnapshot `json:"snapshot"`
}

type KeyframeNackMessage struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason"`
}

type ResyncMessage struct {
	Ver    int              `json:"ver"`
	Type   string           `json:"type"`
	Signal sim.ResyncSignal `json:"signal"`
	// Keyframe is the sequence peers should request to rehydrate.
	Keyframe uint64 `json:"keyframe,omitempty"`
}

func NewWelcome(session string, tick uint64, seed string) WelcomeMessage {
	return WelcomeMessage{Ver: Version, Type: TypeWelcome, Session: session, Tick: tick, Seed: seed}
}

func NewCommandAck(seq, tick uint64) CommandAckMessage {
	return CommandAckMessage{Ver: Version, Type: TypeCommandAck, Seq: seq, Tick: tick}
}

// NewCommandReject builds a reject. Capacity rejections are marked retryable.
func NewCommandReject(seq uint64, reason string) CommandRejectMessage {
	retry := reason == RejectInboxFull || reason == RejectPeerLimit || reason == RejectRateLimited
	return CommandRejectMessage{Ver: Version, Type: TypeCommandReject, Seq: seq, Reason: reason, Retry: retry}
}

func NewHeartbeat(serverTime, clientTime int64, tick uint64) HeartbeatMessage {
	return HeartbeatMessage{Ver: Version, Type: TypeHeartbeat, ServerTime: serverTime, ClientTime: clientTime, Tick: tick}
}

func NewKeyframe(frame sim.Keyframe) KeyframeMessage {
	return KeyframeMessage{Ver: Version, Type: TypeKeyframe, Sequence: frame.Sequence, Tick: frame.Tick, Snapshot: frame.Snapshot}
}

func NewKeyframeNack(sequence uint64, reason string) KeyframeNackMessage {
	return KeyframeNackMessage{Ver: Version, Type: TypeKeyframeNack, Sequence: sequence, Reason: reason}
}

func NewResync(signal sim.ResyncSignal, keyframe uint64) ResyncMessage {
	return ResyncMessage{Ver: Version, Type: TypeResync, Signal: signal, Keyframe: keyframe}
}
