package network

import (
	"context"

	"lockstep/server/logging"
)

const (
	// EventPeerConnected is emitted when a peer's websocket session starts.
	EventPeerConnected logging.EventType = "network.peer_connected"
	// EventPeerDisconnected is emitted when a peer's session ends.
	EventPeerDisconnected logging.EventType = "network.peer_disconnected"
	// EventEnvelopeRejected is emitted when an inbound message never reaches the scheduler.
	EventEnvelopeRejected logging.EventType = "network.envelope_rejected"
)

// SessionPayload identifies a transport session.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// RejectPayload captures why an inbound message was refused.
type RejectPayload struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Reason    string `json:"reason"`
}

// PeerConnected publishes an info event when a peer connects.
func PeerConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerConnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// PeerDisconnected publishes an info event when a peer disconnects.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SessionPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventPeerDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// EnvelopeRejected publishes a warning when an inbound message is refused.
func EnvelopeRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RejectPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventEnvelopeRejected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
