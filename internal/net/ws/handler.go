package ws

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lockstep/server/internal/desync"
	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/sim"
	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
	"lockstep/server/logging/network"
)

// Checksums receives peer-reported step checksums.
type Checksums interface {
	ObserveRemote(ctx context.Context, peer string, ref sim.TimelineRef, tick uint64, sum desync.Checksum)
}

// Keyframes serves rehydrate requests.
type Keyframes interface {
	KeyframeBySequence(sequence uint64) (sim.Keyframe, bool)
	Latest() (sim.Keyframe, bool)
}

type HandlerConfig struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Intake    intake.CommandContext
	Checksums Checksums
	Keyframes Keyframes
	Seed      string
	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64
	CheckOrigin     func(*nethttp.Request) bool
}

type Handler struct {
	cfg      HandlerConfig
	hub      *Hub
	upgrader websocket.Upgrader
	tracer   trace.Tracer
}

func NewHandler(hub *Hub, cfg HandlerConfig) *Handler {
	if hub == nil {
		hub = NewHub()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*nethttp.Request) bool { return true }
	}
	if cfg.Intake.IsHost == nil {
		cfg.Intake.IsHost = hub.IsHost
	}
	if cfg.Intake.Inbox != nil {
		cfg.Intake.Inbox = intake.NewSequencer(cfg.Intake.Inbox, hub.relay)
	}
	return &Handler{
		cfg: cfg,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		tracer: observability.Tracer(),
	}
}

func (h *Handler) Hub() *Hub { return h.hub }

func (h *Handler) tick() uint64 {
	if h.cfg.Intake.Tick == nil {
		return 0
	}
	return h.cfg.Intake.Tick()
}

// ServeHTTP upgrades the request and runs the session until the peer leaves.
// Peers may pick their id with ?peer=; otherwise one is generated.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		peerID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Printf("[ws] upgrade failed for %s: %v", peerID, err)
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	session := newSession(peerID, conn)
	ctx := r.Context()
	h.hub.add(session)
	network.PeerConnected(ctx, h.cfg.Publisher, h.tick(), logging.PeerRef(peerID), network.SessionPayload{SessionID: peerID}, nil)

	reason := h.serve(ctx, session)

	h.hub.remove(peerID)
	h.cfg.Intake.Limiter.Forget(peerID)
	session.close(websocket.CloseNormalClosure, reason)
	network.PeerDisconnected(ctx, h.cfg.Publisher, h.tick(), logging.PeerRef(peerID), network.SessionPayload{SessionID: peerID, Reason: reason}, nil)
}

func (h *Handler) serve(ctx context.Context, session *Session) string {
	if err := session.WriteJSON(proto.NewWelcome(session.id, h.tick(), h.cfg.Seed)); err != nil {
		return "write failed"
	}
	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed"
			}
			return "read failed"
		}
		if !h.handleMessage(ctx, session, payload) {
			return "write failed"
		}
	}
}

// handleMessage processes one frame. It reports false when the session can
// no longer be written to.
func (h *Handler) handleMessage(ctx context.Context, session *Session, payload []byte) bool {
	ctx, span := h.tracer.Start(ctx, "ws.message", trace.WithAttributes(attribute.String("peer", session.id)))
	defer span.End()

	msg, err := proto.DecodeClientMessage(payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		h.reject(ctx, session, "", 0, proto.RejectMalformed)
		return session.WriteJSON(proto.NewCommandReject(0, proto.RejectMalformed)) == nil
	}
	span.SetAttributes(attribute.String("type", msg.Type), attribute.Int64("tick", int64(msg.Tick)))

	switch msg.Type {
	case proto.TypeCommand:
		return h.handleCommand(ctx, session, msg)
	case proto.TypeCeiling:
		if ok, reason := intake.StageCeiling(h.cfg.Intake, session.id, msg); !ok {
			h.reject(ctx, session, msg.Type, msg.Seq, reason)
			return session.WriteJSON(proto.NewCommandReject(msg.Seq, reason)) == nil
		}
		return true
	case proto.TypeChecksum:
		h.handleChecksum(ctx, session, msg)
		return true
	case proto.TypeHeartbeat:
		return session.WriteJSON(proto.NewHeartbeat(time.Now().UnixMilli(), msg.SentAt, h.tick())) == nil
	case proto.TypeKeyframeReq:
		return h.handleKeyframeRequest(session, msg)
	default:
		h.cfg.Logger.Printf("[ws] unknown message type %q from %s", msg.Type, session.id)
		return true
	}
}

func (h *Handler) handleCommand(ctx context.Context, session *Session, msg proto.ClientMessage) bool {
	if msg.Seq > 0 {
		if last := session.LastCommandSeq(); last > 0 && msg.Seq <= last {
			return session.WriteJSON(proto.NewCommandAck(msg.Seq, msg.Tick)) == nil
		}
	}
	env, ok, reason := intake.StageClientCommand(h.cfg.Intake, session.id, msg)
	if !ok {
		h.reject(ctx, session, msg.Type, msg.Seq, reason)
		if msg.Seq == 0 {
			return true
		}
		return session.WriteJSON(proto.NewCommandReject(msg.Seq, reason)) == nil
	}
	if msg.Seq == 0 {
		return true
	}
	if err := session.WriteJSON(proto.NewCommandAck(msg.Seq, env.TargetTick)); err != nil {
		return false
	}
	session.StoreLastCommandSeq(msg.Seq)
	return true
}

func (h *Handler) handleChecksum(ctx context.Context, session *Session, msg proto.ClientMessage) {
	if h.cfg.Checksums == nil {
		return
	}
	ref, err := msg.TimelineRef()
	if err != nil {
		h.reject(ctx, session, msg.Type, msg.Seq, proto.RejectMalformed)
		return
	}
	sum, err := desync.ParseChecksum(msg.Checksum)
	if err != nil {
		h.reject(ctx, session, msg.Type, msg.Seq, proto.RejectMalformed)
		return
	}
	h.cfg.Checksums.ObserveRemote(ctx, session.id, ref, msg.Tick, sum)
}

func (h *Handler) handleKeyframeRequest(session *Session, msg proto.ClientMessage) bool {
	if h.cfg.Keyframes == nil {
		return session.WriteJSON(proto.NewKeyframeNack(0, "unavailable")) == nil
	}
	var (
		frame sim.Keyframe
		ok    bool
	)
	if msg.KeyframeSeq != nil && *msg.KeyframeSeq > 0 {
		frame, ok = h.cfg.Keyframes.KeyframeBySequence(*msg.KeyframeSeq)
	} else {
		frame, ok = h.cfg.Keyframes.Latest()
	}
	if !ok {
		var seq uint64
		if msg.KeyframeSeq != nil {
			seq = *msg.KeyframeSeq
		}
		return session.WriteJSON(proto.NewKeyframeNack(seq, "expired")) == nil
	}
	return session.WriteJSON(proto.NewKeyframe(frame)) == nil
}

func (h *Handler) reject(ctx context.Context, session *Session, msgType string, seq uint64, reason string) {
	network.EnvelopeRejected(ctx, h.cfg.Publisher, h.tick(), logging.PeerRef(session.id), network.RejectPayload{
		SessionID: session.id,
		Type:      msgType,
		Seq:       seq,
		Reason:    reason,
	}, nil)
}
