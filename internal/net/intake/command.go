package intake

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
)

// Stage is the scheduler inbox as seen from transport goroutines.
type Stage interface {
	PushEnvelope(origin string, env sim.Envelope) (bool, string)
	PushCeiling(origin string, tick uint64) (bool, string)
}

type CommandContext struct {
	Inbox   Stage
	Limiter *Limiter
	Tick    func() uint64
	Now     func() time.Time
	// IsHost reports whether a peer may raise the tick ceiling.
	IsHost func(peerID string) bool
}

func (ctx CommandContext) now() time.Time {
	if ctx.Now != nil {
		return ctx.Now()
	}
	return time.Now()
}

// StageClientCommand validates a peer command and stages it for the next frame.
func StageClientCommand(ctx CommandContext, peerID string, msg proto.ClientMessage) (sim.Envelope, bool, string) {
	var zero sim.Envelope

	env, err := msg.Envelope()
	if err != nil {
		return zero, false, proto.RejectMalformed
	}
	if !ctx.Limiter.Allow(peerID, ctx.now()) {
		return zero, false, proto.RejectRateLimited
	}
	if ctx.Tick != nil && env.TargetTick < ctx.Tick() {
		return zero, false, proto.RejectLate
	}
	if ctx.Inbox == nil {
		return zero, false, proto.RejectInboxFull
	}
	if ok, reason := ctx.Inbox.PushEnvelope(peerID, env); !ok {
		return zero, false, reason
	}
	return env, true, ""
}

// Sequencer stamps every staged envelope with one host-wide enqueue order.
// Publish runs under the same lock as the push, so whatever it relays to
// peers arrives in the order the scheduler will dispatch.
type Sequencer struct {
	mu      sync.Mutex
	stage   Stage
	publish func(sim.Envelope)
	last    uint64
}

func NewSequencer(stage Stage, publish func(sim.Envelope)) *Sequencer {
	return &Sequencer{stage: stage, publish: publish}
}

// PushEnvelope overwrites env.Seq with the next order and stages it. The
// order is only consumed when the push succeeds.
func (q *Sequencer) PushEnvelope(origin string, env sim.Envelope) (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	env.Seq = q.last + 1
	if ok, reason := q.stage.PushEnvelope(origin, env); !ok {
		return false, reason
	}
	q.last = env.Seq
	if q.publish != nil {
		q.publish(env)
	}
	return true, ""
}

func (q *Sequencer) PushCeiling(origin string, tick uint64) (bool, string) {
	return q.stage.PushCeiling(origin, tick)
}

// Last is the most recently assigned order.
func (q *Sequencer) Last() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// StageCeiling stages a tick ceiling raise from the host peer.
func StageCeiling(ctx CommandContext, peerID string, msg proto.ClientMessage) (bool, string) {
	if ctx.IsHost != nil && !ctx.IsHost(peerID) {
		return false, proto.RejectNotHost
	}
	if ctx.Inbox == nil {
		return false, proto.RejectInboxFull
	}
	return ctx.Inbox.PushCeiling(peerID, msg.Tick)
}

// Limiter throttles each peer independently with a token bucket.
type Limiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	peers map[string]*rate.Limiter
}

// NewLimiter allows perSecond envelopes per peer with the given burst. A
// non-positive rate disables throttling.
func NewLimiter(perSecond float64, burst int) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{limit: limit, burst: max(burst, 1), peers: make(map[string]*rate.Limiter)}
}

// Allow consumes one token for peerID. A nil Limiter allows everything.
func (l *Limiter) Allow(peerID string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.peers[peerID]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.peers[peerID] = limiter
	}
	l.mu.Unlock()
	return limiter.AllowN(now, 1)
}

// Forget drops a disconnected peer's bucket.
func (l *Limiter) Forget(peerID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.peers, peerID)
	l.mu.Unlock()
}
