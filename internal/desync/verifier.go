// Package desync compares per-step generator checksums across peers.
package desync

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"

	"lockstep/server/internal/sim"
	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
	schedlog "lockstep/server/logging/scheduler"
)

const (
	metricChecks         = "desync_checks_total"
	metricMismatches     = "desync_mismatches_total"
	metricRecordsDropped = "desync_records_dropped_total"
)

// recordBuffer bounds mismatches waiting to be persisted.
const recordBuffer = 256

// DefaultWindow is how many recent (timeline, tick) checksums are retained.
const DefaultWindow = 4096

// Checksum is the blake3 digest of one timeline's generator state after one step.
type Checksum [32]byte

func (c Checksum) String() string {
	return hex.EncodeToString(c[:8])
}

// ParseChecksum decodes a full hex digest.
func ParseChecksum(value string) (Checksum, error) {
	var sum Checksum
	raw, err := hex.DecodeString(value)
	if err != nil {
		return sum, fmt.Errorf("decode checksum: %w", err)
	}
	if len(raw) != len(sum) {
		return sum, fmt.Errorf("checksum has %d bytes, want %d", len(raw), len(sum))
	}
	copy(sum[:], raw)
	return sum, nil
}

// Hex renders the full digest.
func (c Checksum) Hex() string {
	return hex.EncodeToString(c[:])
}

// Sum hashes a generator snapshot.
func Sum(snap sim.GeneratorSnapshot) Checksum {
	var buf [1 + 4 + 8 + 8 + 4]byte
	buf[0] = byte(snap.Timeline.Kind)
	binary.LittleEndian.PutUint32(buf[1:], uint32(snap.Timeline.Region))
	binary.LittleEndian.PutUint64(buf[5:], snap.Tick)
	binary.LittleEndian.PutUint64(buf[13:], uint64(snap.Generator))
	binary.LittleEndian.PutUint32(buf[21:], uint32(snap.IDOffset))
	return blake3.Sum256(buf[:])
}

// Key identifies one step of one timeline.
type Key struct {
	Timeline sim.TimelineRef
	Tick     uint64
}

// Mismatch is a checksum disagreement with a peer.
type Mismatch struct {
	Timeline sim.TimelineRef
	Tick     uint64
	Peer     string
	Local    Checksum
	Remote   Checksum
}

// Recorder persists mismatches. It runs on the verifier's own goroutine,
// never on the caller of Verify or ObserveRemote.
type Recorder interface {
	RecordDesync(ctx context.Context, m Mismatch) error
}

// Resync receives the outcome of every comparison.
type Resync interface {
	NoteCheck()
	NoteMismatch(reason sim.ResyncReason)
}

// Deps bundles the verifier's collaborators. Nil fields are replaced with no-ops.
type Deps struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Resync    Resync
	Recorder  Recorder
}

type remoteReport struct {
	peer string
	sum  Checksum
}

// Verifier implements sim.Verifier. Local checksums arrive from the scheduler
// goroutine; remote ones from transport goroutines.
type Verifier struct {
	mu     sync.Mutex
	local  *lru.Cache[Key, Checksum]
	remote *lru.Cache[Key, []remoteReport]
	deps   Deps
	ctx    context.Context

	records   chan Mismatch
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a verifier that remembers the last window checksums.
func New(window int, deps Deps) (*Verifier, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	local, err := lru.New[Key, Checksum](window)
	if err != nil {
		return nil, fmt.Errorf("local checksum cache: %w", err)
	}
	remote, err := lru.New[Key, []remoteReport](window)
	if err != nil {
		return nil, fmt.Errorf("remote checksum cache: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NopLogger()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	v := &Verifier{local: local, remote: remote, deps: deps, ctx: context.Background()}
	if deps.Recorder != nil {
		v.records = make(chan Mismatch, recordBuffer)
		v.quit = make(chan struct{})
		v.done = make(chan struct{})
		go v.persist()
	}
	return v, nil
}

// Close stops the recorder goroutine after it writes what is already queued.
func (v *Verifier) Close(ctx context.Context) error {
	if v.records == nil {
		return nil
	}
	v.closeOnce.Do(func() { close(v.quit) })
	select {
	case <-v.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *Verifier) persist() {
	defer close(v.done)
	for {
		select {
		case m := <-v.records:
			v.record(m)
		case <-v.quit:
			for {
				select {
				case m := <-v.records:
					v.record(m)
				default:
					return
				}
			}
		}
	}
}

func (v *Verifier) record(m Mismatch) {
	v.mu.Lock()
	ctx := v.ctx
	v.mu.Unlock()
	if err := v.deps.Recorder.RecordDesync(ctx, m); err != nil {
		v.deps.Logger.Printf("[desync] record mismatch %s@%d from %s: %v", m.Timeline, m.Tick, m.Peer, err)
	}
}

// SetContext sets the context used for events raised from Verify.
func (v *Verifier) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	v.mu.Lock()
	v.ctx = ctx
	v.mu.Unlock()
}

// Verify records the local checksum and settles any remote reports that
// arrived before this step ran.
func (v *Verifier) Verify(snap sim.GeneratorSnapshot) {
	key := Key{Timeline: snap.Timeline, Tick: snap.Tick}
	sum := Sum(snap)

	v.mu.Lock()
	v.local.Add(key, sum)
	reports, ok := v.remote.Get(key)
	if ok {
		v.remote.Remove(key)
	}
	ctx := v.ctx
	v.mu.Unlock()

	for _, r := range reports {
		v.compare(ctx, key, r.peer, sum, r.sum)
	}
}

// Local returns the checksum recorded for key, if it is still retained.
func (v *Verifier) Local(ref sim.TimelineRef, tick uint64) (Checksum, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.local.Get(Key{Timeline: ref, Tick: tick})
}

// ObserveRemote compares a peer's checksum with the local one. Reports for
// steps that have not run locally yet are held until they do.
func (v *Verifier) ObserveRemote(ctx context.Context, peer string, ref sim.TimelineRef, tick uint64, sum Checksum) {
	key := Key{Timeline: ref, Tick: tick}
	v.mu.Lock()
	local, ok := v.local.Get(key)
	if !ok {
		pending, _ := v.remote.Get(key)
		v.remote.Add(key, append(pending, remoteReport{peer: peer, sum: sum}))
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	v.compare(ctx, key, peer, local, sum)
}

func (v *Verifier) compare(ctx context.Context, key Key, peer string, local, remote Checksum) {
	v.deps.Metrics.Add(metricChecks, 1)
	if local == remote {
		if v.deps.Resync != nil {
			v.deps.Resync.NoteCheck()
		}
		return
	}
	v.deps.Metrics.Add(metricMismatches, 1)
	if v.deps.Resync != nil {
		v.deps.Resync.NoteMismatch(sim.ResyncReason{
			Kind:     "checksum",
			Timeline: key.Timeline.String(),
			Tick:     key.Tick,
			Peer:     peer,
		})
	}
	schedlog.DesyncDetected(ctx, v.deps.Publisher, key.Tick, logging.PeerRef(peer), schedlog.DesyncPayload{
		Timeline: key.Timeline.String(),
		Peer:     peer,
		Local:    local.String(),
		Remote:   remote.String(),
	}, nil)
	if v.records == nil {
		return
	}
	select {
	case v.records <- Mismatch{Timeline: key.Timeline, Tick: key.Tick, Peer: peer, Local: local, Remote: remote}:
	default:
		v.deps.Metrics.Add(metricRecordsDropped, 1)
		v.deps.Logger.Printf("[desync] record queue full, dropped %s@%d from %s", key.Timeline, key.Tick, peer)
	}
}
