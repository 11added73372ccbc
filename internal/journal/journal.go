package journal

import (
	"sync"
	"time"

	"lockstep/server/internal/sim"
	"lockstep/server/logging"
)

// Telemetry captures the metrics adapter used by the journal to report evictions.
type Telemetry interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

const (
	metricKeyframesStored  = "journal_keyframes"
	metricKeyframesEvicted = "journal_keyframes_evicted_total"
	metricResyncSignals    = "journal_resync_signals_total"
)

// Journal keeps a rolling buffer of recent world keyframes so peers that
// drift can be rehydrated, and tracks the desync resync policy.
type Journal struct {
	mu        sync.RWMutex
	keyframes []sim.Keyframe
	maxFrames int
	maxAge    time.Duration
	sequence  uint64
	clock     logging.Clock
	telemetry Telemetry
	resync    *Policy
}

// New constructs a journal with storage for the configured number of
// keyframes and retention window. A nil clock uses wall time.
func New(keyframeCapacity int, maxAge time.Duration, clock logging.Clock) *Journal {
	if keyframeCapacity < 0 {
		keyframeCapacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Journal{
		keyframes: make([]sim.Keyframe, 0, keyframeCapacity),
		maxFrames: keyframeCapacity,
		maxAge:    maxAge,
		clock:     clock,
		resync:    NewPolicy(),
	}
}

// AttachTelemetry routes journal counters to t.
func (j *Journal) AttachTelemetry(t Telemetry) {
	j.mu.Lock()
	j.telemetry = t
	j.mu.Unlock()
}

// Record stores snap as the next keyframe, assigning it a sequence number.
func (j *Journal) Record(snap sim.WorldSnapshot) sim.KeyframeRecordResult {
	j.mu.Lock()
	j.sequence++
	seq := j.sequence
	j.mu.Unlock()
	return j.RecordKeyframe(sim.Keyframe{Tick: snap.Tick(), Sequence: seq, Snapshot: snap})
}

// RecordKeyframe stores a keyframe in the buffer enforcing retention limits
// by count and age.
func (j *Journal) RecordKeyframe(frame sim.Keyframe) sim.KeyframeRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxFrames == 0 {
		j.keyframes = j.keyframes[:0]
		return sim.KeyframeRecordResult{}
	}
	if frame.Sequence > j.sequence {
		j.sequence = frame.Sequence
	}

	frame.RecordedAt = j.clock.Now()
	frame.Snapshot = frame.Snapshot.Clone()
	j.keyframes = append(j.keyframes, frame)

	var evicted []sim.KeyframeEviction
	if j.maxAge > 0 {
		cutoff := frame.RecordedAt.Add(-j.maxAge)
		idx := 0
		for idx < len(j.keyframes)-1 && j.keyframes[idx].RecordedAt.Before(cutoff) {
			evicted = append(evicted, eviction(j.keyframes[idx], "expired"))
			idx++
		}
		j.keyframes = j.keyframes[idx:]
	}

	if overflow := len(j.keyframes) - j.maxFrames; overflow > 0 {
		for _, old := range j.keyframes[:overflow] {
			evicted = append(evicted, eviction(old, "count"))
		}
		j.keyframes = append(j.keyframes[:0], j.keyframes[overflow:]...)
	}

	size := len(j.keyframes)
	result := sim.KeyframeRecordResult{
		Size:           size,
		OldestSequence: j.keyframes[0].Sequence,
		NewestSequence: j.keyframes[size-1].Sequence,
		Evicted:        evicted,
	}
	if j.telemetry != nil {
		j.telemetry.Store(metricKeyframesStored, uint64(size))
		if len(evicted) > 0 {
			j.telemetry.Add(metricKeyframesEvicted, uint64(len(evicted)))
		}
	}
	return result
}

func eviction(frame sim.Keyframe, reason string) sim.KeyframeEviction {
	return sim.KeyframeEviction{Sequence: frame.Sequence, Tick: frame.Tick, Reason: reason}
}

// Keyframes exposes the current keyframe buffer contents in chronological
// order. Callers receive copies.
func (j *Journal) Keyframes() []sim.Keyframe {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return nil
	}
	frames := make([]sim.Keyframe, len(j.keyframes))
	for i, frame := range j.keyframes {
		frames[i] = copyKeyframe(frame)
	}
	return frames
}

// KeyframeBySequence returns the keyframe matching the provided sequence.
func (j *Journal) KeyframeBySequence(sequence uint64) (sim.Keyframe, bool) {
	if sequence == 0 {
		return sim.Keyframe{}, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, frame := range j.keyframes {
		if frame.Sequence == sequence {
			return copyKeyframe(frame), true
		}
	}
	return sim.Keyframe{}, false
}

// KeyframeAtOrBefore returns the newest keyframe whose timer tick is at most tick.
func (j *Journal) KeyframeAtOrBefore(tick uint64) (sim.Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for i := len(j.keyframes) - 1; i >= 0; i-- {
		if j.keyframes[i].Tick <= tick {
			return copyKeyframe(j.keyframes[i]), true
		}
	}
	return sim.Keyframe{}, false
}

// Latest returns the newest keyframe.
func (j *Journal) Latest() (sim.Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return sim.Keyframe{}, false
	}
	return copyKeyframe(j.keyframes[len(j.keyframes)-1]), true
}

// KeyframeWindow reports the current retention window.
func (j *Journal) KeyframeWindow() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.keyframes)
	if size == 0 {
		return size, 0, 0
	}
	return size, j.keyframes[0].Sequence, j.keyframes[size-1].Sequence
}

// NoteCheck counts one checksum comparison that matched.
func (j *Journal) NoteCheck() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resync.NoteCheck()
}

// NoteMismatch counts one checksum comparison that disagreed.
func (j *Journal) NoteMismatch(reason sim.ResyncReason) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resync.NoteMismatch(reason)
}

// ConsumeResyncHint reports whether enough checksum mismatches accumulated to
// warrant rehydrating peers. Counters reset after each consumption.
func (j *Journal) ConsumeResyncHint() (sim.ResyncSignal, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	signal, ok := j.resync.Consume()
	if ok && j.telemetry != nil {
		j.telemetry.Add(metricResyncSignals, 1)
	}
	return signal, ok
}

func copyKeyframe(frame sim.Keyframe) sim.Keyframe {
	frame.Snapshot = frame.Snapshot.Clone()
	return frame
}
