package sim

import (
	"context"
	"time"

	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
)

// LoopConfig tunes the real-time driver.
type LoopConfig struct {
	// FrameRate is how many frames per second the loop advances the scheduler.
	FrameRate int
	// MaxCatchupFrames caps the wall time one frame reports after a stall, in frames.
	MaxCatchupFrames int
}

// FrameResult reports what one frame did.
type FrameResult struct {
	Frame     uint64
	Now       time.Time
	Delta     float64
	Delivered int
	Rejected  int
	Advance   AdvanceResult
	Duration  time.Duration
	Stats     Stats
}

// LoopHooks observe the loop. All hooks run on the loop goroutine.
type LoopHooks struct {
	BeforeFrame func(frame uint64)
	AfterFrame  func(FrameResult)
	// OnLongEventError is called when a long event such as an autosave fails.
	OnLongEventError func(error)
}

// Loop drives a Scheduler from wall time. It is the only goroutine that
// touches the scheduler; transports reach it through the Inbox.
type Loop struct {
	sched  *Scheduler
	inbox  *Inbox
	config LoopConfig
	hooks  LoopHooks
	clock  logging.Clock
	logger telemetry.Logger

	frame uint64
}

// NewLoop wires a scheduler to its inbox.
func NewLoop(sched *Scheduler, inbox *Inbox, cfg LoopConfig, hooks LoopHooks, clock logging.Clock) *Loop {
	if sched == nil {
		return nil
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Loop{
		sched:  sched,
		inbox:  inbox,
		config: cfg,
		hooks:  hooks,
		clock:  clock,
		logger: sched.logger,
	}
}

func (l *Loop) Scheduler() *Scheduler { return l.sched }
func (l *Loop) Inbox() *Inbox         { return l.inbox }

// Run advances the scheduler once per frame until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	frameRate := l.config.FrameRate
	if frameRate <= 0 {
		frameRate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	budget := 1.0 / float64(frameRate)
	maxDt := budget
	if l.config.MaxCatchupFrames > 1 {
		maxDt = budget * float64(l.config.MaxCatchupFrames)
	}
	l.sched.SetContext(ctx)
	last := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := l.clock.Now()
			dt := now.Sub(last).Seconds()
			if dt <= 0 {
				dt = budget
			} else if dt > maxDt {
				dt = maxDt
			}
			last = now
			l.Frame(ctx, now, dt)
		}
	}
}

// Frame runs one frame: flush the inbox, run pending long events, then advance.
func (l *Loop) Frame(ctx context.Context, now time.Time, dt float64) FrameResult {
	if l == nil {
		return FrameResult{}
	}
	l.frame++
	if l.hooks.BeforeFrame != nil {
		l.hooks.BeforeFrame(l.frame)
	}
	start := l.clock.Now()
	result := FrameResult{Frame: l.frame, Now: now, Delta: dt}
	result.Delivered, result.Rejected = l.Flush()

	if l.sched.EventsPending() {
		if err := l.sched.RunLongEvents(ctx); err != nil && l.hooks.OnLongEventError != nil {
			l.hooks.OnLongEventError(err)
		}
	}
	result.Advance = l.sched.Advance(dt)
	result.Duration = l.clock.Now().Sub(start)
	result.Stats = l.sched.Stats()
	if l.hooks.AfterFrame != nil {
		l.hooks.AfterFrame(result)
	}
	return result
}

// Flush moves staged deliveries into the scheduler. It must run on the
// scheduler goroutine between frames.
func (l *Loop) Flush() (delivered, rejected int) {
	for _, d := range l.inbox.Drain() {
		switch d.Kind {
		case DeliverCeiling:
			if current, ok := l.sched.Ceiling(); !ok || d.Ceiling > current {
				l.sched.SetCeiling(d.Ceiling)
			}
			delivered++
		default:
			if err := l.sched.Enqueue(d.Envelope); err != nil {
				rejected++
				if count := uint64(rejected); count&(count-1) == 0 {
					l.logger.Printf("[inbox] rejected envelope origin=%s timeline=%s type=%s: %v", d.Origin, d.Envelope.Timeline, d.Envelope.Type, err)
				}
				continue
			}
			delivered++
		}
	}
	return delivered, rejected
}
