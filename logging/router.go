package logging

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// categoryOther collects events whose category is not one of the known ones.
const categoryOther = "other"

var routedCategories = []string{CategoryScheduler, CategoryLifecycle, CategoryNetwork, CategorySystem, categoryOther}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads wall time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// Router fans published events out to named sinks on background workers.
// Publish never blocks the caller, which is usually the scheduler goroutine:
// events under their category's severity floor are discarded up front and a
// full queue drops the event and counts it against its category.
type Router struct {
	cfg          Config
	queue        chan Event
	sinks        []*sinkWorker
	clock        Clock
	fallback     *log.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	closed       atomic.Bool
	categories   map[string]*categoryCounters
	fields       map[string]any
	wg           sync.WaitGroup
	dispatchOnce sync.Once

	eventsTotal  atomic.Uint64
	droppedTotal atomic.Uint64
	lastDropLog  atomic.Int64
}

type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	SinkDrops    map[string]uint64
	Categories   map[string]CategoryStats
}

// CategoryStats counts one event category through the router.
type CategoryStats struct {
	Floor     Severity
	Published uint64
	Filtered  uint64
	Dropped   uint64
}

type categoryCounters struct {
	floor     Severity
	published atomic.Uint64
	filtered  atomic.Uint64
	dropped   atomic.Uint64
}

// EventCategory is the category an event is counted under. Events without an
// explicit category fall back to the prefix of their type.
func EventCategory(event Event) string {
	if event.Category != "" {
		return event.Category
	}
	prefix, _, _ := strings.Cut(string(event.Type), ".")
	return prefix
}

func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:        cfg,
		queue:      make(chan Event, bufferSize),
		clock:      clock,
		fallback:   log.New(os.Stderr, "[logging] ", log.LstdFlags),
		ctx:        ctx,
		cancel:     cancel,
		categories: make(map[string]*categoryCounters, len(routedCategories)),
		fields:     cfg.CloneFields(),
	}
	for _, category := range routedCategories {
		r.categories[category] = &categoryCounters{floor: cfg.SeverityFloor(category)}
	}

	sinkBuffer := max(min(bufferSize, 1024), 32)
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		r.sinks = append(r.sinks, newSinkWorker(named.Name, named.Sink, sinkBuffer, r.fallback))
	}

	r.start()
	return r, nil
}

func (r *Router) start() {
	r.dispatchOnce.Do(func() {
		r.wg.Add(1)
		go func() {
			defer func() {
				for _, worker := range r.sinks {
					close(worker.events)
				}
				r.wg.Done()
			}()
			for {
				select {
				case <-r.ctx.Done():
					r.drain()
					return
				case event := <-r.queue:
					r.forward(event)
				}
			}
		}()

		for _, worker := range r.sinks {
			r.wg.Add(1)
			go func(w *sinkWorker) {
				defer r.wg.Done()
				w.run()
			}(worker)
		}
	})
}

func (r *Router) drain() {
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		default:
			return
		}
	}
}

func (r *Router) counters(event Event) *categoryCounters {
	if c, ok := r.categories[EventCategory(event)]; ok {
		return c
	}
	return r.categories[categoryOther]
}

func (r *Router) forward(event Event) {
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.eventsTotal.Add(1)
	for _, worker := range r.sinks {
		worker.enqueue(event)
	}
}

func (r *Router) Publish(ctx context.Context, event Event) {
	if r == nil || event.Type == "" {
		return
	}
	if r.closed.Load() {
		return
	}
	counters := r.counters(event)
	if event.Severity < counters.floor {
		counters.filtered.Add(1)
		return
	}
	select {
	case r.queue <- event:
		counters.published.Add(1)
	default:
		counters.dropped.Add(1)
		r.handleDrop(event)
	}
}

func (r *Router) handleDrop(event Event) {
	r.droppedTotal.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := r.clock.Now().UnixNano()
	next := r.lastDropLog.Load()
	if next == 0 || now >= next {
		if r.lastDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
			r.fallback.Printf("dropping event type=%s category=%s tick=%d dropped=%d", event.Type, EventCategory(event), event.Tick, r.droppedTotal.Load())
		}
	}
}

// Close stops the dispatcher, drains queued events into the sinks and closes them.
func (r *Router) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.sinks {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.eventsTotal.Load(),
		DroppedTotal: r.droppedTotal.Load(),
	}
	if len(r.sinks) > 0 {
		stats.SinkDrops = make(map[string]uint64, len(r.sinks))
		for _, worker := range r.sinks {
			stats.SinkDrops[worker.name] = worker.dropped.Load()
		}
	}
	stats.Categories = make(map[string]CategoryStats, len(r.categories))
	for name, c := range r.categories {
		stats.Categories[name] = CategoryStats{
			Floor:     c.floor,
			Published: c.published.Load(),
			Filtered:  c.filtered.Load(),
			Dropped:   c.dropped.Load(),
		}
	}
	return stats
}

func (r *Router) Sink(name string) Sink {
	for _, worker := range r.sinks {
		if worker.name == name {
			return worker.sink
		}
	}
	return nil
}

type sinkWorker struct {
	name      string
	sink      Sink
	events    chan Event
	fallback  *log.Logger
	failures  int
	nextRetry time.Time
	dropped   atomic.Uint64
}

func newSinkWorker(name string, sink Sink, buffer int, fallback *log.Logger) *sinkWorker {
	if buffer <= 0 {
		buffer = 32
	}
	return &sinkWorker{
		name:     name,
		sink:     sink,
		events:   make(chan Event, buffer),
		fallback: fallback,
	}
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		if count := w.dropped.Add(1); count&(count-1) == 0 {
			w.fallback.Printf("sink %s backlog full dropping event type=%s count=%d", w.name, event.Type, count)
		}
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		w.waitUntilReady()
		if err := w.sink.Write(event); err != nil {
			w.fail(err)
			continue
		}
		w.failures = 0
		w.nextRetry = time.Time{}
	}
}

func (w *sinkWorker) waitUntilReady() {
	if w.failures == 0 || w.nextRetry.IsZero() {
		return
	}
	if wait := time.Until(w.nextRetry); wait > 0 {
		time.Sleep(wait)
	}
}

func (w *sinkWorker) fail(err error) {
	w.failures++
	delay := time.Duration(1<<min(w.failures, 5)) * time.Second
	w.nextRetry = time.Now().Add(delay)
	w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
}
