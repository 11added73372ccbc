package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lockstep/server/internal/config"
	"lockstep/server/internal/desync"
	"lockstep/server/internal/journal"
	servernet "lockstep/server/internal/net"
	"lockstep/server/internal/net/intake"
	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/net/ws"
	"lockstep/server/internal/sim"
	"lockstep/server/internal/store"
	"lockstep/server/internal/telemetry"
	"lockstep/server/internal/world"
	"lockstep/server/logging"
	loggingSinks "lockstep/server/logging/sinks"
)

// Deps overrides host collaborators. Zero values select production defaults.
type Deps struct {
	Logger telemetry.Logger
	Clock  logging.Clock
	// Sinks replaces the sinks built from the logging section.
	Sinks []logging.NamedSink
}

// Diagnostics is the body served under /diagnostics.
type Diagnostics struct {
	Frame     uint64               `json:"frame"`
	Scheduler sim.Stats            `json:"scheduler"`
	Advance   sim.AdvanceResult    `json:"advance"`
	Delivered int                  `json:"delivered"`
	Rejected  int                  `json:"rejected"`
	Peers     int                  `json:"peers"`
	Keyframes int                  `json:"keyframes"`
	Regions   []int32              `json:"regions"`
	Logging   logging.RouterStats  `json:"logging"`
	Tallies   []world.FactionTally `json:"tallies,omitempty"`
	Metrics   map[string]uint64    `json:"metrics,omitempty"`
}

// Host wires the scheduler, world model, transport and persistence into one
// process. The scheduler and world are only touched from the loop goroutine.
type Host struct {
	cfg    config.Config
	logger telemetry.Logger
	clock  logging.Clock

	router   *logging.Router
	registry *prometheus.Registry
	metrics  *telemetry.PrometheusMetrics
	store    *store.Store
	journal  *journal.Journal
	verifier *desync.Verifier
	world    *world.World
	sched    *sim.Scheduler
	inbox    *sim.Inbox
	loop     *sim.Loop
	hub      *ws.Hub
	handler  nethttp.Handler

	tick             atomic.Uint64
	ready            atomic.Bool
	diagnostics      atomic.Pointer[Diagnostics]
	lastKeyframeTick uint64
}

// NewHost builds every component and rehydrates from the latest autosave
// when a database is configured.
func NewHost(ctx context.Context, cfg config.Config, deps Deps) (*Host, error) {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	h := &Host{cfg: cfg, logger: logger, clock: clock}

	routerCfg := cfg.Logging.Router()
	named := deps.Sinks
	if named == nil {
		var err error
		if named, err = buildSinks(routerCfg); err != nil {
			return nil, err
		}
	}
	router, err := logging.NewRouter(clock, routerCfg, named)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	h.router = router

	h.registry = prometheus.NewRegistry()
	h.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	h.metrics = telemetry.NewPrometheusMetrics(h.registry)

	if cfg.DBPath != "" {
		st, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			h.closeRouter(ctx)
			return nil, fmt.Errorf("open store: %w", err)
		}
		h.store = st
	}

	h.journal = journal.New(cfg.Journal.Capacity, cfg.Journal.MaxAge, clock)
	h.journal.AttachTelemetry(h.metrics)

	verifierDeps := desync.Deps{
		Logger:    logger,
		Publisher: router,
		Metrics:   h.metrics,
		Resync:    h.journal,
	}
	if h.store != nil {
		verifierDeps.Recorder = h.store
	}
	if h.verifier, err = desync.New(cfg.Desync.Window, verifierDeps); err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.verifier.SetContext(ctx)

	h.world = world.New(cfg.World.Model(), world.Deps{Logger: logger})
	schedDeps := sim.Deps{
		Logger:    logger,
		Publisher: router,
		Metrics:   h.metrics,
		Verifier:  h.verifier,
	}
	if h.store != nil {
		schedDeps.Saver = autosaver{store: h.store, keep: cfg.Journal.AutosaveKeep, logger: logger}
	}
	h.sched = sim.NewScheduler(cfg.Scheduler.Sim(), schedDeps, h.world.Hooks())
	h.sched.SetContext(ctx)
	if err := h.world.Install(h.sched); err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("install world: %w", err)
	}
	if err := h.rehydrate(ctx); err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.tick.Store(h.sched.Tick())
	h.recordKeyframe()

	h.inbox = sim.NewInbox(cfg.Loop.InboxCapacity, cfg.Intake.PerPeerLimit, h.metrics)
	h.loop = sim.NewLoop(h.sched, h.inbox, cfg.Loop.Sim(), sim.LoopHooks{
		AfterFrame: h.afterFrame,
		OnLongEventError: func(err error) {
			logger.Printf("[host] long event failed: %v", err)
		},
	}, clock)

	h.hub = ws.NewHub()
	sessions := ws.NewHandler(h.hub, ws.HandlerConfig{
		Logger:    logger,
		Publisher: router,
		Intake: intake.CommandContext{
			Inbox:   h.inbox,
			Limiter: intake.NewLimiter(cfg.Intake.RatePerSecond, cfg.Intake.Burst),
			Tick:    h.tick.Load,
			Now:     clock.Now,
		},
		Checksums:       h.verifier,
		Keyframes:       h.journal,
		Seed:            cfg.Scheduler.Seed,
		MaxMessageBytes: cfg.Intake.MaxMessage,
	})
	h.handler = servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Logger:      logger,
		Sessions:    sessions,
		Metrics:     promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}),
		Diagnostics: func() any { return h.Diagnostics() },
		Ready:       h.ready.Load,
	})
	h.diagnostics.Store(&Diagnostics{Scheduler: h.sched.Stats(), Regions: h.world.Regions()})
	h.ready.Store(true)
	return h, nil
}

func buildSinks(cfg logging.Config) ([]logging.NamedSink, error) {
	var named []logging.NamedSink
	for _, name := range cfg.EnabledSinks {
		var sink logging.Sink
		switch name {
		case logging.SinkConsole:
			sink = loggingSinks.NewConsoleSink(os.Stdout, cfg.Console)
		case logging.SinkJSON:
			if cfg.JSON.FilePath == "" {
				sink = loggingSinks.NewJSON(os.Stdout, cfg.JSON.FlushInterval)
				break
			}
			file, err := loggingSinks.OpenJSONFile(cfg.JSON)
			if err != nil {
				return nil, fmt.Errorf("open json log sink: %w", err)
			}
			sink = file
		case logging.SinkMemory:
			sink = loggingSinks.NewMemorySink()
		case logging.SinkZap:
			z, err := loggingSinks.NewZapFromConfig(cfg.Zap)
			if err != nil {
				return nil, fmt.Errorf("build zap sink: %w", err)
			}
			sink = z
		default:
			return nil, fmt.Errorf("unknown log sink %q", name)
		}
		named = append(named, logging.NamedSink{Name: name, Sink: sink})
	}
	return named, nil
}

func (h *Host) rehydrate(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	saved, err := h.store.LatestSnapshot(ctx)
	if errors.Is(err, store.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load autosave: %w", err)
	}
	if err := h.sched.Rehydrate(saved.Snapshot); err != nil {
		return fmt.Errorf("rehydrate autosave %d: %w", saved.ID, err)
	}
	h.logger.Printf("[host] resumed from autosave %d at tick %d", saved.ID, h.sched.Tick())
	return nil
}

func (h *Host) Handler() nethttp.Handler  { return h.handler }
func (h *Host) Loop() *sim.Loop           { return h.loop }
func (h *Host) Scheduler() *sim.Scheduler { return h.sched }
func (h *Host) World() *world.World       { return h.world }
func (h *Host) Journal() *journal.Journal { return h.journal }
func (h *Host) Router() *logging.Router   { return h.router }
func (h *Host) Hub() *ws.Hub              { return h.hub }
func (h *Host) Inbox() *sim.Inbox         { return h.inbox }

// Diagnostics returns the state captured after the most recent frame.
func (h *Host) Diagnostics() Diagnostics {
	if d := h.diagnostics.Load(); d != nil {
		out := *d
		out.Peers = h.hub.Len()
		out.Logging = h.router.Stats()
		out.Metrics = h.metrics.Snapshot()
		return out
	}
	return Diagnostics{}
}

func (h *Host) afterFrame(res sim.FrameResult) {
	h.tick.Store(res.Stats.Tick)
	if interval := h.cfg.Journal.KeyframeInterval; interval > 0 && res.Stats.Tick >= h.lastKeyframeTick+interval {
		h.recordKeyframe()
	}
	if signal, ok := h.journal.ConsumeResyncHint(); ok {
		var sequence uint64
		if latest, found := h.journal.Latest(); found {
			sequence = latest.Sequence
		}
		h.logger.Printf("[host] resync requested: %s", journal.Summary(signal))
		h.hub.Broadcast(proto.NewResync(signal, sequence), "")
	}

	size, _, _ := h.journal.KeyframeWindow()
	tallies := make([]world.FactionTally, 0)
	for _, f := range h.sched.Factions() {
		if t, ok := h.world.Tally(f.ID); ok {
			tallies = append(tallies, t)
		}
	}
	h.diagnostics.Store(&Diagnostics{
		Frame:     res.Frame,
		Scheduler: res.Stats,
		Advance:   res.Advance,
		Delivered: res.Delivered,
		Rejected:  res.Rejected,
		Keyframes: size,
		Regions:   h.world.Regions(),
		Tallies:   tallies,
	})
}

func (h *Host) recordKeyframe() {
	result := h.journal.Record(h.sched.Snapshot())
	h.lastKeyframeTick = h.sched.Tick()
	for _, ev := range result.Evicted {
		h.logger.Printf("[host] keyframe %d (tick %d) evicted: %s", ev.Sequence, ev.Tick, ev.Reason)
	}
}

// Close drains pending desync records, releases the store and flushes the
// logging router.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if h.verifier != nil {
		errs = append(errs, h.verifier.Close(ctx))
	}
	if h.store != nil {
		errs = append(errs, h.store.Close())
	}
	errs = append(errs, h.closeRouter(ctx))
	return errors.Join(errs...)
}

func (h *Host) closeRouter(ctx context.Context) error {
	if h.router == nil {
		return nil
	}
	if err := h.router.Close(ctx); err != nil {
		return fmt.Errorf("failed to close logging router: %w", err)
	}
	return nil
}

// autosaver persists snapshots and keeps only the newest few.
type autosaver struct {
	store  *store.Store
	keep   int
	logger telemetry.Logger
}

func (a autosaver) SaveSnapshot(ctx context.Context, snap sim.WorldSnapshot) error {
	if err := a.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if a.keep <= 0 {
		return nil
	}
	pruned, err := a.store.Prune(ctx, a.keep)
	if err != nil {
		a.logger.Printf("[host] prune autosaves: %v", err)
		return nil
	}
	if pruned > 0 {
		a.logger.Printf("[host] pruned %d old autosaves", pruned)
	}
	return nil
}
