// Package config loads host settings from an optional YAML file and the
// LOCKSTEP_ environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"lockstep/server/internal/sim"
	"lockstep/server/internal/world"
	"lockstep/server/logging"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "LOCKSTEP_"

// PathVariable names the environment variable holding the YAML file path.
const PathVariable = EnvPrefix + "CONFIG"

type Config struct {
	HTTPAddr  string          `yaml:"http_addr" json:"http_addr" env:"HTTP_ADDR" jsonschema:"description=Listen address for /ws /health /diagnostics and /metrics"`
	DBPath    string          `yaml:"db_path" json:"db_path" env:"DB_PATH" jsonschema:"description=SQLite file for autosaves; empty disables persistence"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler" envPrefix:"SCHED_"`
	Loop      LoopConfig      `yaml:"loop" json:"loop" envPrefix:"LOOP_"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging" envPrefix:"LOG_"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing" envPrefix:"OTEL_"`
	Journal   JournalConfig   `yaml:"journal" json:"journal" envPrefix:"JOURNAL_"`
	Intake    IntakeConfig    `yaml:"intake" json:"intake" envPrefix:"INTAKE_"`
	Desync    DesyncConfig    `yaml:"desync" json:"desync" envPrefix:"DESYNC_"`
	World     WorldConfig     `yaml:"world" json:"world" envPrefix:"WORLD_"`
}

type SchedulerConfig struct {
	Seed                 string  `yaml:"seed" json:"seed" env:"SEED"`
	SubstepsPerSecond    float64 `yaml:"substeps_per_second" json:"substeps_per_second" env:"SUBSTEPS_PER_SECOND"`
	MaxFrameDelta        float64 `yaml:"max_frame_delta" json:"max_frame_delta" env:"MAX_FRAME_DELTA"`
	CatchupThreshold     uint64  `yaml:"catchup_threshold" json:"catchup_threshold" env:"CATCHUP_THRESHOLD"`
	CatchupMaxTicks      uint64  `yaml:"catchup_max_ticks" json:"catchup_max_ticks" env:"CATCHUP_MAX_TICKS"`
	SkipMaxTicksPerFrame uint64  `yaml:"skip_max_ticks_per_frame" json:"skip_max_ticks_per_frame" env:"SKIP_MAX_TICKS_PER_FRAME"`
	PausedReplayStep     float64 `yaml:"paused_replay_step" json:"paused_replay_step" env:"PAUSED_REPLAY_STEP"`
}

type LoopConfig struct {
	FrameRate        int `yaml:"frame_rate" json:"frame_rate" env:"FRAME_RATE"`
	MaxCatchupFrames int `yaml:"max_catchup_frames" json:"max_catchup_frames" env:"MAX_CATCHUP_FRAMES"`
	InboxCapacity    int `yaml:"inbox_capacity" json:"inbox_capacity" env:"INBOX_CAPACITY"`
}

type LoggingConfig struct {
	Sinks       []string `yaml:"sinks" json:"sinks" env:"SINKS" envSeparator:","`
	MinSeverity string   `yaml:"min_severity" json:"min_severity" env:"MIN_SEVERITY" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	// CategorySeverity overrides MinSeverity per event category, e.g. network:warn.
	CategorySeverity map[string]string `yaml:"category_severity" json:"category_severity,omitempty" env:"CATEGORY_SEVERITY"`
	BufferSize       int               `yaml:"buffer_size" json:"buffer_size" env:"BUFFER_SIZE"`
	JSONPath         string            `yaml:"json_path" json:"json_path" env:"JSON_PATH"`
	FlushInterval    time.Duration     `yaml:"flush_interval" json:"flush_interval" env:"FLUSH_INTERVAL"`
	ZapDev           bool              `yaml:"zap_development" json:"zap_development" env:"ZAP_DEVELOPMENT"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Endpoint    string `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" json:"service_name" env:"SERVICE_NAME"`
}

type JournalConfig struct {
	Capacity         int           `yaml:"capacity" json:"capacity" env:"CAPACITY"`
	MaxAge           time.Duration `yaml:"max_age" json:"max_age" env:"MAX_AGE"`
	KeyframeInterval uint64        `yaml:"keyframe_interval" json:"keyframe_interval" env:"KEYFRAME_INTERVAL" jsonschema:"description=Timer ticks between keyframes"`
	AutosaveKeep     int           `yaml:"autosave_keep" json:"autosave_keep" env:"AUTOSAVE_KEEP"`
}

type IntakeConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" json:"burst" env:"BURST"`
	PerPeerLimit  int     `yaml:"per_peer_limit" json:"per_peer_limit" env:"PER_PEER_LIMIT"`
	MaxMessage    int64   `yaml:"max_message_bytes" json:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

type DesyncConfig struct {
	Window int `yaml:"window" json:"window" env:"WINDOW"`
}

type WorldConfig struct {
	Regions        []int32 `yaml:"regions" json:"regions" env:"REGIONS" envSeparator:","`
	IDBlockSize    int32   `yaml:"id_block_size" json:"id_block_size" env:"ID_BLOCK_SIZE"`
	InitialSpeed   string  `yaml:"initial_speed" json:"initial_speed" env:"INITIAL_SPEED"`
	SpawnChance    float64 `yaml:"spawn_chance" json:"spawn_chance" env:"SPAWN_CHANCE"`
	QuietThreshold int     `yaml:"quiet_threshold" json:"quiet_threshold" env:"QUIET_THRESHOLD"`
}

// Default returns the settings used when neither a file nor the environment
// override them.
func Default() Config {
	sched := sim.DefaultConfig()
	logs := logging.DefaultConfig()
	return Config{
		HTTPAddr: ":8080",
		Scheduler: SchedulerConfig{
			Seed:                 sched.Seed,
			SubstepsPerSecond:    sched.SubstepsPerSecond,
			MaxFrameDelta:        sched.MaxFrameDelta,
			CatchupThreshold:     sched.CatchupThreshold,
			CatchupMaxTicks:      sched.CatchupMaxTicks,
			SkipMaxTicksPerFrame: sched.SkipMaxTicksPerFrame,
			PausedReplayStep:     sched.PausedReplayStep,
		},
		Loop: LoopConfig{FrameRate: 60, MaxCatchupFrames: 3, InboxCapacity: 1024},
		Logging: LoggingConfig{
			Sinks:         logs.EnabledSinks,
			MinSeverity:   logs.MinimumSeverity.String(),
			BufferSize:    logs.BufferSize,
			FlushInterval: logs.JSON.FlushInterval,
		},
		Tracing: TracingConfig{ServiceName: "lockstep"},
		Journal: JournalConfig{Capacity: 8, MaxAge: 5 * time.Minute, KeyframeInterval: 600, AutosaveKeep: 4},
		Intake:  IntakeConfig{RatePerSecond: 120, Burst: 60, PerPeerLimit: 256, MaxMessage: 64 << 10},
		Desync:  DesyncConfig{Window: 4096},
		World:   WorldConfig{Regions: []int32{1, 2}, IDBlockSize: 1 << 16, InitialSpeed: "normal", SpawnChance: 0.25, QuietThreshold: 4},
	}
}

// Load builds a Config from Default, then the YAML file at path (or at
// $LOCKSTEP_CONFIG when path is empty), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(PathVariable)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Scheduler.SubstepsPerSecond <= 0 {
		errs = append(errs, errors.New("scheduler.substeps_per_second must be positive"))
	}
	if c.Scheduler.MaxFrameDelta <= 0 {
		errs = append(errs, errors.New("scheduler.max_frame_delta must be positive"))
	}
	if c.Loop.FrameRate <= 0 {
		errs = append(errs, errors.New("loop.frame_rate must be positive"))
	}
	if _, err := logging.ParseSeverity(c.Logging.MinSeverity); err != nil {
		errs = append(errs, fmt.Errorf("logging.min_severity: %w", err))
	}
	for category, value := range c.Logging.CategorySeverity {
		if _, err := logging.ParseSeverity(value); err != nil {
			errs = append(errs, fmt.Errorf("logging.category_severity[%s]: %w", category, err))
		}
	}
	for _, sink := range c.Logging.Sinks {
		switch strings.TrimSpace(sink) {
		case logging.SinkConsole, logging.SinkJSON, logging.SinkMemory, logging.SinkZap:
		default:
			errs = append(errs, fmt.Errorf("logging.sinks: unknown sink %q", sink))
		}
	}
	if _, err := sim.ParseTimeSpeed(c.World.InitialSpeed); err != nil {
		errs = append(errs, fmt.Errorf("world.initial_speed: %w", err))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// Sim converts the scheduler section.
func (s SchedulerConfig) Sim() sim.Config {
	return sim.Config{
		Seed:                 s.Seed,
		SubstepsPerSecond:    s.SubstepsPerSecond,
		MaxFrameDelta:        s.MaxFrameDelta,
		CatchupThreshold:     s.CatchupThreshold,
		CatchupMaxTicks:      s.CatchupMaxTicks,
		SkipMaxTicksPerFrame: s.SkipMaxTicksPerFrame,
		PausedReplayStep:     s.PausedReplayStep,
	}
}

// Sim converts the loop section.
func (l LoopConfig) Sim() sim.LoopConfig {
	return sim.LoopConfig{FrameRate: l.FrameRate, MaxCatchupFrames: l.MaxCatchupFrames}
}

// Model converts the world section. Validate must have accepted it.
func (w WorldConfig) Model() world.Config {
	speed, err := sim.ParseTimeSpeed(w.InitialSpeed)
	if err != nil {
		speed = sim.SpeedNormal
	}
	return world.Config{
		Regions:        w.Regions,
		IDBlockSize:    w.IDBlockSize,
		InitialSpeed:   speed,
		SpawnChance:    w.SpawnChance,
		QuietThreshold: w.QuietThreshold,
	}.Normalized()
}

// Router converts the logging section. Validate must have accepted it.
func (l LoggingConfig) Router() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = nil
	for _, sink := range l.Sinks {
		if sink = strings.TrimSpace(sink); sink != "" {
			cfg.EnabledSinks = append(cfg.EnabledSinks, sink)
		}
	}
	if severity, err := logging.ParseSeverity(l.MinSeverity); err == nil {
		cfg.MinimumSeverity = severity
	}
	for category, value := range l.CategorySeverity {
		severity, err := logging.ParseSeverity(value)
		if err != nil {
			continue
		}
		if cfg.CategorySeverity == nil {
			cfg.CategorySeverity = make(map[string]logging.Severity, len(l.CategorySeverity))
		}
		cfg.CategorySeverity[strings.TrimSpace(category)] = severity
	}
	if l.BufferSize > 0 {
		cfg.BufferSize = l.BufferSize
	}
	cfg.JSON.FilePath = l.JSONPath
	if l.FlushInterval > 0 {
		cfg.JSON.FlushInterval = l.FlushInterval
	}
	cfg.Zap.Development = l.ZapDev
	return cfg
}
