package world

import "lockstep/server/internal/sim"

const (
	DefaultIDBlockSize    int32 = 1 << 16
	DefaultSpawnChance          = 0.25
	DefaultQuietThreshold       = 4
	DefaultMaxPopulation        = 256
	maxSpawnPerCommand          = 64
)

// Config shapes the population model.
type Config struct {
	Regions        []int32       `json:"regions"`
	IDBlockSize    int32         `json:"idBlockSize"`
	InitialSpeed   sim.TimeSpeed `json:"initialSpeed"`
	SpawnChance    float64       `json:"spawnChance"`
	QuietThreshold int           `json:"quietThreshold"`
	MaxPopulation  int           `json:"maxPopulation"`
}

func (cfg Config) normalized() Config {
	normalized := cfg
	if normalized.IDBlockSize <= 0 {
		normalized.IDBlockSize = DefaultIDBlockSize
	}
	if !normalized.InitialSpeed.Valid() {
		normalized.InitialSpeed = sim.SpeedNormal
	}
	if normalized.SpawnChance < 0 {
		normalized.SpawnChance = 0
	}
	if normalized.SpawnChance > 1 {
		normalized.SpawnChance = 1
	}
	if normalized.QuietThreshold < 0 {
		normalized.QuietThreshold = 0
	}
	if normalized.MaxPopulation <= 0 {
		normalized.MaxPopulation = DefaultMaxPopulation
	}
	return normalized
}

// Normalized returns cfg with defaults applied to unset or out-of-range fields.
func (cfg Config) Normalized() Config {
	return cfg.normalized()
}

func DefaultConfig() Config {
	return Config{
		Regions:        []int32{1},
		IDBlockSize:    DefaultIDBlockSize,
		InitialSpeed:   sim.SpeedNormal,
		SpawnChance:    DefaultSpawnChance,
		QuietThreshold: DefaultQuietThreshold,
		MaxPopulation:  DefaultMaxPopulation,
	}
}
