package sim

import (
	"hash/fnv"
	"math"
)

// GeneratorState is the compressed form of a Generator. It is a plain value
// so it can be saved, compared and restored in O(1).
type GeneratorState uint64

// Generator is a splitmix64 stream. Every draw advances the state by a fixed
// increment, so identical states always yield identical sequences.
type Generator struct {
	state uint64
}

func NewGenerator(state GeneratorState) *Generator {
	return &Generator{state: uint64(state)}
}

func (g *Generator) State() GeneratorState {
	return GeneratorState(g.state)
}

func (g *Generator) SetState(state GeneratorState) {
	g.state = uint64(state)
}

func (g *Generator) Uint64() uint64 {
	g.state += 0x9e3779b97f4a7c15
	z := g.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Float64 returns a value in [0, 1).
func (g *Generator) Float64() float64 {
	return float64(g.Uint64()>>11) * (1.0 / (1 << 53))
}

// Intn returns a value in [0, n). Non-positive n yields zero without drawing.
func (g *Generator) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(g.Uint64() % uint64(n))
}

// Chance reports true with probability p.
func (g *Generator) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return g.Float64() < p
}

// Range returns a value in [lo, hi).
func (g *Generator) Range(lo, hi float64) float64 {
	if hi <= lo || math.IsNaN(hi-lo) {
		return lo
	}
	return lo + g.Float64()*(hi-lo)
}

// SeedFor derives a generator state for a labelled stream from the world seed.
func SeedFor(rootSeed, label string) GeneratorState {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(rootSeed))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(label))
	return GeneratorState(hasher.Sum64())
}
