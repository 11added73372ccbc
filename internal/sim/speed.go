package sim

import (
	"fmt"
	"strings"
)

// TimeSpeed is the relative rate a timeline advances at.
type TimeSpeed uint8

const (
	SpeedPaused TimeSpeed = iota
	SpeedNormal
	SpeedFast
	SpeedSuperfast
	SpeedUltrafast
)

const (
	// SubstepsPerTick is the number of scheduler substeps in one timer tick.
	SubstepsPerTick = 6
	// TimeUnitsPerTick is the integer resolution of a timeline's time owed.
	// Every multiplier divides it exactly so step counts never depend on float rounding.
	TimeUnitsPerTick = 60

	timeUnitsPerSubstep = TimeUnitsPerTick / SubstepsPerTick
)

var speedNames = [...]string{"paused", "normal", "fast", "superfast", "ultrafast"}

func (s TimeSpeed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("speed_%d", uint8(s))
}

func (s TimeSpeed) Valid() bool {
	return s <= SpeedUltrafast
}

// ParseTimeSpeed accepts the names produced by TimeSpeed.String.
func ParseTimeSpeed(value string) (TimeSpeed, error) {
	name := strings.ToLower(strings.TrimSpace(value))
	for i, candidate := range speedNames {
		if candidate == name {
			return TimeSpeed(i), nil
		}
	}
	return SpeedPaused, fmt.Errorf("%w: %q", ErrInvalidSpeed, value)
}

// Multiplier returns how many ticks a timeline runs per timer tick.
// Superfast doubles when the timeline reports nothing of interest.
func (s TimeSpeed) Multiplier(quiet bool) int {
	switch s {
	case SpeedNormal:
		return 1
	case SpeedFast:
		return 3
	case SpeedSuperfast:
		if quiet {
			return 12
		}
		return 6
	case SpeedUltrafast:
		return 15
	default:
		return 0
	}
}

func (s TimeSpeed) unitsPerTick(quiet bool) int64 {
	m := s.Multiplier(quiet)
	if m == 0 {
		return 0
	}
	return TimeUnitsPerTick / int64(m)
}
