package sim

import (
	"log"
	"os"

	"lockstep/server/internal/telemetry"
	"lockstep/server/logging"
)

// Deps carries shared infrastructure dependencies required by the scheduler.
type Deps struct {
	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Verifier  Verifier
	Saver     SnapshotSaver
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = telemetry.WrapLogger(log.New(os.Stderr, "", log.LstdFlags))
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	return d
}
