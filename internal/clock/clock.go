package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies the current time. Time-bucketed counters and the
// reconciliation tolerances derive their wall clock from here so tests can
// pin it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock { return systemClock{} }

// Module wires the system clock.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
