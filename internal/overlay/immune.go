package overlay

import (
	"github.com/normanking/pulse/internal/bus"
	"github.com/normanking/pulse/internal/drive"
)

// Immune reacts to trigger failures and persistence degradation by
// spiking a configured frustration drive, the same signal engine.py's
// on_trigger_failure applies locally, raised here to the bus so any
// failure-shaped event can drive it rather than only a direct trigger
// failure call.
type Immune struct {
	engine     *drive.Engine
	drive      string
	amount     float64
}

// NewImmune returns an Immune overlay that spikes driveName by amount
// whenever a failure-shaped event arrives.
func NewImmune(engine *drive.Engine, driveName string, amount float64) *Immune {
	return &Immune{engine: engine, drive: driveName, amount: amount}
}

// Subscribe registers the overlay on b for both trigger failures and
// persistence degradation events.
func (i *Immune) Subscribe(b *bus.Bus) []bus.SubscriptionID {
	return []bus.SubscriptionID{
		b.Subscribe(bus.EventTriggerFailure, func(ev bus.Event) { i.react() }),
		b.Subscribe(bus.EventPersistenceDegraded, func(ev bus.Event) { i.react() }),
	}
}

func (i *Immune) react() {
	_ = i.engine.Spike(i.drive, i.amount)
}
