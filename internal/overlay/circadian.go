// Package overlay holds the small set of C12 event-bus subscribers kept
// from the original's larger set of named "nervous system" modules: most
// of those modules were evocative names for mechanisms already covered
// by the drive engine, evaluator, and guardrails, and are not modeled
// separately. Circadian and Immune are kept because they describe a
// genuinely distinct reaction to an event, not a restatement of pressure
// accumulation.
package overlay

import (
	"time"

	"github.com/normanking/pulse/internal/bus"
	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/drive"
)

// Circadian nudges a configured drive upward during its configured active
// hours, so the agent's motivation has a time-of-day shape instead of
// accumulating at a flat rate around the clock.
type Circadian struct {
	engine      *drive.Engine
	clk         clock.Clock
	drive       string
	activeStart int // hour 0-23, inclusive
	activeEnd   int // hour 0-23, exclusive
	amount      float64
	cooldown    time.Duration
}

// NewCircadian returns a Circadian that spikes driveName by amount, no
// more often than cooldown, whenever the local hour falls within
// [activeStart, activeEnd).
func NewCircadian(engine *drive.Engine, clk clock.Clock, driveName string, activeStart, activeEnd int, amount float64, cooldown time.Duration) *Circadian {
	return &Circadian{
		engine:      engine,
		clk:         clk,
		drive:       driveName,
		activeStart: activeStart,
		activeEnd:   activeEnd,
		amount:      amount,
		cooldown:    cooldown,
	}
}

// Subscribe registers the overlay on b, reacting to every pressure tick.
func (c *Circadian) Subscribe(b *bus.Bus) bus.SubscriptionID {
	return b.Subscribe(bus.EventPressureTick, func(ev bus.Event) {
		c.onTick(ev)
	})
}

func (c *Circadian) onTick(ev bus.Event) {
	hour := ev.Timestamp.Hour()
	if !c.inActiveWindow(hour) {
		return
	}
	if !c.engine.SpikeCooldownElapsed(c.drive, c.cooldown) {
		return
	}
	_ = c.engine.Spike(c.drive, c.amount)
}

func (c *Circadian) inActiveWindow(hour int) bool {
	if c.activeStart <= c.activeEnd {
		return hour >= c.activeStart && hour < c.activeEnd
	}
	// Window wraps midnight, e.g. 22 -> 6.
	return hour >= c.activeStart || hour < c.activeEnd
}
