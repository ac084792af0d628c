package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/normanking/pulse/internal/bus"
	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
)

func testEngine() *drive.Engine {
	return drive.New(&config.DrivesConfig{
		MaxPressure: 10.0,
		Categories: map[string]config.DriveDefault{
			"growth": {Weight: 1.0},
			"system": {Weight: 1.0},
		},
	}, clock.NewReal(), nil)
}

func TestCircadianSpikesDuringActiveWindow(t *testing.T) {
	engine := testEngine()
	b := bus.New()
	defer b.Close()

	c := NewCircadian(engine, clock.NewReal(), "growth", 9, 17, 0.2, time.Hour)
	c.Subscribe(b)

	active := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	b.Subscribe(bus.EventPressureTick, func(ev bus.Event) { close(done) })
	b.Publish(bus.Event{Type: bus.EventPressureTick, Timestamp: active})

	<-done
	time.Sleep(20 * time.Millisecond)

	d, _ := engine.Get("growth")
	require.Equal(t, 0.2, d.Pressure)
}

func TestCircadianSkipsOutsideActiveWindow(t *testing.T) {
	engine := testEngine()
	b := bus.New()
	defer b.Close()

	c := NewCircadian(engine, clock.NewReal(), "growth", 9, 17, 0.2, time.Hour)
	c.Subscribe(b)

	inactive := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	b.Subscribe(bus.EventPressureTick, func(ev bus.Event) { close(done) })
	b.Publish(bus.Event{Type: bus.EventPressureTick, Timestamp: inactive})

	<-done
	time.Sleep(20 * time.Millisecond)

	d, _ := engine.Get("growth")
	require.Equal(t, 0.0, d.Pressure)
}

func TestImmuneSpikesOnTriggerFailure(t *testing.T) {
	engine := testEngine()
	b := bus.New()
	defer b.Close()

	im := NewImmune(engine, "system", 0.3)
	im.Subscribe(b)

	done := make(chan struct{})
	b.Subscribe(bus.EventTriggerFailure, func(ev bus.Event) { close(done) })
	b.Publish(bus.Event{Type: bus.EventTriggerFailure, Timestamp: time.Now()})

	<-done
	time.Sleep(20 * time.Millisecond)

	d, _ := engine.Get("system")
	require.Equal(t, 0.3, d.Pressure)
}
