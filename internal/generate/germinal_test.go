package generate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/normanking/pulse/internal/clock"
	"github.com/normanking/pulse/internal/config"
	"github.com/normanking/pulse/internal/drive"
)

func TestSuggestUsesKnownTemplate(t *testing.T) {
	got := Suggest("curiosity", 3.2)
	require.Contains(t, got, "open question")
	require.Contains(t, got, "3.20")
}

func TestSuggestFallsBackForUnknownDrive(t *testing.T) {
	got := Suggest("novelty", 1.0)
	require.Contains(t, got, "novelty")
}

func TestSuggestFromEngineEmptyWhenNoDrives(t *testing.T) {
	e := drive.New(&config.DrivesConfig{MaxPressure: 10}, clock.NewReal(), nil)
	require.Equal(t, "", SuggestFromEngine(e))
}

func TestSuggestFromEngineUsesTopDrive(t *testing.T) {
	cfg := &config.DrivesConfig{
		MaxPressure: 10,
		Categories: map[string]config.DriveDefault{
			"goals":  {Weight: 1.0},
			"growth": {Weight: 1.0},
		},
	}
	e := drive.New(cfg, clock.NewReal(), nil)
	require.NoError(t, e.Spike("growth", 2.0))

	got := SuggestFromEngine(e)
	require.Contains(t, got, "skill or topic")
}
