package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedClock(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixed(t0)
	require.Equal(t, t0, c.Now())
	require.Equal(t, t0, c.Now())
}

func TestFuncClock(t *testing.T) {
	n := 0
	c := Func(func() time.Time {
		n++
		return time.Unix(int64(n), 0)
	})
	require.Equal(t, time.Unix(1, 0), c.Now())
	require.Equal(t, time.Unix(2, 0), c.Now())
}

func TestRealClock(t *testing.T) {
	c := NewReal()
	before := time.Now()
	got := c.Now()
	require.False(t, got.Before(before))
}
