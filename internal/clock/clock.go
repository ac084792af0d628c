// Package clock provides an injectable time source so the drive engine,
// mutator, and daemon loop never call time.Now() directly.
package clock

import (
	"strconv"
	"time"
)

// Clock provides the current time. Core logic depends on this interface
// instead of calling time.Now() so tests can drive time deterministically.
type Clock interface {
	Now() time.Time
}

// Real returns actual wall-clock time. Use only at process entry points.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time { return time.Now() }

// NewReal returns a Clock backed by the system clock.
func NewReal() Clock { return Real{} }

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.T }

// NewFixed returns a Clock pinned to t.
func NewFixed(t time.Time) Clock { return Fixed{T: t} }

// Func adapts a plain function into a Clock, useful for tests that need to
// advance time between calls.
type Func func() time.Time

// Now calls the wrapped function.
func (f Func) Now() time.Time { return f() }

// EpochTime wraps time.Time so persisted files carry Unix epoch seconds as
// plain JSON numbers instead of encoding/json's default RFC3339 strings.
type EpochTime time.Time

// NewEpochTime converts a time.Time for use in a persisted struct.
func NewEpochTime(t time.Time) EpochTime { return EpochTime(t) }

// Time returns the wrapped value as a time.Time.
func (t EpochTime) Time() time.Time { return time.Time(t) }

// IsZero reports whether the wrapped time is the zero value.
func (t EpochTime) IsZero() bool { return time.Time(t).IsZero() }

// MarshalJSON writes the time as Unix epoch seconds, or 0 for the zero time.
func (t EpochTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(time.Time(t).Unix(), 10)), nil
}

// UnmarshalJSON reads Unix epoch seconds. A value of 0 round-trips to the
// zero time.
func (t *EpochTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == "0" {
		*t = EpochTime{}
		return nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*t = EpochTime(time.Unix(sec, 0))
	return nil
}
