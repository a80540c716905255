package warden

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
