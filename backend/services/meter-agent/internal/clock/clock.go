package clock

import "time"

// Clock supplies sampling timestamps.
type Clock interface {
	Now() time.Time
}

// System reads the host clock in UTC. The host is expected to be NTP-synchronised by the OS;
// corrections may move time backwards and consumers must not assume strict ordering.
type System struct{}

// Now returns the current UTC time truncated to milliseconds.
func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time {
	return f()
}
