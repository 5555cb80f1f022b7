package replica

import "time"

// Clock supplies wall-clock time to a Replica's future-timestamp
// bound check. It is an injectable dependency so tests can pin "now"
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a constant time, for deterministic tests.
type FixedClock time.Time

func (f FixedClock) Now() time.Time { return time.Time(f) }

func nowMicros(c Clock) uint64 {
	return uint64(c.Now().UnixMicro())
}
