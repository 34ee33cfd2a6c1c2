// Package message defines the wire-independent sample type shared by both
// photometer roles and the Role enum that tags every derived record.
package message

import "time"

// Role selects configuration sections and tags every record derived from
// a photometer's samples. Closed set per spec §3.
type Role string

const (
	RoleRef  Role = "ref"
	RoleTest Role = "test"
)

// Valid reports whether r is one of the two defined roles.
func (r Role) Valid() bool {
	return r == RoleRef || r == RoleTest
}

// String implements fmt.Stringer.
func (r Role) String() string { return string(r) }

// Message is one timestamped frequency sample produced by a photometer.
// Immutable once produced (spec §3).
type Message struct {
	Tstamp time.Time // UTC instant, microsecond resolution
	Seq    uint64    // monotonic counter from device; may reset
	Freq   float64   // Hz, positive
	Tamb   *float64  // degrees C, optional
	Tsky   *float64  // degrees C, optional
}
