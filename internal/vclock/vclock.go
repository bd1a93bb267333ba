// Package vclock implements per-device version vectors used to order
// observations of synced entities.
package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Vector maps a device id to that device's logical clock. Missing entries
// are treated as zero. Vectors are values: every operation returns a new
// map and never mutates its arguments.
type Vector map[string]uint64

// Ordering is the causal relationship between two vectors.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// New returns an empty vector.
func New() Vector { return Vector{} }

// Clone returns a copy of v with zero entries dropped.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for device, clock := range v {
		if clock > 0 {
			out[device] = clock
		}
	}
	return out
}

// Get returns the clock of device, zero when absent.
func (v Vector) Get(device string) uint64 { return v[device] }

// Increment returns a copy of v with device's entry advanced by one.
func Increment(v Vector, device string) Vector {
	out := v.Clone()
	out[device]++
	return out
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b Vector) Vector {
	out := a.Clone()
	for device, clock := range b {
		if clock > out[device] {
			out[device] = clock
		}
	}
	return out
}

// Dominates reports whether a[d] >= b[d] for every device d.
func Dominates(a, b Vector) bool {
	for device, clock := range b {
		if a[device] < clock {
			return false
		}
	}
	return true
}

// EqualVectors reports whether a and b hold the same clocks, treating missing
// entries as zero.
func EqualVectors(a, b Vector) bool {
	return Dominates(a, b) && Dominates(b, a)
}

// HappensBefore reports whether a is strictly causally before b. It is
// irreflexive.
func HappensBefore(a, b Vector) bool {
	return Dominates(b, a) && !Dominates(a, b)
}

// IsConcurrent reports whether neither vector happens before the other
// and they are not equal.
func IsConcurrent(a, b Vector) bool {
	return !Dominates(a, b) && !Dominates(b, a)
}

// Compare classifies the relationship of a relative to b.
func Compare(a, b Vector) Ordering {
	ab := Dominates(a, b)
	ba := Dominates(b, a)
	switch {
	case ab && ba:
		return Equal
	case ba:
		return Before
	case ab:
		return After
	default:
		return Concurrent
	}
}

// String renders v with devices sorted, e.g. "{a:1,b:2}".
func (v Vector) String() string {
	devices := make([]string, 0, len(v))
	for device, clock := range v {
		if clock > 0 {
			devices = append(devices, device)
		}
	}
	sort.Strings(devices)

	var b strings.Builder
	b.WriteByte('{')
	for i, device := range devices {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s:%d", device, v[device])
	}
	b.WriteByte('}')
	return b.String()
}
