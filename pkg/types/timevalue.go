// Package types holds the core data model shared by every stage of the
// agent: fixed-point timestamps, the tagged value union, and the canonical
// row record that flows from ingest to the sinks.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tick and epoch constants for conversions to the 100ns tick timeline.
const (
	TicksPerSecond = 10000000

	// Seconds between 0001-01-01 and the Unix epoch.
	epochToUnixSeconds = 62135596800

	// 23:59:59.9999999 UTC, December 31, 9999; one tick before year 10000.
	MaxDateTimeTicks = 3155378975999999999

	// Magic timestamp used for schema-metadata table entries that need a
	// fake but stable time.
	FakeTimeStampTicks = 504911232000000001
)

// TimeValue is a fixed-point timestamp with microsecond resolution.
// The zero value is "invalid" and doubles as a parse-failure sentinel.
type TimeValue struct {
	Sec  int64
	Usec int64
}

// Now returns the current wall time.
func Now() TimeValue {
	return FromTime(time.Now())
}

// FromTime converts a time.Time, truncating to microseconds.
func FromTime(t time.Time) TimeValue {
	return TimeValue{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}

// FromUnix builds a TimeValue from seconds and microseconds, normalizing
// the microsecond part into [0, 1e6).
func FromUnix(sec, usec int64) TimeValue {
	sec += usec / 1000000
	usec %= 1000000
	if usec < 0 {
		sec--
		usec += 1000000
	}
	return TimeValue{Sec: sec, Usec: usec}
}

// FromSeconds builds a TimeValue from (possibly fractional) seconds.
func FromSeconds(s float64) TimeValue {
	sec := int64(s)
	return FromUnix(sec, int64((s-float64(sec))*1e6))
}

// IsZero reports whether the value is the invalid sentinel.
func (t TimeValue) IsZero() bool { return t.Sec == 0 && t.Usec == 0 }

// Equal reports exact equality.
func (t TimeValue) Equal(o TimeValue) bool { return t.Sec == o.Sec && t.Usec == o.Usec }

// Before reports whether t precedes o.
func (t TimeValue) Before(o TimeValue) bool {
	return t.Sec < o.Sec || (t.Sec == o.Sec && t.Usec < o.Usec)
}

// After reports whether t follows o.
func (t TimeValue) After(o TimeValue) bool { return o.Before(t) }

// Add returns t + o.
func (t TimeValue) Add(o TimeValue) TimeValue {
	return FromUnix(t.Sec+o.Sec, t.Usec+o.Usec)
}

// AddSeconds returns t shifted by whole seconds (which may be negative).
func (t TimeValue) AddSeconds(s int64) TimeValue {
	return TimeValue{Sec: t.Sec + s, Usec: t.Usec}
}

// Sub returns t - o.
func (t TimeValue) Sub(o TimeValue) TimeValue {
	return FromUnix(t.Sec-o.Sec, t.Usec-o.Usec)
}

// Round rounds down to a multiple of interval seconds and clears the
// microsecond part. A non-positive interval returns t unchanged.
func (t TimeValue) Round(interval int64) TimeValue {
	if interval <= 0 {
		return t
	}
	return TimeValue{Sec: t.Sec - (t.Sec % interval)}
}

// Seconds returns the value as fractional seconds.
func (t TimeValue) Seconds() float64 {
	return float64(t.Sec) + float64(t.Usec)/1e6
}

// Ticks converts to 100ns ticks since 0001-01-01 UTC.
func (t TimeValue) Ticks() uint64 {
	return uint64(t.Sec+epochToUnixSeconds)*TicksPerSecond + uint64(t.Usec)*10
}

// Time converts to a time.Time in UTC.
func (t TimeValue) Time() time.Time {
	return time.Unix(t.Sec, t.Usec*1000).UTC()
}

// YMD returns the UTC calendar components.
func (t TimeValue) YMD() (year int, month time.Month, day int) {
	return t.Time().Date()
}

// String renders the timestamp in ISO 8601 with seven fractional digits,
// the form the table and blob serializers expect.
func (t TimeValue) String() string {
	tm := t.Time()
	return fmt.Sprintf("%s.%07dZ", tm.Format("2006-01-02T15:04:05"), tm.Nanosecond()/100)
}

// ParseDuration parses an ISO 8601 duration of the restricted form
// P[n]DT[n]H[n]M[n]S. The zero TimeValue signals an invalid duration.
func ParseDuration(s string) TimeValue {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return TimeValue{}
	}

	var total int64
	inTime := false
	num := ""
	for _, c := range rest {
		switch {
		case c >= '0' && c <= '9':
			num += string(c)
		case c == 'T':
			if inTime || num != "" {
				return TimeValue{}
			}
			inTime = true
		default:
			if num == "" {
				return TimeValue{}
			}
			n, err := strconv.ParseInt(num, 10, 64)
			if err != nil {
				return TimeValue{}
			}
			num = ""
			switch c {
			case 'D':
				if inTime {
					return TimeValue{}
				}
				total += n * 86400
			case 'H':
				if !inTime {
					return TimeValue{}
				}
				total += n * 3600
			case 'M':
				if !inTime {
					return TimeValue{}
				}
				total += n * 60
			case 'S':
				if !inTime {
					return TimeValue{}
				}
				total += n
			default:
				return TimeValue{}
			}
		}
	}
	if num != "" {
		return TimeValue{}
	}
	return TimeValue{Sec: total}
}

// ZeroFill renders n as a decimal string left-padded with zeroes to width.
func ZeroFill(n uint64, width int) string {
	return fmt.Sprintf("%0*d", width, n)
}
