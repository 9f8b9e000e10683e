package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"one hour", "PT1H", 3600},
		{"one day", "P1D", 86400},
		{"mixed", "P2DT3H4M5S", 2*86400 + 3*3600 + 4*60 + 5},
		{"seconds only", "PT60S", 60},
		{"minutes", "PT15M", 900},
		{"invalid empty", "", 0},
		{"invalid no P", "T1H", 0},
		{"invalid unit", "PT1X", 0},
		{"invalid day after T", "PT1D", 0},
		{"invalid dangling digits", "PT15", 0},
		{"invalid hour without T", "P1H", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDuration(tt.input)
			assert.Equal(t, tt.want, got.Sec)
			assert.Equal(t, int64(0), got.Usec)
		})
	}
}

func TestTimeValueRound(t *testing.T) {
	tv := TimeValue{Sec: 1719501234, Usec: 567890}
	rounded := tv.Round(60)
	assert.Equal(t, int64(1719501180), rounded.Sec)
	assert.Equal(t, int64(0), rounded.Usec)

	// Rounding an already-rounded value is idempotent.
	assert.Equal(t, rounded, rounded.Round(60))

	// Non-positive interval leaves the value alone.
	assert.Equal(t, tv, tv.Round(0))
}

func TestTimeValueArithmetic(t *testing.T) {
	a := TimeValue{Sec: 10, Usec: 900000}
	b := TimeValue{Sec: 1, Usec: 200000}

	sum := a.Add(b)
	assert.Equal(t, TimeValue{Sec: 12, Usec: 100000}, sum)

	diff := a.Sub(b)
	assert.Equal(t, TimeValue{Sec: 9, Usec: 700000}, diff)

	assert.True(t, b.Before(a))
	assert.True(t, a.After(b))
	assert.True(t, a.Equal(a))
}

func TestTicksRoundTrip(t *testing.T) {
	// Unix epoch in .NET ticks.
	epoch := TimeValue{}
	assert.Equal(t, uint64(62135596800)*uint64(TicksPerSecond), epoch.Ticks())

	// Ticks never exceed MaxDateTimeTicks for sane wall times, so the
	// descending-ticks key stays 19 digits.
	now := Now()
	assert.Less(t, now.Ticks(), uint64(MaxDateTimeTicks))
	assert.Len(t, ZeroFill(MaxDateTimeTicks-now.Ticks(), 19), 19)
}

func TestISO8601String(t *testing.T) {
	tv := TimeValue{Sec: 0, Usec: 1}
	assert.Equal(t, "1970-01-01T00:00:00.0000010Z", tv.String())
}
