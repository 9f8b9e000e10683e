package deduplication

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"mdsagent/pkg/types"
)

func testRow(host string, value float64) *types.Row {
	r := types.NewRow(2)
	r.AddString("host", host)
	r.AddColumn("value", types.DoubleValue(value))
	return r
}

func TestDuplicateDetection(t *testing.T) {
	s := NewSuppressor(Config{}, logrus.New())

	assert.False(t, s.IsDuplicate("syslog", testRow("h1", 1)))
	assert.True(t, s.IsDuplicate("syslog", testRow("h1", 1)))

	// Different content or different source is not a duplicate.
	assert.False(t, s.IsDuplicate("syslog", testRow("h1", 2)))
	assert.False(t, s.IsDuplicate("other", testRow("h1", 1)))

	stats := s.GetStats()
	assert.Equal(t, int64(4), stats.Checked)
	assert.Equal(t, int64(1), stats.Duplicates)
}

func TestWindowClamping(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero selects default", 0, DefaultWindow},
		{"below minimum", time.Second, MinWindow},
		{"above maximum", 2 * time.Hour, MaxWindow},
		{"in range", 5 * time.Minute, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSuppressor(Config{Window: tt.in}, logrus.New())
			assert.Equal(t, tt.want, s.config.Window)
		})
	}
}

func TestBoundedCacheEvicts(t *testing.T) {
	s := NewSuppressor(Config{MaxEntries: 2}, logrus.New())

	s.IsDuplicate("a", testRow("h1", 1))
	s.IsDuplicate("a", testRow("h2", 2))
	s.IsDuplicate("a", testRow("h3", 3))

	assert.Equal(t, int64(1), s.GetStats().Evicted)
	assert.LessOrEqual(t, len(s.entries), 2)
}

func TestColumnOrderMatters(t *testing.T) {
	a := types.NewRow(2)
	a.AddString("x", "1")
	a.AddString("y", "2")

	b := types.NewRow(2)
	b.AddString("y", "2")
	b.AddString("x", "1")

	assert.NotEqual(t, hashRow(a), hashRow(b))
}
