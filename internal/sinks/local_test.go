package sinks

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"mdsagent/pkg/types"
)

func rowAt(sec int64, name, value string) *types.Row {
	r := types.NewRow(1)
	r.AddString(name, value)
	r.Timestamp = types.TimeValue{Sec: sec}
	return r
}

func TestLocalSinkOrderingAndForeach(t *testing.T) {
	s := NewLocalSink("src", logrus.New())
	s.ExtendRetention(types.TimeValue{Sec: 3600})

	// Insert out of order; Foreach must see non-decreasing timestamps.
	now := types.Now().Sec
	s.AddRow(rowAt(now-5, "k", "c"), types.TimeValue{})
	s.AddRow(rowAt(now-30, "k", "a"), types.TimeValue{})
	s.AddRow(rowAt(now-10, "k", "b"), types.TimeValue{})

	var seen []string
	s.Foreach(types.TimeValue{Sec: now - 60}, types.TimeValue{Sec: 120}, func(r *types.Row) {
		seen = append(seen, r.Find("k").Str())
	})
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestLocalSinkForeachWindowIsHalfOpen(t *testing.T) {
	s := NewLocalSink("src2", logrus.New())
	s.ExtendRetention(types.TimeValue{Sec: 3600})

	base := types.Now().Sec - 100
	s.AddRow(rowAt(base, "k", "in-start"), types.TimeValue{})
	s.AddRow(rowAt(base+59, "k", "in-end"), types.TimeValue{})
	s.AddRow(rowAt(base+60, "k", "out"), types.TimeValue{})

	var seen []string
	s.Foreach(types.TimeValue{Sec: base}, types.TimeValue{Sec: 60}, func(r *types.Row) {
		seen = append(seen, r.Find("k").Str())
	})
	assert.Equal(t, []string{"in-start", "in-end"}, seen)
}

func TestLocalSinkFlushRemovesOlderRows(t *testing.T) {
	s := NewLocalSink("src3", logrus.New())
	s.ExtendRetention(types.TimeValue{Sec: 3600})

	now := types.Now().Sec
	s.AddRow(rowAt(now-50, "k", "old"), types.TimeValue{})
	s.AddRow(rowAt(now-10, "k", "new"), types.TimeValue{})

	s.Flush(types.TimeValue{Sec: now - 20})

	assert.Equal(t, 1, s.Size())
	var seen []string
	s.Foreach(types.TimeValue{Sec: now - 3600}, types.TimeValue{Sec: 7200}, func(r *types.Row) {
		seen = append(seen, r.Find("k").Str())
	})
	assert.Equal(t, []string{"new"}, seen)
}

func TestLocalSinkDropsWithNoConsumer(t *testing.T) {
	s := NewLocalSink("nobody", logrus.New())
	s.AddRow(rowAt(types.Now().Sec, "k", "v"), types.TimeValue{})
	assert.Zero(t, s.Size())
}

func TestLocalSinkPublisherForwarding(t *testing.T) {
	s := ObtainLocalSink("pubsrc", logrus.New())
	s.AttachPublisher("ehMoniker")

	var got []string
	SetPublishFunc(func(moniker, source string, row *types.Row) {
		got = append(got, moniker+"/"+source)
	})
	defer SetPublishFunc(nil)

	ingested := rowAt(types.Now().Sec, "k", "v")
	s.AddRow(ingested, types.TimeValue{})

	duplicated := rowAt(types.Now().Sec, "k", "v2")
	duplicated.Origin = types.Duplicated
	s.AddRow(duplicated, types.TimeValue{})

	assert.Equal(t, []string{"ehMoniker/pubsrc"}, got)
}

func TestRegistrySharesInstances(t *testing.T) {
	a := ObtainLocalSink("shared", logrus.New())
	b := ObtainLocalSink("shared", logrus.New())
	assert.Same(t, a, b)
	assert.Same(t, a, LookupLocalSink("shared"))
	assert.Nil(t, LookupLocalSink("missing"))
}
