package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowKeyPromotion(t *testing.T) {
	r := NewRow(4)
	r.AddColumn("PartitionKey", StringValue("pk"))
	r.AddColumn("RowKey", StringValue("rk"))
	r.AddColumn("host", StringValue("h1"))

	assert.Equal(t, "pk", r.PartitionKey)
	assert.Equal(t, "rk", r.RowKey)
	assert.Equal(t, 1, r.Len())
	assert.Nil(t, r.Find("PartitionKey"))
	assert.Nil(t, r.Find("RowKey"))
	require.NotNil(t, r.Find("host"))
	assert.Equal(t, "h1", r.Find("host").Str())
}

func TestAddColumnIgnoreMetadata(t *testing.T) {
	r := NewRow(8)
	for _, name := range []string{"TIMESTAMP", "PreciseTimeStamp", "PartitionKey", "RowKey", "N", "RowIndex"} {
		r.AddColumnIgnoreMetadata(name, StringValue("x"))
	}
	r.AddColumnIgnoreMetadata("value", DoubleValue(1.5))

	assert.Equal(t, 1, r.Len())
	assert.Nil(t, r.Find("TIMESTAMP"))
	require.NotNil(t, r.Find("value"))
	assert.Equal(t, 1.5, r.Find("value").Double())
}

func TestRowCopyIsDeep(t *testing.T) {
	r := NewRow(2)
	r.AddColumn("v", Int64Value(7))
	r.Timestamp = TimeValue{Sec: 100}
	r.SchemaID = 42

	c := r.Copy()
	c.Find("v").Scale(10)

	assert.Equal(t, int64(7), r.Find("v").Int())
	assert.Equal(t, int64(70), c.Find("v").Int())
	assert.Equal(t, r.SchemaID, c.SchemaID)
	assert.Equal(t, r.Timestamp, c.Timestamp)
}

func TestValueScale(t *testing.T) {
	v := DoubleValue(0.5)
	v.Scale(100)
	assert.Equal(t, 50.0, v.Double())

	i := Int32Value(3)
	i.Scale(2)
	assert.Equal(t, int64(6), i.Int())

	// Non-numeric scale is a silent no-op.
	s := StringValue("unchanged")
	s.Scale(100)
	assert.Equal(t, "unchanged", s.Str())

	b := BoolValue(true)
	b.Scale(0)
	assert.True(t, b.Bool())
}

func TestParseValueConversions(t *testing.T) {
	tests := []struct {
		name    string
		kind    ValueKind
		raw     interface{}
		wantErr bool
		check   func(t *testing.T, v *Value)
	}{
		{"bool literal", KindBool, true, false, func(t *testing.T, v *Value) { assert.True(t, v.Bool()) }},
		{"bool string mixed case", KindBool, "TRUE", false, func(t *testing.T, v *Value) { assert.True(t, v.Bool()) }},
		{"bool garbage", KindBool, "yes", true, nil},
		{"int32 from number", KindInt32, float64(7), false, func(t *testing.T, v *Value) { assert.Equal(t, int64(7), v.Int()) }},
		{"int64 from decimal string", KindInt64, "123", false, func(t *testing.T, v *Value) { assert.Equal(t, int64(123), v.Int()) }},
		{"int from fraction rejected", KindInt64, 1.5, true, nil},
		{"double from string", KindDouble, "2.5", false, func(t *testing.T, v *Value) { assert.Equal(t, 2.5, v.Double()) }},
		{"string", KindString, "abc", false, func(t *testing.T, v *Value) { assert.Equal(t, "abc", v.Str()) }},
		{"time from integer seconds", KindTime, float64(100), false, func(t *testing.T, v *Value) {
			assert.Equal(t, TimeValue{Sec: 100}, v.Time())
		}},
		{"time from rfc3339", KindTime, "2024-06-01T12:00:00Z", false, func(t *testing.T, v *Value) {
			assert.Equal(t, int64(1717243200), v.Time().Sec)
		}},
		{"time from pair", KindTime, []interface{}{float64(5), float64(500000000)}, false, func(t *testing.T, v *Value) {
			assert.Equal(t, TimeValue{Sec: 5, Usec: 500000}, v.Time())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseValue(tt.kind, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, v)
		})
	}
}

func TestWireSize(t *testing.T) {
	r := NewRow(2)
	r.PartitionKey = "pk"
	r.RowKey = "rk"
	r.AddColumn("name", StringValue("abc"))

	// 2*(2+2) + 4 + 2*4 + (2*3+2)
	assert.Equal(t, 8+4+8+8, r.WireSize())
}
