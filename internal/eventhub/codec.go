// Package eventhub publishes rows from publisher-tagged local sinks to
// per-moniker event hubs, buffering in memory, backing off per item on
// throttling, and spilling aged items to the on-disk retry queue.
package eventhub

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"mdsagent/pkg/types"
	"mdsagent/pkg/varint"
)

// Event is one serialized publication unit: the source it came from
// plus the row columns.
type Event struct {
	Source    string
	Timestamp types.TimeValue
	Columns   []types.Column
}

// Wire type tags for the serialized form.
const (
	tagBool byte = iota
	tagInt32
	tagInt64
	tagDouble
	tagString
	tagTime
)

// EncodeEvent serializes an event with the base-128 integer encoding
// consumers expect: varint lengths and integral values, fixed 8-byte
// doubles.
func EncodeEvent(source string, row *types.Row) []byte {
	buf := make([]byte, 0, 64+32*row.Len())
	buf = appendString(buf, source)
	buf = varint.AppendInt(buf, row.Timestamp.Sec)
	buf = varint.AppendInt(buf, row.Timestamp.Usec)
	buf = varint.AppendUint(buf, uint64(row.Len()))

	for _, col := range row.Columns() {
		buf = appendString(buf, col.Name)
		v := col.Value
		switch v.Kind() {
		case types.KindBool:
			buf = append(buf, tagBool)
			if v.Bool() {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case types.KindInt32:
			buf = append(buf, tagInt32)
			buf = varint.AppendInt(buf, v.Int())
		case types.KindInt64:
			buf = append(buf, tagInt64)
			buf = varint.AppendInt(buf, v.Int())
		case types.KindDouble:
			buf = append(buf, tagDouble)
			var raw [8]byte
			binary.LittleEndian.PutUint64(raw[:], math.Float64bits(v.Double()))
			buf = append(buf, raw[:]...)
		case types.KindString:
			buf = append(buf, tagString)
			buf = appendString(buf, v.Str())
		case types.KindTime:
			buf = append(buf, tagTime)
			buf = varint.AppendInt(buf, v.Time().Sec)
			buf = varint.AppendInt(buf, v.Time().Usec)
		}
	}
	return buf
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(data []byte) (*Event, error) {
	r := bytes.NewReader(data)

	source, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("event source: %w", err)
	}
	sec, err := varint.ReadInt(r)
	if err != nil {
		return nil, fmt.Errorf("event seconds: %w", err)
	}
	usec, err := varint.ReadInt(r)
	if err != nil {
		return nil, fmt.Errorf("event microseconds: %w", err)
	}
	count, err := varint.ReadUint(r)
	if err != nil {
		return nil, fmt.Errorf("column count: %w", err)
	}

	ev := &Event{
		Source:    source,
		Timestamp: types.TimeValue{Sec: sec, Usec: usec},
		Columns:   make([]types.Column, 0, count),
	}

	for i := uint64(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("column %d name: %w", i, err)
		}
		tag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("column %d tag: %w", i, err)
		}

		var value *types.Value
		switch tag {
		case tagBool:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			value = types.BoolValue(b != 0)
		case tagInt32:
			n, err := varint.ReadInt(r)
			if err != nil {
				return nil, err
			}
			value = types.Int32Value(int32(n))
		case tagInt64:
			n, err := varint.ReadInt(r)
			if err != nil {
				return nil, err
			}
			value = types.Int64Value(n)
		case tagDouble:
			var raw [8]byte
			if _, err := io.ReadFull(r, raw[:]); err != nil {
				return nil, err
			}
			value = types.DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(raw[:])))
		case tagString:
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			value = types.StringValue(s)
		case tagTime:
			sec, err := varint.ReadInt(r)
			if err != nil {
				return nil, err
			}
			usec, err := varint.ReadInt(r)
			if err != nil {
				return nil, err
			}
			value = types.TimeValueOf(types.TimeValue{Sec: sec, Usec: usec})
		default:
			return nil, fmt.Errorf("column %d: unknown type tag %d", i, tag)
		}
		ev.Columns = append(ev.Columns, types.Column{Name: name, Value: value})
	}
	return ev, nil
}

func appendString(buf []byte, s string) []byte {
	buf = varint.AppendUint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := varint.ReadUint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	raw := make([]byte, n)
	if _, err := r.Read(raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
