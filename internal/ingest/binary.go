package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"

	"github.com/sirupsen/logrus"

	"mdsagent/pkg/schemas"
	"mdsagent/pkg/types"
)

// serveBinary runs the read loop for one binary-framed connection: a
// little-endian 4-byte length, then a varint-encoded record of
// (msgId, sourceName, schemaId, optional schemaDef, payload). The ack
// is a fixed (uint64 msgId, uint32 code) pair.
func serveBinary(ctx context.Context, conn net.Conn, session *session, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var lenbuf [4]byte
		if _, err := io.ReadFull(conn, lenbuf[:]); err != nil {
			if err != io.EOF {
				logger.WithError(err).Debug("Binary ingest connection closed")
			}
			return
		}
		size := binary.LittleEndian.Uint32(lenbuf[:])
		if size == 0 || size > MaxMessageSize {
			logger.WithField("size", size).Warn("Oversize ingest message; disconnecting")
			return
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}

		msgID, code := session.handleBinaryMessage(frame)

		var ack [12]byte
		binary.LittleEndian.PutUint64(ack[0:8], msgID)
		binary.LittleEndian.PutUint32(ack[8:12], code)
		if _, err := conn.Write(ack[:]); err != nil {
			return
		}
	}
}

// handleBinaryMessage decodes one framed record and routes the row.
func (c *session) handleBinaryMessage(frame []byte) (uint64, uint32) {
	r := bytes.NewReader(frame)

	msgID, err := readUvarint(r)
	if err != nil {
		return 0, AckDecodeError
	}
	source, err := readVarString(r)
	if err != nil {
		return msgID, AckDecodeError
	}
	schemaID, err := readUvarint(r)
	if err != nil {
		return msgID, AckDecodeError
	}

	hasSchema, err := r.ReadByte()
	if err != nil {
		return msgID, AckDecodeError
	}
	dynamicSchema := hasSchema != 0
	if dynamicSchema {
		schema, err := readBinarySchema(r)
		if err != nil {
			return msgID, AckDecodeError
		}
		if code := c.register(schemaID, schema); code != AckSuccess {
			return msgID, code
		}
	}

	desc, ok := c.resolve(schemaID)
	if !ok {
		return msgID, AckUnknownSchemaID
	}

	values, err := readBinaryValues(r, desc)
	if err != nil {
		c.logger.WithError(err).WithField("source", source).Debug("Binary payload decode failed")
		return msgID, AckDecodeError
	}

	return msgID, c.accept(source, buildRow(desc, values), dynamicSchema)
}

// readBinarySchema decodes a schema definition: a varint column count,
// per-column (name, type tag), and a varint timestamp index plus one
// (zero meaning none).
func readBinarySchema(r *bytes.Reader) (schemas.Schema, error) {
	count, err := readUvarint(r)
	if err != nil {
		return schemas.Schema{}, err
	}
	if count == 0 || count > 4096 {
		return schemas.Schema{}, fmt.Errorf("implausible column count %d", count)
	}

	schema := schemas.Schema{TimestampIndex: -1}
	for i := uint64(0); i < count; i++ {
		name, err := readVarString(r)
		if err != nil {
			return schemas.Schema{}, err
		}
		tag, err := r.ReadByte()
		if err != nil {
			return schemas.Schema{}, err
		}
		kind, ok := kindFromWireTag(tag)
		if !ok {
			return schemas.Schema{}, fmt.Errorf("unknown type tag %d", tag)
		}
		schema.Columns = append(schema.Columns, schemas.ColumnDef{Name: name, Type: kind})
	}

	tsPlusOne, err := readUvarint(r)
	if err != nil {
		return schemas.Schema{}, err
	}
	if tsPlusOne > 0 {
		if tsPlusOne > count {
			return schemas.Schema{}, fmt.Errorf("timestamp index %d out of range", tsPlusOne-1)
		}
		schema.TimestampIndex = int(tsPlusOne - 1)
	}
	return schema, nil
}

// readBinaryValues decodes the payload field-by-field using the
// registered schema.
func readBinaryValues(r *bytes.Reader, desc *schemas.Descriptor) ([]*types.Value, error) {
	values := make([]*types.Value, len(desc.Schema.Columns))
	for i, col := range desc.Schema.Columns {
		switch col.Type {
		case types.KindBool:
			b, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			values[i] = types.BoolValue(b != 0)
		case types.KindInt32:
			n, err := readVarint(r)
			if err != nil {
				return nil, err
			}
			values[i] = types.Int32Value(int32(n))
		case types.KindInt64:
			n, err := readVarint(r)
			if err != nil {
				return nil, err
			}
			values[i] = types.Int64Value(n)
		case types.KindDouble:
			var raw [8]byte
			if _, err := io.ReadFull(r, raw[:]); err != nil {
				return nil, err
			}
			values[i] = types.DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(raw[:])))
		case types.KindString:
			s, err := readVarString(r)
			if err != nil {
				return nil, err
			}
			values[i] = types.StringValue(s)
		case types.KindTime:
			sec, err := readVarint(r)
			if err != nil {
				return nil, err
			}
			usec, err := readVarint(r)
			if err != nil {
				return nil, err
			}
			values[i] = types.TimeValueOf(types.TimeValue{Sec: sec, Usec: usec})
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after payload", r.Len())
	}
	return values, nil
}

func kindFromWireTag(tag byte) (types.ValueKind, bool) {
	switch tag {
	case 0:
		return types.KindBool, true
	case 1:
		return types.KindInt32, true
	case 2:
		return types.KindInt64, true
	case 3:
		return types.KindDouble, true
	case 4:
		return types.KindString, true
	case 5:
		return types.KindTime, true
	}
	return 0, false
}
