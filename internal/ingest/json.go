package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"

	"mdsagent/pkg/schemas"
	"mdsagent/pkg/types"
)

// serveJSON runs the read loop for one JSON-framed connection. Each
// message is a decimal size line, a newline, then that many bytes of a
// five-element JSON array; the reply is "<msgId>:<code>\n". Producers
// may pipeline.
func serveJSON(ctx context.Context, conn net.Conn, session *session, logger *logrus.Logger) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		size, err := readSizeLine(reader)
		if err != nil {
			if err != io.EOF {
				logger.WithError(err).Debug("JSON ingest connection closed")
			}
			return
		}
		if size == 0 || size > MaxMessageSize {
			logger.WithField("size", size).Warn("Oversize ingest message; disconnecting")
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return
		}

		msgID, code := session.handleJSONMessage(payload)
		if _, err := fmt.Fprintf(writer, "%d:%d\n", msgID, code); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// readSizeLine parses the decimal byte-count line.
func readSizeLine(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	size, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("bad size line %q: %w", line, err)
	}
	return size, nil
}

// handleJSONMessage decodes [source, msgId, schemaId, schemaOrNull,
// data] and routes the row.
func (c *session) handleJSONMessage(payload []byte) (uint64, uint32) {
	var msg []json.RawMessage
	if err := json.Unmarshal(payload, &msg); err != nil || len(msg) != 5 {
		return 0, AckDecodeError
	}

	var source string
	if json.Unmarshal(msg[0], &source) != nil {
		return 0, AckDecodeError
	}
	var msgID uint64
	if json.Unmarshal(msg[1], &msgID) != nil {
		return 0, AckDecodeError
	}
	var schemaID uint64
	if json.Unmarshal(msg[2], &schemaID) != nil {
		return msgID, AckDecodeError
	}

	dynamicSchema := string(msg[3]) != "null"
	if dynamicSchema {
		schema, err := parseJSONSchema(msg[3])
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

	values, err := decodeJSONValues(desc, msg[4])
	if err != nil {
		c.logger.WithError(err).WithField("source", source).Debug("JSON payload decode failed")
		return msgID, AckDecodeError
	}

	return msgID, c.accept(source, buildRow(desc, values), dynamicSchema)
}

// parseJSONSchema reads the schema array: an optional leading integer
// naming the timestamp field index, followed by [name, typeTag] pairs.
func parseJSONSchema(raw json.RawMessage) (schemas.Schema, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return schemas.Schema{}, err
	}

	schema := schemas.Schema{TimestampIndex: -1}
	start := 0
	if len(elems) > 0 {
		var tsIndex int
		if err := json.Unmarshal(elems[0], &tsIndex); err == nil {
			schema.TimestampIndex = tsIndex
			start = 1
		}
	}

	for _, e := range elems[start:] {
		var pair []string
		if err := json.Unmarshal(e, &pair); err != nil || len(pair) != 2 {
			return schemas.Schema{}, fmt.Errorf("bad schema column %s", string(e))
		}
		kind, ok := types.KindFromTag(pair[1])
		if !ok {
			return schemas.Schema{}, fmt.Errorf("unknown type tag %q", pair[1])
		}
		schema.Columns = append(schema.Columns, schemas.ColumnDef{Name: pair[0], Type: kind})
	}
	if len(schema.Columns) == 0 {
		return schemas.Schema{}, fmt.Errorf("schema declares no columns")
	}
	if schema.TimestampIndex >= len(schema.Columns) {
		return schemas.Schema{}, fmt.Errorf("timestamp index %d out of range", schema.TimestampIndex)
	}
	return schema, nil
}

// decodeJSONValues converts the data array against the schema's column
// kinds.
func decodeJSONValues(desc *schemas.Descriptor, raw json.RawMessage) ([]*types.Value, error) {
	var elems []interface{}
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	if len(elems) != len(desc.Schema.Columns) {
		return nil, fmt.Errorf("got %d values for %d columns", len(elems), len(desc.Schema.Columns))
	}

	values := make([]*types.Value, len(elems))
	for i, e := range elems {
		v, err := types.ParseValue(desc.Schema.Columns[i].Type, e)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", desc.Schema.Columns[i].Name, err)
		}
		values[i] = v
	}
	return values, nil
}
