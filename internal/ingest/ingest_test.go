package ingest

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdsagent/pkg/deduplication"
	"mdsagent/pkg/types"
	"mdsagent/pkg/varint"
)

// fakeRouter records routed rows.
type fakeRouter struct {
	mu      sync.Mutex
	sources map[string]uint64 // name -> static schema id (0 = dynamic)
	routed  []*types.Row
}

func (f *fakeRouter) HasSource(source string) bool {
	_, ok := f.sources[source]
	return ok
}

func (f *fakeRouter) StaticSchemaID(source string) uint64 {
	return f.sources[source]
}

func (f *fakeRouter) Route(_ string, row *types.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, row)
}

func (f *fakeRouter) rows() []*types.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Row(nil), f.routed...)
}

func newTestSession(router *fakeRouter) *session {
	return newSession(router, nil, logrus.New(), "json")
}

func jsonMessage(t *testing.T, body string) []byte {
	t.Helper()
	return []byte(body)
}

func TestJSONIngestWithSchemaRegistration(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"S1": 0}}
	s := newTestSession(router)

	msgID, code := s.handleJSONMessage(jsonMessage(t,
		`["S1",1,10,[["k","string"],["v","int32"]],["a",7]]`))
	assert.Equal(t, uint64(1), msgID)
	assert.Equal(t, AckSuccess, code)

	rows := router.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Find("k").Str())
	assert.Equal(t, int64(7), rows[0].Find("v").Int())
	assert.NotZero(t, rows[0].SchemaID)
	assert.Equal(t, types.Ingested, rows[0].Origin)
}

func TestJSONIngestRegisteredSchemaReuse(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"S1": 0}}
	s := newTestSession(router)

	_, code := s.handleJSONMessage(jsonMessage(t,
		`["S1",1,10,[["k","string"]],["a"]]`))
	require.Equal(t, AckSuccess, code)

	// schema null: use the registered one.
	_, code = s.handleJSONMessage(jsonMessage(t, `["S1",2,10,null,["b"]]`))
	assert.Equal(t, AckSuccess, code)
	assert.Len(t, router.rows(), 2)
}

func TestJSONIngestResultCodes(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"S1": 0, "Static": 42}}
	s := newTestSession(router)

	// Unknown schema id with null schema.
	_, code := s.handleJSONMessage(jsonMessage(t, `["S1",1,99,null,["a"]]`))
	assert.Equal(t, AckUnknownSchemaID, code)

	// Register id 10.
	_, code = s.handleJSONMessage(jsonMessage(t, `["S1",2,10,[["k","string"]],["a"]]`))
	require.Equal(t, AckSuccess, code)

	// Re-register same id with a different schema.
	_, code = s.handleJSONMessage(jsonMessage(t, `["S1",3,10,[["other","int64"]],[1]]`))
	assert.Equal(t, AckDuplicateSchemaID, code)

	// Re-registering the same id is refused even with identical
	// content; producers must send null to reuse a registered schema.
	_, code = s.handleJSONMessage(jsonMessage(t, `["S1",7,10,[["k","string"]],["a"]]`))
	assert.Equal(t, AckDuplicateSchemaID, code)

	// Unknown source.
	_, code = s.handleJSONMessage(jsonMessage(t, `["nope",4,10,null,["a"]]`))
	assert.Equal(t, AckInvalidSource, code)

	// Static-schema source rejects dynamic schemas.
	_, code = s.handleJSONMessage(jsonMessage(t, `["Static",5,11,[["k","string"]],["a"]]`))
	assert.Equal(t, AckInvalidSource, code)

	// Malformed payloads.
	_, code = s.handleJSONMessage(jsonMessage(t, `["S1",6,10,null,["a","extra"]]`))
	assert.Equal(t, AckDecodeError, code)
	_, code = s.handleJSONMessage(jsonMessage(t, `{"not":"an array"}`))
	assert.Equal(t, AckDecodeError, code)
}

func TestJSONTimestampIndex(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"S1": 0}}
	s := newTestSession(router)

	// First schema element is the timestamp field index.
	_, code := s.handleJSONMessage(jsonMessage(t,
		`["S1",1,10,[0,["ts","time"],["msg","string"]],[[100,500000000],"hi"]]`))
	require.Equal(t, AckSuccess, code)

	rows := router.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, types.TimeValue{Sec: 100, Usec: 500000}, rows[0].Timestamp)
	assert.Equal(t, "hi", rows[0].Find("msg").Str())
}

func TestJSONDuplicateSuppression(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"S1": 0}}
	sup := deduplication.NewSuppressor(deduplication.Config{}, logrus.New())
	s := newSession(router, sup, logrus.New(), "json")

	_, code := s.handleJSONMessage(jsonMessage(t, `["S1",1,10,[["k","string"]],["same"]]`))
	require.Equal(t, AckSuccess, code)
	_, code = s.handleJSONMessage(jsonMessage(t, `["S1",2,10,null,["same"]]`))
	assert.Equal(t, AckSuccess, code, "duplicates are acked as delivered")

	assert.Len(t, router.rows(), 1, "duplicate row must be dropped")
}

// encodeBinaryMessage builds one binary frame body (without the length
// prefix) for tests.
func encodeBinaryMessage(msgID uint64, source string, schemaID uint64, schema bool, values func(buf []byte) []byte) []byte {
	buf := varint.AppendUint(nil, msgID)
	buf = appendVarString(buf, source)
	buf = varint.AppendUint(buf, schemaID)
	if schema {
		buf = append(buf, 1)
		// [msg string, n int64], timestamp none
		buf = varint.AppendUint(buf, 2)
		buf = appendVarString(buf, "msg")
		buf = append(buf, 4) // string
		buf = appendVarString(buf, "n")
		buf = append(buf, 2) // int64
		buf = varint.AppendUint(buf, 0)
	} else {
		buf = append(buf, 0)
	}
	return values(buf)
}

func TestBinaryIngest(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"bsrc": 0}}
	s := newSession(router, nil, logrus.New(), "binary")

	frame := encodeBinaryMessage(7, "bsrc", 3, true, func(buf []byte) []byte {
		buf = appendVarString(buf, "hello")
		return varint.AppendInt(buf, -12345)
	})
	msgID, code := s.handleBinaryMessage(frame)
	assert.Equal(t, uint64(7), msgID)
	require.Equal(t, AckSuccess, code)

	// Second message reuses the registered schema.
	frame = encodeBinaryMessage(8, "bsrc", 3, false, func(buf []byte) []byte {
		buf = appendVarString(buf, "again")
		return varint.AppendInt(buf, 99)
	})
	_, code = s.handleBinaryMessage(frame)
	require.Equal(t, AckSuccess, code)

	rows := router.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "hello", rows[0].Find("msg").Str())
	assert.Equal(t, int64(-12345), rows[0].Find("n").Int())
	assert.Equal(t, int64(99), rows[1].Find("n").Int())
}

func TestBinaryIngestErrors(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"bsrc": 0}}
	s := newSession(router, nil, logrus.New(), "binary")

	// Unknown schema id.
	frame := encodeBinaryMessage(1, "bsrc", 5, false, func(buf []byte) []byte { return buf })
	_, code := s.handleBinaryMessage(frame)
	assert.Equal(t, AckUnknownSchemaID, code)

	// Trailing garbage after the payload.
	frame = encodeBinaryMessage(2, "bsrc", 3, true, func(buf []byte) []byte {
		buf = appendVarString(buf, "x")
		buf = varint.AppendInt(buf, 1)
		return append(buf, 0xFF)
	})
	_, code = s.handleBinaryMessage(frame)
	assert.Equal(t, AckDecodeError, code)

	// Truncated frame.
	_, code = s.handleBinaryMessage([]byte{0x80})
	assert.Equal(t, AckDecodeError, code)

	// A second schemaDef for a registered id is refused, identical
	// content included.
	frame = encodeBinaryMessage(3, "bsrc", 7, true, func(buf []byte) []byte {
		buf = appendVarString(buf, "x")
		return varint.AppendInt(buf, 1)
	})
	_, code = s.handleBinaryMessage(frame)
	require.Equal(t, AckSuccess, code)
	frame = encodeBinaryMessage(4, "bsrc", 7, true, func(buf []byte) []byte {
		buf = appendVarString(buf, "x")
		return varint.AppendInt(buf, 1)
	})
	_, code = s.handleBinaryMessage(frame)
	assert.Equal(t, AckDuplicateSchemaID, code)
}

func TestIdenticalSchemasCollapseAcrossSessions(t *testing.T) {
	router := &fakeRouter{sources: map[string]uint64{"S1": 0}}
	a := newTestSession(router)
	b := newTestSession(router)

	_, code := a.handleJSONMessage(jsonMessage(t, `["S1",1,10,[["k","string"]],["x"]]`))
	require.Equal(t, AckSuccess, code)
	_, code = b.handleJSONMessage(jsonMessage(t, `["S1",1,77,[["k","string"]],["y"]]`))
	require.Equal(t, AckSuccess, code)

	rows := router.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].SchemaID, rows[1].SchemaID,
		"identical schemas across connections share one process-wide id")
}

func TestBinaryAckLayout(t *testing.T) {
	// The ack is 12 bytes: uint64 msgId, uint32 code, little endian.
	var ack [12]byte
	binary.LittleEndian.PutUint64(ack[0:8], 17)
	binary.LittleEndian.PutUint32(ack[8:12], AckSuccess)
	assert.Equal(t, uint64(17), binary.LittleEndian.Uint64(ack[0:8]))
	assert.Equal(t, AckSuccess, binary.LittleEndian.Uint32(ack[8:12]))
}

func TestReadVarStringBounds(t *testing.T) {
	// A declared length far beyond the remaining bytes is refused.
	buf := varint.AppendUint(nil, math.MaxUint32)
	_, err := readVarString(bytes.NewReader(buf))
	assert.Error(t, err)
}
