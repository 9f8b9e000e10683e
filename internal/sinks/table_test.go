package sinks

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdsagent/internal/creds"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// fakeTableClient records batches and can be scripted to fail.
type fakeTableClient struct {
	mu       sync.Mutex
	batches  [][]*types.Row
	creates  []string
	failures []error // popped per InsertBatch call
	upserts  []bool
}

func (f *fakeTableClient) InsertBatch(_ context.Context, table string, rows []*types.Row, upsert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsert)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return err
		}
	}
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeTableClient) CreateTableIfNotExists(_ context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, table)
	return nil
}

func (f *fakeTableClient) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testTarget(t *testing.T) creds.EntityName {
	t.Helper()
	c := &creds.Credentials{Moniker: "m", Kind: creds.SharedKey, Account: "acct", Key: "k"}
	e, err := creds.NewEntityName("Ev", true, creds.Naming{Namespace: "NS", EventVersion: 1}, c, store.XTable, false)
	require.NoError(t, err)
	return e
}

func tableRow(pkey string, i int) *types.Row {
	r := types.NewRow(2)
	r.PartitionKey = pkey
	r.RowKey = types.ZeroFill(uint64(i), 19)
	r.AddColumn("v", types.Int64Value(int64(i)))
	r.Timestamp = types.Now()
	return r
}

func TestTableSinkFlushesAtRowCount(t *testing.T) {
	client := &fakeTableClient{}
	sink := NewTableSink(testTarget(t), client, false, nil, logrus.New())

	for i := 0; i < tableBatchMaxRows; i++ {
		sink.AddRow(tableRow("p", i), types.TimeValue{})
	}
	sink.WaitUploads()

	require.Equal(t, 1, client.batchCount())
	assert.Len(t, client.batches[0], tableBatchMaxRows)
}

func TestTableSinkFlushesOnPartitionKeyChange(t *testing.T) {
	client := &fakeTableClient{}
	sink := NewTableSink(testTarget(t), client, false, nil, logrus.New())

	sink.AddRow(tableRow("p1", 1), types.TimeValue{})
	sink.AddRow(tableRow("p1", 2), types.TimeValue{})
	sink.AddRow(tableRow("p2", 3), types.TimeValue{})
	sink.Flush()
	sink.WaitUploads()

	require.Equal(t, 2, client.batchCount())
	// Each batch uploads on its own goroutine, so arrival order is not fixed.
	sizes := map[string]int{}
	for _, b := range client.batches {
		sizes[b[0].PartitionKey] = len(b)
	}
	assert.Equal(t, 2, sizes["p1"])
	assert.Equal(t, 1, sizes["p2"])
}

func TestTableSinkDropsOversizedRows(t *testing.T) {
	client := &fakeTableClient{}
	sink := NewTableSink(testTarget(t), client, false, nil, logrus.New())

	// String column one byte over the 64KiB-1 boundary is dropped.
	over := types.NewRow(1)
	over.AddString("big", strings.Repeat("x", tableStringMax))
	over.Timestamp = types.Now()
	sink.AddRow(over, types.TimeValue{})

	// At the boundary it is accepted.
	boundary := types.NewRow(1)
	boundary.AddString("big", strings.Repeat("x", tableStringMax-1))
	boundary.Timestamp = types.Now()
	sink.AddRow(boundary, types.TimeValue{})

	sink.Flush()
	sink.WaitUploads()

	require.Equal(t, 1, client.batchCount())
	assert.Len(t, client.batches[0], 1)
}

func TestTableSinkCreatesTableOn404(t *testing.T) {
	client := &fakeTableClient{failures: []error{
		&store.StatusError{Status: 404, Op: "insert"},
	}}
	sink := NewTableSink(testTarget(t), client, false, nil, logrus.New())

	sink.AddRow(tableRow("p", 1), types.TimeValue{})
	sink.Flush()
	sink.WaitUploads()

	require.Len(t, client.creates, 1)
	require.Equal(t, 1, client.batchCount())
}

func TestTableSinkConflictIsNotRetried(t *testing.T) {
	client := &fakeTableClient{failures: []error{
		&store.StatusError{Status: 409, Op: "insert"},
	}}
	sink := NewTableSink(testTarget(t), client, false, nil, logrus.New())

	sink.AddRow(tableRow("p", 1), types.TimeValue{})
	sink.Flush()
	sink.WaitUploads()

	// The conflicting batch is considered settled, not re-uploaded.
	assert.Zero(t, client.batchCount())
}

func TestTableSinkPermanentFailureDropsRows(t *testing.T) {
	client := &fakeTableClient{failures: []error{
		&store.StatusError{Status: 403, Op: "insert"},
	}}
	var persisted [][]*types.Row
	var mu sync.Mutex
	sink := NewTableSink(testTarget(t), client, false, func(_ string, rows []*types.Row) {
		mu.Lock()
		persisted = append(persisted, rows)
		mu.Unlock()
	}, logrus.New())

	sink.AddRow(tableRow("p", 1), types.TimeValue{})
	sink.Flush()
	sink.WaitUploads()

	assert.Zero(t, client.batchCount())
	assert.Empty(t, persisted, "permanent failures must not reach the retry queue")
}

func TestTableSinkUpsertFlag(t *testing.T) {
	client := &fakeTableClient{}
	sink := NewTableSink(testTarget(t), client, true, nil, logrus.New())

	sink.AddRow(tableRow("p", 1), types.TimeValue{})
	sink.Flush()
	sink.WaitUploads()

	require.NotEmpty(t, client.upserts)
	assert.True(t, client.upserts[0])
}
