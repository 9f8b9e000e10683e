package sinks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
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

type fakeBlobClient struct {
	mu     sync.Mutex
	blocks map[string][][]byte // blob path -> blocks
	lists  map[string][]string
}

func newFakeBlobClient() *fakeBlobClient {
	return &fakeBlobClient{blocks: make(map[string][][]byte), lists: make(map[string][]string)}
}

func (f *fakeBlobClient) PutBlock(_ context.Context, _, blob, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[blob] = append(f.blocks[blob], data)
	return nil
}

func (f *fakeBlobClient) PutBlockList(_ context.Context, _, blob string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[blob] = ids
	return nil
}

func (f *fakeBlobClient) Download(context.Context, string) ([]byte, error) {
	return nil, &store.StatusError{Status: 404, Op: "download"}
}

func (f *fakeBlobClient) LastModified(context.Context, string) (types.TimeValue, error) {
	return types.TimeValue{}, &store.StatusError{Status: 404, Op: "lmt"}
}

func blobTarget(t *testing.T) creds.EntityName {
	t.Helper()
	c := &creds.Credentials{Moniker: "m", Kind: creds.SharedKey, Account: "a", Key: "k"}
	e, err := creds.NewEntityName("JsonEv", true, creds.Naming{}, c, store.XJsonBlob, true)
	require.NoError(t, err)
	return e
}

func TestJsonBlobRequiresResourceID(t *testing.T) {
	_, err := NewJsonBlobSink(blobTarget(t), newFakeBlobClient(), JsonBlobOptions{}, logrus.New())
	assert.Error(t, err)
}

func TestJsonBlobLogDocument(t *testing.T) {
	client := newFakeBlobClient()
	sink, err := NewJsonBlobSink(blobTarget(t), client, JsonBlobOptions{
		ResourceID: "/subs/x/vm", StateDir: t.TempDir(),
	}, logrus.New())
	require.NoError(t, err)

	row := types.NewRow(3)
	row.Timestamp = types.TimeValue{Sec: 1719500000}
	row.AddString("Msg", "hello")
	row.AddString("category", "syslog")
	row.AddString("level", "info")
	sink.AddRow(row, types.TimeValue{})
	sink.Flush()
	sink.WaitUploads()

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.blocks, 1)
	for path, blocks := range client.blocks {
		assert.Contains(t, path, "resourceId=subs/x/vm")
		assert.Contains(t, path, "PT1H.json")

		var docs []map[string]interface{}
		require.NoError(t, json.Unmarshal(blocks[0], &docs))
		require.Len(t, docs, 1)
		assert.Equal(t, "/subs/x/vm", docs[0]["resourceId"])
		assert.Equal(t, "syslog", docs[0]["category"])
		assert.Equal(t, "info", docs[0]["level"])
		props := docs[0]["properties"].(map[string]interface{})
		assert.Equal(t, "hello", props["Msg"])
		assert.NotContains(t, props, "category")
	}
}

func TestJsonBlobMetricClassification(t *testing.T) {
	client := newFakeBlobClient()
	sink, err := NewJsonBlobSink(blobTarget(t), client, JsonBlobOptions{
		ResourceID: "/subs/x/vm", EventDuration: "PT1M", StateDir: t.TempDir(),
		Tenant: "t", Role: "r", RoleInstance: "ri",
	}, logrus.New())
	require.NoError(t, err)

	// Complete metric row.
	metric := types.NewRow(8)
	metric.Timestamp = types.TimeValue{Sec: 1719500000}
	metric.AddString("CounterName", "cpu")
	metric.AddColumn("Average", types.DoubleValue(2.5))
	metric.AddColumn("Minimum", types.DoubleValue(1))
	metric.AddColumn("Maximum", types.DoubleValue(4))
	metric.AddColumn("Total", types.DoubleValue(10))
	metric.AddColumn("Last", types.DoubleValue(3))
	metric.AddColumn("Count", types.Int64Value(4))
	sink.AddRow(metric, types.TimeValue{})

	// Metric row missing statistics is dropped.
	incomplete := types.NewRow(3)
	incomplete.Timestamp = types.TimeValue{Sec: 1719500001}
	incomplete.AddString("CounterName", "mem")
	incomplete.AddColumn("Last", types.DoubleValue(1))
	sink.AddRow(incomplete, types.TimeValue{})

	sink.Flush()
	sink.WaitUploads()

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.blocks, 1)
	for _, blocks := range client.blocks {
		var docs []map[string]interface{}
		require.NoError(t, json.Unmarshal(blocks[0], &docs))
		require.Len(t, docs, 1)
		doc := docs[0]
		assert.Equal(t, "cpu", doc["metricName"])
		assert.Equal(t, "PT1M", doc["timeGrain"])
		assert.Equal(t, 2.5, doc["average"])
		assert.Equal(t, float64(4), doc["count"])
		dims := doc["dimensions"].(map[string]interface{})
		assert.Equal(t, "t", dims["Tenant"])
	}
}

func TestJsonBlobBlockListGrowsAcrossFlushes(t *testing.T) {
	client := newFakeBlobClient()
	stateDir := t.TempDir()
	sink, err := NewJsonBlobSink(blobTarget(t), client, JsonBlobOptions{
		ResourceID: "/subs/x/vm", StateDir: stateDir,
	}, logrus.New())
	require.NoError(t, err)

	at := types.TimeValue{Sec: 1719500000}
	for i := 0; i < 2; i++ {
		row := types.NewRow(1)
		row.Timestamp = at
		row.AddString("Msg", "m")
		sink.AddRow(row, types.TimeValue{})
		sink.Flush()
		sink.WaitUploads()
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	for path, blocks := range client.blocks {
		assert.Len(t, blocks, 2)
		assert.Equal(t, []string{"00000000", "00000001"}, client.lists[path])
	}

	// The count file persisted the block count.
	entries, err := os.ReadDir(stateDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	data, err := os.ReadFile(filepath.Join(stateDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "2", strings.TrimSpace(string(data)))
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "events.log")
	sink := NewFileSink(path, logrus.New())

	row := types.NewRow(2)
	row.Timestamp = types.TimeValue{Sec: 100}
	row.AddString("k", "v")
	row.AddColumn("n", types.Int64Value(7))
	sink.AddRow(row, types.TimeValue{})
	sink.Flush()
	sink.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var decoded []interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "k", decoded[1])
	assert.Equal(t, "v", decoded[2])
	assert.Equal(t, float64(7), decoded[4])
}
