package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdsagent/internal/batch"
	"mdsagent/internal/creds"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

func schemaTestTarget(t *testing.T, eventName string) creds.EntityName {
	t.Helper()
	c := &creds.Credentials{Moniker: "bs-moniker-" + eventName, Kind: creds.SharedKey, Account: "a", Key: "k"}
	e, err := creds.NewEntityName(eventName, true, creds.Naming{Namespace: "NS", EventVersion: 1}, c, store.XTable, false)
	require.NoError(t, err)
	return e
}

func TestBuildSchemaWritesMetadataRowOnce(t *testing.T) {
	schemaSink := &recordingSink{}
	schemaBatch := batch.New(schemaSink, 60)

	target := schemaTestTarget(t, "OnceEv")
	next := &capture{}
	stage := NewBuildSchema(target, true, schemaBatch, "tenant___role", next)

	row := types.NewRow(2)
	row.Timestamp = types.Now()
	row.AddString("host", "h1")
	row.AddColumn("v", types.Int64Value(1))

	stage.Start(types.TimeValue{Sec: 60})
	stage.Process(row)
	stage.Process(row.Copy())
	stage.Done()

	// The data rows pass through untouched.
	assert.Len(t, next.rows, 2)

	// Exactly one metadata row, shaped for the SchemasTable.
	require.Len(t, schemaSink.rows, 1)
	meta := schemaSink.rows[0]

	physical := target.PhysicalTableName()
	n := types.ZeroFill(uint64(len(physical))%10, 19)
	assert.Equal(t, n+"___"+types.ZeroFill(types.FakeTimeStampTicks, 19), meta.PartitionKey)
	assert.Contains(t, meta.RowKey, physical+"___")
	assert.Equal(t, physical, meta.Find("PhysicalTableName").Str())
	require.NotNil(t, meta.Find("MD5Hash"))
	assert.Len(t, meta.Find("MD5Hash").Str(), 32)
	assert.Contains(t, meta.Find("Schema").Str(), `<Column name="host"`)
	assert.Equal(t, "tenant___role", meta.Find("Uploader").Str())
}

func TestBuildSchemaSkippedWithoutTableAccess(t *testing.T) {
	// A target with no credentials (local) never writes schema rows.
	e, err := creds.NewEntityName("localEv", true, creds.Naming{}, nil, store.Local, false)
	require.NoError(t, err)

	next := &capture{}
	stage := NewBuildSchema(e, true, nil, "id", next)

	row := types.NewRow(1)
	row.AddString("k", "v")
	stage.Start(types.TimeValue{Sec: 60})
	stage.Process(row)
	stage.Done()

	assert.Len(t, next.rows, 1)
	assert.Equal(t, 1, next.dones)
}
