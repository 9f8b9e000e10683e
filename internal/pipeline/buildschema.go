package pipeline

import (
	"sync"

	"mdsagent/internal/batch"
	"mdsagent/internal/creds"
	"mdsagent/pkg/schemas"
	"mdsagent/pkg/types"
)

// pushedSchemas tracks (moniker, fullTableName, md5) triples already
// written to a SchemasTable. Process-wide and never reset short of an
// agent restart.
var pushedSchemas = struct {
	mu  sync.Mutex
	set map[string]struct{}
}{set: make(map[string]struct{})}

// BuildSchema computes the server-side schema for rows passing through
// and records it once per (moniker, table, hash) in the account's
// SchemasTable. With a fixed schema and a constant target name the work
// happens exactly once.
type BuildSchema struct {
	target        creds.EntityName
	schemaIsFixed bool
	next          Stage

	schemaRequired bool
	schemaBatch    *batch.Batch
	moniker        string
	agentIdentity  string
	lastFullName   string
}

// NewBuildSchema builds the stage. schemaBatch addresses the schemas
// table of the target's account; a nil batch (local targets, table-
// scoped SAS) disables schema writing entirely.
func NewBuildSchema(target creds.EntityName, fixed bool, schemaBatch *batch.Batch, agentIdentity string, next Stage) *BuildSchema {
	s := &BuildSchema{
		target:        target,
		schemaIsFixed: fixed,
		next:          next,
	}
	c := target.Credentials()
	if c != nil && c.AccessAnyTable() && schemaBatch != nil {
		s.schemaRequired = true
		s.schemaBatch = schemaBatch
		s.moniker = c.Moniker
		s.agentIdentity = agentIdentity
	}
	return s
}

func (s *BuildSchema) Start(qiBase types.TimeValue) { s.next.Start(qiBase) }

func (s *BuildSchema) Process(row *types.Row) {
	if row != nil && s.schemaRequired {
		s.maybePush(row)
	}
	s.next.Process(row)
}

func (s *BuildSchema) Done() { s.next.Done() }

func (s *BuildSchema) maybePush(row *types.Row) {
	fullName := s.target.Name()
	if s.schemaIsFixed && fullName == s.lastFullName {
		return
	}

	desc := schemaOfRow(row)
	key := s.moniker + "/" + fullName + "/" + desc.MD5

	pushedSchemas.mu.Lock()
	_, seen := pushedSchemas.set[key]
	if !seen {
		pushedSchemas.set[key] = struct{}{}
	}
	pushedSchemas.mu.Unlock()
	if seen {
		return
	}

	physical := s.target.PhysicalTableName()
	n := types.ZeroFill(uint64(len(physical))%10, 19)

	schemaRow := types.NewRow(12)
	schemaRow.Timestamp = types.Now()
	schemaRow.AddString("PartitionKey", n+"___"+types.ZeroFill(types.FakeTimeStampTicks, 19))
	schemaRow.AddString("RowKey", physical+"___"+desc.MD5)
	schemaRow.AddColumn("TIMESTAMP", types.TimeValueOf(types.TimeValue{Sec: 1}))
	schemaRow.AddString("N", n)
	schemaRow.AddString("PhysicalTableName", physical)
	schemaRow.AddString("MD5Hash", desc.MD5)
	schemaRow.AddString("Schema", desc.XML)
	schemaRow.AddString("Uploader", s.agentIdentity)
	schemaRow.AddColumn("UploadTS", types.TimeValueOf(types.Now()))
	schemaRow.AddString("Reserved1", "")
	schemaRow.AddString("Reserved2", "")
	schemaRow.AddString("Reserved3", "")

	s.schemaBatch.AddRow(schemaRow)

	if s.schemaIsFixed {
		if s.target.IsConstant() {
			// Never again for this destination.
			s.schemaRequired = false
		} else {
			s.lastFullName = fullName
		}
	}
}

// schemaOfRow derives the canonical descriptor from the row's columns.
func schemaOfRow(row *types.Row) *schemas.Descriptor {
	cols := make([]schemas.ColumnDef, 0, row.Len())
	for _, col := range row.Columns() {
		cols = append(cols, schemas.ColumnDef{Name: col.Name, Type: col.Value.Kind()})
	}
	return schemas.Global().GetOrAdd(schemas.Table, schemas.Schema{Columns: cols, TimestampIndex: -1})
}
