package pipeline

import (
	"mdsagent/pkg/types"
)

// Identity appends the agent's configured identity columns to every row
// and passes it on.
type Identity struct {
	columns []types.Column
	next    Stage
}

// NewIdentity builds the stage. Each row receives its own copy of every
// identity value.
func NewIdentity(columns []types.Column, next Stage) *Identity {
	return &Identity{columns: columns, next: next}
}

func (s *Identity) Start(qiBase types.TimeValue) { s.next.Start(qiBase) }

func (s *Identity) Process(row *types.Row) {
	for _, col := range s.columns {
		row.AddColumn(col.Name, col.Value.Copy())
	}
	s.next.Process(row)
}

func (s *Identity) Done() { s.next.Done() }
