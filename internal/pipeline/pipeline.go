// Package pipeline implements the composable row transformers between a
// source and its destination batch: Identity, Unpivot, LADQuery,
// BuildSchema, and the terminal BatchWriter.
//
// A pipeline is a singly linked chain of stages; each stage forwards to
// its successor. Stage execution is synchronous and single-threaded
// within one task invocation. Stages never let a bad row abort the
// chain: failures are logged and the row is skipped.
package pipeline

import (
	"mdsagent/pkg/types"
)

// Stage is one link of a pipeline. Start opens a query interval,
// Process consumes one row (the stage owns it afterwards), Done closes
// the interval and flushes whatever the stage accumulated.
type Stage interface {
	Start(qiBase types.TimeValue)
	Process(row *types.Row)
	Done()
}
