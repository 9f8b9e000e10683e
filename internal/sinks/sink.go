// Package sinks implements the destination adapters a pipeline can end
// in: the in-memory local sink, the line-oriented file sink, the table
// row-batch uploader, and the JSON block-blob appender.
package sinks

import (
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// Sink is the terminal of a pipeline. AddRow may trigger an internal
// flush (size, count, or partition-key change); Flush forces one. Sinks
// are internally synchronized.
type Sink interface {
	AddRow(row *types.Row, qiBase types.TimeValue)
	Flush()
	StoreType() store.Type
}

// FailedUploadFunc receives rows a remote sink gave up on, so they can
// be persisted to the on-disk retry queue. May be nil.
type FailedUploadFunc func(target string, rows []*types.Row)

// PublishFunc forwards an ingested row to the event-hub uploader for a
// publisher moniker. Installed by the application wiring; local sinks
// hold moniker names only, never uploader pointers.
type PublishFunc func(moniker, source string, row *types.Row)
