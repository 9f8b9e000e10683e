package pipeline

import (
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"mdsagent/internal/batch"
	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// rowIndex is the process-wide monotonic row counter backing synthetic
// row keys.
var rowIndex atomic.Uint64

func nextRowIndex() uint64 { return rowIndex.Add(1) }

// BatchWriter terminates a pipeline in a batch. For table destinations
// it synthesizes the standard key and metadata columns a row may lack;
// other destinations receive rows unchanged.
type BatchWriter struct {
	batch       *batch.Batch
	storeType   store.Type
	identString string
	nStr        string

	qiBase types.TimeValue
}

// NewBatchWriter builds the terminal stage. identColumns provide the
// identity values that form the default row key; pcount spreads the
// synthetic partition "N" across that many buckets.
func NewBatchWriter(b *batch.Batch, identColumns []types.Column, pcount uint64, storeType store.Type) *BatchWriter {
	values := make([]string, len(identColumns))
	for i, col := range identColumns {
		values[i] = col.Value.String()
	}
	identString := strings.Join(values, "___")
	if pcount == 0 {
		pcount = 1
	}
	return &BatchWriter{
		batch:       b,
		storeType:   storeType,
		identString: identString,
		nStr:        types.ZeroFill(xxhash.Sum64String(identString)%pcount, 19),
	}
}

func (s *BatchWriter) Start(qiBase types.TimeValue) {
	s.qiBase = qiBase
}

func (s *BatchWriter) Process(row *types.Row) {
	if s.storeType == store.XTable {
		defaulted := false
		idx := types.ZeroFill(nextRowIndex(), 19)
		if row.PartitionKey == "" {
			row.PartitionKey = s.nStr + "___" + types.ZeroFill(s.qiBase.Ticks(), 19)
			defaulted = true
		}
		if row.RowKey == "" {
			row.RowKey = s.identString + "___" + idx
			defaulted = true
		}
		if defaulted {
			row.AddColumn("PreciseTimeStamp", types.TimeValueOf(row.Timestamp))
			row.AddString("N", s.nStr)
			row.AddString("RowIndex", idx)
		}
		row.AddColumn("TIMESTAMP", types.TimeValueOf(s.qiBase))
	}
	s.batch.AddRow(row)
}

// Done flushes the batch.
func (s *BatchWriter) Done() {
	s.batch.Flush()
}
