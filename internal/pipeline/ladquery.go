package pipeline

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"mdsagent/pkg/types"
)

// metricNameLimit bounds the encoded metric component of aggregate row
// keys.
const metricNameLimit = 256

// aggregate holds the running statistics of one group.
type aggregate struct {
	total   float64
	minimum float64
	maximum float64
	last    float64
	count   int64
}

func (a *aggregate) sample(value float64) {
	a.total += value
	a.last = value
	if a.count > 0 {
		if value > a.maximum {
			a.maximum = value
		}
		if value < a.minimum {
			a.minimum = value
		}
	} else {
		a.maximum = value
		a.minimum = value
	}
	a.count++
}

// LADQuery groups rows by the value of the name column and aggregates
// the value column over the query interval. Done emits two rows per
// group, one per row-key ordering, so the aggregate can be scanned both
// by time and by metric.
type LADQuery struct {
	valueAttrName string
	nameAttrName  string
	pkey          string
	uuid          string
	logger        *logrus.Logger
	next          Stage

	startOfSample types.TimeValue
	savedStats    map[string]*aggregate
}

// NewLADQuery builds the stage. uuid may be empty; when present it is
// appended to both row keys as a disambiguator.
func NewLADQuery(valueAttrName, nameAttrName, pkey, uuid string, next Stage, logger *logrus.Logger) *LADQuery {
	return &LADQuery{
		valueAttrName: valueAttrName,
		nameAttrName:  nameAttrName,
		pkey:          pkey,
		uuid:          uuid,
		logger:        logger,
		next:          next,
		savedStats:    make(map[string]*aggregate),
	}
}

func (s *LADQuery) Start(qiBase types.TimeValue) {
	s.startOfSample = qiBase
	s.next.Start(qiBase)
}

// Process folds one row into its group's aggregate. Rows lacking the
// configured columns, or with the wrong types, are skipped.
func (s *LADQuery) Process(row *types.Row) {
	value := row.Find(s.valueAttrName)
	name := row.Find(s.nameAttrName)

	switch {
	case value == nil || name == nil:
		// Nothing to aggregate in this entity.
	case !name.IsString():
		s.logger.Warn("Name column is not a string")
	case !value.IsNumeric():
		s.logger.Warn("Value column is not numeric")
	default:
		agg, ok := s.savedStats[name.Str()]
		if !ok {
			agg = &aggregate{}
			s.savedStats[name.Str()] = agg
		}
		agg.sample(value.ToDouble())
	}
}

// Done emits two rows per observed group and resets the aggregates.
func (s *LADQuery) Done() {
	descendingTicks := types.ZeroFill(types.MaxDateTimeTicks-s.startOfSample.Ticks(), 19)

	// Deterministic emission order keeps uploads reproducible.
	names := make([]string, 0, len(s.savedStats))
	for name := range s.savedStats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		agg := s.savedStats[name]

		row := types.NewRow(10)
		row.Timestamp = types.Now()
		row.AddString(s.nameAttrName, name)
		row.AddColumn("Total", types.DoubleValue(agg.total))
		row.AddColumn("Minimum", types.DoubleValue(agg.minimum))
		row.AddColumn("Maximum", types.DoubleValue(agg.maximum))
		row.AddColumn("Average", types.DoubleValue(agg.total/float64(agg.count)))
		row.AddColumn("Count", types.Int64Value(agg.count))
		row.AddColumn("Last", types.DoubleValue(agg.last))
		row.AddString("PartitionKey", s.pkey)

		dupe := row.Copy()
		dupe.Origin = types.Duplicated

		metric := encodeAndHash(name, metricNameLimit)
		key1 := descendingTicks + "__" + metric
		key2 := metric + "__" + descendingTicks
		if s.uuid != "" {
			key1 += "__" + s.uuid
			key2 += "__" + s.uuid
		}

		row.AddString("RowKey", key1)
		s.next.Process(row)
		dupe.AddString("RowKey", key2)
		s.next.Process(dupe)
	}

	s.next.Done()
	s.savedStats = make(map[string]*aggregate)
}

// encodeAndHash percent-encodes non-alphanumerics as ":XXXX" (uppercase
// hex) and, when the encoding exceeds limit, replaces the tail with '|'
// plus 16 hex digits of a 64-bit hash of the full encoded form. The
// tail is replaced unconditionally on overflow, even when plain
// truncation would have been unique.
func encodeAndHash(name string, limit int) string {
	encoded := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			encoded = append(encoded, c)
		} else {
			encoded = append(encoded, []byte(fmt.Sprintf(":%04X", c))...)
		}
	}
	if len(encoded) > limit {
		tail := fmt.Sprintf("|%016x", xxhash.Sum64(encoded))
		encoded = append(encoded[:limit-len(tail)], tail...)
	}
	return string(encoded)
}
