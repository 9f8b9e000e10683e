package pipeline

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"mdsagent/pkg/types"
)

// ColumnTransform renames a pivoted column and scales its value.
type ColumnTransform struct {
	Name  string
	Scale float64
}

// Unpivot splits one wide row into many long rows: each configured
// source column becomes its own output row carrying (nameName=column,
// valueName=value), alongside a copy of every non-pivoted column.
type Unpivot struct {
	valueName  string
	nameName   string
	columns    map[string]struct{}
	transforms map[string]ColumnTransform
	logger     *logrus.Logger
	next       Stage
}

// NewUnpivot parses the comma/space separated column list and builds
// the stage.
func NewUnpivot(valueName, nameName, columns string, transforms map[string]ColumnTransform, next Stage, logger *logrus.Logger) (*Unpivot, error) {
	set := make(map[string]struct{})
	for _, c := range strings.FieldsFunc(columns, func(r rune) bool { return r == ',' || r == ' ' }) {
		if c != "" {
			set[c] = struct{}{}
		}
	}
	switch {
	case len(set) == 0:
		return nil, fmt.Errorf("no column names specified for <Unpivot>")
	case valueName == "":
		return nil, fmt.Errorf("invalid name for unpivot value")
	case nameName == "":
		return nil, fmt.Errorf("invalid name for unpivot name column")
	}
	if transforms == nil {
		transforms = make(map[string]ColumnTransform)
	}
	return &Unpivot{
		valueName:  valueName,
		nameName:   nameName,
		columns:    set,
		transforms: transforms,
		logger:     logger,
		next:       next,
	}, nil
}

func (s *Unpivot) Start(qiBase types.TimeValue) { s.next.Start(qiBase) }

// Process consumes the input row. A row matching none of the pivoted
// columns emits nothing but a warning.
func (s *Unpivot) Process(row *types.Row) {
	master := types.NewRow(row.Len())
	master.Timestamp = row.Timestamp
	master.SchemaID = row.SchemaID
	master.Origin = row.Origin

	pivoted := 0
	for _, col := range row.Columns() {
		if _, ok := s.columns[col.Name]; ok {
			pivoted++
		} else {
			master.AddColumn(col.Name, col.Value)
		}
	}

	if pivoted == 0 {
		s.logger.WithField("value_name", s.valueName).Warn("<Unpivot> matched no columns for this event")
		return
	}

	for _, col := range row.Columns() {
		if _, ok := s.columns[col.Name]; !ok {
			continue
		}
		out := master.Copy()
		value := col.Value
		if xform, ok := s.transforms[col.Name]; ok {
			out.AddString(s.nameName, xform.Name)
			// Scale does type-appropriate conversion and is a silent
			// no-op on non-numeric values.
			value.Scale(xform.Scale)
		} else {
			out.AddString(s.nameName, col.Name)
		}
		out.AddColumn(s.valueName, value)
		s.next.Process(out)
	}
}

func (s *Unpivot) Done() { s.next.Done() }
