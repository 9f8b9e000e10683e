package config

import (
	"sort"
	"strings"

	"mdsagent/pkg/types"
)

// converters maps "sourceType/mdsType" pairs, as they appear on
// <Column> declarations, to the transport kind used in memory. Unknown
// pairs are error diagnostics that name every known converter.
var converters = map[string]types.ValueKind{
	"str/mt:wstr":       types.KindString,
	"str/mt:utc":        types.KindTime,
	"bool/mt:bool":      types.KindBool,
	"int/mt:int32":      types.KindInt32,
	"int/mt:int64":      types.KindInt64,
	"int/mt:float64":    types.KindDouble,
	"int-timet/mt:utc":  types.KindTime,
	"double/mt:float64": types.KindDouble,
	"double/mt:utc":     types.KindTime,
}

// lookupConverter resolves a column's declared type pair.
func lookupConverter(srcType, mdsType string) (types.ValueKind, bool) {
	kind, ok := converters[srcType+"/"+mdsType]
	return kind, ok
}

// listConverters renders the known pairs for diagnostics.
func listConverters() string {
	keys := make([]string, 0, len(converters))
	for k := range converters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
