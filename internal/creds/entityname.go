package creds

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"mdsagent/internal/store"
	"mdsagent/pkg/types"
)

// Naming carries the config-level inputs to target-name construction.
type Naming struct {
	Namespace    string
	EventVersion int
}

// EntityName identifies one upload target: base name, store type,
// resolved credentials, and whether the name rolls every ten days.
type EntityName struct {
	basename   string
	physical   string
	eventName  string
	storeType  store.Type
	creds      *Credentials
	isConstant bool
	isSchemas  bool
}

// NewSchemasTable names the per-account schema-metadata table.
func NewSchemasTable(c *Credentials) EntityName {
	return EntityName{
		basename:   "SchemasTable",
		physical:   "SchemasTable",
		eventName:  "SchemasTable",
		storeType:  store.XTable,
		creds:      c,
		isConstant: true,
		isSchemas:  true,
	}
}

// NewEntityName builds the target name for an event. For remote tables
// the base name is augmented with namespace and version unless the
// config declared it a full name; names that cannot fit the target's
// limit together with the ten-day suffix collapse to "T"+md5hex(base).
func NewEntityName(eventName string, noPerNDay bool, naming Naming, c *Credentials, sinkType store.Type, isFullName bool) (EntityName, error) {
	if eventName == "" {
		return EntityName{}, fmt.Errorf("event name must not be empty")
	}

	e := EntityName{
		basename:   eventName,
		physical:   eventName,
		eventName:  eventName,
		storeType:  sinkType,
		creds:      c,
		isConstant: true,
	}

	maxLen := store.MaxNameLength(sinkType)

	// Local and file targets are used verbatim and need no credentials.
	if sinkType == store.Local || sinkType == store.File {
		if len(eventName) > maxLen {
			return EntityName{}, fmt.Errorf("event name %q is too long for %s targets (max %d bytes)", eventName, sinkType, maxLen)
		}
		return e, nil
	}

	if c == nil {
		return EntityName{}, fmt.Errorf("event %q: no credentials resolved", eventName)
	}

	switch {
	case isFullName && noPerNDay:
		// Use exactly what the config gave us.
	case c.AccessAnyTable():
		name := eventName
		if !isFullName {
			name = fmt.Sprintf("%s%sVer%dv0", naming.Namespace, eventName, naming.EventVersion)
		}
		e.basename = name
		e.physical = name
		e.isConstant = noPerNDay

		limit := maxLen
		if !e.isConstant {
			limit -= tenDaySuffixLen
		}
		if len(e.basename) > limit {
			sum := md5.Sum([]byte(e.basename))
			e.basename = "T" + hex.EncodeToString(sum[:])
		}
	case c.Kind == SAS:
		if !isFullName {
			e.physical = fmt.Sprintf("%s%sVer%dv0", naming.Namespace, eventName, naming.EventVersion)
		}
		// A table-scoped SAS fixes the table name inside the token.
		if tn := c.TableNameFromToken(); tn != "" {
			e.basename = tn
		}
	}

	return e, nil
}

// Name returns the current full target name, including the ten-day
// suffix for rolling targets.
func (e *EntityName) Name() string {
	if e.isConstant {
		return e.basename
	}
	return e.basename + TenDaySuffix(types.Now())
}

// Basename returns the name without any rolling suffix.
func (e *EntityName) Basename() string { return e.basename }

// PhysicalTableName returns the logical table name recorded in schema
// metadata, which keeps the un-hashed form.
func (e *EntityName) PhysicalTableName() string { return e.physical }

// EventName returns the config-level event name this target serves.
func (e *EntityName) EventName() string { return e.eventName }

// StoreType returns the destination class.
func (e *EntityName) StoreType() store.Type { return e.storeType }

// Credentials returns the resolved credentials (nil for local targets).
func (e *EntityName) Credentials() *Credentials { return e.creds }

// IsConstant reports whether the name never rolls.
func (e *EntityName) IsConstant() bool { return e.isConstant }

// IsSchemasTable reports whether this target is a schema-metadata table,
// which takes idempotent writes.
func (e *EntityName) IsSchemasTable() bool { return e.isSchemas }

func (e *EntityName) String() string {
	return fmt.Sprintf("[%s]%s", e.storeType, e.basename)
}

const tenDaySuffixLen = 8

// TenDaySuffix returns the rolling name suffix for the ten-day window
// containing now: the window ordinal since the Unix epoch, zero-filled
// to eight digits.
func TenDaySuffix(now types.TimeValue) string {
	window := uint64(now.Sec) / (10 * 86400)
	return types.ZeroFill(window, tenDaySuffixLen)
}
