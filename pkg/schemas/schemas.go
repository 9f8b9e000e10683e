// Package schemas maintains the process-wide registry of event schemas.
// Schema ids are opaque 64-bit integers, stable for the process lifetime;
// descriptors are immutable and compared by content hash.
package schemas

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"mdsagent/pkg/types"
)

// Kind separates the two id spaces kept by the cache.
type Kind uint8

const (
	Bond Kind = iota
	Table
)

func (k Kind) String() string {
	if k == Bond {
		return "bond"
	}
	return "table"
}

// ColumnDef declares one schema column.
type ColumnDef struct {
	Name string
	Type types.ValueKind
}

// Schema is a declared column layout. TimestampIndex points at the
// column that carries the event time, or -1.
type Schema struct {
	Columns        []ColumnDef
	TimestampIndex int
}

// Descriptor is the immutable canonical form of a schema held by the
// cache.
type Descriptor struct {
	ID          uint64
	Kind        Kind
	XML         string
	MD5         string
	ColumnCount int
	Schema      Schema
}

// Equal compares descriptors by content hash.
func (d *Descriptor) Equal(o *Descriptor) bool {
	return d != nil && o != nil && d.MD5 == o.MD5
}

// Canonicalize renders the "name,type,name,type,..." form with columns
// sorted alphabetically by name, so the hash is stable under column
// reordering.
func Canonicalize(s Schema) string {
	cols := make([]ColumnDef, len(s.Columns))
	copy(cols, s.Columns)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })

	parts := make([]string, 0, 2*len(cols))
	for _, c := range cols {
		parts = append(parts, c.Name, c.Type.String())
	}
	return strings.Join(parts, ",")
}

// HashOf returns the lowercase hex MD5 of the canonical form.
func HashOf(s Schema) string {
	sum := md5.Sum([]byte(Canonicalize(s)))
	return hex.EncodeToString(sum[:])
}

// XMLOf renders the server-side schema description in declaration order.
func XMLOf(s Schema) string {
	var b strings.Builder
	b.WriteString("<Schema>")
	for _, c := range s.Columns {
		fmt.Fprintf(&b, `<Column name=%q type=%q />`, c.Name, c.Type.String())
	}
	b.WriteString("</Schema>")
	return b.String()
}

// Cache maps schema ids to descriptors, one id space per kind, and
// collapses identical schemas onto a single descriptor via the canonical
// key. All methods are safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	byID   [2]map[uint64]*Descriptor
	byHash [2]map[string]*Descriptor
	nextID atomic.Uint64
}

// The process-wide cache. Constructed at init and intentionally never
// torn down so shutdown ordering cannot invalidate it.
var global = NewCache()

// Global returns the process-wide cache.
func Global() *Cache { return global }

// NewCache returns an empty cache. Ids start at 1; 0 means unassigned.
func NewCache() *Cache {
	c := &Cache{}
	c.byID[Bond] = make(map[uint64]*Descriptor)
	c.byID[Table] = make(map[uint64]*Descriptor)
	c.byHash[Bond] = make(map[string]*Descriptor)
	c.byHash[Table] = make(map[string]*Descriptor)
	return c
}

// AllocateID hands out a fresh id without registering a descriptor; used
// for schemas known only at config-load time (e.g. OMI queries).
func (c *Cache) AllocateID() uint64 {
	return c.nextID.Add(1)
}

// GetOrAdd returns the descriptor for the schema, registering it under a
// fresh id the first time its canonical form is seen in this kind.
func (c *Cache) GetOrAdd(kind Kind, s Schema) *Descriptor {
	hash := HashOf(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byHash[kind][hash]; ok {
		return d
	}
	d := &Descriptor{
		ID:          c.nextID.Add(1),
		Kind:        kind,
		XML:         XMLOf(s),
		MD5:         hash,
		ColumnCount: len(s.Columns),
		Schema:      s,
	}
	c.byID[kind][d.ID] = d
	c.byHash[kind][hash] = d
	return d
}

// Insert registers a descriptor under its own id, allocating one if the
// descriptor arrives unassigned. An existing entry with the same hash is
// reused.
func (c *Cache) Insert(kind Kind, s Schema, id uint64) *Descriptor {
	hash := HashOf(s)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byHash[kind][hash]; ok {
		if _, taken := c.byID[kind][id]; !taken && id != 0 {
			c.byID[kind][id] = d
		}
		return d
	}
	if id == 0 {
		id = c.nextID.Add(1)
	}
	d := &Descriptor{
		ID:          id,
		Kind:        kind,
		XML:         XMLOf(s),
		MD5:         hash,
		ColumnCount: len(s.Columns),
		Schema:      s,
	}
	c.byID[kind][id] = d
	c.byHash[kind][hash] = d
	return d
}

// Find returns the descriptor registered under id, or nil.
func (c *Cache) Find(id uint64, kind Kind) *Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byID[kind][id]
}
