// Package values holds the Value Table: the configuration mapping
// (EventKind, Tier) to the seconds and points one unit of that event is worth.
//
// The table is a pure lookup. It is edited externally (config reload, CLI,
// persisted rows) and read concurrently by the engine without taking any
// run lock.
package values

import (
	"sort"
	"strings"
	"sync"

	"github.com/roach88/subathon/internal/ir"
)

// Key identifies a Value Table row.
type Key struct {
	Kind ir.EventKind `json:"kind"`
	Tier string       `json:"tier"`
}

// Value is what one unit of an event is worth.
type Value struct {
	SecondsPerUnit float64 `json:"seconds_per_unit"`
	PointsPerUnit  float64 `json:"points_per_unit"`
}

// Row is a key and its value, used for bulk load and listing.
type Row struct {
	Key
	Value
}

// Table is safe for concurrent use.
type Table struct {
	mu   sync.RWMutex
	rows map[Key]Value
}

// New creates a table seeded with rows. Later rows win on duplicate keys.
func New(rows ...Row) *Table {
	t := &Table{rows: make(map[Key]Value, len(rows))}
	for _, r := range rows {
		t.rows[normalize(r.Key)] = r.Value
	}
	return t
}

func normalize(k Key) Key {
	return Key{Kind: k.Kind, Tier: strings.TrimSpace(k.Tier)}
}

// Lookup returns the value for (kind, tier), falling back to the kind's
// default row (empty tier) when no tier-specific row exists.
func (t *Table) Lookup(kind ir.EventKind, tier string) (Value, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if v, ok := t.rows[normalize(Key{Kind: kind, Tier: tier})]; ok {
		return v, true
	}
	v, ok := t.rows[Key{Kind: kind}]
	return v, ok
}

// Set inserts or replaces a row.
func (t *Table) Set(kind ir.EventKind, tier string, v Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[normalize(Key{Kind: kind, Tier: tier})] = v
}

// Delete removes a row. Missing rows are ignored.
func (t *Table) Delete(kind ir.EventKind, tier string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, normalize(Key{Kind: kind, Tier: tier}))
}

// Replace swaps the whole table atomically.
func (t *Table) Replace(rows []Row) {
	next := make(map[Key]Value, len(rows))
	for _, r := range rows {
		next[normalize(r.Key)] = r.Value
	}

	t.mu.Lock()
	t.rows = next
	t.mu.Unlock()
}

// Rows returns a snapshot ordered by kind, then tier.
func (t *Table) Rows() []Row {
	t.mu.RLock()
	out := make([]Row, 0, len(t.rows))
	for k, v := range t.rows {
		out = append(out, Row{Key: k, Value: v})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Tier < out[j].Tier
	})
	return out
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
