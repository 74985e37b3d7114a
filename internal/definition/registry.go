package definition

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync/atomic"

	"github.com/pitabwire/tabula/model"
)

// TableEntry is a table definition with the domain that declares it.
type TableEntry struct {
	Domain        string
	DomainVersion string
	Table         model.TableDefinition
}

type tableSet struct {
	byID     map[string]TableEntry
	sorted   []TableEntry
	checksum string
}

// Registry serves the current table definitions. Readers never block: a
// reload builds a new set and publishes it with one atomic store.
type Registry struct {
	set atomic.Pointer[tableSet]
}

// NewRegistry returns a registry serving defs.
func NewRegistry(defs []model.DomainDefinition) *Registry {
	r := &Registry{}
	r.set.Store(newTableSet(defs))
	return r
}

// Replace publishes defs unless they carry the checksum already served. It
// reports whether the served set changed.
func (r *Registry) Replace(defs []model.DomainDefinition) bool {
	next := newTableSet(defs)
	if next.checksum == r.set.Load().checksum {
		return false
	}
	r.set.Store(next)
	return true
}

// newTableSet indexes defs. A duplicate table ID keeps its first
// declaration; the validator rejects duplicates before a reload gets here.
func newTableSet(defs []model.DomainDefinition) *tableSet {
	s := &tableSet{byID: make(map[string]TableEntry)}
	sums := make([]string, 0, len(defs))
	for _, d := range defs {
		sums = append(sums, d.Checksum)
		for _, t := range d.Tables {
			if _, dup := s.byID[t.ID]; !dup {
				s.byID[t.ID] = TableEntry{Domain: d.Domain, DomainVersion: d.Version, Table: t}
			}
		}
	}

	s.sorted = make([]TableEntry, 0, len(s.byID))
	for _, e := range s.byID {
		s.sorted = append(s.sorted, e)
	}
	slices.SortFunc(s.sorted, func(a, b TableEntry) int {
		return cmp.Or(cmp.Compare(a.Domain, b.Domain), cmp.Compare(a.Table.ID, b.Table.ID))
	})

	// Order-independent: the same files loaded in another order must not
	// look like a change.
	slices.Sort(sums)
	h := sha256.New()
	for _, sum := range sums {
		h.Write([]byte(sum))
		h.Write([]byte{0})
	}
	s.checksum = hex.EncodeToString(h.Sum(nil))
	return s
}

// Table returns the table with the given ID.
func (r *Registry) Table(id string) (TableEntry, bool) {
	e, ok := r.set.Load().byID[id]
	return e, ok
}

// Tables returns every table ordered by domain, then ID.
func (r *Registry) Tables() []TableEntry {
	return slices.Clone(r.set.Load().sorted)
}

// Len is the number of tables served.
func (r *Registry) Len() int { return len(r.set.Load().sorted) }

// Checksum identifies the served definitions. It is reported to clients as
// the table version.
func (r *Registry) Checksum() string { return r.set.Load().checksum }
