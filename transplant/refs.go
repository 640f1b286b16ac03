// Process id remapping.
package transplant

// ReferenceTable maps source process ids to destination ones. Ids not in
// the table map to themselves.
type ReferenceTable struct {
	m map[uint16]uint16
}

func newReferenceTable() *ReferenceTable {
	return &ReferenceTable{m: map[uint16]uint16{}}
}

func (r *ReferenceTable) set(from, to uint16) { r.m[from] = to }

// Map returns the destination id of a source id.
func (r *ReferenceTable) Map(pid uint16) uint16 {
	if to, ok := r.m[pid]; ok {
		return to
	}
	return pid
}

// Identity reports whether every id maps to itself.
func (r *ReferenceTable) Identity() bool {
	for from, to := range r.m {
		if from != to {
			return false
		}
	}
	return true
}

// References returns the table built by the references phase.
func (t *Transplanter) References() *ReferenceTable { return t.table }
