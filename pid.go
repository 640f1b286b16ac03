// Process identifiers for cross references.
//
// A reference stored by the streamer package names its target by a
// process index and an object id. The index points into this table of
// UUIDs, one per writing session that produced referenced objects, so
// references from different sessions never collide. The table is stored
// as the ProcessIDs key.
package quire

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// MaxProcessIDs is the size of the index space of a reference.
const MaxProcessIDs = 1 << 16

func encodeProcessIDs(ids []uuid.UUID) []byte {
	buf := make([]byte, 4+16*len(ids))
	binary.BigEndian.PutUint32(buf, uint32(len(ids)))
	for i, id := range ids {
		copy(buf[4+16*i:], id[:])
	}
	return buf
}

func decodeProcessIDs(buf []byte) ([]uuid.UUID, error) {
	if len(buf) < 4 {
		return nil, corrupt("process ids", "truncated")
	}
	n := int(binary.BigEndian.Uint32(buf))
	if len(buf) != 4+16*n {
		return nil, corrupt("process ids", "%d ids in %d bytes", n, len(buf))
	}
	ids := make([]uuid.UUID, n)
	for i := range ids {
		copy(ids[i][:], buf[4+16*i:])
	}
	return ids, nil
}

// ProcessIDs returns the process table in index order.
func (f *File) ProcessIDs() []uuid.UUID {
	return slices.Clone(f.pids)
}

// ProcessIndex returns the index of id in the process table.
func (f *File) ProcessIndex(id uuid.UUID) (int, bool) {
	i := slices.Index(f.pids, id)
	return i, i >= 0
}

// AddProcessID appends id to the process table unless present and
// returns its index.
func (f *File) AddProcessID(id uuid.UUID) (int, error) {
	if err := f.checkWrite(); err != nil {
		return 0, err
	}
	if i, ok := f.ProcessIndex(id); ok {
		return i, nil
	}
	if len(f.pids) >= MaxProcessIDs {
		return 0, fmt.Errorf("add process id: table full at %d entries", len(f.pids))
	}
	f.pids = append(f.pids, id)
	f.pidsDirty = true
	return len(f.pids) - 1, nil
}

// SessionPID returns the process index of the current writing session,
// registering a fresh random id on first use.
func (f *File) SessionPID() (int, error) {
	if f.session >= 0 {
		return f.session, nil
	}
	i, err := f.AddProcessID(uuid.New())
	if err != nil {
		return 0, err
	}
	f.session = i
	return i, nil
}
