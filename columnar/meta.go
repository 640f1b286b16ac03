// Store metadata: the column list and block indexes, persisted as JSON
// under a key named after the Store.
package columnar

import (
	"fmt"
	"math"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/jpl-au/quire"
)

// ClassStore is the key class of Store metadata.
const ClassStore = "quire.Store"

// BlockInfo is one entry of a Column's block index.
type BlockInfo struct {
	N       int   `json:"n"`       // block number in the key name
	Cycle   int16 `json:"cycle"`   // key cycle
	Start   int64 `json:"start"`   // index of the first record
	Entries int32 `json:"entries"` // records in the Block
	Seek    int64 `json:"seek"`    // key offset in the container
	Bytes   int32 `json:"bytes"`   // stored payload length
	Objlen  int32 `json:"objlen"`  // uncompressed payload length
}

type columnMeta struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Version     int16       `json:"version"`
	BlockSize   int         `json:"block_size"`
	Compression int         `json:"compression"`
	Numeric     bool        `json:"numeric,omitempty"`
	Next        int         `json:"next"`
	Blocks      []BlockInfo `json:"blocks"`
	Stats       Stats       `json:"stats"`
}

type storeMeta struct {
	Name    string       `json:"name"`
	Columns []columnMeta `json:"columns"`
}

func (s *Store) meta() storeMeta {
	m := storeMeta{Name: s.name, Columns: make([]columnMeta, 0, len(s.cols))}
	for _, c := range s.cols {
		m.Columns = append(m.Columns, columnMeta{
			Name:        c.name,
			Type:        c.typeName,
			Version:     c.version,
			BlockSize:   c.blockSize,
			Compression: c.compression,
			Numeric:     c.numeric,
			Next:        c.next,
			Blocks:      c.blocks,
			Stats:       c.committedStats(),
		})
	}
	return m
}

// Write persists the Store metadata as a new cycle of the key named
// after the Store and deletes the cycles it supersedes. Records still in
// open Blocks are not included; Close flushes them first.
func (s *Store) Write() error {
	if s.closed {
		return ErrClosed
	}
	data, err := json.Marshal(s.meta())
	if err != nil {
		return fmt.Errorf("store %s: encode metadata: %w", s.name, err)
	}
	// Superseded cycles are deleted, so once the cycle number runs out
	// the metadata starts again at 1.
	cycle := int16(0)
	if cs := s.f.Cycles(s.name); len(cs) > 0 && slices.Max(cs) == math.MaxInt16 {
		cycle = 1
	}
	k, err := s.f.WriteKey(s.name, ClassStore, cycle, data, true)
	if err != nil {
		return fmt.Errorf("store %s: %w", s.name, err)
	}
	for _, c := range s.f.Cycles(s.name) {
		if c == k.Cycle {
			continue
		}
		if err := s.f.DeleteKey(s.name, c); err != nil {
			return fmt.Errorf("store %s: drop cycle %d: %w", s.name, c, err)
		}
	}
	return nil
}

func (s *Store) load() error {
	k, err := s.f.Get(s.name, 0)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNoStore, s.name, err)
	}
	if k.Class != ClassStore {
		return fmt.Errorf("%w: %s is a %s", ErrNoStore, s.name, k.Class)
	}
	data, err := s.f.ReadKey(s.name, k.Cycle)
	if err != nil {
		return fmt.Errorf("store %s: %w", s.name, err)
	}
	var m storeMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("store %s: %w: metadata: %w", s.name, quire.ErrFormat, err)
	}
	for _, cm := range m.Columns {
		c := s.newColumn(cm.Name, cm.Type, cm.Version, cm.BlockSize, cm.Compression)
		c.numeric = cm.Numeric
		c.next = cm.Next
		c.blocks = cm.Blocks
		c.stats = cm.Stats
		for _, b := range cm.Blocks {
			c.committed += int64(b.Entries)
		}
		if c.committed != c.stats.Entries {
			return fmt.Errorf("store %s: %w: column %s indexes %d records, stats say %d",
				s.name, quire.ErrFormat, c.name, c.committed, c.stats.Entries)
		}
		s.add(c)
	}
	return nil
}
