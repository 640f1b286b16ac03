// Columns: the append path, Block flushing and random access reads.
//
// Each Column keeps one open Block in memory. Records are appended to it
// until the next one would take it past the block size, then the Block is
// compressed and written as a key named store/column/n.
package columnar

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/streamer"
	"go.uber.org/zap"
)

// Column is one field across all records of a Store. It owns its block
// index and its single open Block.
type Column struct {
	s           *Store
	name        string
	typeName    string
	version     int16
	blockSize   int
	compression int
	numeric     bool

	blocks    []BlockInfo
	next      int   // number of the next Block
	committed int64 // records in flushed Blocks
	open      openBlock
	stats     Stats
	bad       map[int]bool // Blocks already reported corrupt
	scratch   streamer.Buffer
}

// ColumnOptions override Store defaults for one Column.
type ColumnOptions struct {
	BlockSize   int // target Block payload size
	Compression int // 0 = Store setting, quire.Uncompressed = none
}

func (s *Store) newColumn(name, typeName string, version int16, blockSize, compression int) *Column {
	return &Column{
		s:           s,
		name:        name,
		typeName:    typeName,
		version:     version,
		blockSize:   blockSize,
		compression: compression,
		bad:         map[int]bool{},
	}
}

// Name is the Column's name within its Store.
func (c *Column) Name() string { return c.name }

// TypeName and Version identify the type descriptor records are stored
// under.
func (c *Column) TypeName() string { return c.typeName }
func (c *Column) Version() int16   { return c.version }

// Descriptor returns the stored type descriptor of the Column's records.
func (c *Column) Descriptor() (*streamer.TypeDescriptor, error) {
	td, ok := c.s.reg.Lookup(c.typeName, c.version)
	if !ok {
		return nil, fmt.Errorf("column %s: %w: %s;%d", c.name, streamer.ErrUnknownType, c.typeName, c.version)
	}
	return td, nil
}

// BlockSize is the target Block payload size.
func (c *Column) BlockSize() int { return c.blockSize }

// Compression is the setting new Blocks are compressed with.
func (c *Column) Compression() int { return c.compression }

// Entries is the number of records, flushed or not.
func (c *Column) Entries() int64 { return c.committed + int64(c.open.entries()) }

// Committed is the number of records in flushed Blocks.
func (c *Column) Committed() int64 { return c.committed }

// Blocks returns a copy of the block index.
func (c *Column) Blocks() []BlockInfo { return slices.Clone(c.blocks) }

// Stats returns the running totals, including open records.
func (c *Column) Stats() Stats {
	st := c.stats
	st.Blocks = len(c.blocks)
	return st
}

func (c *Column) committedStats() Stats {
	st := c.Stats()
	st.Entries = c.committed
	return st
}

// BlockKey is the container key name of Block n.
func (c *Column) BlockKey(n int) string {
	return fmt.Sprintf("%s/%s/%d", c.s.name, c.name, n)
}

// Pending returns the records of the open Block. The Block aliases
// Column memory and is valid until the next append.
func (c *Column) Pending() *Block { return c.open.view() }

// Append encodes v as the next record.
func (c *Column) Append(v any) error {
	rec, err := c.encode(v)
	if err != nil {
		return err
	}
	if err := c.reserve(len(rec)); err != nil {
		return err
	}
	c.push(rec, v)
	return nil
}

// AppendRaw adds an already encoded record of the Column's type.
func (c *Column) AppendRaw(rec []byte) error {
	if err := c.reserve(len(rec)); err != nil {
		return err
	}
	c.push(rec, nil)
	return nil
}

// encode checks v against the Column's type and encodes it into the
// scratch buffer. The result is valid until the next encode.
func (c *Column) encode(v any) ([]byte, error) {
	c.scratch.Reset()
	td, err := c.s.reg.Encode(&c.scratch, v)
	if err != nil {
		return nil, fmt.Errorf("column %s: append: %w", c.name, err)
	}
	if td.Name != c.typeName || td.Version != c.version {
		return nil, fmt.Errorf("column %s: %w: holds %s;%d, got %s", c.name, ErrTypeMismatch, c.typeName, c.version, td)
	}
	return c.scratch.Bytes(), nil
}

// reserve flushes the open Block if a record of n bytes would take it
// past the block size.
func (c *Column) reserve(n int) error {
	if c.open.entries() > 0 && c.open.projected(n) > c.blockSize {
		return c.FlushBlock()
	}
	return nil
}

// push adds rec to the open Block. A fresh Block is sized from the
// container's recent payloads.
func (c *Column) push(rec []byte, v any) {
	if c.open.entries() == 0 {
		c.open.data.Grow(min(c.s.f.BestBuffer(), c.blockSize))
	}
	c.open.append(rec)
	c.stats.Entries++
	if c.numeric && v != nil {
		if f, ok := number(v); ok {
			c.stats.observe(f)
		}
	}
}

// FlushBlock compresses the open Block and writes it to the container.
// It does nothing when the Block is empty. On failure the records stay
// in the open Block.
func (c *Column) FlushBlock() error {
	if c.open.entries() == 0 {
		return nil
	}
	b := c.open.detach()
	payload := b.Encode()
	zip, setting, err := quire.Compress(c.compression, payload)
	if err != nil {
		c.open.restore(b)
		return fmt.Errorf("column %s: %w", c.name, err)
	}
	if _, err := c.commit(b.Entries, zip, len(payload), setting); err != nil {
		c.open.restore(b)
		return err
	}
	return nil
}

// AppendBlock writes a complete Block payload, as stored by another
// Column of the same shape, after the existing records. The open Block
// must be empty so record order is kept.
func (c *Column) AppendBlock(payload []byte, objlen, compression int, entries int32) (BlockInfo, error) {
	if c.open.entries() != 0 {
		return BlockInfo{}, fmt.Errorf("column %s: append block with %d open records", c.name, c.open.entries())
	}
	bi, err := c.commit(int(entries), payload, objlen, compression)
	if err != nil {
		return BlockInfo{}, err
	}
	c.stats.Entries += int64(entries)
	return bi, nil
}

// MergeRange widens the Column's min/max by those of st.
func (c *Column) MergeRange(st Stats) { c.stats.mergeRange(st) }

func (c *Column) commit(entries int, payload []byte, objlen, compression int) (BlockInfo, error) {
	k, err := c.s.f.WriteRaw(quire.RawKey{
		Name:        c.BlockKey(c.next),
		Class:       ClassBlock,
		Payload:     payload,
		Objlen:      objlen,
		Compression: compression,
	})
	if err != nil {
		return BlockInfo{}, fmt.Errorf("column %s: write block %d: %w", c.name, c.next, err)
	}
	bi := BlockInfo{
		N:       c.next,
		Cycle:   k.Cycle,
		Start:   c.committed,
		Entries: int32(entries),
		Seek:    k.Seek,
		Bytes:   k.Len,
		Objlen:  k.Objlen,
	}
	c.blocks = append(c.blocks, bi)
	c.next++
	c.committed += int64(entries)
	c.stats.TotBytes += int64(objlen)
	c.stats.ZipBytes += int64(k.Len)
	c.s.log.Debug("block flushed", zap.String("column", c.name), zap.Int("block", bi.N),
		zap.Int64("start", bi.Start), zap.Int32("entries", bi.Entries), zap.Int32("bytes", bi.Bytes))
	return bi, nil
}

// blockOf returns the index position of the Block holding record i.
func (c *Column) blockOf(i int64) int {
	return sort.Search(len(c.blocks), func(n int) bool {
		return c.blocks[n].Start+int64(c.blocks[n].Entries) > i
	})
}

// ReadBlock returns the decoded Block at position i of the block index,
// through the working set.
func (c *Column) ReadBlock(i int) (*Block, error) {
	bi := c.blocks[i]
	id := blockID{column: c.name, n: bi.N}
	if b, ok := c.s.cache.get(id); ok {
		return b, nil
	}
	b, err := c.loadBlock(bi)
	if err != nil {
		if errors.Is(err, ErrBlockCorrupt) && !c.bad[bi.N] {
			c.bad[bi.N] = true
			c.s.log.Warn("block corrupt, records zero-filled",
				zap.String("file", c.s.f.Path()), zap.String("column", c.name),
				zap.Int("block", bi.N), zap.Int64("start", bi.Start), zap.Int32("entries", bi.Entries),
				zap.Error(err))
		}
		return nil, err
	}
	c.s.cache.put(id, b)
	return b, nil
}

func (c *Column) loadBlock(bi BlockInfo) (*Block, error) {
	name := c.BlockKey(bi.N)
	payload, err := c.s.f.ReadKey(name, bi.Cycle)
	switch {
	case errors.Is(err, quire.ErrFormat), errors.Is(err, quire.ErrNotFound):
		return nil, fmt.Errorf("%w: %s: %w", ErrBlockCorrupt, name, err)
	case err != nil:
		return nil, fmt.Errorf("column %s: %w", c.name, err)
	}
	b, err := DecodeBlock(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if b.Entries != int(bi.Entries) {
		return nil, fmt.Errorf("%w: %s holds %d records, index says %d", ErrBlockCorrupt, name, b.Entries, bi.Entries)
	}
	return b, nil
}

// Read decodes record i into the value v points to. Records of a corrupt
// Block read as the zero value together with an ErrBlockCorrupt error.
func (c *Column) Read(i int64, v any) error {
	if i < 0 || i >= c.Entries() {
		return fmt.Errorf("column %s: record %d of %d: %w", c.name, i, c.Entries(), ErrOutOfRange)
	}
	var rec []byte
	if i >= c.committed {
		rec = c.open.view().Record(int(i - c.committed))
	} else {
		n := c.blockOf(i)
		b, err := c.ReadBlock(n)
		if err != nil {
			zero(v)
			return err
		}
		rec = b.Record(int(i - c.blocks[n].Start))
	}
	if err := c.s.reg.Decode(streamer.NewBuffer(rec), v, c.typeName, c.version); err != nil {
		return fmt.Errorf("column %s: record %d: %w", c.name, i, err)
	}
	return nil
}

func zero(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().SetZero()
	}
}
