// Block payload codec.
//
// A Block is the unit of I/O: a run of consecutive records of one Column,
// written as a single container key. Records of equal size are stored
// without an offset table.
package columnar

import (
	"encoding/binary"
	"fmt"

	"github.com/jpl-au/quire/streamer"
	"github.com/zeebo/xxh3"
)

// Block payload layout, big-endian:
//
//	magic "blk1" | flags u8 | entries u32 | data length u32 | record size u32
//	data | offsets u32 * entries (absent when flagFixed) | xxh3 low 32 bits
const (
	blockMagic   = "blk1"
	blockHeader  = 17
	blockTrailer = 4
	flagFixed    = 1 << 0
)

// ClassBlock is the key class of persisted Blocks.
const ClassBlock = "quire.Block"

// Block is the decoded payload of one Block: Entries consecutive records
// stored back to back in Data.
type Block struct {
	Data    []byte
	Offsets []uint32 // start of each record in Data; nil when RecSize > 0
	RecSize int      // size of every record when they are all equal
	Entries int
}

// Record returns record i. The slice aliases Data.
func (b *Block) Record(i int) []byte {
	if b.RecSize > 0 {
		return b.Data[i*b.RecSize : (i+1)*b.RecSize]
	}
	end := len(b.Data)
	if i+1 < b.Entries {
		end = int(b.Offsets[i+1])
	}
	return b.Data[b.Offsets[i]:end]
}

// size is the encoded payload length.
func (b *Block) size() int {
	n := blockHeader + len(b.Data) + blockTrailer
	if b.RecSize == 0 {
		n += 4 * b.Entries
	}
	return n
}

// Encode returns the block payload.
func (b *Block) Encode() []byte {
	out := make([]byte, b.size())
	copy(out, blockMagic)
	if b.RecSize > 0 {
		out[4] = flagFixed
	}
	binary.BigEndian.PutUint32(out[5:], uint32(b.Entries))
	binary.BigEndian.PutUint32(out[9:], uint32(len(b.Data)))
	binary.BigEndian.PutUint32(out[13:], uint32(b.RecSize))
	pos := blockHeader + copy(out[blockHeader:], b.Data)
	if b.RecSize == 0 {
		for _, off := range b.Offsets {
			binary.BigEndian.PutUint32(out[pos:], off)
			pos += 4
		}
	}
	binary.BigEndian.PutUint32(out[pos:], uint32(xxh3.Hash(out[:pos])))
	return out
}

// DecodeBlock parses a block payload. Every inconsistency is reported as
// ErrBlockCorrupt.
func DecodeBlock(p []byte) (*Block, error) {
	if len(p) < blockHeader+blockTrailer || string(p[:4]) != blockMagic {
		return nil, fmt.Errorf("%w: bad magic or short payload (%d bytes)", ErrBlockCorrupt, len(p))
	}
	body := p[:len(p)-blockTrailer]
	if sum := uint32(xxh3.Hash(body)); sum != binary.BigEndian.Uint32(p[len(body):]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBlockCorrupt)
	}
	b := &Block{
		Entries: int(binary.BigEndian.Uint32(p[5:])),
		RecSize: int(binary.BigEndian.Uint32(p[13:])),
	}
	dataLen := int(binary.BigEndian.Uint32(p[9:]))
	fixed := p[4]&flagFixed != 0
	want := blockHeader + dataLen
	if !fixed {
		want += 4 * b.Entries
	}
	if dataLen < 0 || want != len(body) {
		return nil, fmt.Errorf("%w: %d entries and %d data bytes do not fit %d", ErrBlockCorrupt, b.Entries, dataLen, len(body))
	}
	b.Data = body[blockHeader : blockHeader+dataLen]
	if fixed {
		if b.RecSize*b.Entries != dataLen {
			return nil, fmt.Errorf("%w: %d records of %d bytes in %d", ErrBlockCorrupt, b.Entries, b.RecSize, dataLen)
		}
		return b, nil
	}
	b.RecSize = 0
	b.Offsets = make([]uint32, b.Entries)
	prev := uint32(0)
	for i := range b.Offsets {
		off := binary.BigEndian.Uint32(body[blockHeader+dataLen+4*i:])
		if off < prev || int(off) > dataLen {
			return nil, fmt.Errorf("%w: offset %d of record %d", ErrBlockCorrupt, off, i)
		}
		b.Offsets[i], prev = off, off
	}
	return b, nil
}

// openBlock accumulates records until flushed.
type openBlock struct {
	data    streamer.Buffer
	offsets []uint32
	recSize int // -1 once record sizes differ
}

func (o *openBlock) entries() int { return len(o.offsets) }

func (o *openBlock) append(rec []byte) {
	switch {
	case len(o.offsets) == 0:
		o.recSize = len(rec)
	case o.recSize != len(rec):
		o.recSize = -1
	}
	o.offsets = append(o.offsets, uint32(o.data.Len()))
	o.data.Write(rec)
}

// projected is the payload size after appending a record of n bytes,
// assuming the offset table is needed.
func (o *openBlock) projected(n int) int {
	return blockHeader + o.data.Len() + n + 4*(len(o.offsets)+1) + blockTrailer
}

// detach moves the records into a Block and leaves o empty.
func (o *openBlock) detach() *Block {
	b := &Block{Entries: len(o.offsets)}
	if o.recSize > 0 {
		b.RecSize = o.recSize
	} else {
		b.Offsets = o.offsets
	}
	b.Data = o.data.Detach()
	o.offsets, o.recSize = nil, 0
	return b
}

// restore takes back the records of a detached Block whose flush failed.
func (o *openBlock) restore(b *Block) {
	o.data = *streamer.NewBuffer(b.Data)
	o.offsets, o.recSize = b.Offsets, -1
	if b.RecSize > 0 {
		o.offsets, o.recSize = make([]uint32, b.Entries), b.RecSize
		for i := range o.offsets {
			o.offsets[i] = uint32(i * b.RecSize)
		}
	}
}

// view returns the open records as a Block without detaching them.
func (o *openBlock) view() *Block {
	return &Block{Data: o.data.Bytes(), Offsets: o.offsets, Entries: len(o.offsets)}
}
