// In-memory key directory and its on-disk record.
//
// The directory maps name and cycle to the live key. It is loaded whole
// on Open and written whole on Flush and Close, so lookups never touch
// the file.
package quire

import (
	"cmp"
	"encoding/binary"
	"maps"
	"slices"
)

type directory struct {
	keys map[string]map[int16]*Key
	n    int
}

func newDirectory() directory {
	return directory{keys: map[string]map[int16]*Key{}}
}

func (d *directory) add(k *Key) {
	cycles := d.keys[k.Name]
	if cycles == nil {
		cycles = map[int16]*Key{}
		d.keys[k.Name] = cycles
	}
	if _, ok := cycles[k.Cycle]; !ok {
		d.n++
	}
	cycles[k.Cycle] = k
}

func (d *directory) remove(k *Key) {
	cycles := d.keys[k.Name]
	if _, ok := cycles[k.Cycle]; !ok {
		return
	}
	delete(cycles, k.Cycle)
	d.n--
	if len(cycles) == 0 {
		delete(d.keys, k.Name)
	}
}

// get returns the key for name and cycle; cycle 0 selects the highest.
func (d *directory) get(name string, cycle int16) *Key {
	cycles := d.keys[name]
	if cycle == 0 {
		return cycles[d.highest(name)]
	}
	return cycles[cycle]
}

// highest is the largest cycle stored under name, or 0.
func (d *directory) highest(name string) int16 {
	var top int16
	for c := range d.keys[name] {
		top = max(top, c)
	}
	return top
}

func (d *directory) cycles(name string) []int16 {
	return slices.Sorted(maps.Keys(d.keys[name]))
}

// sorted returns every key in file offset order.
func (d *directory) sorted() []*Key {
	out := make([]*Key, 0, d.n)
	for _, cycles := range d.keys {
		for _, k := range cycles {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b *Key) int { return cmp.Compare(a.Seek, b.Seek) })
	return out
}

// used is the number of bytes spanned by directory keys.
func (d *directory) used() int64 {
	var n int64
	for _, cycles := range d.keys {
		for _, k := range cycles {
			n += int64(k.Nbytes)
		}
	}
	return n
}

// encode writes the count followed by one entry per key in offset order.
func (d *directory) encode() []byte {
	keys := d.sorted()
	size := 4
	for _, k := range keys {
		size += 2 + len(k.Name) + len(k.Class) + dirEntryFixed
	}
	buf := make([]byte, size)
	be := binary.BigEndian
	be.PutUint32(buf, uint32(len(keys)))
	off := 4
	for _, k := range keys {
		buf[off] = byte(len(k.Name))
		off += 1 + copy(buf[off+1:], k.Name)
		buf[off] = byte(len(k.Class))
		off += 1 + copy(buf[off+1:], k.Class)
		be.PutUint16(buf[off:], uint16(k.Cycle))
		be.PutUint64(buf[off+2:], uint64(k.Seek))
		be.PutUint32(buf[off+10:], uint32(k.Nbytes))
		be.PutUint16(buf[off+14:], uint16(k.Keylen))
		be.PutUint32(buf[off+16:], uint32(k.Objlen))
		be.PutUint32(buf[off+20:], uint32(k.Len))
		be.PutUint16(buf[off+24:], uint16(k.Compression))
		be.PutUint64(buf[off+26:], uint64(k.Datime))
		be.PutUint64(buf[off+34:], k.Checksum)
		off += dirEntryFixed
	}
	return buf
}

// dirEntryFixed is the size of a directory entry excluding its strings.
const dirEntryFixed = 42

func decodeDirectory(buf []byte, end int64) (directory, error) {
	d := newDirectory()
	if len(buf) < 4 {
		return d, corrupt("directory", "truncated")
	}
	be := binary.BigEndian
	n := int(be.Uint32(buf))
	off := 4
	str := func() (string, bool) {
		if off >= len(buf) || off+1+int(buf[off]) > len(buf) {
			return "", false
		}
		s := string(buf[off+1 : off+1+int(buf[off])])
		off += 1 + len(s)
		return s, true
	}
	for i := 0; i < n; i++ {
		name, ok1 := str()
		class, ok2 := str()
		if !ok1 || !ok2 || off+dirEntryFixed > len(buf) {
			return d, corrupt("directory", "entry %d truncated", i)
		}
		k := &Key{
			Name:        name,
			Class:       class,
			Cycle:       int16(be.Uint16(buf[off:])),
			Seek:        int64(be.Uint64(buf[off+2:])),
			Nbytes:      int32(be.Uint32(buf[off+10:])),
			Keylen:      int32(be.Uint16(buf[off+14:])),
			Objlen:      int32(be.Uint32(buf[off+16:])),
			Len:         int32(be.Uint32(buf[off+20:])),
			Compression: int16(be.Uint16(buf[off+24:])),
			Datime:      int64(be.Uint64(buf[off+26:])),
			Checksum:    be.Uint64(buf[off+34:]),
		}
		off += dirEntryFixed
		if k.Seek < HeaderSize || k.Seek+int64(k.Nbytes) > end || k.Nbytes < k.Keylen+k.Len {
			return d, corrupt("directory", "key %q cycle %d spans [%d, %d) past end %d",
				k.Name, k.Cycle, k.Seek, k.Seek+int64(k.Nbytes), end)
		}
		d.add(k)
	}
	if off != len(buf) {
		return d, corrupt("directory", "%d trailing bytes", len(buf)-off)
	}
	return d, nil
}
