// Free-space bookkeeping.
//
// Reclaimed byte ranges are kept as a sorted list of inclusive segments.
// Allocation is best fit. A remainder too small to ever hold a key is
// handed out as slack inside the allocated record instead of being split
// off, so the list never fills up with unusable slivers.
package quire

import (
	"encoding/binary"
	"slices"
)

// MinGap is the smallest free segment worth keeping. A gap must at least
// hold its own negative length marker; anything under MinGap is absorbed
// as slack by the record that would otherwise leave it behind.
const MinGap = 8

// Segment is an inclusive range of reclaimable bytes.
type Segment struct {
	First int64
	Last  int64
}

// Len is the number of bytes in the segment.
func (s Segment) Len() int64 {
	return s.Last - s.First + 1
}

// freeList is sorted by First with no overlapping or touching segments.
type freeList struct {
	segs []Segment
}

// allocate carves size bytes out of the best fitting segment. It returns
// the record offset, the span actually granted (size plus any absorbed
// slack) and the remainder left in the list, which the caller must mark
// as a gap unless it is empty. ok is false when no segment is large
// enough.
func (l *freeList) allocate(size int64) (pos, span int64, rest Segment, ok bool) {
	best := -1
	for i, s := range l.segs {
		n := s.Len()
		if n < size {
			continue
		}
		if best < 0 || n < l.segs[best].Len() {
			best = i
			if n == size {
				break
			}
		}
	}
	if best < 0 {
		return 0, 0, Segment{Last: -1}, false
	}
	s := l.segs[best]
	if s.Len()-size < MinGap {
		l.segs = slices.Delete(l.segs, best, best+1)
		return s.First, s.Len(), Segment{Last: -1}, true
	}
	l.segs[best].First += size
	return s.First, size, l.segs[best], true
}

// free returns [first, last] to the list, merging with neighbours that
// touch it, and returns the resulting segment.
func (l *freeList) free(first, last int64) Segment {
	i, _ := slices.BinarySearchFunc(l.segs, first, func(s Segment, v int64) int {
		switch {
		case s.First < v:
			return -1
		case s.First > v:
			return 1
		}
		return 0
	})
	seg := Segment{First: first, Last: last}
	if i > 0 && l.segs[i-1].Last+1 >= first {
		i--
		seg.First = l.segs[i].First
		seg.Last = max(seg.Last, l.segs[i].Last)
		l.segs = slices.Delete(l.segs, i, i+1)
	}
	for i < len(l.segs) && l.segs[i].First <= seg.Last+1 {
		seg.Last = max(seg.Last, l.segs[i].Last)
		l.segs = slices.Delete(l.segs, i, i+1)
	}
	l.segs = slices.Insert(l.segs, i, seg)
	return seg
}

// trimTail drops a segment that runs up to end and returns the new end.
func (l *freeList) trimTail(end int64) int64 {
	if n := len(l.segs); n > 0 && l.segs[n-1].Last == end-1 {
		end = l.segs[n-1].First
		l.segs = l.segs[:n-1]
	}
	return end
}

// bytes is the total number of free bytes.
func (l *freeList) bytes() int64 {
	var n int64
	for _, s := range l.segs {
		n += s.Len()
	}
	return n
}

// encode writes the count followed by (first, last) pairs.
func (l *freeList) encode() []byte {
	buf := make([]byte, 4+16*len(l.segs))
	binary.BigEndian.PutUint32(buf, uint32(len(l.segs)))
	for i, s := range l.segs {
		binary.BigEndian.PutUint64(buf[4+16*i:], uint64(s.First))
		binary.BigEndian.PutUint64(buf[12+16*i:], uint64(s.Last))
	}
	return buf
}

func decodeFreeList(buf []byte, begin, end int64) (freeList, error) {
	if len(buf) < 4 {
		return freeList{}, corrupt("free list", "truncated")
	}
	n := int(binary.BigEndian.Uint32(buf))
	if len(buf) != 4+16*n {
		return freeList{}, corrupt("free list", "%d segments in %d bytes", n, len(buf))
	}
	l := freeList{segs: make([]Segment, n)}
	prev := begin - 2
	for i := range l.segs {
		s := Segment{
			First: int64(binary.BigEndian.Uint64(buf[4+16*i:])),
			Last:  int64(binary.BigEndian.Uint64(buf[12+16*i:])),
		}
		if s.First <= prev+1 || s.Last < s.First || s.Last >= end {
			return freeList{}, corrupt("free list", "segment [%d, %d] out of order", s.First, s.Last)
		}
		l.segs[i] = s
		prev = s.Last
	}
	return l, nil
}
