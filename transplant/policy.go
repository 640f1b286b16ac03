// Destination layout policies for copied Blocks.
package transplant

import (
	"fmt"
	"strings"
)

// SortPolicy orders the copied Blocks in the destination container.
// Blocks of one Column always keep their relative order.
type SortPolicy int

const (
	// ByOffset keeps the source's on-disk order.
	ByOffset SortPolicy = iota
	// ByColumn writes each Column's Blocks contiguously, for narrow scans.
	ByColumn
	// ByEntry interleaves Blocks by first record index, for full-row scans.
	ByEntry
)

func (p SortPolicy) String() string {
	switch p {
	case ByOffset:
		return "offset"
	case ByColumn:
		return "column"
	case ByEntry:
		return "entry"
	}
	return fmt.Sprintf("SortPolicy(%d)", int(p))
}

// ParseSortPolicy accepts the names printed by String.
func ParseSortPolicy(s string) (SortPolicy, error) {
	switch strings.ToLower(s) {
	case "offset", "":
		return ByOffset, nil
	case "column":
		return ByColumn, nil
	case "entry":
		return ByEntry, nil
	}
	return 0, fmt.Errorf("unknown sort policy %q", s)
}

// key is the sort key of a block under p.
func (p SortPolicy) key(t *tuple) int64 {
	switch p {
	case ByColumn:
		return int64(t.pair)
	case ByEntry:
		return t.info.Start
	}
	return t.info.Seek
}

// order merges the per-column queues into one sequence. At each step the
// head with the smallest key wins, ties going to the earlier column, so
// every queue is consumed front to back.
func (p SortPolicy) order(queues [][]*tuple) []*tuple {
	var out []*tuple
	heads := make([]int, len(queues))
	for {
		best := -1
		var bestKey int64
		for q, h := range heads {
			if h == len(queues[q]) {
				continue
			}
			if k := p.key(queues[q][h]); best < 0 || k < bestKey {
				best, bestKey = q, k
			}
		}
		if best < 0 {
			return out
		}
		out = append(out, queues[best][heads[best]])
		heads[best]++
	}
}
