package transplant

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/columnar"
	"github.com/jpl-au/quire/streamer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type pairF32 struct {
	A int32
	B float32
}

func (pairF32) ClassName() string   { return "Pair" }
func (pairF32) ClassVersion() int16 { return 1 }

type pairF64 struct {
	A int32
	B float64
}

func (pairF64) ClassName() string   { return "Pair" }
func (pairF64) ClassVersion() int16 { return 1 }

type link struct {
	ID     int32
	Target streamer.Ref
}

func newStore(t *testing.T, name string) *columnar.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".quire")
	f, err := quire.Open(path, quire.ModeCreate, quire.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close(nil) })
	s, err := columnar.Create(f, "events", columnar.Config{})
	require.NoError(t, err)
	return s
}

func define(t *testing.T, s *columnar.Store, name string, sample any, blockSize int) *columnar.Column {
	t.Helper()
	c, err := s.DefineColumn(name, sample, columnar.ColumnOptions{BlockSize: blockSize})
	require.NoError(t, err)
	return c
}

func TestStructuralMismatch(t *testing.T) {
	src := newStore(t, "src")
	sc := define(t, src, "p", pairF32{}, 0)
	require.NoError(t, sc.Append(pairF32{1, 2}))
	require.NoError(t, src.Flush())

	dst := newStore(t, "dst")
	define(t, dst, "p", pairF64{}, 0)
	before := dst.File().Stats()

	_, err := New(src, dst, Options{})
	require.ErrorIs(t, err, ErrStructuralMismatch)
	assert.ErrorIs(t, err, streamer.ErrSchema)
	assert.Equal(t, before, dst.File().Stats(), "nothing written")

	dst2 := newStore(t, "dst2")
	define(t, dst2, "other", pairF32{}, 0)
	_, err = New(src, dst2, Options{})
	assert.ErrorIs(t, err, ErrStructuralMismatch)
}

// fillSource writes three columns with different record sizes so their
// Blocks interleave on disk.
func fillSource(t *testing.T, s *columnar.Store, rows int) {
	t.Helper()
	define(t, s, "small", int16(0), 200)
	define(t, s, "wide", [8]float64{}, 600)
	define(t, s, "name", "", 300)
	for i := range rows {
		require.NoError(t, s.Fill(int16(i), [8]float64{float64(i)}, fmt.Sprint("row-", i)))
	}
}

func checkRows(t *testing.T, s *columnar.Store, rows int) {
	t.Helper()
	small, err := s.Column("small")
	require.NoError(t, err)
	wide, err := s.Column("wide")
	require.NoError(t, err)
	name, err := s.Column("name")
	require.NoError(t, err)
	require.Equal(t, int64(rows), small.Entries())
	require.Equal(t, int64(rows), wide.Entries())
	require.Equal(t, int64(rows), name.Entries())

	i := 0
	for v, err := range columnar.Values[int16](small) {
		require.NoError(t, err)
		assert.Equal(t, int16(i), v, "small %d", i)
		i++
	}
	for j := range rows {
		var w [8]float64
		require.NoError(t, wide.Read(int64(j), &w))
		assert.Equal(t, float64(j), w[0])
		var n string
		require.NoError(t, name.Read(int64(j), &n))
		assert.Equal(t, fmt.Sprint("row-", j), n)
	}
}

func TestOrderInvariant(t *testing.T) {
	for _, policy := range []SortPolicy{ByOffset, ByColumn, ByEntry} {
		t.Run(policy.String(), func(t *testing.T) {
			src := newStore(t, "src")
			fillSource(t, src, 400)
			require.NoError(t, src.Flush())
			// Records left in open Blocks are carried over too.
			for i := 400; i < 405; i++ {
				require.NoError(t, src.Fill(int16(i), [8]float64{float64(i)}, fmt.Sprint("row-", i)))
			}

			dst := newStore(t, "dst")
			fillSource(t, dst, 0)

			tr, err := New(src, dst, Options{Sort: policy})
			require.NoError(t, err)
			report, err := tr.Run(context.Background())
			require.NoError(t, err)
			assert.Positive(t, report.Blocks)
			assert.Zero(t, report.Rewritten)
			assert.Equal(t, int64(15), report.Pending)
			assert.Len(t, report.Phases, 6)

			checkRows(t, dst, 405)
			assertLayout(t, dst, policy)

			_, err = tr.Run(context.Background())
			assert.ErrorIs(t, err, ErrPhase)
		})
	}
}

// assertLayout checks the destination write order each policy implies.
func assertLayout(t *testing.T, s *columnar.Store, policy SortPolicy) {
	t.Helper()
	type placed struct {
		col   int
		start int64
		seek  int64
	}
	var all []placed
	for ci, c := range s.Columns() {
		blocks := c.Blocks()
		for i, b := range blocks {
			if i > 0 {
				assert.Greater(t, b.Start, blocks[i-1].Start)
			}
			all = append(all, placed{ci, b.Start, b.Seek})
		}
	}
	for _, a := range all {
		for _, b := range all {
			if a.seek >= b.seek {
				continue
			}
			switch policy {
			case ByColumn:
				assert.LessOrEqual(t, a.col, b.col, "column blocks contiguous")
			case ByEntry:
				assert.LessOrEqual(t, a.start, b.start, "blocks ordered by first entry")
			}
		}
	}
}

func TestAppendsAfterExistingRecords(t *testing.T) {
	src := newStore(t, "src")
	fillSource(t, src, 100)
	require.NoError(t, src.Flush())

	dst := newStore(t, "dst")
	fillSource(t, dst, 50)

	tr, err := New(src, dst, Options{})
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)

	name, err := dst.Column("name")
	require.NoError(t, err)
	var got string
	require.NoError(t, name.Read(49, &got))
	assert.Equal(t, "row-49", got)
	require.NoError(t, name.Read(50, &got))
	assert.Equal(t, "row-0", got)
	require.NoError(t, name.Read(149, &got))
	assert.Equal(t, "row-99", got)

	var start int64
	for _, b := range name.Blocks() {
		assert.Equal(t, start, b.Start)
		start += int64(b.Entries)
	}
}

func refStores(t *testing.T) (*columnar.Store, *columnar.Store, int) {
	t.Helper()
	src := newStore(t, "src")
	pid, err := src.File().SessionPID()
	require.NoError(t, err)
	c := define(t, src, "links", link{}, 128)
	for i := range 40 {
		require.NoError(t, c.Append(link{ID: int32(i), Target: streamer.Ref{PID: uint16(pid), UID: uint32(i)}}))
	}
	require.NoError(t, src.Flush())

	dst := newStore(t, "dst")
	_, err = dst.File().SessionPID()
	require.NoError(t, err)
	define(t, dst, "links", link{}, 128)
	return src, dst, pid
}

func TestReferencesRemapped(t *testing.T) {
	src, dst, pid := refStores(t)
	tr, err := New(src, dst, Options{Sort: ByEntry})
	require.NoError(t, err)
	report, err := tr.Run(context.Background())
	require.NoError(t, err)
	assert.Positive(t, report.Rewritten)
	assert.Equal(t, report.Blocks, report.Rewritten)

	srcID := src.File().ProcessIDs()[pid]
	want, ok := dst.File().ProcessIndex(srcID)
	require.True(t, ok)
	assert.Equal(t, 1, want)
	assert.Equal(t, uint16(want), tr.References().Map(uint16(pid)))

	c, err := dst.Column("links")
	require.NoError(t, err)
	n := 0
	for v, err := range columnar.Values[link](c) {
		require.NoError(t, err)
		assert.Equal(t, int32(n), v.ID)
		assert.Equal(t, streamer.Ref{PID: uint16(want), UID: uint32(n)}, v.Target)
		n++
	}
	assert.Equal(t, 40, n)
}

func TestReferenceCollision(t *testing.T) {
	src, dst, pid := refStores(t)
	shared := src.File().ProcessIDs()[pid]
	_, err := dst.File().AddProcessID(shared)
	require.NoError(t, err)

	tr, err := New(src, dst, Options{})
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	assert.ErrorIs(t, err, ErrReferenceCollision)
	c, err := dst.Column("links")
	require.NoError(t, err)
	assert.Zero(t, c.Entries(), "no block copied")

	tr, err = New(src, dst, Options{SharePIDs: true})
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	var v link
	require.NoError(t, c.Read(0, &v))
	assert.Equal(t, uint16(1), v.Target.PID)
}

func TestCreateColumns(t *testing.T) {
	src := newStore(t, "src")
	fillSource(t, src, 120)
	require.NoError(t, src.Flush())
	dst := newStore(t, "dst")

	_, err := New(src, dst, Options{})
	require.ErrorIs(t, err, ErrStructuralMismatch)

	tr, err := New(src, dst, Options{CreateColumns: true})
	require.NoError(t, err)
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, dst.Columns(), 3)
	checkRows(t, dst, 120)
}

func TestCancelled(t *testing.T) {
	src := newStore(t, "src")
	fillSource(t, src, 50)
	dst := newStore(t, "dst")
	fillSource(t, dst, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, err := New(src, dst, Options{})
	require.NoError(t, err)
	_, err = tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, dst.Entries())
}

func TestCancelledMidCopy(t *testing.T) {
	src := newStore(t, "src")
	fillSource(t, src, 400)
	require.NoError(t, src.Flush())
	dst := newStore(t, "dst")
	fillSource(t, dst, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core, _ := observer.New(zapcore.DebugLevel)
	copied := 0
	log := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		if e.Message == "block copied" {
			if copied++; copied == 3 {
				cancel()
			}
		}
		return nil
	}))

	tr, err := New(src, dst, Options{Logger: log})
	require.NoError(t, err)
	report, err := tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, report.Blocks)

	blocks := 0
	for _, c := range dst.Columns() {
		var start int64
		for _, b := range c.Blocks() {
			assert.Equal(t, start, b.Start, "column %s", c.Name())
			start += int64(b.Entries)
			blocks++
		}
		assert.Equal(t, start, c.Committed(), "column %s", c.Name())
		assert.Equal(t, c.Committed(), c.Entries(), "column %s", c.Name())
	}
	assert.Equal(t, 3, blocks)
}

func TestCollectAfterCompact(t *testing.T) {
	src := newStore(t, "src")
	sf := src.File()
	_, err := sf.WriteKey("junk", "Blob", 0, make([]byte, 4096), false)
	require.NoError(t, err)
	fillSource(t, src, 200)
	require.NoError(t, src.Flush())
	require.NoError(t, src.Write())
	require.NoError(t, sf.DeleteKey("junk", 0))
	require.NoError(t, sf.Compact(nil))

	dst := newStore(t, "dst")
	fillSource(t, dst, 0)
	tr, err := New(src, dst, Options{})
	require.NoError(t, err)
	require.NoError(t, tr.collect(context.Background()))
	for i, q := range tr.queues {
		for _, tp := range q {
			k, err := sf.Get(tr.pairs[i].src.BlockKey(tp.info.N), tp.info.Cycle)
			require.NoError(t, err)
			assert.Equal(t, k.Seek, tp.info.Seek)
		}
	}
	_, err = tr.Run(context.Background())
	require.NoError(t, err)
	checkRows(t, dst, 200)
}

func TestParseSortPolicy(t *testing.T) {
	for _, p := range []SortPolicy{ByOffset, ByColumn, ByEntry} {
		got, err := ParseSortPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseSortPolicy("size")
	assert.Error(t, err)
}

func TestOrderKeepsQueues(t *testing.T) {
	q := func(pair int, seeks ...int64) []*tuple {
		var out []*tuple
		for i, s := range seeks {
			out = append(out, &tuple{pair: pair, info: columnar.BlockInfo{Seek: s, Start: int64(i * 10)}})
		}
		return out
	}
	// Column 0 has a Block reusing space before its first one.
	queues := [][]*tuple{q(0, 500, 100, 900), q(1, 300, 700)}
	got := ByOffset.order(queues)
	var seeks []int64
	for _, tp := range got {
		seeks = append(seeks, tp.info.Seek)
	}
	assert.Equal(t, []int64{300, 500, 100, 700, 900}, seeks)

	got = ByColumn.order(queues)
	assert.Equal(t, []int{0, 0, 0, 1, 1}, pairsOf(got))
	got = ByEntry.order(queues)
	assert.Equal(t, []int{0, 1, 0, 1, 0}, pairsOf(got))
}

func pairsOf(ts []*tuple) []int {
	var out []int
	for _, tp := range ts {
		out = append(out, tp.pair)
	}
	return out
}
