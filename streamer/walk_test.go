package streamer

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type linked struct {
	Self   Ref
	N      int32
	Counts []int32 `quire:",count=N"`
	Name   string
	Parent *linked
	Kids   []Ref
	ByName map[string]Ref
}

func TestRemapRefs(t *testing.T) {
	r := NewRegistry(Options{})
	in := linked{
		Self:   Ref{PID: 1, UID: 10},
		N:      2,
		Counts: []int32{5, 6},
		Name:   "root",
		Parent: &linked{Self: Ref{PID: 2, UID: 20}},
		Kids:   []Ref{{PID: 1, UID: 11}, {PID: 3, UID: 12}},
		ByName: map[string]Ref{"a": {PID: 2, UID: 30}},
	}
	var b Buffer
	td, err := r.Encode(&b, in)
	require.NoError(t, err)

	rec := b.Bytes()
	require.NoError(t, r.RemapRefs(rec, td, func(pid uint16) uint16 { return pid + 100 }))

	var out linked
	require.NoError(t, r.Decode(NewBuffer(rec), &out, td.Name, td.Version))
	assert.Equal(t, Ref{PID: 101, UID: 10}, out.Self)
	assert.Equal(t, Ref{PID: 102, UID: 20}, out.Parent.Self)
	assert.Equal(t, []Ref{{PID: 101, UID: 11}, {PID: 103, UID: 12}}, out.Kids)
	assert.Equal(t, Ref{PID: 102, UID: 30}, out.ByName["a"])
	assert.Equal(t, []int32{5, 6}, out.Counts)
	assert.Equal(t, "root", out.Name)
}

func TestRemapWithoutRefsIsNoop(t *testing.T) {
	r := NewRegistry(Options{})
	var b Buffer
	td, err := r.Encode(&b, point{1, 2, 3})
	require.NoError(t, err)
	before := append([]byte(nil), b.Bytes()...)
	require.NoError(t, r.RemapRefs(b.Bytes(), td, func(uint16) uint16 { return 9 }))
	assert.Equal(t, before, b.Bytes())
}

func TestSkipEveryWireType(t *testing.T) {
	r := NewRegistry(Options{})
	in := hit{Name: "n", Prev: &point{}, NTags: 2, Tags: []uint16{1, 2}, Weights: []float64{1}, Labels: map[string]int32{"k": 1}}
	var b Buffer
	td, err := r.Encode(&b, in)
	require.NoError(t, err)
	b.WriteU8(0xAB)

	rb := NewBuffer(b.Bytes())
	var fr frame
	for i := range td.Fields {
		require.NoError(t, r.skipField(rb, &td.Fields[i], &fr), td.Fields[i].Name)
	}
	assert.Equal(t, int64(2), fr.get("NTags"))
	v, err := rb.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0xAB), v)
}

func TestRemapRefsTypeHasRefs(t *testing.T) {
	r := NewRegistry(Options{})
	td, err := r.Build(reflect.TypeFor[linked]())
	require.NoError(t, err)
	assert.True(t, r.HasRefs(td))
}
