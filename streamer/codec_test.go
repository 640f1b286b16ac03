package streamer

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct{ X, Y, Z float64 }

type hit struct {
	ID      int32
	Energy  float32
	Name    string
	Pos     point
	Prev    *point
	Owner   Ref
	Grid    [4]int16
	NTags   int32
	Tags    []uint16 `quire:"tags,count=NTags"`
	Weights []float64
	Corners [2]point
	Labels  map[string]int32
	Ok      bool
	Scratch []byte `quire:"-"`
}

func roundTrip[T any](t *testing.T, r *Registry, in T) T {
	t.Helper()
	var b Buffer
	td, err := r.Encode(&b, &in)
	require.NoError(t, err)
	var out T
	rb := NewBuffer(b.Bytes())
	require.NoError(t, r.Decode(rb, &out, td.Name, td.Version))
	assert.Zero(t, rb.Remaining(), "trailing bytes")
	return out
}

func TestRoundTripStruct(t *testing.T) {
	r := NewRegistry(Options{})
	in := hit{
		ID:      7,
		Energy:  1.25,
		Name:    strings.Repeat("x", 300),
		Pos:     point{1, 2, 3},
		Prev:    &point{4, 5, 6},
		Owner:   Ref{PID: 2, UID: 99},
		Grid:    [4]int16{-1, 0, 1, 2},
		NTags:   3,
		Tags:    []uint16{10, 20, 30},
		Weights: []float64{0.5, 1.5},
		Corners: [2]point{{1, 1, 1}, {2, 2, 2}},
		Labels:  map[string]int32{"b": 2, "a": 1},
		Ok:      true,
		Scratch: []byte("dropped"),
	}
	out := roundTrip(t, r, in)
	in.Scratch = nil
	assert.Equal(t, in, out)
}

func TestRoundTripEmpty(t *testing.T) {
	r := NewRegistry(Options{})
	out := roundTrip(t, r, hit{})
	assert.Equal(t, hit{}, out)
}

func TestRoundTripNonStruct(t *testing.T) {
	r := NewRegistry(Options{})
	assert.Equal(t, []float64{1, 2, 3}, roundTrip(t, r, []float64{1, 2, 3}))
	assert.Equal(t, int16(-9), roundTrip(t, r, int16(-9)))
	assert.Equal(t, "hello", roundTrip(t, r, "hello"))
	assert.Equal(t, map[int32][]string{1: {"a"}, 2: {"b", "c"}},
		roundTrip(t, r, map[int32][]string{1: {"a"}, 2: {"b", "c"}}))
}

type node struct {
	Value int32
	Next  *node
}

func TestRecursiveType(t *testing.T) {
	r := NewRegistry(Options{})
	in := node{1, &node{2, &node{3, nil}}}
	out := roundTrip(t, r, in)
	require.NotNil(t, out.Next)
	require.NotNil(t, out.Next.Next)
	assert.Equal(t, int32(3), out.Next.Next.Value)
	assert.Nil(t, out.Next.Next.Next)
}

func TestRunsAreMerged(t *testing.T) {
	r := NewRegistry(Options{})
	c, _, err := r.writeCodec(reflect.TypeFor[point]())
	require.NoError(t, err)
	require.Len(t, c.ops, 1)
	assert.Equal(t, opRun, c.ops[0].kind)
	assert.Equal(t, 3, c.ops[0].n)

	c, _, err = r.writeCodec(reflect.TypeFor[hit]())
	require.NoError(t, err)
	for _, o := range c.ops {
		if o.name == "NTags" {
			assert.Equal(t, opScalar, o.kind, "counters stay separate")
			assert.True(t, o.counter)
		}
	}
}

func TestCounterRetagged(t *testing.T) {
	r := NewRegistry(Options{})
	td, err := r.Build(reflect.TypeFor[hit]())
	require.NoError(t, err)
	f, ok := td.Field("NTags")
	require.True(t, ok)
	assert.Equal(t, WireCounter, f.Wire)
	f, ok = td.Field("tags")
	require.True(t, ok)
	assert.Equal(t, WireOffsetP+WireUShort, f.Wire)
	assert.Equal(t, "NTags", f.Counter)
	_, ok = td.Field("Scratch")
	assert.False(t, ok)
}

func TestCountedShorterThanCounter(t *testing.T) {
	r := NewRegistry(Options{})
	var b Buffer
	_, err := r.Encode(&b, hit{NTags: 5, Tags: []uint16{1}})
	assert.ErrorIs(t, err, ErrSchema)
}

type badCounter struct {
	Tags []int32 `quire:",count=N"`
	N    int32
}

func TestCounterMustComeFirst(t *testing.T) {
	r := NewRegistry(Options{})
	td, err := r.Build(reflect.TypeFor[badCounter]())
	require.NoError(t, err)
	require.Len(t, td.Fields, 1)
	assert.Equal(t, "N", td.Fields[0].Name)
	assert.Equal(t, WireInt, td.Fields[0].Wire)
}

type unsupported struct {
	A  int32
	Ch chan int
	F  func()
	C  complex128
	B  float64
}

func TestUnsupportedFieldsSkipped(t *testing.T) {
	r := NewRegistry(Options{})
	td, err := r.Build(reflect.TypeFor[unsupported]())
	require.NoError(t, err)
	require.Len(t, td.Fields, 2)
	assert.Equal(t, "A", td.Fields[0].Name)
	assert.Equal(t, "B", td.Fields[1].Name)
	out := roundTrip(t, r, unsupported{A: 1, B: 2, C: 3})
	assert.Equal(t, int32(1), out.A)
	assert.Equal(t, 2.0, out.B)
	assert.Zero(t, out.C)
}

func TestDecodeUnknownVersion(t *testing.T) {
	r := NewRegistry(Options{})
	var out point
	err := r.Decode(NewBuffer(nil), &out, "nope", 3)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestDecodeShortBuffer(t *testing.T) {
	r := NewRegistry(Options{})
	var b Buffer
	td, err := r.Encode(&b, hit{Name: "abc", NTags: 1, Tags: []uint16{1}})
	require.NoError(t, err)
	data := b.Bytes()
	var out hit
	err = r.Decode(NewBuffer(data[:len(data)/2]), &out, td.Name, td.Version)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShortBuffer) || errors.Is(err, ErrSchema))
}

func TestDecodeNeedsPointer(t *testing.T) {
	r := NewRegistry(Options{})
	assert.ErrorIs(t, r.Decode(NewBuffer(nil), point{}, "x", 1), ErrSchema)
}
