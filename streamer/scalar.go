// Scalar conversion tables.
//
// Every scalar passes through num, a canonical value that remembers
// whether it came from a signed, unsigned, float or bool source. Two
// tables are built once: wireScalars maps a wire tag to its size and
// big-endian codec, memKinds maps a reflect.Kind to its in-memory load
// and store. Converting between any pair is a load followed by a store,
// and the store applies the conversion rules below.
//
//	integer to narrower integer   keep the low bits (two's complement)
//	signed to/from unsigned       reinterpret the bits
//	integer to float              round to nearest, ties to even
//	float64 to float32            round to nearest, ties to even
//	float to integer              truncate toward zero, NaN is 0,
//	                              out of range saturates at the bounds
//	bool to number                0 or 1
//	number to bool                value != 0
package streamer

import (
	"encoding/binary"
	"math"
	"reflect"
	"unsafe"
)

type numClass uint8

const (
	classSigned numClass = iota
	classUnsigned
	classFloat
	classBool
)

// num is a scalar in transit between wire and memory.
type num struct {
	i int64
	u uint64
	f float64
	c numClass
}

func signedNum(v int64) num    { return num{i: v, c: classSigned} }
func unsignedNum(v uint64) num { return num{u: v, c: classUnsigned} }
func floatNum(v float64) num   { return num{f: v, c: classFloat} }

func boolNum(v bool) num {
	if v {
		return num{u: 1, c: classBool}
	}
	return num{c: classBool}
}

// toInt converts n to a signed integer of the given width.
func (n num) toInt(bits uint) int64 {
	var v int64
	switch n.c {
	case classSigned:
		v = n.i
	case classUnsigned, classBool:
		v = int64(n.u)
	case classFloat:
		return saturateInt(n.f, bits)
	}
	shift := 64 - bits
	return v << shift >> shift
}

// toUint converts n to an unsigned integer of the given width.
func (n num) toUint(bits uint) uint64 {
	var v uint64
	switch n.c {
	case classSigned:
		v = uint64(n.i)
	case classUnsigned, classBool:
		v = n.u
	case classFloat:
		return saturateUint(n.f, bits)
	}
	if bits < 64 {
		v &= 1<<bits - 1
	}
	return v
}

func (n num) toFloat64() float64 {
	switch n.c {
	case classSigned:
		return float64(n.i)
	case classUnsigned, classBool:
		return float64(n.u)
	}
	return n.f
}

// toFloat32 converts directly from the source so integers are rounded
// once, not via float64.
func (n num) toFloat32() float32 {
	switch n.c {
	case classSigned:
		return float32(n.i)
	case classUnsigned, classBool:
		return float32(n.u)
	}
	return float32(n.f)
}

func (n num) toBool() bool {
	switch n.c {
	case classSigned:
		return n.i != 0
	case classFloat:
		return n.f != 0
	}
	return n.u != 0
}

func saturateInt(f float64, bits uint) int64 {
	bound := math.Ldexp(1, int(bits-1)) // 2^(bits-1), exact
	switch {
	case math.IsNaN(f):
		return 0
	case f >= bound:
		return math.MaxInt64 >> (64 - bits)
	case f < -bound:
		return math.MinInt64 >> (64 - bits)
	}
	return int64(f)
}

func saturateUint(f float64, bits uint) uint64 {
	bound := math.Ldexp(1, int(bits)) // 2^bits, exact
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= bound:
		return math.MaxUint64 >> (64 - bits)
	}
	return uint64(f)
}

// wireScalar is the encoding of one scalar wire type.
type wireScalar struct {
	size  int
	class numClass
	put   func(b []byte, n num)
	get   func(b []byte) num
}

var be = binary.BigEndian

var wireScalars = map[WireType]*wireScalar{
	WireChar: {1, classSigned,
		func(b []byte, n num) { b[0] = byte(n.toInt(8)) },
		func(b []byte) num { return signedNum(int64(int8(b[0]))) }},
	WireShort: {2, classSigned,
		func(b []byte, n num) { be.PutUint16(b, uint16(n.toInt(16))) },
		func(b []byte) num { return signedNum(int64(int16(be.Uint16(b)))) }},
	WireInt: {4, classSigned,
		func(b []byte, n num) { be.PutUint32(b, uint32(n.toInt(32))) },
		func(b []byte) num { return signedNum(int64(int32(be.Uint32(b)))) }},
	WireCounter: {4, classSigned,
		func(b []byte, n num) { be.PutUint32(b, uint32(n.toInt(32))) },
		func(b []byte) num { return signedNum(int64(int32(be.Uint32(b)))) }},
	WireLong: {8, classSigned,
		func(b []byte, n num) { be.PutUint64(b, uint64(n.toInt(64))) },
		func(b []byte) num { return signedNum(int64(be.Uint64(b))) }},
	WireUChar: {1, classUnsigned,
		func(b []byte, n num) { b[0] = byte(n.toUint(8)) },
		func(b []byte) num { return unsignedNum(uint64(b[0])) }},
	WireUShort: {2, classUnsigned,
		func(b []byte, n num) { be.PutUint16(b, uint16(n.toUint(16))) },
		func(b []byte) num { return unsignedNum(uint64(be.Uint16(b))) }},
	WireUInt: {4, classUnsigned,
		func(b []byte, n num) { be.PutUint32(b, uint32(n.toUint(32))) },
		func(b []byte) num { return unsignedNum(uint64(be.Uint32(b))) }},
	WireULong: {8, classUnsigned,
		func(b []byte, n num) { be.PutUint64(b, n.toUint(64)) },
		func(b []byte) num { return unsignedNum(be.Uint64(b)) }},
	WireFloat: {4, classFloat,
		func(b []byte, n num) { be.PutUint32(b, math.Float32bits(n.toFloat32())) },
		func(b []byte) num { return floatNum(float64(math.Float32frombits(be.Uint32(b)))) }},
	WireDouble: {8, classFloat,
		func(b []byte, n num) { be.PutUint64(b, math.Float64bits(n.toFloat64())) },
		func(b []byte) num { return floatNum(math.Float64frombits(be.Uint64(b))) }},
	WireBool: {1, classBool,
		func(b []byte, n num) {
			b[0] = 0
			if n.toBool() {
				b[0] = 1
			}
		},
		func(b []byte) num { return boolNum(b[0] != 0) }},
}

// memKind loads and stores one in-memory scalar kind.
type memKind struct {
	size  uintptr
	class numClass
	wire  WireType // natural wire type
	load  func(p unsafe.Pointer) num
	store func(p unsafe.Pointer, n num)
}

func signedKind[T ~int8 | ~int16 | ~int32 | ~int64 | ~int](wire WireType) *memKind {
	size := unsafe.Sizeof(T(0))
	bits := uint(size * 8)
	return &memKind{
		size:  size,
		class: classSigned,
		wire:  wire,
		load:  func(p unsafe.Pointer) num { return signedNum(int64(*(*T)(p))) },
		store: func(p unsafe.Pointer, n num) { *(*T)(p) = T(n.toInt(bits)) },
	}
}

func unsignedKind[T ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint](wire WireType) *memKind {
	size := unsafe.Sizeof(T(0))
	bits := uint(size * 8)
	return &memKind{
		size:  size,
		class: classUnsigned,
		wire:  wire,
		load:  func(p unsafe.Pointer) num { return unsignedNum(uint64(*(*T)(p))) },
		store: func(p unsafe.Pointer, n num) { *(*T)(p) = T(n.toUint(bits)) },
	}
}

// intWire is the natural wire type of int and uint: always 64-bit on the
// wire so streams do not depend on the writer's platform.
const intWire, uintWire = WireLong, WireULong

var memKinds = map[reflect.Kind]*memKind{
	reflect.Int8:   signedKind[int8](WireChar),
	reflect.Int16:  signedKind[int16](WireShort),
	reflect.Int32:  signedKind[int32](WireInt),
	reflect.Int64:  signedKind[int64](WireLong),
	reflect.Int:    signedKind[int](intWire),
	reflect.Uint8:  unsignedKind[uint8](WireUChar),
	reflect.Uint16: unsignedKind[uint16](WireUShort),
	reflect.Uint32: unsignedKind[uint32](WireUInt),
	reflect.Uint64: unsignedKind[uint64](WireULong),
	reflect.Uint:   unsignedKind[uint](uintWire),
	reflect.Float32: {
		size:  4,
		class: classFloat,
		wire:  WireFloat,
		load:  func(p unsafe.Pointer) num { return floatNum(float64(*(*float32)(p))) },
		store: func(p unsafe.Pointer, n num) { *(*float32)(p) = n.toFloat32() },
	},
	reflect.Float64: {
		size:  8,
		class: classFloat,
		wire:  WireDouble,
		load:  func(p unsafe.Pointer) num { return floatNum(*(*float64)(p)) },
		store: func(p unsafe.Pointer, n num) { *(*float64)(p) = n.toFloat64() },
	},
	reflect.Bool: {
		size:  1,
		class: classBool,
		wire:  WireBool,
		load:  func(p unsafe.Pointer) num { return boolNum(*(*bool)(p)) },
		store: func(p unsafe.Pointer, n num) { *(*bool)(p) = n.toBool() },
	},
}

// natural reports whether values of mem travel as wire without any
// conversion, which allows raw batched copies.
func natural(mem *memKind, wire WireType) bool {
	ws := wireScalars[wire]
	if ws == nil || mem.class == classBool || uintptr(ws.size) != mem.size || ws.class != mem.class {
		return false
	}
	return mem.wire == wire || (wire == WireCounter && mem.wire == WireInt)
}

// putN writes n naturally encoded elements of size bytes from src.
func putN(dst []byte, src unsafe.Pointer, size, n int) {
	switch size {
	case 1:
		copy(dst, unsafe.Slice((*byte)(src), n))
	case 2:
		for i, v := range unsafe.Slice((*uint16)(src), n) {
			be.PutUint16(dst[2*i:], v)
		}
	case 4:
		for i, v := range unsafe.Slice((*uint32)(src), n) {
			be.PutUint32(dst[4*i:], v)
		}
	case 8:
		for i, v := range unsafe.Slice((*uint64)(src), n) {
			be.PutUint64(dst[8*i:], v)
		}
	}
}

// getN is the inverse of putN.
func getN(dst unsafe.Pointer, src []byte, size, n int) {
	switch size {
	case 1:
		copy(unsafe.Slice((*byte)(dst), n), src)
	case 2:
		out := unsafe.Slice((*uint16)(dst), n)
		for i := range out {
			out[i] = be.Uint16(src[2*i:])
		}
	case 4:
		out := unsafe.Slice((*uint32)(dst), n)
		for i := range out {
			out[i] = be.Uint32(src[4*i:])
		}
	case 8:
		out := unsafe.Slice((*uint64)(dst), n)
		for i := range out {
			out[i] = be.Uint64(src[8*i:])
		}
	}
}

// scalarWire returns the natural wire type for a Go kind, if any.
func scalarWire(k reflect.Kind) (WireType, bool) {
	m, ok := memKinds[k]
	if !ok {
		return 0, false
	}
	return m.wire, true
}
