// Wire type tags.
package streamer

import "fmt"

// WireType tags the encoding of one field.
type WireType int32

// Scalar wire types. Fixed arrays of a scalar are WireOffsetL plus the
// scalar tag, counted arrays WireOffsetP plus the scalar tag.
const (
	WireBase    WireType = 0
	WireChar    WireType = 1
	WireShort   WireType = 2
	WireInt     WireType = 3
	WireLong    WireType = 4
	WireFloat   WireType = 5
	WireCounter WireType = 6
	WireDouble  WireType = 8
	WireUChar   WireType = 11
	WireUShort  WireType = 12
	WireUInt    WireType = 13
	WireULong   WireType = 14
	WireBool    WireType = 18

	WireOffsetL WireType = 20
	WireOffsetP WireType = 40

	WireObject  WireType = 61
	WireObjectP WireType = 64
	WireString  WireType = 65
	WireRef     WireType = 68
	WireSlice   WireType = 300
	WireMap     WireType = 301
	WireCustom  WireType = 500
	WireMissing WireType = 99999
)

var wireNames = map[WireType]string{
	WireChar: "char", WireShort: "short", WireInt: "int", WireLong: "long",
	WireFloat: "float", WireCounter: "counter", WireDouble: "double",
	WireUChar: "uchar", WireUShort: "ushort", WireUInt: "uint", WireULong: "ulong",
	WireBool: "bool", WireObject: "object", WireObjectP: "object*",
	WireString: "string", WireRef: "ref", WireSlice: "slice", WireMap: "map",
	WireCustom: "custom", WireMissing: "missing",
}

func (w WireType) String() string {
	if s, ok := wireNames[w]; ok {
		return s
	}
	if w.IsArray() {
		return fmt.Sprintf("%s[]", w.Scalar())
	}
	if w.IsCounted() {
		return fmt.Sprintf("%s*", w.Scalar())
	}
	return fmt.Sprintf("WireType(%d)", int32(w))
}

// IsScalar reports whether w is a single fixed-size number or bool.
func (w WireType) IsScalar() bool {
	_, ok := wireScalars[w]
	return ok
}

// IsArray reports whether w is a fixed-length scalar array.
func (w WireType) IsArray() bool {
	return w > WireOffsetL && w < WireOffsetP && (w-WireOffsetL).IsScalar()
}

// IsCounted reports whether w is a scalar array whose length is held by a
// counter field.
func (w WireType) IsCounted() bool {
	return w > WireOffsetP && w < WireOffsetP+20 && (w-WireOffsetP).IsScalar()
}

// Scalar returns the element type of an array wire type, or w itself.
func (w WireType) Scalar() WireType {
	switch {
	case w.IsArray():
		return w - WireOffsetL
	case w.IsCounted():
		return w - WireOffsetP
	}
	return w
}

// hasCount reports whether the encoding starts with a byte count that
// lets a reader step over it without knowing its layout.
func (w WireType) hasCount() bool {
	switch w {
	case WireObject, WireSlice, WireMap, WireCustom:
		return true
	}
	return false
}
