// Per-column statistics.
package columnar

import (
	"math"
	"reflect"
)

// Stats are the running totals of one Column.
type Stats struct {
	Entries  int64   `json:"entries"`
	TotBytes int64   `json:"tot_bytes"` // uncompressed payload of flushed Blocks
	ZipBytes int64   `json:"zip_bytes"` // stored payload of flushed Blocks
	Blocks   int     `json:"blocks"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	HasRange bool    `json:"has_range"` // Min and Max are set
}

// CompressionFactor is TotBytes over ZipBytes, 1 when nothing is flushed.
func (s Stats) CompressionFactor() float64 {
	if s.ZipBytes == 0 {
		return 1
	}
	return float64(s.TotBytes) / float64(s.ZipBytes)
}

func (s *Stats) observe(v float64) {
	if math.IsNaN(v) {
		return
	}
	if !s.HasRange {
		s.Min, s.Max, s.HasRange = v, v, true
		return
	}
	s.Min = min(s.Min, v)
	s.Max = max(s.Max, v)
}

// mergeRange widens the range of s by that of o.
func (s *Stats) mergeRange(o Stats) {
	if o.HasRange {
		s.observe(o.Min)
		s.observe(o.Max)
	}
}

// numeric reports whether values of t feed the min/max range.
func numeric(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// number returns the value of a numeric v, dereferencing a pointer.
func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return 0, false
		}
		rv = rv.Elem()
	}
	switch {
	case rv.CanInt():
		return float64(rv.Int()), true
	case rv.CanUint():
		return float64(rv.Uint()), true
	case rv.CanFloat():
		return rv.Float(), true
	}
	return 0, false
}
