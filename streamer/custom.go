// Custom streaming hooks.
//
// A type can bypass the generated codec entirely. Register a Custom for
// it with Registry.SetCustom, or implement encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler (on the pointer). On the wire a custom value
// is framed by a byte count and the type's version, so readers that lack
// the hook can still step over it.
package streamer

import (
	"encoding"
	"fmt"
	"reflect"
)

// Custom encodes and decodes values of one type. v is addressable.
type Custom interface {
	WriteStream(b *Buffer, v reflect.Value) error
	// ReadStream receives a Buffer holding exactly the bytes written by
	// WriteStream under the given version.
	ReadStream(b *Buffer, v reflect.Value, version int16) error
}

var (
	binaryMarshalerType   = reflect.TypeFor[encoding.BinaryMarshaler]()
	binaryUnmarshalerType = reflect.TypeFor[encoding.BinaryUnmarshaler]()
)

// binaryCustom adapts the encoding.Binary(Un)Marshaler pair.
type binaryCustom struct{}

func (binaryCustom) WriteStream(b *Buffer, v reflect.Value) error {
	data, err := v.Addr().Interface().(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", v.Type(), err)
	}
	b.Write(data)
	return nil
}

func (binaryCustom) ReadStream(b *Buffer, v reflect.Value, _ int16) error {
	data, err := b.Next(b.Remaining())
	if err != nil {
		return err
	}
	if err := v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(data); err != nil {
		return fmt.Errorf("unmarshal %s: %w", v.Type(), err)
	}
	return nil
}

func implementsBinary(t reflect.Type) bool {
	p := reflect.PointerTo(t)
	return p.Implements(binaryMarshalerType) && p.Implements(binaryUnmarshalerType)
}

// SetCustom installs a hook for t, which replaces the generated codec
// for t everywhere it appears. Call it before t is first used.
func (r *Registry) SetCustom(t reflect.Type, c Custom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customs[t] = c
}

func (r *Registry) customFor(t reflect.Type) Custom {
	r.mu.RLock()
	c := r.customs[t]
	r.mu.RUnlock()
	if c != nil {
		return c
	}
	if implementsBinary(t) {
		return binaryCustom{}
	}
	return nil
}
