// Package streamer turns Go values into self-describing byte streams.
//
// A TypeDescriptor records, for one version of one type, the ordered list
// of fields and the wire encoding of each. Descriptors are kept in a
// Registry that a container persists next to the data, so a stream can be
// read back after the Go type has changed: fields are matched by name,
// scalars are converted by fixed rules, and anything that no longer fits
// is skipped without losing the rest of the record.
package streamer

import (
	"errors"
	"fmt"
)

// Sentinel errors. ErrShortBuffer wraps ErrSchema.
var (
	ErrSchema      = errors.New("schema error")
	ErrShortBuffer = fmt.Errorf("%w: buffer too short", ErrSchema)
	ErrUnknownType = fmt.Errorf("%w: unknown type version", ErrSchema)
)
