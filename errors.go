// Package quire provides a binary object-persistence container. A
// container is a single file holding named, cycled payloads ("keys")
// together with the bookkeeping needed to find and reclaim them.
//
// The file starts with a fixed 100 byte header. Everything after it is a
// sequence of key records and free gaps. A gap begins with a negative
// length so that a sequential scan can step over it. The directory of
// live keys and the list of free segments are themselves stored as key
// records with reserved class names and are located through the header.
// They are rewritten on Flush and Close; between the two the header is
// marked dirty so that an interrupted session is detected and the file
// rebuilt by Recover on the next Open.
//
// Payloads are compressed per key and checksummed. Type descriptors used
// by the streamer package are persisted in the same file, so a container
// is self-describing.
package quire

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling. ErrCorrupt wraps ErrFormat,
// so errors.Is(err, ErrFormat) matches both a foreign file and a damaged
// one while errors.Is(err, ErrCorrupt) singles out the latter.
var (
	ErrIO              = errors.New("storage i/o failure")
	ErrFormat          = errors.New("not a quire container")
	ErrCorrupt         = fmt.Errorf("%w: truncated or corrupt", ErrFormat)
	ErrNotFound        = errors.New("key not found")
	ErrExists          = errors.New("key cycle already exists")
	ErrClosed          = errors.New("container is closed")
	ErrReadOnly        = errors.New("container is read-only")
	ErrInvalidName     = errors.New("key name must be 1 to 255 bytes")
	ErrInvalidCycle    = errors.New("invalid key cycle")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// ioError tags a storage failure with ErrIO while keeping the os error
// reachable for errors.Is(err, fs.ErrNotExist) style checks.
func ioError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// corrupt reports a structural problem found while decoding on-disk data.
func corrupt(op string, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrCorrupt, fmt.Sprintf(format, args...))
}

// foreign reports data that is not a quire container at all.
func foreign(op string, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrFormat, fmt.Sprintf(format, args...))
}
