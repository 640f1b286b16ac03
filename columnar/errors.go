// Package columnar stores records column by column in compressed Blocks
// inside a quire container.
//
// A Store is a named set of Columns. Each Column encodes its values with
// the container's type registry into an open Block; when the Block would
// outgrow its target size it is compressed and written as a Key named
// "<store>/<column>/<n>", and its starting record index is added to the
// Column's block index. Reads binary-search that index and keep a bounded
// working set of decompressed Blocks.
//
// A Store is not safe for concurrent use. It follows the container's
// single-writer model.
package columnar

import "errors"

var (
	ErrBlockCorrupt = errors.New("block corrupt")
	ErrOutOfRange   = errors.New("record index out of range")
	ErrColumnExists = errors.New("column already defined")
	ErrNoColumn     = errors.New("no such column")
	ErrStoreExists  = errors.New("store already exists")
	ErrNoStore      = errors.New("no such store")
	ErrTypeMismatch = errors.New("value type does not match column")
	ErrClosed       = errors.New("store closed")
)
