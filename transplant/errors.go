// Package transplant copies whole Blocks from one columnar Store to
// another without decoding their records.
//
// A Transplanter checks up front that every destination Column has a
// source Column of the same shape, then runs six phases exactly once:
// reconcile types, reconcile references, close partial destination
// Blocks, collect source Blocks, sort them, and copy them. Blocks are
// copied as stored, compressed bytes and all; they are decompressed only
// when references inside them must be renumbered.
package transplant

import "errors"

var (
	ErrStructuralMismatch = errors.New("columns differ in structure")
	ErrReferenceCollision = errors.New("process id already present in destination")
	ErrPhase              = errors.New("transplant phase already run")
)
