// Checksum algorithms for key payloads.
//
// Every key record carries a 64-bit checksum of its stored bytes. The
// algorithm is chosen once per container (Config.Checksum) and recorded
// in the header so readers verify with the same function. Header
// checksums, both for the file header and for each key header, always
// use the low 32 bits of xxHash3.
package quire

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Checksum algorithm constants.
const (
	AlgXXHash3 = 1 // Default, fastest
	AlgBlake2b = 2 // Cryptographic strength
	AlgFNV1a   = 3 // No external dependencies
)

// checksum returns the payload checksum of data under alg. Unknown
// algorithms yield 0, which never matches a stored non-zero sum of a
// non-empty payload and so surfaces as corruption.
func checksum(data []byte, alg uint8) uint64 {
	switch alg {
	case AlgXXHash3:
		return xxh3.Hash(data)
	case AlgBlake2b:
		h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
		h.Write(data)
		return binary.BigEndian.Uint64(h.Sum(nil))
	case AlgFNV1a:
		h := fnv.New64a()
		h.Write(data)
		return h.Sum64()
	default:
		return 0
	}
}

func validAlg(alg uint8) bool {
	return alg == AlgXXHash3 || alg == AlgBlake2b || alg == AlgFNV1a
}

// headerSum is the short checksum protecting fixed-layout headers.
func headerSum(b []byte) uint32 {
	return uint32(xxh3.Hash(b))
}
