// Payload compression.
//
// A compression setting packs an algorithm and a level as
// algorithm*100 + level, the same convention used in the file header.
// Setting 0 stores payloads raw. Small payloads and payloads that do not
// shrink are always stored raw; the key records the setting actually
// used so readers never guess.
package quire

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression algorithms.
const (
	ZLIB = 1
	LZ4  = 4
	ZSTD = 5
	S2   = 6
)

const (
	// DefaultCompression is zstd at its fastest level.
	DefaultCompression = ZSTD*100 + 1

	// Uncompressed disables compression in Config. It is stored as 0.
	Uncompressed = -1

	// MinCompressSize is the smallest payload worth compressing. Below
	// it the codec framing usually outweighs any gain.
	MinCompressSize = 256
)

// zstd encoders are expensive to build, so one is kept per level. Both
// encoder and decoder are safe for concurrent use with EncodeAll and
// DecodeAll.
var (
	zstdEncoders sync.Map // zstd.EncoderLevel -> *zstd.Encoder
	zstdDecoder, _ = zstd.NewReader(nil)
)

func zstdEncoder(level int) (*zstd.Encoder, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	if enc, ok := zstdEncoders.Load(lvl); ok {
		return enc.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, err
	}
	actual, _ := zstdEncoders.LoadOrStore(lvl, enc)
	return actual.(*zstd.Encoder), nil
}

// validCompression reports whether setting names a known algorithm.
func validCompression(setting int) bool {
	if setting == 0 {
		return true
	}
	switch setting / 100 {
	case ZLIB, LZ4, ZSTD, S2:
		return setting%100 >= 0
	}
	return false
}

// Compress encodes data under setting. It returns the bytes to store and
// the setting that produced them: 0 when data was left raw because it is
// too small, the setting is 0, or compression did not help.
func Compress(setting int, data []byte) ([]byte, int, error) {
	if setting <= 0 || len(data) < MinCompressSize {
		return data, 0, nil
	}
	out, err := encode(setting, data)
	if err != nil {
		return nil, 0, err
	}
	if out == nil || len(out) >= len(data) {
		return data, 0, nil
	}
	return out, setting, nil
}

func encode(setting int, data []byte) ([]byte, error) {
	level := setting % 100
	switch setting / 100 {
	case ZLIB:
		if level < 1 || level > 9 {
			level = zlib.DefaultCompression
		}
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case LZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		var n int
		var err error
		if level <= 1 {
			n, err = lz4.CompressBlock(data, dst, nil)
		} else {
			n, err = lz4.CompressBlockHC(data, dst, lz4.CompressionLevel(1<<(7+min(level, 9))), nil, nil)
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil // incompressible
		}
		return dst[:n], nil
	case ZSTD:
		enc, err := zstdEncoder(max(level, 1))
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil
	case S2:
		switch {
		case level >= 9:
			return s2.EncodeBest(nil, data), nil
		case level >= 5:
			return s2.EncodeBetter(nil, data), nil
		default:
			return s2.Encode(nil, data), nil
		}
	}
	return nil, fmt.Errorf("compress: %w: unknown compression setting %d", ErrFormat, setting)
}

// Decompress reverses Compress. objlen is the uncompressed length
// recorded in the key; a mismatch is reported as corruption.
func Decompress(setting int, data []byte, objlen int) ([]byte, error) {
	if setting == 0 {
		if len(data) != objlen {
			return nil, corrupt("decompress", "raw length %d, want %d", len(data), objlen)
		}
		return data, nil
	}
	var out []byte
	var err error
	switch setting / 100 {
	case ZLIB:
		var r io.ReadCloser
		r, err = zlib.NewReader(bytes.NewReader(data))
		if err == nil {
			out = make([]byte, 0, objlen)
			buf := bytes.NewBuffer(out)
			_, err = io.Copy(buf, r)
			r.Close()
			out = buf.Bytes()
		}
	case LZ4:
		out = make([]byte, objlen)
		var n int
		n, err = lz4.UncompressBlock(data, out)
		out = out[:max(n, 0)]
	case ZSTD:
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, objlen))
	case S2:
		out, err = s2.Decode(make([]byte, objlen), data)
	default:
		return nil, fmt.Errorf("decompress: %w: unknown compression setting %d", ErrFormat, setting)
	}
	if err != nil {
		return nil, fmt.Errorf("decompress: %w: %w", ErrCorrupt, err)
	}
	if len(out) != objlen {
		return nil, corrupt("decompress", "inflated to %d bytes, want %d", len(out), objlen)
	}
	return out, nil
}
