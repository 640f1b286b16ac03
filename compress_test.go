package quire

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"
)

func compressible(n int) []byte {
	var buf bytes.Buffer
	for i := 0; buf.Len() < n; i++ {
		fmt.Fprintf(&buf, "record %d value %d;", i%50, i%7)
	}
	return buf.Bytes()[:n]
}

var settings = []struct {
	name    string
	setting int
}{
	{"zlib", ZLIB*100 + 6},
	{"lz4", LZ4*100 + 1},
	{"lz4hc", LZ4*100 + 9},
	{"zstd", ZSTD*100 + 1},
	{"zstd-better", ZSTD*100 + 7},
	{"s2", S2*100 + 1},
	{"s2-better", S2*100 + 5},
	{"s2-best", S2*100 + 9},
}

func TestCompressRoundTrip(t *testing.T) {
	data := compressible(8192)
	for _, tt := range settings {
		t.Run(tt.name, func(t *testing.T) {
			out, used, err := Compress(tt.setting, data)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if used != tt.setting || len(out) >= len(data) {
				t.Fatalf("setting %d, %d -> %d bytes", used, len(data), len(out))
			}
			back, err := Decompress(used, out, len(data))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(back, data) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestCompressLeavesRaw(t *testing.T) {
	small := compressible(MinCompressSize - 1)
	if out, used, _ := Compress(DefaultCompression, small); used != 0 || !bytes.Equal(out, small) {
		t.Errorf("small payload compressed with %d", used)
	}
	data := compressible(1024)
	if _, used, _ := Compress(0, data); used != 0 {
		t.Errorf("setting 0 compressed with %d", used)
	}

	noise := make([]byte, 4096)
	rng := rand.New(rand.NewPCG(3, 4))
	for i := range noise {
		noise[i] = byte(rng.Uint32())
	}
	for _, tt := range settings {
		out, used, err := Compress(tt.setting, noise)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if used != 0 || len(out) != len(noise) {
			t.Errorf("%s: incompressible data stored with setting %d", tt.name, used)
		}
	}
}

func TestDecompressErrors(t *testing.T) {
	if _, err := Decompress(0, []byte("abc"), 4); !errors.Is(err, ErrCorrupt) {
		t.Errorf("raw length mismatch: %v", err)
	}
	if _, err := Decompress(9901, []byte("abc"), 3); !errors.Is(err, ErrFormat) {
		t.Errorf("unknown setting: %v", err)
	}

	data := compressible(4096)
	for _, tt := range settings {
		out, used, _ := Compress(tt.setting, data)
		if _, err := Decompress(used, out, len(data)+1); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: wrong objlen: %v", tt.name, err)
		}
		bad := bytes.Clone(out[:len(out)/2])
		if _, err := Decompress(used, bad, len(data)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("%s: truncated stream: %v", tt.name, err)
		}
	}
}

func TestFileCompressionSetting(t *testing.T) {
	data := compressible(4096)
	for _, tt := range settings {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Open(filepath.Join(t.TempDir(), "c.quire"), ModeCreate, Config{Compression: tt.setting})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			k, err := f.WriteKey("data", "Blob", 0, data, true)
			if err != nil {
				t.Fatalf("WriteKey: %v", err)
			}
			if int(k.Compression) != tt.setting {
				t.Errorf("key compression = %d", k.Compression)
			}
			f = reopen(t, f, ModeRead)
			if int(f.Header().Compression) != tt.setting {
				t.Errorf("header compression = %d", f.Header().Compression)
			}
			got, err := f.ReadKey("data", 0)
			if err != nil || !bytes.Equal(got, data) {
				t.Errorf("ReadKey: %v", err)
			}
		})
	}
}

func TestUncompressedFile(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "u.quire"), ModeCreate, Config{Compression: Uncompressed})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close(nil)
	if f.Header().Compression != 0 {
		t.Errorf("header compression = %d, want 0", f.Header().Compression)
	}
	k, _ := f.WriteKey("data", "Blob", 0, compressible(4096), true)
	if k.Compression != 0 || k.Len != k.Objlen {
		t.Errorf("key stored with compression %d", k.Compression)
	}
}

func TestChecksumAlgorithms(t *testing.T) {
	for _, alg := range []uint8{AlgXXHash3, AlgBlake2b, AlgFNV1a} {
		t.Run(fmt.Sprint(alg), func(t *testing.T) {
			f, err := Open(filepath.Join(t.TempDir(), "h.quire"), ModeCreate, Config{Checksum: alg})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			mustWrite(t, f, "a", []byte("checksummed payload"))
			f = reopen(t, f, ModeRead)
			if f.Header().Checksum != alg {
				t.Errorf("header checksum = %d", f.Header().Checksum)
			}
			if _, err := f.ReadKey("a", 0); err != nil {
				t.Errorf("ReadKey: %v", err)
			}
		})
	}
	if checksum([]byte("x"), AlgXXHash3) == checksum([]byte("y"), AlgXXHash3) {
		t.Error("distinct inputs share a checksum")
	}
}
