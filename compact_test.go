package quire

import (
	"bytes"
	"errors"
	"os"
	"testing"
)

func TestCompact(t *testing.T) {
	f := openTestFile(t)
	for i := range 10 {
		mustWrite(t, f, string(rune('a'+i)), bytes.Repeat([]byte{byte(i)}, 200))
	}
	for _, name := range []string{"b", "e", "f"} {
		f.DeleteKey(name, 0)
	}
	f.Flush()
	before := f.Stats()
	if before.FreeBytes == 0 {
		t.Fatal("nothing to reclaim")
	}

	if err := f.Compact(nil); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	after := f.Stats()
	if after.FreeBytes != 0 || after.FreeSegments != 0 {
		t.Errorf("free after compact = %d bytes in %d segments", after.FreeBytes, after.FreeSegments)
	}
	if after.End >= before.End {
		t.Errorf("end %d -> %d", before.End, after.End)
	}
	if after.Keys != before.Keys {
		t.Errorf("keys %d -> %d", before.Keys, after.Keys)
	}
	checkStats(t, f)

	if _, err := os.Stat(f.Path() + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temporary file left behind: %v", err)
	}

	// The handle keeps working after the swap.
	mustWrite(t, f, "new", []byte("post-compact"))
	f = reopen(t, f, ModeRead)
	for _, name := range []string{"a", "c", "j", "new"} {
		if _, err := f.ReadKey(name, 0); err != nil {
			t.Errorf("ReadKey(%q): %v", name, err)
		}
	}
	checkStats(t, f)
}

func TestCompactPurgeCycles(t *testing.T) {
	f := openTestFile(t)
	for i := range 4 {
		mustWrite(t, f, "doc", []byte{byte(i)})
	}
	mustWrite(t, f, "other", []byte("x"))
	if err := f.Compact(&CompactOptions{PurgeCycles: true}); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got := f.Cycles("doc"); len(got) != 1 || got[0] != 4 {
		t.Errorf("cycles after purge = %v", got)
	}
	data, _ := f.ReadKey("doc", 0)
	if data[0] != 3 {
		t.Errorf("kept payload = %v", data)
	}
	if _, err := f.ReadKey("other", 0); err != nil {
		t.Errorf("ReadKey(other): %v", err)
	}
}

func TestCompactStaleTemp(t *testing.T) {
	f := openTestFile(t)
	mustWrite(t, f, "a", []byte("x"))
	if err := os.WriteFile(f.Path()+".tmp", []byte("left over from a crash"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.Compact(nil); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if _, err := f.ReadKey("a", 0); err != nil {
		t.Errorf("ReadKey: %v", err)
	}
}

func TestCompactReadOnly(t *testing.T) {
	f := openTestFile(t)
	f = reopen(t, f, ModeRead)
	if err := f.Compact(nil); !errors.Is(err, ErrReadOnly) {
		t.Errorf("err = %v, want ErrReadOnly", err)
	}
}
