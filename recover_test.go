package quire

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
)

// crash drops the handle without writing the directory, free list or a
// clean header, as a killed process would.
func crash(f *File) {
	f.lock.Unlock()
	f.f.Close()
	f.closed = true
}

func patch(t *testing.T, path string, off int64, b []byte) {
	t.Helper()
	osf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer osf.Close()
	if _, err := osf.WriteAt(b, off); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverAfterCrash(t *testing.T) {
	f := openTestFile(t)
	mustWrite(t, f, "kept", []byte("flushed before the crash"))
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, f, "late", []byte("written after the last flush"))
	mustWrite(t, f, "gone", []byte("deleted after the last flush"))
	f.DeleteKey("gone", 0)
	crash(f)

	g, err := Open(f.Path(), ModeUpdate, Config{})
	if err != nil {
		t.Fatalf("Open dirty file: %v", err)
	}
	defer g.Close(nil)
	if g.Header().Dirty {
		t.Error("header still dirty after recovery")
	}
	for _, name := range []string{"kept", "late"} {
		if _, err := g.ReadKey(name, 0); err != nil {
			t.Errorf("ReadKey(%q): %v", name, err)
		}
	}
	if _, err := g.Get("gone", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key came back: %v", err)
	}
	checkStats(t, g)
}

func TestRecoverReadModeKeepsFile(t *testing.T) {
	f := openTestFile(t)
	mustWrite(t, f, "a", []byte("alpha"))
	crash(f)

	g, err := Open(f.Path(), ModeRead, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := g.Get("a", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("read mode saw an unflushed key without Recover: %v", err)
	}
	report, err := g.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.Keys != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, err := g.ReadKey("a", 0); err != nil {
		t.Errorf("ReadKey after in-memory recovery: %v", err)
	}
	g.Close(nil)

	h, err := readHeaderAt(t, f.Path())
	if err != nil || !h.Dirty {
		t.Errorf("read-mode recovery touched the file: dirty=%v err=%v", h != nil && h.Dirty, err)
	}
}

func readHeaderAt(t *testing.T, path string) (*Header, error) {
	t.Helper()
	osf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer osf.Close()
	return readHeader(osf)
}

func TestRecoverTruncatedTail(t *testing.T) {
	f := openTestFile(t)
	mustWrite(t, f, "a", bytes.Repeat([]byte("a"), 100))
	mustWrite(t, f, "b", bytes.Repeat([]byte("b"), 100))
	last := mustWrite(t, f, "c", bytes.Repeat([]byte("c"), 100))
	crash(f)
	if err := os.Truncate(f.Path(), last.Seek+10); err != nil {
		t.Fatal(err)
	}

	g, err := Open(f.Path(), ModeUpdate, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close(nil)
	if g.Stats().Keys != 2 {
		t.Errorf("keys = %d, want 2", g.Stats().Keys)
	}
	if _, err := g.Get("c", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial key recovered: %v", err)
	}

	mustWrite(t, g, "d", []byte("after recovery"))
	if _, err := g.ReadKey("d", 0); err != nil {
		t.Errorf("ReadKey(d): %v", err)
	}
	checkStats(t, g)
}

func TestRecoverIgnoresTrimmedTail(t *testing.T) {
	f := openTestFile(t)
	mustWrite(t, f, "a", []byte("kept"))
	mustWrite(t, f, "b", bytes.Repeat([]byte("b"), 4000))
	c := mustWrite(t, f, "c", []byte("secret that was deleted"))
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := f.DeleteKey("b", 0); err != nil {
		t.Fatal(err)
	}
	if err := f.DeleteKey("c", 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Flush(); err != nil {
		t.Fatal(err)
	}

	// d ends exactly where c's stale header used to start.
	end := f.Header().End
	if end >= c.Seek {
		t.Fatalf("tail not trimmed: end %d, c at %d", end, c.Seek)
	}
	size := c.Seek - end - int64(keyHeaderLen("d", "Blob"))
	d := mustWrite(t, f, "d", bytes.Repeat([]byte("d"), int(size)))
	if d.Seek != end {
		t.Fatalf("d at %d, want %d", d.Seek, end)
	}
	crash(f)

	g, err := Open(f.Path(), ModeUpdate, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close(nil)
	if _, err := g.Get("c", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted key came back after recovery: %v", err)
	}
	if _, err := g.ReadKey("d", 0); err != nil {
		t.Errorf("ReadKey(d): %v", err)
	}
	checkStats(t, g)
}

func TestCorruptPayload(t *testing.T) {
	f := openTestFile(t)
	bad := mustWrite(t, f, "bad", bytes.Repeat([]byte("x"), 64))
	mustWrite(t, f, "good", bytes.Repeat([]byte("y"), 64))
	f.Close(nil)
	patch(t, f.Path(), bad.Seek+int64(bad.Keylen)+5, []byte("!"))

	g, err := Open(f.Path(), ModeUpdate, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close(nil)
	if _, err := g.ReadKey("bad", 0); !errors.Is(err, ErrCorrupt) {
		t.Errorf("ReadKey(bad): err = %v, want ErrCorrupt", err)
	}
	if _, err := g.ReadKey("good", 0); err != nil {
		t.Errorf("ReadKey(good): %v", err)
	}

	report, err := g.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.Keys != 1 || report.Dropped != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, err := g.Get("bad", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("corrupt key kept: %v", err)
	}
	checkStats(t, g)

	var out bytes.Buffer
	if err := g.Map(&out); err != nil {
		t.Errorf("Map after recovery: %v", err)
	}
}

func TestCorruptKeyHeader(t *testing.T) {
	f := openTestFile(t)
	k := mustWrite(t, f, "a", []byte("payload"))
	f.Close(nil)
	patch(t, f.Path(), k.Seek+keyFixed+1, []byte("Z"))

	g, err := Open(f.Path(), ModeRead, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer g.Close(nil)
	err = g.Map(&bytes.Buffer{})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Map over a damaged key header: %v", err)
	}
}

func TestRecoverCancelled(t *testing.T) {
	f := openTestFile(t)
	mustWrite(t, f, "a", []byte("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Recover(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
