package quire

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f, err := Open(filepath.Join(t.TempDir(), "m.quire"), ModeCreate, Config{Metrics: m})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close(nil)

	mustWrite(t, f, "a", []byte("0123456789"))
	if _, err := f.WriteKey("b", "Blob", 0, bytes.Repeat([]byte("z"), 1000), true); err != nil {
		t.Fatal(err)
	}
	f.DeleteKey("a", 0)
	f.ReadKey("b", 0)

	if got := testutil.ToFloat64(m.KeysWritten); got != 2 {
		t.Errorf("keys written = %v", got)
	}
	if got := testutil.ToFloat64(m.KeysDeleted); got != 1 {
		t.Errorf("keys deleted = %v", got)
	}
	if got := testutil.ToFloat64(m.BytesRead); got <= 0 {
		t.Errorf("bytes read = %v", got)
	}
	if n := testutil.CollectAndCount(m.CompressionRatio); n != 1 {
		t.Errorf("compression histogram series = %d", n)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n != 5 {
		t.Errorf("registered series = %d, %v", n, err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.read(1)
	m.wrote(&Key{})
	m.deleted()
}
