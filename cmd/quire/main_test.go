package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/jpl-au/quire"
	"github.com/jpl-au/quire/columnar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute())
	return out.String()
}

// writeSource creates a container holding one store with n int32 records.
func writeSource(t *testing.T, dir, name string, n int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := quire.Open(path, quire.ModeCreate, quire.Config{})
	require.NoError(t, err)
	s, err := columnar.Create(f, "hits", columnar.Config{BlockSize: 256})
	require.NoError(t, err)
	c, err := s.DefineColumn("x", int32(0), columnar.ColumnOptions{})
	require.NoError(t, err)
	for i := range n {
		require.NoError(t, c.Append(int32(i)))
	}
	require.NoError(t, s.Close())
	require.NoError(t, f.Close(nil))
	return path
}

func TestLs(t *testing.T) {
	path := writeSource(t, t.TempDir(), "a.quire", 100)

	var l listing
	require.NoError(t, json.Unmarshal([]byte(run(t, "ls", path, "-o", "json")), &l))
	names := map[string]bool{}
	for _, k := range l.Keys {
		names[k.Name] = true
	}
	assert.True(t, names["hits"])
	assert.True(t, names["hits/x/0"])
	assert.Equal(t, len(l.Keys), l.Stats.Keys)

	var y listing
	require.NoError(t, yaml.Unmarshal([]byte(run(t, "ls", path, "-o", "yaml")), &y))
	assert.Len(t, y.Keys, len(l.Keys))

	assert.Contains(t, run(t, "ls", path), "quire.Block")
}

func TestLsRejectsFormat(t *testing.T) {
	path := writeSource(t, t.TempDir(), "a.quire", 1)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"ls", path, "-o", "xml"})
	assert.ErrorContains(t, root.Execute(), "unknown output format")
}

func TestMap(t *testing.T) {
	path := writeSource(t, t.TempDir(), "a.quire", 10)
	out := run(t, "map", path)
	assert.Contains(t, out, "hits/x/0")
	assert.Contains(t, out, "END")
}

func TestMergeCreatesDestination(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.quire", 100)
	b := writeSource(t, dir, "b.quire", 50)
	dst := filepath.Join(dir, "out.quire")

	out := run(t, "merge", dst, a, b, "--store", "hits", "--sort", "entry")
	assert.Contains(t, out, "a.quire")
	assert.Contains(t, out, "b.quire")

	f, err := quire.Open(dst, quire.ModeRead, quire.Config{})
	require.NoError(t, err)
	defer f.Close(nil)
	s, err := columnar.Open(f, "hits", columnar.Config{})
	require.NoError(t, err)
	c, err := s.Column("x")
	require.NoError(t, err)
	require.Equal(t, int64(150), c.Entries())

	var got []int32
	for v, err := range columnar.Values[int32](c) {
		require.NoError(t, err)
		got = append(got, v)
	}
	for i := range 100 {
		assert.Equal(t, int32(i), got[i])
	}
	for i := range 50 {
		assert.Equal(t, int32(i), got[100+i])
	}
}

func TestMergeNeedsStore(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.quire", 1)
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"merge", filepath.Join(dir, "out.quire"), a})
	assert.ErrorContains(t, root.Execute(), "--store is required")
}

func TestCompactAndRecover(t *testing.T) {
	path := writeSource(t, t.TempDir(), "a.quire", 500)

	f, err := quire.Open(path, quire.ModeUpdate, quire.Config{})
	require.NoError(t, err)
	require.NoError(t, f.DeleteKey("hits/x/0", quire.AllCycles))
	require.NoError(t, f.Close(nil))

	assert.Contains(t, run(t, "compact", path), "->")

	f, err = quire.Open(path, quire.ModeRead, quire.Config{})
	require.NoError(t, err)
	assert.Zero(t, f.Stats().FreeBytes)
	require.NoError(t, f.Close(nil))

	assert.Contains(t, run(t, "recover", path), "dropped 0")
}

func TestConfigFromEnv(t *testing.T) {
	path := writeSource(t, t.TempDir(), "a.quire", 1)
	t.Setenv("QUIRE_LOG_LEVEL", "nonsense")
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"ls", path})
	assert.ErrorContains(t, root.Execute(), "invalid log level")
}
