// cmd/bkmirror/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/bkmirror/codec"
	"github.com/mmp/bkmirror/keys"
)

func TestParseIndices(t *testing.T) {
	idx, err := parseIndices("0, 2,5")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 5}, idx)

	for _, s := range []string{"", " , ", "1,x", "-1"} {
		_, err := parseIndices(s)
		assert.Error(t, err, "%q", s)
	}
}

func TestParseMappings(t *testing.T) {
	m, err := parseMappings([]string{"home=/restore/home", "work=/w"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"home": "/restore/home", "work": "/w"}, m)

	m, err = parseMappings(nil)
	require.NoError(t, err)
	assert.Empty(t, m)

	for _, bad := range [][]string{{"home"}, {"=/x"}, {"home="}, {"a=/x", "a=/y"}} {
		_, err := parseMappings(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestJoinRelative(t *testing.T) {
	p, err := joinRelative("/out", "home/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "home", "a", "b.txt"), p)

	p, err = joinRelative("/out", `home\a\b.txt`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "home", "a", "b.txt"), p)

	for _, rel := range []string{"../x", "home/../../x", "/abs", ""} {
		_, err := joinRelative("/out", rel)
		assert.Error(t, err, "%q", rel)
	}
}

func TestEncodeDecodeFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("some notes\nsome notes\nsome notes\n"), 0644))

	ks := keys.NewStore()
	n, err := ks.Add("")
	require.NoError(t, err)
	key, ok := ks.Key(n)
	require.True(t, ok)

	enc := filepath.Join(dir, "a1000.bin")
	require.NoError(t, encodeFile(src, enc, "home/notes.txt", key, codec.CompressAlways, n))

	out := filepath.Join(dir, "out")
	require.NoError(t, decodeFile(codec.NewDecoder(ks), enc, out, false))
	b, err := os.ReadFile(filepath.Join(out, "home", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "some notes\nsome notes\nsome notes\n", string(b))

	// Without the key the stream can't be decoded.
	err = decodeFile(codec.NewDecoder(keys.NewStore()), enc, filepath.Join(dir, "other"), false)
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for s, want := range map[string]codec.Compression{
		"auto": codec.CompressAuto, "never": codec.CompressNever, "always": codec.CompressAlways,
	} {
		c, err := parseCompression(s)
		require.NoError(t, err)
		assert.Equal(t, want, c)
	}
	_, err := parseCompression("sometimes")
	assert.Error(t, err)
}
