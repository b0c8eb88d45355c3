// registry/registry_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package registry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sp(parts ...string) string {
	return string(os.PathSeparator) + strings.Join(parts, string(os.PathSeparator))
}

func openTemp(t *testing.T) (*Registry, string) {
	path := filepath.Join(t.TempDir(), "registry.txt")
	r, err := Open(path, "")
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, path
}

func TestAddAllocatesIncreasingIDs(t *testing.T) {
	r, _ := openTemp(t)
	a, err := r.Add(sp("src", "a.txt"))
	require.NoError(t, err)
	b, err := r.Add(sp("src", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a1000.bin", a)
	assert.Equal(t, "a1001.bin", b)

	_, err = r.Add(sp("src", "a.txt"))
	assert.ErrorIs(t, err, ErrExists)

	st := r.Status(sp("src", "a.txt"))
	assert.Equal(t, File, st.Kind)
	assert.Equal(t, "a1000.bin", st.AltName)
	assert.True(t, st.ModTime.IsZero())

	assert.Equal(t, Directory, r.Status(sp("src", "sub")).Kind)
	assert.Equal(t, None, r.Status(sp("src", "nope")).Kind)
	assert.Equal(t, None, r.Status(sp("elsewhere", "x", "y")).Kind)
}

func TestReopenPreservesEverything(t *testing.T) {
	r, path := openTemp(t)
	mtime := time.Date(2019, 5, 6, 7, 8, 9, 987654300, time.UTC)
	paths := []string{sp("s", "a"), sp("s", "d", "b"), sp("s", "d", "e", "c"), sp("s", "ü", "ñ.txt")}
	for _, p := range paths {
		_, err := r.Add(p)
		require.NoError(t, err)
	}
	require.NoError(t, r.SetModTime(paths[1], mtime))
	require.NoError(t, r.AddWithID(sp("s", "restored"), "x", 5, mtime))
	require.NoError(t, r.Close())

	r2, err := Open(path, "")
	require.NoError(t, err)
	defer r2.Close()
	for _, p := range append(paths, sp("s", "restored")) {
		assert.Equal(t, r.Status(p), r2.Status(p), p)
	}
	assert.True(t, mtime.Equal(r2.Status(paths[1]).ModTime))
	assert.Equal(t, "x5.bin", r2.Status(sp("s", "restored")).AltName)
	assert.Equal(t, r.Stats(), r2.Stats())

	next, err := r2.Add(sp("s", "new"))
	require.NoError(t, err)
	assert.Equal(t, "a1004.bin", next)
}

func TestSetModTimeRewritesInPlace(t *testing.T) {
	r, path := openTemp(t)
	_, err := r.Add(sp("s", "a"))
	require.NoError(t, err)
	fi, err := os.Stat(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.SetModTime(sp("s", "a"), time.Now().Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, r.SetModTime(sp("s", "a"), time.Time{}))
	fi2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), fi2.Size())

	mt, err := r.ModTime(sp("s", "a"))
	require.NoError(t, err)
	assert.True(t, mt.IsZero())

	assert.ErrorIs(t, r.SetModTime(sp("s", "missing"), time.Now()), ErrNotFound)
	_, err = r.ModTime(sp("s", "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	r, _ := openTemp(t)
	for _, p := range []string{sp("s", "b"), sp("s", "a"), sp("s", "d1", "x"), sp("s", "d2", "y"), sp("s", "d2", "z", "w")} {
		_, err := r.Add(p)
		require.NoError(t, err)
	}

	dirs, files, alts := r.List(sp("s"))
	assert.Equal(t, []string{"d1", "d2"}, dirs)
	assert.Equal(t, []string{"a", "b"}, files)
	assert.Equal(t, []string{"a1001.bin", "a1000.bin"}, alts)

	dirs, files, alts = r.List(sp("nowhere"))
	assert.Nil(t, dirs)
	assert.Nil(t, files)
	assert.Nil(t, alts)

	require.NoError(t, r.Delete(sp("s", "a")))
	assert.Equal(t, None, r.Status(sp("s", "a")).Kind)
	require.NoError(t, r.Delete(sp("s", "d2")))
	assert.Equal(t, None, r.Status(sp("s", "d2", "z", "w")).Kind)
	require.NoError(t, r.Delete(sp("s", "never", "existed")))

	st := r.Stats()
	assert.Equal(t, 2, st.Live)
	assert.Equal(t, 3, st.Deleted)
}

func TestCompaction(t *testing.T) {
	r, path := openTemp(t)
	mtime := time.Date(2021, 1, 2, 3, 4, 5, 600, time.UTC)
	for i := 0; i < 20; i++ {
		p := sp("s", fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%02d", i))
		_, err := r.Add(p)
		require.NoError(t, err)
		require.NoError(t, r.SetModTime(p, mtime.Add(time.Duration(i)*time.Second)))
	}
	// Deleting the newest file must not let its id be handed out again.
	for _, i := range []int{0, 5, 10, 15, 19} {
		require.NoError(t, r.Delete(sp("s", fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%02d", i))))
	}
	before := map[string]Status{}
	for i := 0; i < 20; i++ {
		p := sp("s", fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%02d", i))
		before[p] = r.Status(p)
	}
	require.NoError(t, r.Close())
	oldSize := fileSize(t, path)

	r2, err := Open(path, "")
	require.NoError(t, err)
	defer r2.Close()

	assert.Less(t, fileSize(t, path), oldSize)
	assert.Equal(t, oldSize, fileSize(t, path+".old"))
	assert.Equal(t, 0, r2.Stats().Deleted)
	assert.Equal(t, 15, r2.Stats().Live)
	for p, st := range before {
		assert.Equal(t, st, r2.Status(p), p)
	}

	next, err := r2.Add(sp("s", "later"))
	require.NoError(t, err)
	assert.Equal(t, "a1020.bin", next)

	// Offsets were updated by the rewrite.
	p := sp("s", "d1", "f01")
	require.NoError(t, r2.SetModTime(p, mtime))
	require.NoError(t, r2.Close())
	r3, err := Open(path, "")
	require.NoError(t, err)
	defer r3.Close()
	assert.True(t, mtime.Equal(r3.Status(p).ModTime))
}

func TestAddWithIDOnlyAdvancesDefaultPrefix(t *testing.T) {
	r, _ := openTemp(t)
	require.NoError(t, r.AddWithID(sp("s", "x"), "b", 50000, time.Time{}))
	alt, err := r.Add(sp("s", "y"))
	require.NoError(t, err)
	assert.Equal(t, "a1000.bin", alt)

	require.NoError(t, r.AddWithID(sp("s", "z"), "a", 3000, time.Time{}))
	alt, err = r.Add(sp("s", "w"))
	require.NoError(t, err)
	assert.Equal(t, "a3001.bin", alt)

	assert.ErrorIs(t, r.AddWithID(sp("s", "z"), "a", 3002, time.Time{}), ErrExists)
}

func TestReopenKeepsSurroundingSpaces(t *testing.T) {
	r, path := openTemp(t)
	trailing, leading := sp("home", "u", "notes "), sp("home", "u", " draft")
	for _, p := range []string{trailing, leading} {
		_, err := r.Add(p)
		require.NoError(t, err)
	}
	require.NoError(t, r.Close())

	for i := 0; i < 3; i++ {
		r2, err := Open(path, "")
		require.NoError(t, err, "open #%d", i)
		assert.Equal(t, File, r2.Status(trailing).Kind)
		assert.Equal(t, File, r2.Status(leading).Kind)
		assert.Equal(t, None, r2.Status(sp("home", "u", "notes")).Kind)
		_, err = r2.Add(trailing)
		assert.ErrorIs(t, err, ErrExists)
		assert.Equal(t, 2, r2.Stats().Live)
		require.NoError(t, r2.Close())
	}
}

func TestParsing(t *testing.T) {
	payload := string(encodePayload(1234, 0))

	for _, tc := range []struct {
		name    string
		log     string
		wantErr bool
		live    int
	}{
		{"empty", "", false, 0},
		{"lf", "/a/b\ta\t" + payload + "\n", false, 1},
		{"crlf", "/a/b\ta\t" + payload + "\r\n", false, 1},
		{"spaces kept", "/a/b\ta\t" + payload + "\n/a/b \ta\t" + payload + "\n", false, 2},
		{"partial head at end", "/a/b\ta\t" + payload + "\n/a/c\ta", false, 1},
		{"deleted", "/a/b\ta\tAAAAAAAAAAAAAAAA\n", false, 0},
		{"missing newline", "/a/b\ta\t" + payload + "x", true, 0},
		{"short payload", "/a/b\ta\tAAAA", true, 0},
		{"bad base64", "/a/b\ta\t!!!!!!!!!!!!!!!!\n", true, 0},
		{"bad utf8", "/a/\xff\ta\t" + payload + "\n", true, 0},
		{"no second tab", strings.Repeat("x", 3000), true, 0},
		{"duplicate", "/a/b\ta\t" + payload + "\n/a/b\ta\t" + payload + "\n", true, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "reg")
			require.NoError(t, os.WriteFile(path, []byte(tc.log), 0600))
			r, err := Open(path, "")
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrCorrupt)
				return
			}
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, tc.live, r.Stats().Live)
		})
	}
}

func TestCRLFLineOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg")
	lines := "/a/one\ta\t" + string(encodePayload(1000, 0)) + "\r\n" +
		"/a/two\ta\t" + string(encodePayload(1001, 0)) + "\r\n"
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))

	r, err := Open(path, "")
	require.NoError(t, err)
	mtime := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.SetModTime("/a/two", mtime))
	require.NoError(t, r.Close())

	r, err = Open(path, "")
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, mtime.Equal(r.Status("/a/two").ModTime))
	assert.Equal(t, "a1000.bin", r.Status("/a/one").AltName)
}

func TestPrint(t *testing.T) {
	r, _ := openTemp(t)
	_, err := r.Add(sp("s", "d", "f.txt"))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, r.Print(&buf))
	assert.Contains(t, buf.String(), "f.txt (a1000.bin, modified: unknown)")
}

func fileSize(t *testing.T, path string) int64 {
	fi, err := os.Stat(path)
	require.NoError(t, err)
	return fi.Size()
}
