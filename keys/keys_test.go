// keys/keys_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package keys

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNumbersAndNames(t *testing.T) {
	s := NewStore()
	n, err := s.Add("laptop")
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)

	n2, err := s.Add("")
	require.NoError(t, err)
	assert.EqualValues(t, 101, n2)

	_, err = s.Add("  laptop ")
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.False(t, s.NameAvailable("laptop"))
	assert.True(t, s.NameAvailable("desktop"))

	num, ok := s.Number("laptop")
	require.True(t, ok)
	assert.Equal(t, n, num)
	_, ok = s.Number("desktop")
	assert.False(t, ok)

	k, ok := s.Key(n)
	require.True(t, ok)
	assert.Len(t, k, KeySize)
	_, ok = s.Key(7)
	assert.False(t, ok)

	assert.Equal(t, []string{"laptop"}, s.Names())
	assert.Equal(t, []uint16{100, 101}, s.Numbers())
}

func TestImportTracksHighest(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Import(500, "old", bytes.Repeat([]byte{1}, KeySize)))
	n, err := s.Add("")
	require.NoError(t, err)
	assert.EqualValues(t, 501, n)

	assert.Error(t, s.Import(500, "", bytes.Repeat([]byte{2}, KeySize)), "number in use")
	assert.Error(t, s.Import(600, "", []byte("short")))
	assert.ErrorIs(t, s.Import(601, "old", bytes.Repeat([]byte{3}, KeySize)), ErrDuplicateName)
	assert.Error(t, s.ImportBase64(602, "", "not base64!"))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	s := NewStore()
	_, err := s.Add("")
	require.NoError(t, err)
	_, err = s.Add("work")
	require.NoError(t, err)
	require.NoError(t, s.Save(path, "correct horse"))

	loaded, err := Load(path, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, s.Numbers(), loaded.Numbers())
	assert.Equal(t, s.Names(), loaded.Names())
	for _, n := range s.Numbers() {
		a, _ := s.Key(n)
		b, _ := loaded.Key(n)
		assert.Equal(t, a, b)
	}
	// Named keys come first in the file.
	assert.Equal(t, []uint16{101, 100}, loaded.ordered())

	_, err = Load(path, "wrong")
	assert.ErrorIs(t, err, ErrBadPassphrase)

	empty, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "x")
	require.NoError(t, err)
	assert.Empty(t, empty.Numbers())
}
