package levels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildStore(t *testing.T, metas ...Metadata) *Store {
	t.Helper()
	var b Builder
	for _, m := range metas {
		b.Add(m)
	}

	path := filepath.Join(t.TempDir(), "levels.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, b.WriteTo(f))
	require.NoError(t, f.Close())

	s, err := Open(path)
	require.NoError(t, err)
	return s
}

func TestStore_LookupRoundTrip(t *testing.T) {
	s := buildStore(t,
		Metadata{LevelID: 128, Name: "Sunset Spire", Author: "mira", Stars: 7},
		Metadata{LevelID: -3, Name: "Negative Zone", Author: "kb", Stars: 2},
	)
	require.Equal(t, 2, s.Len())

	meta, err := s.Lookup(128)
	require.NoError(t, err)
	assert.Equal(t, "Sunset Spire", meta.Name)
	assert.Equal(t, "mira", meta.Author)
	assert.Equal(t, uint8(7), meta.Stars)

	meta, err = s.Lookup(-3)
	require.NoError(t, err)
	assert.Equal(t, "Negative Zone", meta.Name)
}

func TestStore_LookupMissing(t *testing.T) {
	s := buildStore(t, Metadata{LevelID: 1, Name: "only"})

	_, err := s.Lookup(2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_EmptyStore(t *testing.T) {
	s := buildStore(t)
	assert.Equal(t, 0, s.Len())
}

func TestOpen_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a store"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}
