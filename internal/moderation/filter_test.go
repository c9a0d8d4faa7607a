package moderation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeWordList(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	return path
}

func TestWordFilter_SubstringMatch(t *testing.T) {
	path := writeWordList(t, "badword\n")
	f, err := NewWordFilter(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, f.Check("this is a badword here").Allowed)
	assert.False(t, f.Check("embeddedBADWORDtext").Allowed, "substring match is case-insensitive")
	assert.True(t, f.Check("perfectly fine").Allowed)
}

func TestWordFilter_WholeWordMatch(t *testing.T) {
	path := writeWordList(t, "!!ass!!\n")
	f, err := NewWordFilter(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, f.Check("you ass").Allowed)
	assert.False(t, f.Check("Ass, really?").Allowed, "punctuation ends a word")
	assert.True(t, f.Check("my class starts now").Allowed, "whole-word entries ignore substrings")
	assert.True(t, f.Check("passing grade").Allowed)
}

func TestWordFilter_CommentsAndBlanksSkipped(t *testing.T) {
	path := writeWordList(t, "# header\n\nbadword\n")
	f, err := NewWordFilter(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, f.Check("# header").Allowed)
	assert.False(t, f.Check("badword").Allowed)
}

func TestWordFilter_Reload(t *testing.T) {
	path := writeWordList(t, "first\n")
	f, err := NewWordFilter(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.False(t, f.Check("first").Allowed)

	require.NoError(t, os.WriteFile(path, []byte("second\n"), 0o644))
	require.NoError(t, f.Reload())

	assert.True(t, f.Check("first").Allowed)
	assert.False(t, f.Check("second").Allowed)
}

func TestWordFilter_MissingFile(t *testing.T) {
	_, err := NewWordFilter(filepath.Join(t.TempDir(), "absent.txt"), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestAllowAll(t *testing.T) {
	assert.True(t, AllowAll{}.Check("anything at all").Allowed)
}
