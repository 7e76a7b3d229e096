package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDelimited(t *testing.T) {
	s, err := NewCSV(0)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "BASIC_2024-06-08.csv")
	err = s.WriteDelimited(path, []string{"trip_id", "line"}, [][]string{
		{"1", "A"},
		{"2", "needs;quoting"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "trip_id;line\n1;A\n2;\"needs;quoting\"\n", string(data))
}

func TestWriteDelimited_CustomDelimiter(t *testing.T) {
	s, err := NewCSV(',')
	require.NoError(t, err)
	assert.Equal(t, ',', s.Delimiter())

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, s.WriteDelimited(path, []string{"a", "b"}, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))
}

func TestWriteDelimited_ReplacesAndLeavesNoTemp(t *testing.T) {
	s, err := NewCSV(0)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "FULL_2024-06-08.csv")
	require.NoError(t, s.WriteDelimited(path, []string{"x"}, [][]string{{"old"}}))
	require.NoError(t, s.WriteDelimited(path, []string{"x"}, [][]string{{"new"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x\nnew\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewCSV_InvalidDelimiter(t *testing.T) {
	for _, d := range []rune{'"', '\n', '\r'} {
		_, err := NewCSV(d)
		assert.Error(t, err, "%q", d)
	}
}
