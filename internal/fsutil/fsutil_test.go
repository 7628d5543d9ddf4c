package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		path     string
		existing string
		data     string
	}{
		{name: "new file", path: filepath.Join(dir, "new.yaml"), data: "hello"},
		{name: "overwrite", path: filepath.Join(dir, "existing.yaml"), existing: "original", data: "updated"},
		{name: "empty", path: filepath.Join(dir, "empty.yaml"), data: ""},
		{name: "nested directory", path: filepath.Join(dir, "a", "b", "c.yaml"), data: "nested"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.existing != "" {
				require.NoError(t, os.WriteFile(tt.path, []byte(tt.existing), 0o644))
			}
			require.NoError(t, AtomicWrite(tt.path, []byte(tt.data)))

			got, err := os.ReadFile(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(got))

			info, err := os.Stat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		})
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "powblocks.yaml")
	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWrite(path, []byte("content")))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "powblocks.yaml", entries[0].Name())
}

func TestAtomicWriteConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.yaml")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- AtomicWrite(path, []byte("same content"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "same content", string(got))
}

func TestAtomicWriteUnwritableDirectory(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, nil, 0o600))

	err := AtomicWrite(filepath.Join(parent, "child.yaml"), []byte("x"))
	assert.Error(t, err)
}

func TestReadLimit(t *testing.T) {
	data, err := ReadLimit(strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	_, err = ReadLimit(strings.NewReader("123456"), 5)
	assert.ErrorIs(t, err, ErrTooLarge)

	data, err = ReadLimit(strings.NewReader(""), 5)
	require.NoError(t, err)
	assert.Empty(t, data)
}
