package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whit3rabbit/manus-open/internal/common/logger"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	s, err := New(filepath.Join(t.TempDir(), "local_storage"), log)
	require.NoError(t, err)
	return s
}

func TestSaveReturnsHandleInsideRoot(t *testing.T) {
	s := newTestStorage(t)

	handle, err := s.Save("report.txt", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(handle, s.Root()))
	assert.Contains(t, filepath.Base(handle), "report_")
	assert.True(t, strings.HasSuffix(handle, ".txt"))

	data, err := os.ReadFile(handle)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestSaveSameNameNeverCollides(t *testing.T) {
	s := newTestStorage(t)

	h1, err := s.Save("dup.bin", []byte("one"))
	require.NoError(t, err)
	h2, err := s.Save("dup.bin", []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestSaveFile(t *testing.T) {
	s := newTestStorage(t)
	src := filepath.Join(t.TempDir(), "src.dat")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	handle, err := s.SaveFile(src)
	require.NoError(t, err)
	data, err := os.ReadFile(handle)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestMultipartRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	// 2.5 parts of distinct bytes.
	partSize := 1024
	content := bytes.Repeat([]byte{0xAB}, partSize)
	content = append(content, bytes.Repeat([]byte{0xCD}, partSize)...)
	content = append(content, bytes.Repeat([]byte{0xEF}, 512)...)

	dir, err := s.NewPartsDir()
	require.NoError(t, err)

	var results []PartResult
	// Parts arrive out of order; assembly is by part number.
	for _, n := range []int{3, 1, 2} {
		start := (n - 1) * partSize
		end := min(start+partSize, len(content))
		res := s.WritePart(dir, "big.bin", n, content[start:end])
		require.True(t, res.Success, "part %d: %s", n, res.Error)
		results = append(results, res)
	}

	handle, err := s.CombineParts(dir, "big.bin", results)
	require.NoError(t, err)

	combined, err := os.ReadFile(handle)
	require.NoError(t, err)
	assert.Equal(t, content, combined)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "parts dir should be removed after combine")
}

func TestCombinePartsEmpty(t *testing.T) {
	s := newTestStorage(t)
	dir, err := s.NewPartsDir()
	require.NoError(t, err)

	_, err = s.CombineParts(dir, "never.bin", nil)
	assert.Error(t, err)
}

func TestNewPartsDirUnique(t *testing.T) {
	s := newTestStorage(t)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		dir, err := s.NewPartsDir()
		require.NoError(t, err, fmt.Sprintf("iteration %d", i))
		assert.False(t, seen[dir])
		seen[dir] = true
	}
}
