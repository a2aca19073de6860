package terminal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(Config{WorkDir: t.TempDir()}, newTestLogger())
	t.Cleanup(r.CloseAll)
	return r
}

func TestRegistryCreateOnFirstUse(t *testing.T) {
	skipWithoutPTY(t)

	r := newTestRegistry(t)
	_, ok := r.Get("t1")
	assert.False(t, ok, "session must not exist before first mention")

	s, err := r.GetOrCreate("t1")
	require.NoError(t, err)
	assert.True(t, s.Alive())

	again, err := r.GetOrCreate("t1")
	require.NoError(t, err)
	assert.Same(t, s, again, "second lookup must return the same session")

	got, ok := r.Get("t1")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestRegistryConcurrentDistinctNames(t *testing.T) {
	skipWithoutPTY(t)

	r := newTestRegistry(t)
	names := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, name := range names {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(n string) {
				defer wg.Done()
				if _, err := r.GetOrCreate(n); err != nil {
					t.Errorf("GetOrCreate(%q) failed: %v", n, err)
				}
			}(name)
		}
	}
	wg.Wait()

	assert.ElementsMatch(t, names, r.Names())
}

func TestRegistryRemove(t *testing.T) {
	skipWithoutPTY(t)

	r := newTestRegistry(t)
	s, err := r.GetOrCreate("gone")
	require.NoError(t, err)

	r.Remove("gone")
	_, ok := r.Get("gone")
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return !s.Alive() }, 5*time.Second, 100*time.Millisecond,
		"removed session's shell should be torn down")
}

func TestRegistryResetAll(t *testing.T) {
	skipWithoutPTY(t)

	r := newTestRegistry(t)
	for _, name := range []string{"x", "y"} {
		s, err := r.GetOrCreate(name)
		require.NoError(t, err)
		s.mu.Lock()
		s.addEntryLocked(&HistoryEntry{Command: "echo stale", Finished: true})
		s.mu.Unlock()
	}

	require.NoError(t, r.ResetAll())
	for _, name := range []string{"x", "y"} {
		s, ok := r.Get(name)
		require.True(t, ok)
		assert.Equal(t, 0, s.HistoryLen())
		assert.True(t, s.Alive())
	}
}
