package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockExcludesConcurrentHolders(t *testing.T) {
	m := NewManager(t.TempDir())

	h1, err := m.Lock("issue/abc")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		h2, err := m.Lock("issue/abc")
		require.NoError(t, err)
		close(acquired)
		require.NoError(t, h2.Release())
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired before first released")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h1.Release())
	<-acquired
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	m := NewManager(t.TempDir())
	h1, err := m.Lock("issue/a")
	require.NoError(t, err)
	h2, err := m.Lock("issue/b")
	require.NoError(t, err)
	require.NoError(t, h1.Release())
	require.NoError(t, h2.Release())
}

func TestLockConcurrentSameKeySerializes(t *testing.T) {
	m := NewManager(t.TempDir())
	var mu sync.Mutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Lock("shared")
			require.NoError(t, err)
			mu.Lock()
			counter++
			mu.Unlock()
			require.NoError(t, h.Release())
		}()
	}
	wg.Wait()
	require.Equal(t, 20, counter)
}
