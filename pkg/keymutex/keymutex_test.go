package keymutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlockReleasesEntry(t *testing.T) {
	km := New()

	km.Lock("med-a")
	assert.Equal(t, 1, km.Len())

	km.Unlock("med-a")
	assert.Equal(t, 0, km.Len(), "entry should be removed once released")
}

func TestSameKeySerializes(t *testing.T) {
	km := New()

	var mu sync.Mutex
	var order []int

	km.Lock("med-a")

	done := make(chan struct{})
	go func() {
		km.Lock("med-a")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		km.Unlock("med-a")
		close(done)
	}()

	// The goroutine must not get the lock while we hold it.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()

	km.Unlock("med-a")
	<-done

	require.Equal(t, []int{1, 2}, order)
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	km := New()

	km.Lock("med-a")
	defer km.Unlock("med-a")

	acquired := make(chan struct{})
	go func() {
		km.Lock("med-b")
		close(acquired)
		km.Unlock("med-b")
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key should not block")
	}
}

func TestUnlockUnheldKeyPanics(t *testing.T) {
	km := New()
	assert.Panics(t, func() { km.Unlock("never-locked") })
}

func TestConcurrentCounters(t *testing.T) {
	km := New()

	counters := map[string]int{}
	var wg sync.WaitGroup
	keys := []string{"a", "b", "c"}

	for i := 0; i < 100; i++ {
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				km.Lock(key)
				counters[key]++
				km.Unlock(key)
			}(key)
		}
	}
	wg.Wait()

	for _, key := range keys {
		assert.Equal(t, 100, counters[key])
	}
	assert.Equal(t, 0, km.Len())
}
