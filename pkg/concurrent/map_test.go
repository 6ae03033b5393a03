package concurrent

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_LoadStore(t *testing.T) {
	m := NewMap[string, int]()

	_, ok := m.Load("a")
	assert.False(t, ok)

	m.Store("a", 1)
	val, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, val)

	m.Store("a", 2)
	val, _ = m.Load("a")
	assert.Equal(t, 2, val)
}

func TestMap_LoadOrStore(t *testing.T) {
	m := NewMap[string, int]()

	val, loaded := m.LoadOrStore("a", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, val)

	val, loaded = m.LoadOrStore("a", 99)
	assert.True(t, loaded)
	assert.Equal(t, 1, val)

	assert.Equal(t, 1, m.Length())
}

func TestMap_Delete(t *testing.T) {
	m := NewMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)

	m.Delete("a")
	_, ok := m.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Length())

	// Deleting a missing key is a no-op.
	m.Delete("missing")
	assert.Equal(t, 1, m.Length())
}

func TestMap_Range(t *testing.T) {
	m := NewMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	sum := 0
	m.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 6, sum)

	// Early termination stops the walk.
	seen := 0
	m.Range(func(string, int) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestMap_Concurrent(t *testing.T) {
	m := NewMap[string, int]()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.LoadOrStore(fmt.Sprintf("key-%d", n%10), n)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, m.Length())
}
