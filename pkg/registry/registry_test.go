package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.NoError(t, r.Register("pg", "postgres adapter"))

	entry, ok := r.Get("pg")
	require.True(t, ok)
	assert.Equal(t, "postgres adapter", entry)

	_, ok = r.Get("mongo")
	assert.False(t, ok)
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.Error(t, r.Register("", 1))
	assert.Zero(t, r.Count())
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))

	err := r.Register("a", 2)
	require.Error(t, err)

	// The first entry survives.
	entry, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, entry)
}

func TestRegistryRemove(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Remove("a"))

	_, ok := r.Get("a")
	assert.False(t, ok)
	require.Error(t, r.Remove("a"))

	// Removal frees the name for re-registration.
	require.NoError(t, r.Register("a", 2))
}

func TestRegistryListCountClear(t *testing.T) {
	r := NewBaseRegistry[int]()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Register(fmt.Sprintf("entry-%d", i), i))
	}

	assert.Equal(t, 3, r.Count())
	assert.ElementsMatch(t, []int{0, 1, 2}, r.List())

	r.Clear()
	assert.Zero(t, r.Count())
	assert.Empty(t, r.List())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("entry-%d", i)
			assert.NoError(t, r.Register(name, i))
			_, ok := r.Get(name)
			assert.True(t, ok)
			r.List()
			r.Count()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, r.Count())
}
