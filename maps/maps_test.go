package maps

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedGetSetDelete(t *testing.T) {
	m := NewScoped()
	_, ok := m.Get("x")
	assert.False(t, ok)

	m.Set("x", 1)
	v, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Delete("x")
	_, ok = m.Get("x")
	assert.False(t, ok)
}

func TestScopedCloneIsIndependent(t *testing.T) {
	m := NewScoped()
	m.Set("a", "original")

	clone := m.Clone()
	clone.Set("a", "changed")
	clone.Set("b", "new")

	v, _ := m.Get("a")
	assert.Equal(t, "original", v)
	_, ok := m.Get("b")
	assert.False(t, ok)
}

func TestScopedMergeOverwrites(t *testing.T) {
	m := NewScoped()
	m.Set("a", 1)
	m.Set("b", 2)

	m.Merge(map[string]any{"b": 20, "c": 3})

	a, _ := m.Get("a")
	b, _ := m.Get("b")
	c, _ := m.Get("c")
	assert.Equal(t, 1, a)
	assert.Equal(t, 20, b)
	assert.Equal(t, 3, c)
}

func TestScopedSnapshotIsCopy(t *testing.T) {
	m := NewScoped()
	m.Set("a", 1)

	snap := m.Snapshot()
	snap["a"] = 999
	snap["b"] = 2

	v, _ := m.Get("a")
	assert.Equal(t, 1, v)
	_, ok := m.Get("b")
	assert.False(t, ok)
}

func TestSharedConcurrentAccess(t *testing.T) {
	m := NewShared()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Set("key", n)
			m.Get("key")
		}(i)
	}
	wg.Wait()

	_, ok := m.Get("key")
	assert.True(t, ok)
}

func TestSharedSnapshotAndDelete(t *testing.T) {
	m := NewShared()
	m.Set("a", 1)
	m.Set("b", 2)

	snap := m.Snapshot()
	assert.Len(t, snap, 2)

	m.Delete("a")
	_, ok := m.Get("a")
	assert.False(t, ok)
	assert.Len(t, snap, 2) // snapshot unaffected by later mutation
}

func TestRegistryGlobalChannelMapIsPerChannel(t *testing.T) {
	r := NewRegistry()

	a := r.GlobalChannelMap("chan-a")
	b := r.GlobalChannelMap("chan-b")
	a.Set("x", 1)

	_, ok := b.Get("x")
	assert.False(t, ok)

	same := r.GlobalChannelMap("chan-a")
	v, ok := same.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestRegistryDropChannelResetsMap(t *testing.T) {
	r := NewRegistry()
	m := r.GlobalChannelMap("chan-a")
	m.Set("x", 1)

	r.DropChannel("chan-a")

	fresh := r.GlobalChannelMap("chan-a")
	_, ok := fresh.Get("x")
	assert.False(t, ok)
}

func TestRegistryConcurrentChannelCreation(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	maps := make([]*Shared, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			maps[n] = r.GlobalChannelMap("shared-channel")
		}(i)
	}
	wg.Wait()

	first := maps[0]
	for _, m := range maps {
		assert.Same(t, first, m)
	}
}
