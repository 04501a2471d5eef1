package prefetch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PutOverwrites(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)

	at := time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC)
	r.Put("u1", "people/u1", Snapshot{Data: []string{"a"}, FetchedAt: at})
	r.Put("u1", "people/u1", Snapshot{Data: []string{"b", "c"}, FetchedAt: at.Add(time.Minute)})

	got, ok := r.Get("u1", "people/u1")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "c"}, got.Data)
	assert.Equal(t, at.Add(time.Minute), got.FetchedAt)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SlotsPerUser(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	r.Put("u1", "intentions/u1", Snapshot{Data: 1})
	r.Put("u2", "intentions/u1", Snapshot{Data: 2})

	a, _ := r.Get("u1", "intentions/u1")
	b, _ := r.Get("u2", "intentions/u1")
	assert.Equal(t, 1, a.Data)
	assert.Equal(t, 2, b.Data)

	_, ok := r.Get("u3", "intentions/u1")
	assert.False(t, ok)
}

func TestRegistry_Clear(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	r.Put("u1", "people/u1", Snapshot{Data: 1})
	r.Put("u1", "intentions/u1", Snapshot{Data: 2})

	r.Clear()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get("u1", "people/u1")
	assert.False(t, ok)
}

func TestRegistry_CapacityBound(t *testing.T) {
	r, err := New(2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		r.Put("u1", fmt.Sprintf("prayer-records/u1/2026-10-%02d", i+10), Snapshot{Data: i})
	}
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("u1", "prayer-records/u1/2026-10-10")
	assert.False(t, ok)
	got, ok := r.Get("u1", "prayer-records/u1/2026-10-14")
	require.True(t, ok)
	assert.Equal(t, 4, got.Data)
}
