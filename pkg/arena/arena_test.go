package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	var a Arena[string]

	x := a.Insert("x")
	y := a.Insert("y")
	assert.NotEqual(t, Invalid, x)
	assert.Equal(t, 2, a.Len())

	v, ok := a.Get(y)
	require.True(t, ok)
	assert.Equal(t, "y", v)

	v, ok = a.Remove(x)
	require.True(t, ok)
	assert.Equal(t, "x", v)
	assert.False(t, a.Contains(x))
	assert.Equal(t, 1, a.Len())

	_, ok = a.Remove(x)
	assert.False(t, ok, "double remove")
}

func TestStaleIDDoesNotResolveReusedSlot(t *testing.T) {
	var a Arena[int]

	old := a.Insert(1)
	a.Remove(old)
	reused := a.Insert(2)

	assert.Equal(t, old.Index(), reused.Index())
	assert.NotEqual(t, old.Generation(), reused.Generation())
	_, ok := a.Get(old)
	assert.False(t, ok)

	v, ok := a.Get(reused)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestAllSkipsFreeSlots(t *testing.T) {
	var a Arena[int]
	ids := []ID{a.Insert(10), a.Insert(20), a.Insert(30)}
	a.Remove(ids[1])

	var got []int
	for id, v := range a.All() {
		assert.True(t, a.Contains(id))
		got = append(got, v)
	}
	assert.Equal(t, []int{10, 30}, got)
}

func TestInvalidID(t *testing.T) {
	var a Arena[int]
	_, ok := a.Get(Invalid)
	assert.False(t, ok)
	_, ok = a.Get(makeID(99, 1))
	assert.False(t, ok)
}
