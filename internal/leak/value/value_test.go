package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/leakdetector/internal/leak/arena"
	"github.com/kolkov/leakdetector/internal/leak/callstack"
)

func TestSizeOrdering(t *testing.T) {
	a := Size(16)
	b := Size(128)

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
	assert.Equal(t, a, Size(16))
}

func TestKindOrdering(t *testing.T) {
	ar := arena.New(0)
	t.Cleanup(func() { _ = ar.Shutdown() })
	m := callstack.NewManager(ar)
	cs := m.Intern([]uintptr{0x100})
	require.NotNil(t, cs)

	// Sizes sort before call stacks regardless of payload.
	assert.True(t, Size(1<<31).Less(Stack(cs)))
	assert.False(t, Stack(cs).Less(Size(0)))

	// And the zero value sorts before both.
	var none Value
	assert.True(t, none.Less(Size(0)))
	assert.True(t, none.Less(Stack(cs)))
}

func TestStackOrderingIsStable(t *testing.T) {
	ar := arena.New(0)
	t.Cleanup(func() { _ = ar.Shutdown() })
	m := callstack.NewManager(ar)

	c1 := m.Intern([]uintptr{0x100})
	c2 := m.Intern([]uintptr{0x200})
	require.NotNil(t, c1)
	require.NotNil(t, c2)

	v1, v2 := Stack(c1), Stack(c2)
	assert.NotEqual(t, v1, v2)
	// One of them sorts first; the relation must be consistent.
	assert.NotEqual(t, v1.Less(v2), v2.Less(v1))
	assert.False(t, v1.Less(v1))
}

func TestAccessorsAndString(t *testing.T) {
	v := Size(96)
	assert.Equal(t, KindSize, v.Kind())
	assert.Equal(t, uint32(96), v.SizeBytes())
	assert.Equal(t, "96", v.String())
	assert.Equal(t, "size", v.Kind().String())

	var none Value
	assert.Equal(t, KindNone, none.Kind())
	assert.Equal(t, "(none)", none.String())
}
