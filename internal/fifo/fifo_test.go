package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFifoPushPop(t *testing.T) {
	f := NewFifo[int](3)
	assert.Equal(t, 3, f.Space())
	assert.Equal(t, 0, f.Occupied())

	_, ok := f.Pop()
	assert.False(t, ok)

	assert.True(t, f.Push(1))
	assert.True(t, f.Push(2))
	assert.True(t, f.Push(3))
	assert.False(t, f.Push(4))
	assert.Equal(t, 0, f.Space())
	assert.Equal(t, 3, f.Occupied())

	for _, expected := range []int{1, 2, 3} {
		element, ok := f.Pop()
		assert.True(t, ok)
		assert.Equal(t, expected, element)
	}
	_, ok = f.Pop()
	assert.False(t, ok)
}

func TestFifoWrapAround(t *testing.T) {
	f := NewFifo[int](4)
	// Cycle enough elements through to wrap the internal positions several
	// times
	for i := 0; i < 25; i++ {
		assert.True(t, f.Push(i))
		element, ok := f.Pop()
		assert.True(t, ok)
		assert.Equal(t, i, element)
	}
	assert.Equal(t, 4, f.Space())
}

func TestFifoReset(t *testing.T) {
	f := NewFifo[string](2)
	assert.True(t, f.Push("a"))
	assert.True(t, f.Push("b"))
	f.Reset()
	assert.Equal(t, 0, f.Occupied())
	assert.Equal(t, 2, f.Space())
	_, ok := f.Pop()
	assert.False(t, ok)
}
