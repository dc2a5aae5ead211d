package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask32At(t *testing.T) {
	buf := make([]byte, 8)
	m := At(buf[4:])
	m.Set(3)
	assert.Equal(t, uint32(1<<3), At(buf[4:]).Load())
}

func TestMask32CountAndSet(t *testing.T) {
	var m Mask32

	assert.Equal(t, 0, m.Count())

	m.Set(0)
	m.Set(17)
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, uint32(1<<0|1<<17), m.Load())
}

func TestMask32Clear(t *testing.T) {
	var m Mask32
	m.Set(3)
	m.Set(5)

	m.Clear(3)
	assert.Equal(t, uint32(1<<5), m.Load())
}

func TestMask32ClearBits(t *testing.T) {
	var m Mask32
	m.Store(0b1111)

	m.ClearBits(0b0101)
	assert.Equal(t, uint32(0b1010), m.Load())
}

func TestMask32ClaimLowestClear(t *testing.T) {
	var m Mask32

	idx, ok := m.ClaimLowestClear()
	assert.True(t, ok)
	assert.Equal(t, uint32(0), idx)

	m.Set(1)
	idx, ok = m.ClaimLowestClear()
	assert.True(t, ok)
	assert.Equal(t, uint32(2), idx)
}

func TestMask32ClaimLowestClearExhausted(t *testing.T) {
	var m Mask32
	m.Store(^uint32(0))

	_, ok := m.ClaimLowestClear()
	assert.False(t, ok)
}

func TestTraverse(t *testing.T) {
	var got []uint32
	Traverse(0b100101, func(idx uint32) bool {
		got = append(got, idx)
		return true
	})
	assert.Equal(t, []uint32{0, 2, 5}, got)
}

func TestTraverseStopsEarly(t *testing.T) {
	var got []uint32
	Traverse(0b111, func(idx uint32) bool {
		got = append(got, idx)
		return false
	})
	assert.Equal(t, []uint32{0}, got)
}

func TestTraverseEmpty(t *testing.T) {
	called := false
	Traverse(0, func(uint32) bool {
		called = true
		return true
	})
	assert.False(t, called)
}
