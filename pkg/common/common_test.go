package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUUIDint64Unique(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := UUIDint64()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewChipID(t *testing.T) {
	a, b := NewChipID(), NewChipID()
	assert.Len(t, a, 15)
	assert.NotEqual(t, a, b)
}

func TestInSlice(t *testing.T) {
	assert.True(t, InSlice(2, []int{1, 2, 3}))
	assert.False(t, InSlice("x", []string{"a"}))
	assert.True(t, IsEmpty("  "))
}
