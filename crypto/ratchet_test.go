package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvanceChainDeterministic(t *testing.T) {
	root := make([]byte, 32)
	for i := range root {
		root[i] = byte(i)
	}

	r1, k1, err := AdvanceChain(root)
	assert.NoError(t, err)
	r2, k2, err := AdvanceChain(root)
	assert.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, k1, k2)
}

func TestAdvanceChainForwardOnly(t *testing.T) {
	root := make([]byte, 32)
	root[0] = 1

	seenRoots := map[string]bool{string(root): true}
	seenKeys := map[string]bool{}

	// walk the chain, every step must produce new values and the new root
	// must never equal any earlier state
	current := root
	for i := 0; i < 100; i++ {
		next, key, err := AdvanceChain(current)
		assert.NoError(t, err)
		assert.False(t, seenRoots[string(next)], "root repeated at step %d", i)
		assert.False(t, seenKeys[string(key)], "message key repeated at step %d", i)
		seenRoots[string(next)] = true
		seenKeys[string(key)] = true
		assert.NotEqual(t, next, key)
		current = next
	}
}

func TestAdvanceChainDifferentRootsDiverge(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	b[31] = 1

	ra, ka, _ := AdvanceChain(a)
	rb, kb, _ := AdvanceChain(b)

	assert.NotEqual(t, ra, rb)
	assert.NotEqual(t, ka, kb)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}
