package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("%PDF-1.4 same bytes"))
	b := ContentHash([]byte("%PDF-1.4 same bytes"))
	c := ContentHash([]byte("%PDF-1.4 other bytes"))

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHashString_SeparatesParts(t *testing.T) {
	assert.NotEqual(t, HashString("ab", "c"), HashString("a", "bc"))
	assert.Equal(t, HashString("model", "text"), HashString("model", "text"))
}
