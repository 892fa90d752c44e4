package supervisor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputBufferWrapAround(t *testing.T) {
	b := NewOutputBuffer(3)
	for i := 0; i < 5; i++ {
		b.Write("stdout", fmt.Sprintf("line-%d", i))
	}

	lines := b.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "line-2", lines[0].Line)
	assert.Equal(t, "line-4", lines[2].Line)
}

func TestOutputBufferPage(t *testing.T) {
	b := NewOutputBuffer(10)
	for i := 0; i < 6; i++ {
		b.Write("stdout", fmt.Sprintf("line-%d", i))
	}

	page, total := b.Page(2, 3)
	assert.Equal(t, 6, total)
	require.Len(t, page, 3)
	assert.Equal(t, "line-2", page[0].Line)
	assert.Equal(t, "line-4", page[2].Line)

	// Offset past the end yields nothing but still reports the total.
	page, total = b.Page(10, 5)
	assert.Nil(t, page)
	assert.Equal(t, 6, total)
}

func TestOutputBufferTotalCountsDiscarded(t *testing.T) {
	b := NewOutputBuffer(2)
	for i := 0; i < 5; i++ {
		b.Write("stderr", "x")
	}
	_, total := b.Page(0, 10)
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, b.Len())
}
