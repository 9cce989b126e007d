package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryManager_NoChunkingWithinBudget(t *testing.T) {
	m := NewMemoryManager(64*1024*1024, 50000)
	assert.False(t, m.ShouldChunk(1000))
}

func TestMemoryManager_ChunksWhenOverBudget(t *testing.T) {
	m := NewMemoryManager(1024, 50000)
	assert.True(t, m.ShouldChunk(10_000_000))
}

func TestMemoryManager_RecommendedChunkLinesRespectsBudget(t *testing.T) {
	m := NewMemoryManager(4800, 50000) // 100 lines at 48 bytes/line
	assert.LessOrEqual(t, m.RecommendedChunkLines(), 50000)
	assert.GreaterOrEqual(t, m.RecommendedChunkLines(), m.minChunkLines)
}

func TestChunks_SplitsPreservingOrder(t *testing.T) {
	lines := make([]ProgramLine, 25)
	for i := range lines {
		lines[i] = ProgramLine{Raw: string(rune('A' + i%26))}
	}
	chunks := Chunks(lines, 10)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[2], 5)
	assert.Equal(t, lines[0], chunks[0][0])
}
