package streaming

// MemoryManager decides when a large program is streamed in chunks and how
// many lines each chunk holds. It estimates a program's footprint from its
// line count and an average line width; it does not measure process memory
// (RSS), and chunks are in-memory slices, not disk-backed files.
type MemoryManager struct {
	budgetBytes      int64
	avgLineBytes     int64
	minChunkLines    int
	defaultChunkLines int
}

func NewMemoryManager(budgetBytes int64, defaultChunkLines int) *MemoryManager {
	if defaultChunkLines <= 0 {
		defaultChunkLines = 50000
	}
	return &MemoryManager{
		budgetBytes:       budgetBytes,
		avgLineBytes:      48, // conservative estimate for a normalized G-code line
		minChunkLines:     1000,
		defaultChunkLines: defaultChunkLines,
	}
}

// RecommendedChunkLines caps the configured chunk size so that one chunk's
// estimated footprint fits the memory budget, but never goes below
// minChunkLines, so a small budget can yield a chunk larger than the budget.
func (m *MemoryManager) RecommendedChunkLines() int {
	if m.budgetBytes <= 0 {
		return m.defaultChunkLines
	}
	maxLines := int(m.budgetBytes / m.avgLineBytes)
	if maxLines < m.minChunkLines {
		maxLines = m.minChunkLines
	}
	if maxLines > m.defaultChunkLines {
		return m.defaultChunkLines
	}
	return maxLines
}

// ShouldChunk reports whether a program of the given line count exceeds the
// memory budget by the line-width estimate and should be streamed in
// chunks.
func (m *MemoryManager) ShouldChunk(totalLines int) bool {
	if m.budgetBytes <= 0 {
		return false
	}
	estimated := int64(totalLines) * m.avgLineBytes
	return estimated > m.budgetBytes
}

// Chunks splits lines into RecommendedChunkLines()-sized slices, preserving
// order; the last chunk may be shorter.
func Chunks(lines []ProgramLine, chunkLines int) [][]ProgramLine {
	if chunkLines <= 0 {
		return [][]ProgramLine{lines}
	}
	var chunks [][]ProgramLine
	for i := 0; i < len(lines); i += chunkLines {
		end := i + chunkLines
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, lines[i:end])
	}
	return chunks
}
