// Package streaming implements the Streaming Engine of spec.md §4.9: a
// G-code preprocessor, a pause/resume/checkpoint-capable stream loop, and a
// MemoryManager for chunked operation over very large programs.
//
// Grounded on pkg/protocol/protocol.go's prefix/substring classification
// style for the line-acceptance pattern (spec.md has no teacher precedent
// for G-code preprocessing; the filtering rules below follow spec.md §4.9's
// wire text directly), and on pkg/executor/executor.go's AppendTerm sizing
// helper for batch-fit calculations.
package streaming

import (
	"bufio"
	"io"
	"strings"
)

// LineMeta carries the per-line classification spec.md §4.9 requires
// ("movement? tool-change? coord-change?").
type LineMeta struct {
	Movement    bool
	ToolChange  bool
	CoordChange bool
}

// ProgramLine is one accepted, normalized line of a Program.
type ProgramLine struct {
	Raw  string
	Meta LineMeta
}

// Program is the preprocessed, append-only sequence of lines the Streaming
// Engine walks (spec.md invariant #6).
type Program struct {
	Path  string
	Lines []ProgramLine
}

// isAccepted reports whether token starts with one of the leaders spec.md
// §4.9 retains: G-code, M-code, T-code, and '$' system commands.
func isAccepted(token string) bool {
	if token == "" {
		return false
	}
	switch token[0] {
	case 'G', 'M', 'T', '$':
		return true
	default:
		return false
	}
}

// Preprocess reads a G-code program and produces a Program: blank lines and
// comments are dropped, inline comments are stripped, tokens are
// uppercased and internal whitespace is removed, and only lines whose
// leading token matches the accepted command pattern are retained.
func Preprocess(path string, r io.Reader) (*Program, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prog := &Program{Path: path}
	for scanner.Scan() {
		line := stripComments(scanner.Text())
		line = strings.ToUpper(strings.Join(strings.Fields(line), ""))
		if line == "" {
			continue
		}
		if !isAccepted(line) {
			continue
		}
		prog.Lines = append(prog.Lines, ProgramLine{Raw: line, Meta: classify(line)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return prog, nil
}

// stripComments removes ";" to end-of-line comments and "(...)" inline
// comments, which may appear more than once per line.
func stripComments(line string) string {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	var b strings.Builder
	depth := 0
	for _, r := range line {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// classify derives per-line metadata from the normalized, comment-free line.
func classify(line string) LineMeta {
	var meta LineMeta
	switch {
	case strings.HasPrefix(line, "G0") || strings.HasPrefix(line, "G1") ||
		strings.HasPrefix(line, "G2") || strings.HasPrefix(line, "G3"):
		meta.Movement = true
	}
	if strings.HasPrefix(line, "T") {
		meta.ToolChange = true
	}
	if strings.Contains(line, "G54") || strings.Contains(line, "G55") ||
		strings.Contains(line, "G56") || strings.Contains(line, "G57") ||
		strings.Contains(line, "G58") || strings.Contains(line, "G59") {
		meta.CoordChange = true
	}
	return meta
}
