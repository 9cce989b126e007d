package streaming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocess_StripsCommentsAndBlankLines(t *testing.T) {
	src := "G0 X1 Y2 ; move to start\n\n(this is a comment)\nG1 X3 (inline) Y4\n"
	prog, err := Preprocess("test.nc", strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, prog.Lines, 2)
	assert.Equal(t, "G0X1Y2", prog.Lines[0].Raw)
	assert.Equal(t, "G1X3Y4", prog.Lines[1].Raw)
}

func TestPreprocess_DropsUnrecognizedLines(t *testing.T) {
	src := "not a command\nG1 X1\n% program marker\n"
	prog, err := Preprocess("test.nc", strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, prog.Lines, 1)
	assert.Equal(t, "G1X1", prog.Lines[0].Raw)
}

func TestPreprocess_ClassifiesMovementToolAndCoordLines(t *testing.T) {
	src := "G1 X1\nT2\nG54\nM3 S1000\n"
	prog, err := Preprocess("test.nc", strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, prog.Lines, 4)
	assert.True(t, prog.Lines[0].Meta.Movement)
	assert.True(t, prog.Lines[1].Meta.ToolChange)
	assert.True(t, prog.Lines[2].Meta.CoordChange)
	assert.False(t, prog.Lines[3].Meta.Movement)
}

func TestPreprocess_UppercasesAndRemovesInternalWhitespace(t *testing.T) {
	src := "g1 x 1 . 5 y2\n"
	prog, err := Preprocess("test.nc", strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, prog.Lines, 1)
	assert.Equal(t, "G1X1.5Y2", prog.Lines[0].Raw)
}
