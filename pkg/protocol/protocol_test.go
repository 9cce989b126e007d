package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_OK(t *testing.T) {
	r := Parse("ok")
	assert.Equal(t, KindOK, r.Kind)
}

func TestParse_Error(t *testing.T) {
	r := Parse("error:9")
	require.Equal(t, KindError, r.Kind)
	assert.Equal(t, 9, r.ErrorCode)
}

func TestParse_AlarmCaseInsensitive(t *testing.T) {
	r := Parse("alarm:2")
	require.Equal(t, KindAlarm, r.Kind)
	assert.Equal(t, 2, r.AlarmCode)
}

func TestParse_Setting(t *testing.T) {
	r := Parse("$110=500.000")
	require.Equal(t, KindSetting, r.Kind)
	assert.Equal(t, 110, r.SettingNum)
	assert.Equal(t, "500.000", r.SettingVal)
}

func TestParse_Banner(t *testing.T) {
	r := Parse("Grbl 1.1h ['$' for help]")
	assert.Equal(t, KindBanner, r.Kind)
}

func TestParse_Free(t *testing.T) {
	r := Parse("some unrelated text")
	assert.Equal(t, KindFree, r.Kind)
}

func TestParseStatusFrame_OnlyStateRequired(t *testing.T) {
	frame, ok := ParseStatusFrame("<Idle>")
	require.True(t, ok)
	assert.Equal(t, StateIdle, frame.State)
	assert.False(t, frame.HasMPos)
}

func TestParseStatusFrame_FullPermutedFields(t *testing.T) {
	// Fields intentionally out of the usual order to exercise order-independence.
	line := "<Run:1|Bf:15,120|FS:500,12000|MPos:1.000,2.000,3.000|WCO:0.000,0.000,0.000|Ln:42|Pn:XYD>"
	frame, ok := ParseStatusFrame(line)
	require.True(t, ok)

	assert.Equal(t, StateRun, frame.State)
	assert.Equal(t, "1", frame.SubState)
	assert.True(t, frame.HasMPos)
	assert.Equal(t, Vec3{X: 1, Y: 2, Z: 3}, frame.MPos)
	assert.True(t, frame.HasWCO)
	assert.True(t, frame.HasFS)
	assert.Equal(t, FeedSpindle{Feed: 500, Spindle: 12000}, frame.FS)
	assert.True(t, frame.HasBuffer)
	assert.Equal(t, BufferState{PlannerFree: 15, RxFree: 120}, frame.Buffer)
	assert.True(t, frame.HasLineNo)
	assert.Equal(t, 42, frame.LineNo)
	assert.True(t, frame.HasPins)
	assert.True(t, frame.Pins.X)
	assert.True(t, frame.Pins.Y)
	assert.True(t, frame.Pins.Door)
	assert.False(t, frame.Pins.Z)
}

func TestParseStatusFrame_RejectsMalformed(t *testing.T) {
	_, ok := ParseStatusFrame("not a frame")
	assert.False(t, ok)

	_, ok = ParseStatusFrame("<>")
	assert.False(t, ok)
}

func TestParse_IsPureAcrossCalls(t *testing.T) {
	line := "<Idle|MPos:0.000,0.000,0.000>"
	a := Parse(line)
	b := Parse(line)
	assert.Equal(t, a, b)
}
