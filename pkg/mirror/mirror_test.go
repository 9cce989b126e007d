package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/protocol"
)

type fakeCorrector struct{ calls int }

func (f *fakeCorrector) SubmitImmediate(b byte) error {
	f.calls++
	return nil
}

func TestMirror_OnStatusFrameAdvancesSnapshot(t *testing.T) {
	m := New(eventbus.New(8), logging.NewLogger(nil))
	frame, ok := protocol.ParseStatusFrame("<Idle|MPos:1.000,2.000,3.000>")
	require.True(t, ok)

	m.OnStatusFrame(frame)

	snap := m.Snapshot()
	assert.True(t, snap.HasStatus)
	assert.Equal(t, protocol.StateIdle, snap.Status.State)
}

func TestMirror_HomeStateSetsIsHomed(t *testing.T) {
	m := New(eventbus.New(8), logging.NewLogger(nil))
	frame, _ := protocol.ParseStatusFrame("<Home>")
	m.OnStatusFrame(frame)
	assert.True(t, m.Snapshot().IsHomed)
}

func TestSynchronizer_HardwarePriorityOverwritesMirror(t *testing.T) {
	m := New(eventbus.New(8), logging.NewLogger(nil))
	stale, _ := protocol.ParseStatusFrame("<Idle|MPos:0.000,0.000,0.000>")
	m.OnStatusFrame(stale)

	cfg := config.DefaultSynchronizerConfig()
	cfg.Policy = string(PolicyHardwarePriority)
	sync := NewSynchronizer(m, cfg, eventbus.New(8), &fakeCorrector{})

	truth, _ := protocol.ParseStatusFrame("<Idle|MPos:5.000,5.000,0.000>")
	diffs := sync.Compare(truth)
	require.NotEmpty(t, diffs)

	sync.Resolve(truth, diffs)
	assert.Equal(t, protocol.Vec3{X: 5, Y: 5, Z: 0}, m.Snapshot().Status.MPos)
}

func TestSynchronizer_SoftwarePriorityIssuesCorrectiveQuery(t *testing.T) {
	m := New(eventbus.New(8), logging.NewLogger(nil))
	stale, _ := protocol.ParseStatusFrame("<Idle|MPos:0.000,0.000,0.000>")
	m.OnStatusFrame(stale)

	cfg := config.DefaultSynchronizerConfig()
	cfg.Policy = string(PolicySoftwarePriority)
	corrector := &fakeCorrector{}
	sync := NewSynchronizer(m, cfg, eventbus.New(8), corrector)

	truth, _ := protocol.ParseStatusFrame("<Idle|MPos:5.000,5.000,0.000>")
	diffs := sync.Compare(truth)
	require.NotEmpty(t, diffs)
	sync.Resolve(truth, diffs)

	assert.Equal(t, 1, corrector.calls)
	// Mirror stays stale under software_priority until a confirmed command advances it.
	assert.Equal(t, protocol.Vec3{X: 0, Y: 0, Z: 0}, m.Snapshot().Status.MPos)
}

func TestSynchronizer_NoDiscrepanciesWithinTolerance(t *testing.T) {
	m := New(eventbus.New(8), logging.NewLogger(nil))
	frame, _ := protocol.ParseStatusFrame("<Idle|MPos:1.000,1.000,1.000>")
	m.OnStatusFrame(frame)

	cfg := config.DefaultSynchronizerConfig()
	sync := NewSynchronizer(m, cfg, eventbus.New(8), &fakeCorrector{})

	truth, _ := protocol.ParseStatusFrame("<Idle|MPos:1.005,1.000,1.000>")
	diffs := sync.Compare(truth)
	assert.Empty(t, diffs)
}
