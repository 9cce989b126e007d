package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/executor"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/transport"
)

func newTestEngine(t *testing.T) (*Engine, *executor.Executor, *transport.FakePort) {
	t.Helper()
	port := transport.NewFakePort()
	tr, err := transport.Open(port.OpenFunc(), "/dev/fake", 115200, transport.DefaultFraming(), 1, time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	execCfg := config.DefaultExecutorConfig()
	execCfg.CommandTimeout = 500 * time.Millisecond
	linkCfg := config.DefaultLinkConfig()
	linkCfg.LineEnding = "\n"

	ex := executor.New(tr, execCfg, linkCfg, eventbus.New(32), logging.NewLogger(nil))
	ex.Start()
	t.Cleanup(ex.Close)

	streamCfg := config.DefaultStreamingConfig()
	streamCfg.BatchSize = 2
	eng := New(streamCfg, "\n", ex, eventbus.New(32), logging.NewLogger(nil), nil, nil)
	return eng, ex, port
}

// autoAck feeds "ok" for every line the FakePort observes being written,
// simulating a controller that accepts everything instantly.
func autoAck(t *testing.T, port *transport.FakePort, stop <-chan struct{}) {
	t.Helper()
	go func() {
		seen := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			written := port.Written()
			lines := countLines(written)
			for seen < lines {
				port.Feed("ok")
				seen++
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func countLines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestEngine_RunCompletesSimpleProgram(t *testing.T) {
	eng, _, port := newTestEngine(t)
	stop := make(chan struct{})
	defer close(stop)
	autoAck(t, port, stop)

	prog := &Program{Path: "p.nc", Lines: []ProgramLine{
		{Raw: "G0X1"}, {Raw: "G0X2"}, {Raw: "G0X3"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := eng.Run(ctx, prog)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, eng.Phase())
	assert.Equal(t, 3, eng.State().Completed)
}

func TestEngine_BannerResetPausesStream(t *testing.T) {
	eng, _, port := newTestEngine(t)
	stop := make(chan struct{})
	defer close(stop)
	autoAck(t, port, stop)

	prog := &Program{Path: "p.nc", Lines: []ProgramLine{
		{Raw: "G0X1"}, {Raw: "G0X2"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(5 * time.Millisecond)
		eng.OnBannerReset()
	}()

	err := eng.Run(ctx, prog)
	assert.Error(t, err)
	assert.Equal(t, PhasePaused, eng.Phase())
}

func TestEngine_CannotRunWhileBusy(t *testing.T) {
	eng, _, port := newTestEngine(t)
	stop := make(chan struct{})
	defer close(stop)
	autoAck(t, port, stop)

	prog := &Program{Path: "p.nc", Lines: []ProgramLine{{Raw: "G0X1"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, prog) }()

	time.Sleep(2 * time.Millisecond)
	err := eng.Run(ctx, prog)
	assert.Error(t, err)

	<-done
}

func TestEngine_ResumeFromCheckpointStartsAtCursor(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, 5, nil)
	cp, err := store.Save("p.nc", 2, nil)
	require.NoError(t, err)

	eng, _, port := newTestEngine(t)
	eng.store = store
	stop := make(chan struct{})
	defer close(stop)
	autoAck(t, port, stop)

	prog := &Program{Path: "p.nc", Lines: []ProgramLine{
		{Raw: "G0X1"}, {Raw: "G0X2"}, {Raw: "G0X3"}, {Raw: "G0X4"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = eng.ResumeFromCheckpoint(ctx, prog, cp)
	require.NoError(t, err)
	assert.Equal(t, 4, eng.State().CurrentLine)
}
