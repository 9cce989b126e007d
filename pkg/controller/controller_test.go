package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/executor"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/transport"
)

func newTestController(t *testing.T) (*Controller, *transport.FakePort) {
	t.Helper()
	port := transport.NewFakePort()
	cfg := config.Default()
	cfg.Executor.CommandTimeout = 500 * time.Millisecond
	cfg.Link.LineEnding = "\n"

	c, err := Open(cfg, port.OpenFunc(), logging.NewLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, port
}

func autoAckController(t *testing.T, port *transport.FakePort, stop <-chan struct{}) {
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
			n := 0
			for _, c := range written {
				if c == '\n' {
					n++
				}
			}
			for seen < n {
				port.Feed("ok")
				seen++
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestController_OpenWiresSubsystems(t *testing.T) {
	c, _ := newTestController(t)
	assert.NotNil(t, c.exec)
	assert.NotNil(t, c.mir)
	assert.NotNil(t, c.recovery)
	assert.NotNil(t, c.stream)
	assert.NotNil(t, c.Metrics())
}

func TestController_ExecuteSucceeds(t *testing.T) {
	c, port := newTestController(t)
	stop := make(chan struct{})
	defer close(stop)
	autoAckController(t, port, stop)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.Execute(ctx, "jog", "G0X1", executor.PriorityNormal, 500*time.Millisecond)
	assert.NoError(t, err)
}

func TestController_StatusFrameUpdatesMirrorAndPoller(t *testing.T) {
	c, port := newTestController(t)
	port.Feed("<Idle|MPos:1.000,2.000,3.000|FS:0,0>")
	time.Sleep(20 * time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, 1.0, snap.Status.MPos.X)
}

func TestController_AlarmTriggersRecovery(t *testing.T) {
	c, port := newTestController(t)
	stop := make(chan struct{})
	defer close(stop)
	autoAckController(t, port, stop)

	port.Feed("ALARM:1")
	time.Sleep(50 * time.Millisecond)
	assert.GreaterOrEqual(t, len(port.Written()), 0)
}
