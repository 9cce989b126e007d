package poller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/protocol"
)

type fakeImmediate struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeImmediate) SubmitImmediate(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeImmediate) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestPoller_PollNowIssuesStatusByte(t *testing.T) {
	fi := &fakeImmediate{}
	cfg := config.DefaultPollerConfig()
	p := New(cfg, fi, eventbus.New(8), logging.NewLogger(nil), 0x3F)

	require.NoError(t, p.PollNow())
	assert.Equal(t, 1, fi.count())
}

func TestPoller_IdempotentRepeatedPollsLeaveSameSnapshot(t *testing.T) {
	fi := &fakeImmediate{}
	cfg := config.DefaultPollerConfig()
	p := New(cfg, fi, eventbus.New(8), logging.NewLogger(nil), 0x3F)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.PollNow())
	}
	frame, ok := protocol.ParseStatusFrame("<Idle|MPos:1.000,2.000,3.000>")
	require.True(t, ok)
	p.OnStatusFrame(frame)

	before := p.lastMPos
	for i := 0; i < 3; i++ {
		require.NoError(t, p.PollNow())
		p.OnStatusFrame(frame)
	}
	assert.Equal(t, before, p.lastMPos)
}

func TestPoller_StopsAfterMaxMissed(t *testing.T) {
	fi := &fakeImmediate{}
	cfg := config.DefaultPollerConfig()
	cfg.FastInterval = 5 * time.Millisecond
	cfg.NormalInterval = 5 * time.Millisecond
	cfg.PollTimeout = 1 * time.Millisecond
	cfg.MaxMissed = 2

	bus := eventbus.New(8)
	failures := bus.Subscribe("poll_failure")

	p := New(cfg, fi, bus, logging.NewLogger(nil), 0x3F)
	p.Start()
	defer p.Stop()

	select {
	case evt := <-failures:
		assert.Equal(t, "poll_failure", evt.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("expected poll_failure event after exceeding max_missed")
	}
}

func TestPoller_AdaptiveRateDropsToSlowAfterInactivity(t *testing.T) {
	fi := &fakeImmediate{}
	cfg := config.DefaultPollerConfig()
	p := New(cfg, fi, eventbus.New(8), logging.NewLogger(nil), 0x3F)

	p.mu.Lock()
	p.lastActivity = time.Now().Add(-31 * time.Second)
	p.rate = p.computeRate()
	p.mu.Unlock()

	assert.Equal(t, RateSlow, p.CurrentRate())
}

func TestPoller_WriteFailureDoesNotPanicAndIsReturned(t *testing.T) {
	fi := &fakeImmediate{err: errors.New("port gone")}
	cfg := config.DefaultPollerConfig()
	p := New(cfg, fi, eventbus.New(8), logging.NewLogger(nil), 0x3F)

	err := p.PollNow()
	assert.Error(t, err)
}
