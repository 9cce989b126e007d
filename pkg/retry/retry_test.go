package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grblhost/grblhost/pkg/classifier"
	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/logging"
)

func testConfig() config.RetryConfig {
	cfg := config.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.BreakerResetTimeout = 20 * time.Millisecond
	cfg.BreakerThreshold = 2
	return cfg
}

func TestManager_SucceedsOnFirstAttempt(t *testing.T) {
	m := New(testConfig(), classifier.New(nil), logging.NewLogger(nil), nil)
	calls := 0
	err := m.Execute(context.Background(), "jog", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestManager_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	m := New(testConfig(), classifier.New(nil), logging.NewLogger(nil), nil)
	calls := 0
	err := m.Execute(context.Background(), "jog", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("operation timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestManager_DoesNotRetryNonRetryableError(t *testing.T) {
	m := New(testConfig(), classifier.New(nil), logging.NewLogger(nil), nil)
	calls := 0
	err := m.Execute(context.Background(), "jog", func(ctx context.Context) error {
		calls++
		return errors.New("hard limit triggered")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestManager_BreakerOpensAfterThresholdAndBlocks(t *testing.T) {
	cfg := testConfig()
	m := New(cfg, classifier.New(nil), logging.NewLogger(nil), nil)

	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "jog", func(ctx context.Context) error {
			return errors.New("hard limit triggered")
		})
	}
	assert.Equal(t, StateOpen, m.BreakerState("jog"))

	err := m.Execute(context.Background(), "jog", func(ctx context.Context) error {
		t.Fatal("fn must not run while breaker is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestManager_BreakerHalfOpensAfterResetTimeout(t *testing.T) {
	cfg := testConfig()
	m := New(cfg, classifier.New(nil), logging.NewLogger(nil), nil)

	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "jog", func(ctx context.Context) error {
			return errors.New("hard limit triggered")
		})
	}
	require.Equal(t, StateOpen, m.BreakerState("jog"))

	time.Sleep(cfg.BreakerResetTimeout + 5*time.Millisecond)

	err := m.Execute(context.Background(), "jog", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestManager_SeparateClassesHaveIndependentBreakers(t *testing.T) {
	m := New(testConfig(), classifier.New(nil), logging.NewLogger(nil), nil)
	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "jog", func(ctx context.Context) error {
			return errors.New("hard limit triggered")
		})
	}
	require.Equal(t, StateOpen, m.BreakerState("jog"))
	assert.Equal(t, StateClosed, m.BreakerState("stream"))
}
