// Package retry implements the Retry Manager of spec.md §4.7: exponential
// backoff with jitter gated by classifier retryability, guarded by a
// three-state circuit breaker (closed/open/half_open) per command class.
//
// Grounded on pkg/resilience/circuit_breaker.go's CircuitBreaker state
// machine (StateClosed/StateOpen/StateHalfOpen, allowRequest/recordSuccess/
// recordFailure, RecoveryTimeout-gated half-open probing) and its
// RetryWithConfig loop — but replaces the hand-rolled pow()/rand() helpers
// with github.com/cenkalti/backoff/v4, per SPEC_FULL.md's domain stack.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/grblhost/grblhost/pkg/classifier"
	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/metrics"
)

// BreakerState mirrors pkg/resilience/circuit_breaker.go's three states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Execute when the breaker is open and the
// recovery timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("retry: circuit breaker is open")

// Breaker is a per-command-class circuit breaker.
type Breaker struct {
	cfg  config.RetryConfig
	name string

	mu               sync.Mutex
	state            BreakerState
	failures         int64
	successes        int64
	halfOpenRequests int64
	stateChangedAt   time.Time

	onStateChange func(from, to BreakerState)
}

// NewBreaker creates a Breaker for one command class (e.g. "jog", "stream").
func NewBreaker(cfg config.RetryConfig, name string) *Breaker {
	return &Breaker{
		cfg:            cfg,
		name:           name,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

func (b *Breaker) SetStateChangeCallback(cb func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = cb
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.stateChangedAt) >= b.cfg.BreakerResetTimeout {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// Probe requests only, bounded so a flood doesn't reopen the
		// breaker on noise alone.
		return atomic.LoadInt64(&b.halfOpenRequests) < 3
	default:
		return false
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.successes++
	switch b.state {
	case StateHalfOpen:
		atomic.AddInt64(&b.halfOpenRequests, 1)
		if b.successes >= 2 {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.BreakerThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(next BreakerState) {
	prev := b.state
	if prev == next {
		return
	}
	b.state = next
	b.stateChangedAt = time.Now()
	b.failures = 0
	b.successes = 0
	atomic.StoreInt64(&b.halfOpenRequests, 0)
	if b.onStateChange != nil {
		go b.onStateChange(prev, next)
	}
}

// Recoverer is the narrow surface the Retry Manager uses to delegate
// machine_alarm mini-recovery (spec.md §4.7) to the Alarm Recovery
// Supervisor without importing pkg/recovery directly.
type Recoverer interface {
	Recover(ctx context.Context, kind classifier.Kind) error
}

// RecovererFunc adapts a plain function to Recoverer, letting the
// controller close over the Recovery Supervisor and the Mirror snapshot it
// needs without either package importing the other.
type RecovererFunc func(ctx context.Context, kind classifier.Kind) error

func (f RecovererFunc) Recover(ctx context.Context, kind classifier.Kind) error { return f(ctx, kind) }

// Drainer lets the Retry Manager wait out a buffer_overflow condition
// before its next attempt instead of retrying straight into a backlog.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Manager runs operations under exponential backoff, gating retries on the
// classifier's retryability verdict and tripping a Breaker on sustained
// failure, per spec.md §4.7. Before each retry attempt it also runs a
// mini-recovery action appropriate to the failure's classified Kind
// (connection_lost-style faults wait for link restoration, buffer_overflow
// drains the pending queue, machine_alarm delegates to the Recoverer).
type Manager struct {
	cfg        config.RetryConfig
	classifier *classifier.Classifier
	log        *logging.Logger
	metrics    *metrics.Registry

	recoverer Recoverer
	drainer   Drainer

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func New(cfg config.RetryConfig, c *classifier.Classifier, log *logging.Logger, m *metrics.Registry) *Manager {
	if log == nil {
		log = logging.NewLogger(nil)
	}
	return &Manager{
		cfg:        cfg,
		classifier: c,
		log:        log.WithComponent("retry"),
		metrics:    m,
		breakers:   make(map[string]*Breaker),
	}
}

// SetRecoverer wires the Alarm Recovery Supervisor in once the controller
// has constructed it; nil leaves the machine_alarm mini-recovery hook a
// no-op.
func (m *Manager) SetRecoverer(r Recoverer) { m.recoverer = r }

// SetDrainer wires the Executor's queue-drain in once the controller has
// constructed it; nil leaves the buffer_overflow mini-recovery hook a no-op.
func (m *Manager) SetDrainer(d Drainer) { m.drainer = d }

func (m *Manager) breakerFor(class string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[class]
	if !ok {
		b = NewBreaker(m.cfg, class)
		if m.metrics != nil {
			b.SetStateChangeCallback(func(from, to BreakerState) {
				if to == StateOpen {
					m.metrics.BreakerTrips.WithLabelValues(class).Inc()
				}
				m.metrics.SetBreakerState(class, to.String())
			})
		}
		m.breakers[class] = b
	}
	return b
}

// BreakerState reports the current state of a command class's breaker,
// primarily for metrics/diagnostics.
func (m *Manager) BreakerState(class string) BreakerState {
	return m.breakerFor(class).State()
}

// newBackoff builds a cenkalti/backoff/v4 policy from the Retry config,
// allowing MaxRetries retries after the first attempt (MaxRetries+1 calls
// in all).
func (m *Manager) newBackoff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.InitialDelay
	eb.MaxInterval = m.cfg.MaxDelay
	eb.Multiplier = m.cfg.BackoffMultiplier
	eb.RandomizationFactor = jitterFraction(m.cfg.JitterMax, m.cfg.InitialDelay)
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not wall-clock

	bounded := backoff.WithMaxRetries(eb, uint64(m.cfg.MaxRetries))
	return backoff.WithContext(bounded, ctx)
}

func jitterFraction(jitterMax, initial time.Duration) float64 {
	if initial <= 0 {
		return 0
	}
	f := float64(jitterMax) / float64(initial)
	if f > 1 {
		f = 1
	}
	return f
}

// permanentError marks a classifier verdict as non-retryable so
// backoff.Retry stops immediately instead of exhausting the policy.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error  { return p.err }

// CodeError wraps a failed attempt with the GRBL error:N/ALARM:N code the
// controller actually reported, when one is available. Execute unwraps
// this via errors.As so the classifier's authoritative code-table path
// (ClassifyErrorCode/ClassifyAlarmCode) runs instead of the heuristic
// substring layer, which cannot tell a non-retryable syntax_error from a
// transient transport fault. Callers with only an unstructured error (a
// transport timeout, a cancelled context) should return that error
// directly; Execute falls back to the heuristic Classify for those.
type CodeError struct {
	Err       error
	ErrorCode int // non-zero for a controller error:N response
	AlarmCode int // non-zero for a controller ALARM:N response
}

func (e *CodeError) Error() string { return e.Err.Error() }
func (e *CodeError) Unwrap() error  { return e.Err }

// Execute runs fn under the named command class's breaker and backoff
// policy. class groups related operations (e.g. all jog commands) onto one
// breaker so an unrelated command class isn't penalized by a local fault.
func (m *Manager) Execute(ctx context.Context, class string, fn func(context.Context) error) error {
	b := m.breakerFor(class)
	if !b.allow() {
		return ErrBreakerOpen
	}

	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			b.recordSuccess()
			return nil
		}

		cl := m.classify(err)
		if !cl.Retryable {
			b.recordFailure()
			return backoff.Permanent(&permanentError{err: err})
		}

		b.recordFailure()
		m.log.WithField("command_class", class).Warnf("retry: attempt=%d kind=%s err=%v", attempt, cl.Kind, err)
		m.miniRecover(ctx, cl.Kind)
		return err
	}

	err := backoff.Retry(op, m.newBackoff(ctx))
	if err == nil {
		return nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return fmt.Errorf("retry: class=%s exhausted after %d attempts: %w", class, attempt, err)
}

// classify prefers the classifier's code-table path when err carries a
// structured GRBL code, falling back to the heuristic layer for
// unstructured transport/timeout errors.
func (m *Manager) classify(err error) classifier.Classification {
	var coded *CodeError
	if errors.As(err, &coded) {
		switch {
		case coded.ErrorCode != 0:
			return m.classifier.ClassifyErrorCode(coded.ErrorCode)
		case coded.AlarmCode != 0:
			return m.classifier.ClassifyAlarmCode(coded.AlarmCode)
		}
	}
	return m.classifier.Classify(err)
}

// miniRecover runs the spec.md §4.7 mini-recovery hook appropriate to kind
// before the next backoff attempt. It is best-effort: a failed or absent
// hook just means the next attempt goes in without the extra help.
func (m *Manager) miniRecover(ctx context.Context, kind classifier.Kind) {
	switch kind {
	case classifier.KindPortUnavailable, classifier.KindReadFailure, classifier.KindWriteFailure, classifier.KindClosed:
		if m.cfg.LinkRestoreWait <= 0 {
			return
		}
		timer := time.NewTimer(m.cfg.LinkRestoreWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}

	case classifier.KindBufferError:
		if m.drainer == nil {
			return
		}
		if err := m.drainer.Drain(ctx); err != nil {
			m.log.Warnf("retry: drain before retry failed: %v", err)
		}

	case classifier.KindHardLimit, classifier.KindSoftLimit, classifier.KindAbortCycle, classifier.KindHomingError, classifier.KindProbeError:
		if m.recoverer == nil {
			return
		}
		if err := m.recoverer.Recover(ctx, kind); err != nil {
			m.log.Warnf("retry: machine_alarm recovery for %s failed: %v", kind, err)
		}
	}
}
