// Package poller implements the Status Poller of spec.md §4.4: it issues a
// single out-of-band status query byte on an adaptive cadence, and the
// ensuing StatusFrame is routed to it by Response Kind rather than through
// the command queue (spec.md §9's first Open Question — out-of-band,
// mandated here). Grounded on pkg/resilience/health_monitor.go's
// ticker-plus-ctx-cancel monitoring loop, generalized from a fixed interval
// to the three-tier fast/normal/slow cadence spec.md requires.
package poller

import (
	"fmt"
	"sync"
	"time"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/metrics"
	"github.com/grblhost/grblhost/pkg/protocol"
)

// Rate is the current polling cadence tier.
type Rate int

const (
	RateFast Rate = iota
	RateNormal
	RateSlow
)

func (r Rate) String() string {
	switch r {
	case RateFast:
		return "fast"
	case RateNormal:
		return "normal"
	case RateSlow:
		return "slow"
	default:
		return "unknown"
	}
}

// Immediate is the subset of executor.Executor the Poller needs: a way to
// send the out-of-band status byte without going through the command queue.
type Immediate interface {
	SubmitImmediate(b byte) error
}

// RateChange is published on the "state_change"-adjacent internal channel
// whenever the cadence tier changes (spec.md: "Rate transitions are
// reported").
type RateChange struct {
	From, To Rate
}

// Poller owns the polling cadence task (spec.md §5: "One Poller task owns
// polling cadence").
type Poller struct {
	cfg config.PollerConfig
	tr  Immediate
	bus *eventbus.Bus
	log *logging.Logger

	mu           sync.Mutex
	rate         Rate
	lastActivity time.Time
	lastState    protocol.MachineState
	lastMPos     protocol.Vec3
	haveLastMPos bool
	missed       int
	awaitingAck  bool
	lastPollSent time.Time

	statusByteFn func() byte

	metrics *metrics.Registry

	cancel chan struct{}
	done   chan struct{}
}

// New creates a Poller. The statusByte override exists purely so tests can
// observe which byte was requested; production always uses
// transport.ByteStatusQuery.
func New(cfg config.PollerConfig, tr Immediate, bus *eventbus.Bus, log *logging.Logger, statusByte byte) *Poller {
	return &Poller{
		cfg:          cfg,
		tr:           tr,
		bus:          bus,
		log:          log.WithComponent("poller"),
		rate:         RateNormal,
		lastActivity: time.Now(),
		statusByteFn: func() byte { return statusByte },
	}
}

// SetMetrics attaches the Prometheus registry the Poller exports
// poller_rate_active to. Optional: a Poller with no registry set just skips
// the gauge update.
func (p *Poller) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

func (p *Poller) reportRate(r Rate) {
	if p.metrics == nil {
		return
	}
	for _, tier := range []Rate{RateFast, RateNormal, RateSlow} {
		v := 0.0
		if tier == r {
			v = 1.0
		}
		p.metrics.PollRate.WithLabelValues(tier.String()).Set(v)
	}
}

// Start begins the cadence loop.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	p.cancel = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop()
}

// Stop halts the cadence loop. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

// PollNow issues one immediate out-of-band status query, independent of the
// cadence timer. Idempotent with respect to Mirror state: polling never
// mutates the machine (invariant #4), it only requests a read.
func (p *Poller) PollNow() error {
	return p.tr.SubmitImmediate(p.statusByteFn())
}

func (p *Poller) loop() {
	defer close(p.done)

	interval := p.currentInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.cancel:
			return
		case <-ticker.C:
			if p.checkMissedAndRecord() {
				p.bus.Publish("poll_failure", fmt.Errorf("poller: exceeded max_missed (%d) consecutive polls", p.cfg.MaxMissed))
				return
			}
			if err := p.PollNow(); err != nil {
				p.log.Warnf("poll_now failed: %v", err)
			} else {
				p.mu.Lock()
				p.awaitingAck = true
				p.lastPollSent = time.Now()
				p.mu.Unlock()
			}
			newInterval := p.currentInterval()
			if newInterval != interval {
				interval = newInterval
				ticker.Reset(interval)
			}
		}
	}
}

// checkMissedAndRecord detects whether the previous poll never got a
// response within poll_timeout_ms, and returns true once the consecutive
// miss count exceeds max_missed.
func (p *Poller) checkMissedAndRecord() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.awaitingAck && time.Since(p.lastPollSent) > p.cfg.PollTimeout {
		p.missed++
		p.awaitingAck = false
	}
	return p.missed > p.cfg.MaxMissed
}

// OnStatusFrame feeds a parsed StatusFrame back into the Poller so it can
// track activity for the adaptive-rate decision and emit derived events.
// Wired as the Executor's status callback.
func (p *Poller) OnStatusFrame(frame protocol.StatusFrame) {
	p.mu.Lock()
	p.missed = 0
	p.awaitingAck = false

	active := isActivityState(frame.State)
	if active {
		p.lastActivity = time.Now()
	}

	oldState := p.lastState
	p.lastState = frame.State

	var moved bool
	var dist protocol.Vec3
	if frame.HasMPos {
		if p.haveLastMPos {
			dist = protocol.Vec3{
				X: frame.MPos.X - p.lastMPos.X,
				Y: frame.MPos.Y - p.lastMPos.Y,
				Z: frame.MPos.Z - p.lastMPos.Z,
			}
			moved = dist != (protocol.Vec3{})
		}
		p.lastMPos = frame.MPos
		p.haveLastMPos = true
	}

	oldRate := p.rate
	newRate := p.computeRate()
	p.rate = newRate
	p.mu.Unlock()

	p.bus.Publish("status_update", frame)
	if oldState != frame.State {
		p.bus.Publish("state_change", [2]protocol.MachineState{oldState, frame.State})
	}
	if moved {
		p.bus.Publish("position_change", dist)
	}
	if frame.HasBuffer {
		p.checkBufferThresholds(frame)
	}
	if frame.State == protocol.StateAlarm {
		p.bus.Publish("alarm_detected", 0)
	}
	if frame.HasPins {
		if frame.Pins.X || frame.Pins.Y || frame.Pins.Z {
			p.bus.Publish("limit_switch_active", frame.Pins)
		}
		if frame.Pins.Door {
			p.bus.Publish("door_open", nil)
		}
	}
	if oldRate != newRate {
		p.bus.Publish("poll_rate_change", RateChange{From: oldRate, To: newRate})
		p.reportRate(newRate)
	}
}

// bufferLowPercent/bufferHighPercent are compared directly against the raw
// rx_free byte count of a StatusFrame (not a percentage of capacity) to
// emit buffer_low/buffer_high events.
const (
	bufferLowPercent  = 20
	bufferHighPercent = 80
)

func (p *Poller) checkBufferThresholds(frame protocol.StatusFrame) {
	total := frame.Buffer.RxFree
	if total <= 0 {
		return
	}
	// RxFree alone doesn't carry capacity; treat low values as low and
	// treat recovery to a comfortably large free count as high. Without a
	// known capacity this is necessarily a heuristic over the raw free
	// count, which is what spec.md's buffer field actually reports.
	if frame.Buffer.RxFree <= bufferLowPercent {
		p.bus.Publish("buffer_low", frame.Buffer)
	} else if frame.Buffer.RxFree >= bufferHighPercent {
		p.bus.Publish("buffer_high", frame.Buffer)
	}
}

func isActivityState(s protocol.MachineState) bool {
	switch s {
	case protocol.StateRun, protocol.StateJog, protocol.StateHome, protocol.StateHold:
		return true
	default:
		return false
	}
}

// computeRate implements the three-tier adaptive cadence: activity within
// 5s → fast, no activity for >30s → slow, otherwise normal.
func (p *Poller) computeRate() Rate {
	since := time.Since(p.lastActivity)
	switch {
	case since <= 5*time.Second:
		return RateFast
	case since > 30*time.Second:
		return RateSlow
	default:
		return RateNormal
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.rate {
	case RateFast:
		return p.cfg.FastInterval
	case RateSlow:
		return p.cfg.SlowInterval
	default:
		return p.cfg.NormalInterval
	}
}

// CurrentRate reports the active cadence tier, primarily for tests/metrics.
func (p *Poller) CurrentRate() Rate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}
