// Package controller is the composition root: it owns one instance of every
// subsystem (spec.md §3's Transport/Executor/Poller/Mirror/Synchronizer/
// Streaming composite) and wires their callbacks and event-bus
// subscriptions together. Nothing outside this package constructs more than
// one subsystem at a time; a CLI or service entrypoint (out of scope here)
// imports only Controller.
//
// Grounded on noisefs's top-level client wiring (one constructor taking a
// Config and returning a struct that owns every collaborator), generalized
// from a fixed two-or-three-collaborator graph into the full nine-subsystem
// graph this host requires.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/grblhost/grblhost/pkg/classifier"
	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/executor"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/metrics"
	"github.com/grblhost/grblhost/pkg/mirror"
	"github.com/grblhost/grblhost/pkg/poller"
	"github.com/grblhost/grblhost/pkg/protocol"
	"github.com/grblhost/grblhost/pkg/recovery"
	"github.com/grblhost/grblhost/pkg/retry"
	"github.com/grblhost/grblhost/pkg/streaming"
	"github.com/grblhost/grblhost/pkg/transport"
)

// Controller owns the full subsystem graph for one serial link.
type Controller struct {
	cfg *config.Config
	log *logging.Logger
	bus *eventbus.Bus

	tr   *transport.SerialTransport
	exec *executor.Executor
	poll *poller.Poller
	mir  *mirror.Mirror
	sync *mirror.Synchronizer

	classifier *classifier.Classifier
	retryMgr   *retry.Manager
	recovery   *recovery.Supervisor
	stream     *streaming.Engine

	metrics *metrics.Registry
}

// Open dials the serial port named in cfg.Link.PortPath and wires every
// subsystem around it. open is the OpenFunc for the underlying port driver;
// production callers pass transport.OpenSerialPort, tests pass a
// transport.FakePort's OpenFunc.
func Open(cfg *config.Config, open transport.OpenFunc, log *logging.Logger) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller: invalid config: %w", err)
	}
	if log == nil {
		log = logging.NewLogger(nil)
	}

	tr, err := transport.Open(open, cfg.Link.PortPath, cfg.Link.BaudRate, transport.DefaultFraming(), cfg.Link.WriteRetry, cfg.Link.WriteRetryBase)
	if err != nil {
		return nil, fmt.Errorf("controller: open transport: %w", err)
	}

	bus := eventbus.New(128)
	reg := metrics.NewRegistry("grblhost")
	exec := executor.New(tr, cfg.Executor, cfg.Link, bus, log)

	cstore := classifier.NewStore(256)
	cls := classifier.New(cstore)
	retryMgr := retry.New(cfg.Retry, cls, log, reg)

	mir := mirror.New(bus, log)
	synchronizer := mirror.NewSynchronizer(mir, cfg.Synchronizer, bus, exec)

	pollr := poller.New(cfg.Poller, exec, bus, log, transport.ByteStatusQuery)
	pollr.SetMetrics(reg)

	cpStore := streaming.NewStore("checkpoints", cfg.Streaming.MaxCheckpoints, reg)
	stream := streaming.New(cfg.Streaming, cfg.Link.LineEnding, exec, bus, log, cpStore, reg)

	c := &Controller{
		cfg:        cfg,
		log:        log.WithComponent("controller"),
		bus:        bus,
		tr:         tr,
		exec:       exec,
		poll:       pollr,
		mir:        mir,
		sync:       synchronizer,
		classifier: cls,
		retryMgr:   retryMgr,
		recovery:   nil, // set below once it can reference exec
		stream:     stream,
		metrics:    reg,
	}

	c.recovery = recovery.New(cfg.Recovery, exec, bus, log, reg)

	// Wire the Retry Manager's mini-recovery hooks (spec.md §4.7):
	// buffer_overflow drains the Executor's own pending queue, and
	// machine_alarm delegates to the Recovery Supervisor using whatever
	// modal/position state the Mirror most recently observed.
	retryMgr.SetDrainer(exec)
	retryMgr.SetRecoverer(retry.RecovererFunc(func(ctx context.Context, kind classifier.Kind) error {
		return c.recovery.Recover(ctx, kind, mir.Snapshot())
	}))

	c.wire()
	c.exec.Start()
	c.poll.Start()
	return c, nil
}

// wire connects every callback and event-bus subscription. It is the
// single place that knows the full fan-out: one StatusFrame feeds the
// Poller's activity tracker, the Mirror's snapshot, the Streaming Engine's
// batch sizing, and the metrics registry all at once.
func (c *Controller) wire() {
	c.exec.SetStatusCallback(func(frame protocol.StatusFrame) {
		c.poll.OnStatusFrame(frame)

		diffs := c.sync.Compare(frame)
		if len(diffs) > 0 {
			c.sync.Resolve(frame, diffs)
		} else {
			c.mir.OnStatusFrame(frame)
		}

		if frame.HasBuffer {
			c.stream.OnStatusUpdate(frame.Buffer.RxFree, true)
			c.metrics.RxFree.Set(float64(frame.Buffer.RxFree))
		} else {
			c.stream.OnStatusUpdate(0, false)
		}
	})

	c.exec.SetSettingCallback(func(num int, val string) {
		c.mir.OnSetting(num, val)
	})

	// Recovery submits commands and waits for their acks, which only the
	// Executor's reader loop routes, so it runs off that loop.
	c.exec.SetAlarmCallback(func(code int) {
		go c.handleAlarm(code)
	})

	resetCh := c.bus.Subscribe("reset_detected")
	go func() {
		for range resetCh {
			c.stream.OnBannerReset()
		}
	}()

	completedCh := c.bus.Subscribe("stream_progress")
	go func() {
		for range completedCh {
			c.metrics.PendingDepth.Set(float64(c.exec.Pending()))
		}
	}()
}

// handleAlarm classifies the alarm code and, if auto-recovery applies,
// drives the Recovery Supervisor's workflow for it using the Mirror's last
// known modal state.
func (c *Controller) handleAlarm(code int) {
	cl := c.classifier.ClassifyAlarmCode(code)
	c.log.Warnf("alarm %d classified as %s (severity=%s retryable=%v)", code, cl.Kind, cl.Severity, cl.Retryable)

	snap := c.mir.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Recovery.RecoveryTimeout)
	defer cancel()

	if err := c.recovery.Recover(ctx, cl.Kind, snap); err != nil {
		c.log.Errorf("recovery for alarm %d (%s) failed: %v", code, cl.Kind, err)
	}
}

// Execute runs payload through the Retry Manager under the named command
// class, submitting to the Executor on each attempt. A failed attempt's
// GRBL error:N/ALARM:N code (when the controller reported one) is carried
// through as a retry.CodeError so the classifier's code-table path runs
// instead of the heuristic layer, per spec.md §4.7.
func (c *Controller) Execute(ctx context.Context, class, payload string, priority executor.Priority, timeout time.Duration) error {
	return c.retryMgr.Execute(ctx, class, func(ctx context.Context) error {
		start := time.Now()
		res, err := c.exec.SubmitAndWait(ctx, payload, priority, timeout)
		c.metrics.CommandLatency.Observe(time.Since(start).Seconds())
		c.metrics.QueueDepthByPrio.WithLabelValues(priority.String()).Set(float64(c.exec.QueueDepth(priority)))

		if err != nil {
			return err
		}
		if !res.Ok() {
			baseErr := fmt.Errorf("controller: command %q failed: kind=%s err=%v", payload, res.Kind, res.Err)
			return &retry.CodeError{
				Err:       baseErr,
				ErrorCode: res.Response.ErrorCode,
				AlarmCode: res.Response.AlarmCode,
			}
		}
		return nil
	})
}

// Stream hands a preprocessed program to the Streaming Engine.
func (c *Controller) Stream(ctx context.Context, program *streaming.Program) error {
	return c.stream.Run(ctx, program)
}

// Snapshot exposes the State Mirror's latest snapshot.
func (c *Controller) Snapshot() mirror.Snapshot {
	return c.mir.Snapshot()
}

// EventBridge returns a websocket Bridge forwarding the named events to a
// single upstream UI connection. Callers mount the returned handler on
// whatever HTTP server they run; this module never listens itself.
func (c *Controller) EventBridge(topics ...string) *eventbus.Bridge {
	if len(topics) == 0 {
		topics = []string{
			"status_update", "alarm_detected", "mirror_updated",
			"stream_progress", "stream_started", "stream_paused",
			"stream_resumed", "stream_stopped", "recovery_started",
			"recovery_succeeded", "recovery_failed",
		}
	}
	return eventbus.NewBridge(c.bus, topics...)
}

// Metrics returns the Prometheus registry so callers can register it.
func (c *Controller) Metrics() *metrics.Registry {
	return c.metrics
}

// Close stops every task in the reverse order they were started: Streaming
// has none running once Stream returns, so this stops the Poller first,
// then the Executor, then closes the Transport and the event bus.
func (c *Controller) Close() error {
	c.poll.Stop()
	c.exec.Close()
	err := c.tr.Close()
	c.bus.Close()
	return err
}
