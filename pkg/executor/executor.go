// Package executor implements the Command Executor & Response Router of
// spec.md §4.3: a single writer serializing framed lines onto the
// Transport, a FIFO pending queue correlating the next ok/error to the
// oldest awaiting command, priority-ordered submission, timeouts, real-time
// byte injection, and cancellation.
//
// Grounded on other_examples/grblhal.go's commCh + resultMap design
// (a buffered command channel, a writer goroutine draining it one command
// at a time, a reader goroutine resolving the oldest outstanding result
// channel on "ok"/"error"). This package generalizes that single-FIFO,
// single-priority design into the four-priority queue, buffer-aware
// flow-control, and typed-event-channel version spec.md requires; the
// callback-map-keyed-by-id note in spec.md §9 is heeded by keying
// correlation on FIFO position, not by Command.ID (ID is for logging only).
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/protocol"
	"github.com/grblhost/grblhost/pkg/transport"
)

// Priority determines submission order; immediate > high > normal > low.
// This is distinct from the real-time control bytes (§ submit_immediate),
// which never touch this ordering at all.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityImmediate
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Status is a Command's lifecycle state (spec.md §3).
type Status int

const (
	StatusSubmitted Status = iota
	StatusWriting
	StatusAwaitingAck
	StatusSucceeded
	StatusFailed
	StatusTimedOut
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusWriting:
		return "writing"
	case StatusAwaitingAck:
		return "awaiting_ack"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal failure kinds surfaced on a Result (spec.md §7).
const (
	KindTimeout          = "timeout"
	KindCancelled        = "cancelled"
	KindResetDuringMotion = "reset_during_motion"
	KindControllerError  = "controller_error"
)

// Result is what a Future resolves to.
type Result struct {
	Response protocol.Response
	Kind     string // "" on success, else one of the Kind* constants
	Err      error
}

// Ok reports whether the command completed successfully.
func (r Result) Ok() bool { return r.Kind == "" && r.Err == nil }

// Command is a single submitted line, owned by the submitting caller until
// terminal (spec.md §3).
type Command struct {
	ID             string
	Payload        string
	Priority       Priority
	SubmittedAt    time.Time
	Deadline       time.Time
	RetryPolicyTag string

	mu       sync.Mutex
	status   Status
	resultCh chan Result
	resolved bool
	timer    *time.Timer
}

func (c *Command) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Command) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// resolve delivers a terminal Result exactly once. Returns false if the
// command was already resolved (e.g. a timeout already fired), matching
// spec.md's "ack for a dead head is discarded with a warning".
func (c *Command) resolve(status Status, res Result) bool {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return false
	}
	c.resolved = true
	c.status = status
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.resultCh <- res
	close(c.resultCh)
	return true
}

// Future is the awaitable handle returned by Submit.
type Future struct {
	cmd *Command
	ex  *Executor
}

// Wait blocks until the command reaches a terminal state or ctx is done.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case res, ok := <-f.cmd.resultCh:
		if !ok {
			return Result{}, fmt.Errorf("executor: future already consumed")
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel marks the command cancelled (spec.md §4.3). If still queued it is
// dropped before ever being written; if already in flight the controller's
// eventual ack is silently discarded by the Router.
func (f *Future) Cancel() {
	f.ex.cancel(f.cmd)
}

func (f *Future) Command() *Command { return f.cmd }

// SubmitOptions configures one Submit call.
type SubmitOptions struct {
	Priority Priority
	Timeout  time.Duration // 0 → config.ExecutorConfig.CommandTimeout
	Tag      string
}

var (
	ErrBackpressure  = errors.New("executor: pending queue full")
	ErrExecutorClosed = errors.New("executor: closed")
)

// callbacks routes non-ack responses to the subsystems that own them,
// avoiding the "shape of parsed fields" dynamic dispatch spec.md §9 flags —
// each Kind has exactly one destination decided at construction time.
type callbacks struct {
	onStatus  func(protocol.StatusFrame)
	onAlarm   func(code int)
	onSetting func(num int, val string)
	onFree    func(raw string)
}

// Executor owns the single writer, the Reader-side routing, the
// priority queues, and the awaiting-ack FIFO.
type Executor struct {
	cfg     config.ExecutorConfig
	linkCfg config.LinkConfig
	tr      transport.Transport
	bus     *eventbus.Bus
	log     *logging.Logger
	cb      callbacks

	mu            sync.Mutex
	queues        [4][]*Command // indexed by Priority
	pending       []*Command    // FIFO of awaiting-ack commands, in write order
	inFlightBytes int
	rxFree        int
	haveRxFree    bool
	slotFree      chan struct{} // signaled whenever a slot may have opened

	closed   bool
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// New creates an Executor bound to a Transport. Start must be called to
// begin the writer and reader tasks.
func New(tr transport.Transport, cfg config.ExecutorConfig, linkCfg config.LinkConfig, bus *eventbus.Bus, log *logging.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		linkCfg:  linkCfg,
		tr:       tr,
		bus:      bus,
		log:      log.WithComponent("executor"),
		slotFree: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// SetStatusCallback routes KindStatus responses (used by pkg/poller).
func (e *Executor) SetStatusCallback(f func(protocol.StatusFrame)) {
	e.mu.Lock()
	e.cb.onStatus = f
	e.mu.Unlock()
}

// SetAlarmCallback routes KindAlarm responses (used by pkg/recovery).
func (e *Executor) SetAlarmCallback(f func(code int)) {
	e.mu.Lock()
	e.cb.onAlarm = f
	e.mu.Unlock()
}

// SetSettingCallback routes KindSetting responses (used by pkg/mirror).
func (e *Executor) SetSettingCallback(f func(num int, val string)) {
	e.mu.Lock()
	e.cb.onSetting = f
	e.mu.Unlock()
}

// Start launches the writer task and the response-routing loop over the
// Transport's Lines channel (the Reader task itself lives in pkg/transport).
func (e *Executor) Start() {
	e.wg.Add(2)
	go e.writerLoop()
	go e.routeLoop()
}

// Close stops the writer and routing loops and fails every outstanding
// command with KindCancelled.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.closeCh)
	e.wg.Wait()

	e.mu.Lock()
	all := append([]*Command(nil), e.pending...)
	for _, q := range e.queues {
		all = append(all, q...)
	}
	e.pending = nil
	for i := range e.queues {
		e.queues[i] = nil
	}
	e.mu.Unlock()

	for _, c := range all {
		c.resolve(StatusCancelled, Result{Kind: KindCancelled, Err: fmt.Errorf("executor closed")})
	}
}

// Submit enqueues payload and returns a Future for its terminal Result.
// Backpressure per spec.md §5: low priority fails fast when the pending
// queue is full, normal blocks up to its timeout, high and immediate are
// always accepted.
func (e *Executor) Submit(ctx context.Context, payload string, opts SubmitOptions) (*Future, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.CommandTimeout
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}

	if e.queueLen() >= e.cfg.MaxPending {
		switch opts.Priority {
		case PriorityLow:
			e.mu.Unlock()
			return nil, ErrBackpressure
		case PriorityNormal:
			e.mu.Unlock()
			if !e.waitForSlot(ctx, timeout) {
				return nil, ErrBackpressure
			}
			e.mu.Lock()
			if e.closed {
				e.mu.Unlock()
				return nil, ErrExecutorClosed
			}
		// PriorityHigh and PriorityImmediate always proceed.
		}
	}

	cmd := &Command{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    opts.Priority,
		SubmittedAt: time.Now(),
		Deadline:    time.Now().Add(timeout),
		RetryPolicyTag: opts.Tag,
		status:      StatusSubmitted,
		resultCh:    make(chan Result, 1),
	}

	e.queues[opts.Priority] = append(e.queues[opts.Priority], cmd)
	e.mu.Unlock()

	e.kick()

	return &Future{cmd: cmd, ex: e}, nil
}

// SubmitAndWait submits payload and blocks until it reaches a terminal
// state, returning the Result directly. A convenience wrapper over
// Submit+Future.Wait for callers (e.g. pkg/recovery's recovery actions)
// that only need a synchronous send-and-confirm and have no use for
// Future.Cancel.
func (e *Executor) SubmitAndWait(ctx context.Context, payload string, priority Priority, timeout time.Duration) (Result, error) {
	fut, err := e.Submit(ctx, payload, SubmitOptions{Priority: priority, Timeout: timeout})
	if err != nil {
		return Result{}, err
	}
	return fut.Wait(ctx)
}

func (e *Executor) queueLen() int {
	n := len(e.pending)
	for _, q := range e.queues {
		n += len(q)
	}
	return n
}

// Pending reports the number of commands currently queued or awaiting
// acknowledgement, for metrics export.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queueLen()
}

// QueueDepth reports how many commands are queued at priority p, not yet
// dequeued for writing, for metrics export.
func (e *Executor) QueueDepth(p Priority) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int(p) < 0 || int(p) >= len(e.queues) {
		return 0
	}
	return len(e.queues[p])
}

// Drain blocks until the pending queue empties or ctx is done. The Retry
// Manager's buffer_overflow mini-recovery hook calls this before its next
// attempt so a retry isn't issued into a controller still working through
// a backlog.
func (e *Executor) Drain(ctx context.Context) error {
	for {
		e.mu.Lock()
		n := e.queueLen()
		closed := e.closed
		e.mu.Unlock()
		if n == 0 || closed {
			return nil
		}
		select {
		case <-e.slotFree:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closeCh:
			return nil
		}
	}
}

func (e *Executor) waitForSlot(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		e.mu.Lock()
		ok := e.closed || e.queueLen() < e.cfg.MaxPending
		e.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-e.slotFree:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		case <-e.closeCh:
			return true
		}
	}
}

func (e *Executor) kick() {
	select {
	case e.slotFree <- struct{}{}:
	default:
	}
}

// SubmitImmediate writes a single real-time byte, fire-and-forget. It never
// touches the pending-command queue (spec.md invariant #3).
func (e *Executor) SubmitImmediate(b byte) error {
	return e.tr.SendBytes([]byte{b})
}

func (e *Executor) cancel(cmd *Command) {
	e.mu.Lock()
	for p, q := range e.queues {
		for i, c := range q {
			if c == cmd {
				e.queues[p] = append(q[:i], q[i+1:]...)
				e.mu.Unlock()
				cmd.resolve(StatusCancelled, Result{Kind: KindCancelled})
				e.kick()
				return
			}
		}
	}
	e.mu.Unlock()
	// Already written: the byte may be on the wire. Mark it resolved now;
	// the Router will discard the orphan ack when it eventually arrives.
	cmd.resolve(StatusCancelled, Result{Kind: KindCancelled})
}

// writerLoop is the sole writer task (spec.md §5): it drains the
// highest-priority non-empty queue subject to buffer-aware flow control
// (invariant #7), one command at a time.
func (e *Executor) writerLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.slotFree:
		}

		for {
			cmd, ok := e.tryDequeue()
			if !ok {
				break
			}
			e.write(cmd)
		}
	}
}

// tryDequeue pops the next command to write if a send slot is available:
// in-flight count under max_pending AND in-flight bytes plus the candidate's
// frame fit within the controller's last reported rx_free. No safety margin
// is subtracted here; the Streaming Engine applies its own RxSafetyMargin.
func (e *Executor) tryDequeue() (*Command, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) >= e.cfg.MaxPending {
		return nil, false
	}

	for p := PriorityImmediate; p >= PriorityLow; p-- {
		q := e.queues[p]
		if len(q) == 0 {
			continue
		}
		cmd := q[0]

		frame := len(AppendTerm(cmd.Payload, e.linkCfg.LineEnding))
		if e.haveRxFree && e.inFlightBytes+frame > e.rxFree {
			continue // insufficient buffer room for this candidate; try a lower priority
		}

		e.queues[p] = q[1:]
		e.inFlightBytes += frame
		e.pending = append(e.pending, cmd)
		return cmd, true
	}
	return nil, false
}

func (e *Executor) write(cmd *Command) {
	cmd.setStatus(StatusWriting)
	line := AppendTerm(cmd.Payload, e.linkCfg.LineEnding)

	if err := e.tr.SendBytes(line); err != nil {
		e.mu.Lock()
		e.removePending(cmd)
		e.mu.Unlock()
		cmd.resolve(StatusFailed, Result{Kind: "write_failure", Err: err})
		e.kick()
		return
	}

	cmd.setStatus(StatusAwaitingAck)
	d := time.Until(cmd.Deadline)
	if d <= 0 {
		d = time.Millisecond
	}
	cmd.mu.Lock()
	cmd.timer = time.AfterFunc(d, func() { e.onTimeout(cmd) })
	cmd.mu.Unlock()
}

func (e *Executor) onTimeout(cmd *Command) {
	cmd.resolve(StatusTimedOut, Result{Kind: KindTimeout})
	// The head is left in place (spec.md §4.3): a late ack still releases
	// the slot and advances the queue; it is simply discarded.
}

func (e *Executor) removePending(cmd *Command) {
	for i, c := range e.pending {
		if c == cmd {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			e.inFlightBytes -= len(AppendTerm(cmd.Payload, e.linkCfg.LineEnding))
			if e.inFlightBytes < 0 {
				e.inFlightBytes = 0
			}
			return
		}
	}
}

// routeLoop consumes classified lines from the Transport and correlates
// them to the pending FIFO, or dispatches them by Kind (spec.md §4.2/§4.3).
func (e *Executor) routeLoop() {
	defer e.wg.Done()
	lines := e.tr.Lines()
	for {
		select {
		case <-e.closeCh:
			return
		case line, ok := <-lines:
			if !ok {
				e.handleTransportClosed()
				return
			}
			e.route(protocol.Parse(line))
		}
	}
}

func (e *Executor) handleTransportClosed() {
	if err := e.tr.ReadErr(); err != nil {
		e.bus.Publish("disconnected", err)
	}
}

func (e *Executor) route(resp protocol.Response) {
	switch resp.Kind {
	case protocol.KindOK, protocol.KindError:
		e.completeHead(resp)
	case protocol.KindAlarm:
		e.bus.Publish("alarm_detected", resp.AlarmCode)
		e.mu.Lock()
		cb := e.cb.onAlarm
		e.mu.Unlock()
		if cb != nil {
			cb(resp.AlarmCode)
		}
	case protocol.KindStatus:
		if resp.Status.HasBuffer {
			e.mu.Lock()
			e.rxFree = resp.Status.Buffer.RxFree
			e.haveRxFree = true
			e.mu.Unlock()
			e.kick()
		}
		e.bus.Publish("status_update", *resp.Status)
		e.mu.Lock()
		cb := e.cb.onStatus
		e.mu.Unlock()
		if cb != nil {
			cb(*resp.Status)
		}
	case protocol.KindSetting:
		e.mu.Lock()
		cb := e.cb.onSetting
		e.mu.Unlock()
		if cb != nil {
			cb(resp.SettingNum, resp.SettingVal)
		}
	case protocol.KindBanner:
		e.onBannerReset()
	case protocol.KindFree:
		e.mu.Lock()
		cb := e.cb.onFree
		e.mu.Unlock()
		if cb != nil {
			cb(resp.Raw)
		}
	}
}

// completeHead resolves the oldest awaiting-ack command (invariant #2).
// status/banner/setting/free lines never reach here.
func (e *Executor) completeHead(resp protocol.Response) {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		e.log.Warnf("received %s with no pending command", resp.Kind)
		return
	}
	cmd := e.pending[0]
	e.pending = e.pending[1:]
	e.inFlightBytes -= len(AppendTerm(cmd.Payload, e.linkCfg.LineEnding))
	if e.inFlightBytes < 0 {
		e.inFlightBytes = 0
	}
	e.mu.Unlock()
	e.kick()

	var result Result
	if resp.Kind == protocol.KindOK {
		result = Result{Response: resp}
	} else {
		result = Result{Response: resp, Kind: KindControllerError, Err: fmt.Errorf("controller error:%d", resp.ErrorCode)}
	}

	if !cmd.resolve(statusFor(result), result) {
		e.log.Warnf("discarding orphan ack for already-terminal command %s", cmd.ID)
	}
}

func statusFor(r Result) Status {
	if r.Ok() {
		return StatusSucceeded
	}
	return StatusFailed
}

// onBannerReset implements spec.md §4.3: a banner triggers a reset event
// that fails every pending command with KindResetDuringMotion and clears
// the queue (both awaiting-ack and still-queued commands — the controller
// has forgotten about all of them).
func (e *Executor) onBannerReset() {
	e.mu.Lock()
	all := append([]*Command(nil), e.pending...)
	for p, q := range e.queues {
		all = append(all, q...)
		e.queues[p] = nil
	}
	e.pending = nil
	e.inFlightBytes = 0
	e.haveRxFree = false
	e.mu.Unlock()

	for _, c := range all {
		c.resolve(StatusFailed, Result{Kind: KindResetDuringMotion})
	}
	e.bus.Publish("reset_detected", nil)
}

// AppendTerm is exported so pkg/streaming can size candidate batches
// identically to what the writer will actually send.
func AppendTerm(payload, terminator string) []byte {
	return transport.AppendTerminator(payload, terminator)
}
