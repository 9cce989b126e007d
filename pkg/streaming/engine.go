// Package streaming's Engine implements the stream loop, pause/resume, and
// checkpointing of spec.md §4.9, grounded on pkg/executor/executor.go's
// single-writer, buffer-aware submission model (reusing AppendTerm to size
// batches identically to the Executor's own flow control) and wiring
// golang.org/x/sync/errgroup to run the stream loop alongside a
// reset-watcher goroutine under one cancellation scope, per SPEC_FULL.md's
// domain stack.
package streaming

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/executor"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/metrics"
	"github.com/grblhost/grblhost/pkg/transport"
)

// Phase is the Streaming task's state machine (spec.md §4.9).
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseRunning
	PhasePausing
	PhasePaused
	PhaseStopping
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhasePausing:
		return "pausing"
	case PhasePaused:
		return "paused"
	case PhaseStopping:
		return "stopping"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// PauseMode selects how Pause behaves (spec.md §4.9).
type PauseMode int

const (
	PauseGraceful PauseMode = iota
	PauseImmediate
)

// State is the Streaming task's owned, externally-readable progress record
// (spec.md §3 StreamState).
type State struct {
	CurrentLine      int
	Completed        int
	InFlight         int
	Paused           bool
	CheckpointCursor int
}

// Engine owns exactly one stream loop at a time, per spec.md §5 ("One
// Streaming task owns the stream loop when active").
type Engine struct {
	cfg        config.StreamingConfig
	lineEnding string
	exec       *executor.Executor
	bus        *eventbus.Bus
	log        *logging.Logger
	store      *Store

	mu        sync.Mutex
	phase     Phase
	pauseMode PauseMode
	state     State
	program   *Program
	rxFree    int
	haveRx    bool

	resetCh chan struct{}
	metrics *metrics.Registry
	mem     *MemoryManager
}

func New(cfg config.StreamingConfig, lineEnding string, exec *executor.Executor, bus *eventbus.Bus, log *logging.Logger, store *Store, m *metrics.Registry) *Engine {
	if log == nil {
		log = logging.NewLogger(nil)
	}
	if lineEnding == "" {
		lineEnding = "\r\n"
	}
	e := &Engine{
		cfg:        cfg,
		lineEnding: lineEnding,
		exec:       exec,
		bus:        bus,
		log:        log.WithComponent("streaming"),
		store:      store,
		phase:      PhaseIdle,
		resetCh:    make(chan struct{}, 1),
		metrics:    m,
		mem:        NewMemoryManager(cfg.MemoryBudgetBytes, cfg.ChunkLines),
	}
	return e
}

// RunFile preprocesses path and streams it to completion. When the
// program's estimated size exceeds the MemoryManager budget, the
// already-parsed lines are split into chunks of RecommendedChunkLines() and
// each chunk runs through Run in sequence. The whole file is parsed and held
// in memory up front: chunks are sub-slices of that one Program, not
// disk-backed, so chunking does not lower the peak footprint. Checkpoints
// taken during a chunked run record the chunk's path ("path#chunkN") and a
// cursor relative to that chunk.
func (e *Engine) RunFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("streaming: open %s: %w", path, err)
	}
	defer f.Close()

	prog, err := Preprocess(path, f)
	if err != nil {
		return fmt.Errorf("streaming: preprocess %s: %w", path, err)
	}

	if !e.mem.ShouldChunk(len(prog.Lines)) {
		return e.Run(ctx, prog)
	}

	chunkLines := e.mem.RecommendedChunkLines()
	chunks := Chunks(prog.Lines, chunkLines)
	e.log.Infof("streaming: %s has %d lines, exceeds memory budget; streaming in %d chunks of up to %d lines", path, len(prog.Lines), len(chunks), chunkLines)

	for i, chunk := range chunks {
		chunkProgram := &Program{Path: fmt.Sprintf("%s#chunk%d", path, i), Lines: chunk}
		if err := e.Run(ctx, chunkProgram); err != nil {
			return fmt.Errorf("streaming: chunk %d/%d of %s: %w", i+1, len(chunks), path, err)
		}
	}
	return nil
}

// OnStatusUpdate feeds the last observed rx_free; the controller composition
// root calls it from the Executor's status callback for every StatusFrame
// (spec.md §5: "The Streaming task consults the last known rx_free").
func (e *Engine) OnStatusUpdate(rxFree int, hasBuffer bool) {
	if !hasBuffer {
		return
	}
	e.mu.Lock()
	e.rxFree = rxFree
	e.haveRx = true
	e.mu.Unlock()
}

// OnBannerReset notifies the Engine of a controller reset mid-stream
// (S6: "All pending futures fail with banner_reset; the Streaming task
// transitions to Pausing and emits reset_detected").
func (e *Engine) OnBannerReset() {
	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Run streams program to completion (or until paused/stopped/cancelled),
// blocking the caller. It is the sole entry point that advances the state
// machine past Starting. Progress starts from line 0 unless program is the
// one the Engine already holds and it is not finished (as after Resume or
// ResumeFromCheckpoint), in which case streaming continues from the
// current line.
func (e *Engine) Run(ctx context.Context, program *Program) error {
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return fmt.Errorf("streaming: engine busy in phase %s", e.phase)
	}
	e.phase = PhaseStarting
	if e.program != program || e.state.CurrentLine >= len(program.Lines) {
		e.state = State{}
	}
	e.program = program
	e.mu.Unlock()

	e.bus.Publish("stream_started", program.Path)
	e.setPhase(PhaseRunning)

	loopDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(loopDone)
		return e.streamLoop(gctx)
	})
	g.Go(func() error { return e.resetWatcher(gctx, loopDone) })

	err := g.Wait()

	e.mu.Lock()
	phase := e.phase
	e.mu.Unlock()
	if phase != PhasePaused {
		e.setPhase(PhaseIdle)
	}

	if err != nil {
		e.bus.Publish("stream_stopped", err)
		return err
	}
	return nil
}

// resetWatcher cancels the group (via returning an error) as soon as a
// banner reset is observed mid-stream. done is closed once streamLoop has
// already returned, so this goroutine never outlives the stream it watches.
func (e *Engine) resetWatcher(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-e.resetCh:
		e.setPhase(PhasePausing)
		e.bus.Publish("reset_detected", nil)
		e.setPhase(PhasePaused)
		return errResetDuringStream
	case <-ctx.Done():
		return nil
	case <-done:
		return nil
	}
}

var errResetDuringStream = fmt.Errorf("streaming: controller reset detected mid-stream")

// streamLoop is the core loop of spec.md §4.9: batch, wait for room,
// submit, advance, checkpoint, progress — until paused, stopped, or done.
func (e *Engine) streamLoop(ctx context.Context) error {
	var lastProgress time.Time

	for {
		e.mu.Lock()
		if e.state.CurrentLine >= len(e.program.Lines) {
			if e.state.InFlight > 0 {
				// Every line has been submitted; wait for the last acks
				// before declaring the program done.
				e.mu.Unlock()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Millisecond):
					continue
				}
			}
			e.mu.Unlock()
			e.setPhase(PhaseCompleted)
			return nil
		}
		if e.phase == PhasePausing {
			if e.state.InFlight == 0 {
				e.phase = PhasePaused
				e.mu.Unlock()
				e.bus.Publish("stream_paused", e.state)
				return nil
			}
		}
		e.mu.Unlock()

		batch := e.nextBatch()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
				continue
			}
		}

		e.submitBatch(ctx, batch)
		e.maybeCheckpoint()

		if time.Since(lastProgress) >= e.cfg.ProgressInterval {
			lastProgress = time.Now()
			e.bus.Publish("stream_progress", e.State())
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// nextBatch takes up to batch_size unsent lines that fit within the
// controller's last known receive buffer room, matching the Executor's own
// AppendTerm-based sizing so Streaming never over-commits ahead of what the
// Executor would accept anyway.
func (e *Engine) nextBatch() []ProgramLine {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != PhaseRunning {
		return nil
	}

	start := e.state.CurrentLine
	end := start + e.cfg.BatchSize
	if end > len(e.program.Lines) {
		end = len(e.program.Lines)
	}

	if !e.haveRx {
		lines := e.program.Lines[start:end]
		e.state.CurrentLine = end
		return lines
	}

	budget := e.rxFree - e.cfg.RxSafetyMargin
	if budget <= 0 {
		return nil
	}

	var accepted []ProgramLine
	used := 0
	for i := start; i < end; i++ {
		frame := len(executor.AppendTerm(e.program.Lines[i].Raw, e.lineEnding))
		if used+frame > budget {
			break
		}
		used += frame
		accepted = append(accepted, e.program.Lines[i])
	}
	e.state.CurrentLine += len(accepted)
	return accepted
}

// submitBatch hands every line in batch to the Executor without waiting for
// any of them to be acknowledged, so InFlight can rise to the size of the
// whole accepted batch — matching nextBatch's buffer-aware budget, which
// already sizes the batch to what the controller's rx buffer can hold at
// once (spec.md §4.9 steps 3-4). Each line's ack is awaited independently in
// a background goroutine; the Executor itself still serializes writes and
// resolves acks in strict FIFO order.
func (e *Engine) submitBatch(ctx context.Context, batch []ProgramLine) {
	for _, line := range batch {
		e.mu.Lock()
		e.state.InFlight++
		e.mu.Unlock()

		fut, err := e.exec.Submit(ctx, line.Raw, executor.SubmitOptions{Priority: executor.PriorityNormal})
		if err != nil {
			e.mu.Lock()
			e.state.InFlight--
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.LinesFailed.Inc()
			}
			e.bus.Publish("command_failed", err)
			if e.cfg.PauseOnError {
				e.setPhase(PhasePausing)
			}
			continue
		}

		go e.awaitLine(ctx, line, fut)
	}
}

// awaitLine waits for one in-flight line's ack and updates Completed/
// InFlight and the command_completed/command_failed events, independently
// of whatever other lines are concurrently in flight.
func (e *Engine) awaitLine(ctx context.Context, line ProgramLine, fut *executor.Future) {
	res, err := fut.Wait(ctx)

	e.mu.Lock()
	e.state.InFlight--
	e.mu.Unlock()

	if err != nil {
		if e.metrics != nil {
			e.metrics.LinesFailed.Inc()
		}
		e.bus.Publish("command_failed", err)
		if e.cfg.PauseOnError {
			e.setPhase(PhasePausing)
		}
		return
	}
	if !res.Ok() {
		if e.metrics != nil {
			e.metrics.LinesFailed.Inc()
		}
		e.bus.Publish("command_failed", fmt.Errorf("streaming: line %q failed: kind=%s", line.Raw, res.Kind))
		if e.cfg.PauseOnError {
			e.setPhase(PhasePausing)
		}
		return
	}

	e.mu.Lock()
	e.state.Completed++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.LinesStreamed.Inc()
	}
	e.bus.Publish("command_completed", line.Raw)
}

// maybeCheckpoint persists progress every checkpoint_interval completed
// lines (spec.md §4.9).
func (e *Engine) maybeCheckpoint() {
	if e.store == nil || e.cfg.CheckpointInterval <= 0 {
		return
	}
	e.mu.Lock()
	// The persisted cursor is the completed-line count, so resuming from it
	// never skips a line that was sent but not yet acknowledged.
	completed := e.state.Completed
	cursor := completed
	programPath := ""
	if e.program != nil {
		programPath = e.program.Path
	}
	due := completed > 0 && completed%e.cfg.CheckpointInterval == 0 && completed != e.state.CheckpointCursor
	e.mu.Unlock()

	if !due {
		return
	}

	cp, err := e.store.Save(programPath, cursor, nil)
	if err != nil {
		e.log.Warnf("streaming: checkpoint save failed: %v", err)
		return
	}

	e.mu.Lock()
	e.state.CheckpointCursor = completed
	e.mu.Unlock()
	e.bus.Publish("checkpoint_created", cp)
}

// Pause requests a pause in the given mode. Graceful lets in-flight lines
// drain before reporting paused; immediate sends a feed-hold byte and stops
// submitting new lines immediately.
func (e *Engine) Pause(mode PauseMode) error {
	e.mu.Lock()
	if e.phase != PhaseRunning {
		e.mu.Unlock()
		return fmt.Errorf("streaming: cannot pause from phase %s", e.phase)
	}
	e.pauseMode = mode
	e.phase = PhasePausing
	e.mu.Unlock()

	if mode == PauseImmediate {
		return e.exec.SubmitImmediate(transport.ByteFeedHold)
	}
	return nil
}

// Resume continues a paused stream. If paused via feed-hold, a cycle-start
// byte is issued first per spec.md §4.9.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.phase != PhasePaused {
		e.mu.Unlock()
		return fmt.Errorf("streaming: cannot resume from phase %s", e.phase)
	}
	mode := e.pauseMode
	program := e.program
	e.phase = PhaseIdle
	e.mu.Unlock()

	if mode == PauseImmediate {
		if err := e.exec.SubmitImmediate(transport.ByteCycleStart); err != nil {
			return err
		}
	}

	e.bus.Publish("stream_resumed", nil)
	return e.Run(ctx, program)
}

// Stop cancels the remaining unsent lines and transitions to Idle.
// softReset additionally issues a soft-reset real-time byte.
func (e *Engine) Stop(softReset bool) error {
	e.mu.Lock()
	e.phase = PhaseStopping
	e.mu.Unlock()

	var err error
	if softReset {
		err = e.exec.SubmitImmediate(transport.ByteSoftReset)
	}

	e.setPhase(PhaseIdle)
	e.bus.Publish("stream_stopped", nil)
	return err
}

// ResumeFromCheckpoint validates cp and positions program at cp.Cursor + 1,
// matching the "restart from C resumes at exactly line k+1" property
// (spec.md §4 property #5).
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, program *Program, cp Checkpoint) error {
	if !cp.Validate() {
		return fmt.Errorf("streaming: checkpoint %s failed checksum validation", cp.ID)
	}
	e.mu.Lock()
	if e.phase != PhaseIdle {
		e.mu.Unlock()
		return fmt.Errorf("streaming: engine busy in phase %s", e.phase)
	}
	e.program = program
	e.state = State{CurrentLine: cp.Cursor, Completed: cp.Cursor, CheckpointCursor: cp.Cursor}
	e.phase = PhaseIdle
	e.mu.Unlock()

	return e.Run(ctx, program)
}
