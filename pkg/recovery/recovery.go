// Package recovery implements the Alarm Recovery Supervisor of spec.md
// §4.8: per-alarm-code recovery workflows (soft_limit, abort_cycle,
// homing_failure) built from ordered, individually rollbackable
// RecoveryAction steps; hard_limit gets a manual-intervention report
// instead of a workflow.
//
// Grounded on pkg/resilience/sync_recovery.go's RecoveryWorkflow/
// RecoveryStep/RecoveryAction shape (ordered Execute with reverse-order
// rollback of completed steps on failure) and recovery_actions.go's
// Execute/Rollback action contract, generalized from generic sync recovery
// to GRBL-specific unlock/retract/re-home/restore-modal steps. Rollback
// error aggregation uses github.com/hashicorp/go-multierror per
// SPEC_FULL.md's domain stack, replacing sync_recovery.go's single
// lastErr-wins rollback reporting.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/grblhost/grblhost/pkg/classifier"
	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/executor"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/metrics"
	"github.com/grblhost/grblhost/pkg/mirror"
	"github.com/grblhost/grblhost/pkg/protocol"
)

// State mirrors a workflow/step's lifecycle.
type State int

const (
	StateIdle State = iota
	StateInProgress
	StateCompleted
	StateFailed
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Action is one reversible step of a recovery workflow. Rollback is
// best-effort: physical motion cannot be undone, so most Actions here
// report a no-op Rollback and rely on ordering (unlock before motion,
// motion before modal restore) to keep failures safe.
type Action interface {
	Execute(ctx context.Context) error
	Rollback(ctx context.Context) error
	ID() string
	Description() string
}

// Step tracks one Action's outcome within a Workflow run.
type Step struct {
	Action Action
	State  State
	Err    error
}

// Workflow is an ordered sequence of recovery Actions for one alarm kind.
type Workflow struct {
	AlarmKind   classifier.Kind
	Description string
	Steps       []*Step
	State       State
}

func NewWorkflow(kind classifier.Kind, description string) *Workflow {
	return &Workflow{AlarmKind: kind, Description: description, State: StateIdle}
}

func (w *Workflow) AddStep(a Action) {
	w.Steps = append(w.Steps, &Step{Action: a, State: StateIdle})
}

// Execute runs every step in order. On the first failure, all previously
// completed steps are rolled back in reverse order and their rollback
// errors (if any) are aggregated alongside the triggering failure.
func (w *Workflow) Execute(ctx context.Context) error {
	w.State = StateInProgress
	var executed []*Step

	for _, step := range w.Steps {
		step.State = StateInProgress
		err := step.Action.Execute(ctx)
		if err != nil {
			step.State = StateFailed
			step.Err = err

			rbErr := rollbackSteps(ctx, executed)
			w.State = StateRolledBack
			if rbErr != nil {
				return fmt.Errorf("recovery step %q failed: %w (rollback also failed: %v)", step.Action.ID(), err, rbErr)
			}
			return fmt.Errorf("recovery step %q failed: %w", step.Action.ID(), err)
		}

		step.State = StateCompleted
		executed = append(executed, step)

		if ctx.Err() != nil {
			rbErr := rollbackSteps(ctx, executed)
			w.State = StateRolledBack
			if rbErr != nil {
				return fmt.Errorf("recovery cancelled: %w (rollback also failed: %v)", ctx.Err(), rbErr)
			}
			return ctx.Err()
		}
	}

	w.State = StateCompleted
	return nil
}

func rollbackSteps(ctx context.Context, steps []*Step) error {
	var result *multierror.Error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.Action.Rollback(ctx); err != nil {
			step.Err = err
			result = multierror.Append(result, fmt.Errorf("rollback %q: %w", step.Action.ID(), err))
		} else {
			step.State = StateRolledBack
		}
	}
	return result.ErrorOrNil()
}

// Commander is the narrow Executor surface a recovery Action needs: submit
// a line and block for its terminal outcome. Decoupled from *executor.Future
// so recovery workflows are testable without a live Transport.
type Commander interface {
	SubmitAndWait(ctx context.Context, payload string, priority executor.Priority, timeout time.Duration) (executor.Result, error)
}

// unlockAction issues $X to clear the alarm lock. Cannot be meaningfully
// rolled back — re-locking the controller would just re-trigger the alarm.
type unlockAction struct{ cmd Commander }

func (a *unlockAction) ID() string          { return "unlock" }
func (a *unlockAction) Description() string { return "clear alarm lock with $X" }
func (a *unlockAction) Execute(ctx context.Context) error {
	return submitAndWait(ctx, a.cmd, "$X", executor.PriorityHigh, 0)
}
func (a *unlockAction) Rollback(ctx context.Context) error { return nil }

// retractAction jogs to a safe Z height in machine coordinates before any
// further motion is attempted.
type retractAction struct {
	cmd      Commander
	heightMM float64
}

func (a *retractAction) ID() string          { return "retract" }
func (a *retractAction) Description() string { return "retract to safe Z height" }
func (a *retractAction) Execute(ctx context.Context) error {
	payload := fmt.Sprintf("G53 G0 Z%.3f", a.heightMM)
	return submitAndWait(ctx, a.cmd, payload, executor.PriorityHigh, 0)
}
func (a *retractAction) Rollback(ctx context.Context) error { return nil }

// homingAction re-homes the machine, typically the final step of a
// homing_failure workflow.
type homingAction struct {
	cmd     Commander
	timeout time.Duration
}

func (a *homingAction) ID() string          { return "home" }
func (a *homingAction) Description() string { return "re-home with $H" }
func (a *homingAction) Execute(ctx context.Context) error {
	return submitAndWait(ctx, a.cmd, "$H", executor.PriorityHigh, a.timeout)
}
func (a *homingAction) Rollback(ctx context.Context) error { return nil }

// restoreModalAction reissues the modal group commands implied by a Modal
// snapshot, restoring units/plane/distance/feed-mode/coordinate-system
// state after an abort. Spindle and coolant restoration are each gated by
// their own config flag (spec.md §4.8): RestoreSpindle defaults off since
// silently re-spinning a tool after an unplanned stop is a safety
// decision the operator should make explicitly; RestoreCoolant defaults on
// since resuming coolant flow is comparatively low-risk.
type restoreModalAction struct {
	cmd   Commander
	modal mirror.Modal

	restoreSpindle bool
	spindleRPM     float64
	restoreCoolant bool
	coolantOn      bool
}

func (a *restoreModalAction) ID() string          { return "restore_modal" }
func (a *restoreModalAction) Description() string { return "restore modal group state" }
func (a *restoreModalAction) Execute(ctx context.Context) error {
	payload := fmt.Sprintf("%s %s %s %s %s", a.modal.Distance, a.modal.Units, a.modal.Plane, a.modal.FeedMode, a.modal.CoordSys)
	if err := submitAndWait(ctx, a.cmd, payload, executor.PriorityHigh, 0); err != nil {
		return err
	}

	if a.restoreSpindle && a.spindleRPM > 0 {
		if err := submitAndWait(ctx, a.cmd, fmt.Sprintf("M3 S%.0f", a.spindleRPM), executor.PriorityHigh, 0); err != nil {
			return err
		}
	}

	if a.restoreCoolant {
		payload := "M9"
		if a.coolantOn {
			payload = "M8"
		}
		if err := submitAndWait(ctx, a.cmd, payload, executor.PriorityHigh, 0); err != nil {
			return err
		}
	}

	return nil
}
func (a *restoreModalAction) Rollback(ctx context.Context) error { return nil }

// safeRepositionAction implements spec.md §4.8's soft_limit sequence: lift
// Z to a safe height, move XY to an in-bounds point computed by backing
// off from the position recorded when the alarm fired, then reconfirm Z at
// the safe height before modal state is restored.
type safeRepositionAction struct {
	cmd         Commander
	heightMM    float64
	hasPosition bool
	safeX       float64
	safeY       float64
}

func (a *safeRepositionAction) ID() string          { return "safe_reposition" }
func (a *safeRepositionAction) Description() string { return "lift Z, move to safe XY, reconfirm Z" }
func (a *safeRepositionAction) Execute(ctx context.Context) error {
	if err := submitAndWait(ctx, a.cmd, fmt.Sprintf("G53 G0 Z%.3f", a.heightMM), executor.PriorityHigh, 0); err != nil {
		return err
	}

	if a.hasPosition {
		payload := fmt.Sprintf("G53 G0 X%.3f Y%.3f", a.safeX, a.safeY)
		if err := submitAndWait(ctx, a.cmd, payload, executor.PriorityHigh, 0); err != nil {
			return err
		}
	}

	return submitAndWait(ctx, a.cmd, fmt.Sprintf("G53 G0 Z%.3f", a.heightMM), executor.PriorityHigh, 0)
}
func (a *safeRepositionAction) Rollback(ctx context.Context) error { return nil }

// safePoint backs the machine off from pos by marginMM along whichever
// horizontal axis is non-zero, pulling it away from the limit switch that
// triggered the alarm and back toward machine zero. Returns ok=false when
// pos carries no known reading, e.g. the controller has never reported a
// status frame.
func safePoint(pos protocol.Vec3, hasPos bool, marginMM float64) (x, y float64, ok bool) {
	if !hasPos {
		return 0, 0, false
	}
	x, y = pos.X, pos.Y
	if x > 0 {
		x -= marginMM
	} else if x < 0 {
		x += marginMM
	}
	if y > 0 {
		y -= marginMM
	} else if y < 0 {
		y += marginMM
	}
	return x, y, true
}

func submitAndWait(ctx context.Context, cmd Commander, payload string, priority executor.Priority, timeout time.Duration) error {
	res, err := cmd.SubmitAndWait(ctx, payload, priority, timeout)
	if err != nil {
		return err
	}
	if !res.Ok() {
		return fmt.Errorf("command %q rejected: kind=%s err=%v", payload, res.Kind, res.Err)
	}
	return nil
}

// ErrAutoRecoveryDisabled is returned when Recover is invoked while
// enable_auto_recovery is false; the caller is expected to surface the
// alarm to an operator instead.
var ErrAutoRecoveryDisabled = errors.New("recovery: auto recovery disabled")

// ErrNoWorkflow is returned when an alarm kind has no registered workflow.
var ErrNoWorkflow = errors.New("recovery: no workflow registered for this alarm kind")

// ErrManualInterventionRequired is returned by Recover for alarm kinds that
// spec.md §4.8 forbids auto-recovering — currently only hard_limit. Recover
// never runs a workflow for these; it publishes a ManualInterventionReport
// on the event bus instead.
var ErrManualInterventionRequired = errors.New("recovery: manual intervention required, auto-recovery refused")

// ManualInterventionReport is published on "manual_intervention_required"
// in place of running a workflow, for alarm kinds too dangerous to
// auto-recover (spec.md §4.8: "hard_limit (critical): never auto-recover;
// return a manual-intervention report").
type ManualInterventionReport struct {
	Kind    classifier.Kind
	Modal   mirror.Modal
	Message string
}

// Supervisor owns recovery workflow selection, per-kind attempt counting,
// and timeout enforcement (spec.md §4.8).
type Supervisor struct {
	cfg     config.RecoveryConfig
	cmd     Commander
	bus     *eventbus.Bus
	log     *logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	attempts map[classifier.Kind]int
}

func New(cfg config.RecoveryConfig, cmd Commander, bus *eventbus.Bus, log *logging.Logger, m *metrics.Registry) *Supervisor {
	if log == nil {
		log = logging.NewLogger(nil)
	}
	return &Supervisor{
		cfg:      cfg,
		cmd:      cmd,
		bus:      bus,
		log:      log.WithComponent("recovery"),
		metrics:  m,
		attempts: make(map[classifier.Kind]int),
	}
}

// workflowFor builds the ordered step sequence for one alarm kind. snap is
// the Mirror's last-known-good snapshot at the moment the alarm fired,
// used to restore spindle/coolant state and modal state (abort_cycle
// restores DefaultModal instead) and, for soft_limit, to compute a safe
// reposition point. hard_limit has no case here by design:
// it is handled before workflowFor is ever called (see Recover).
func (s *Supervisor) workflowFor(kind classifier.Kind, snap mirror.Snapshot) *Workflow {
	modal := snap.Modal
	restore := &restoreModalAction{
		cmd:            s.cmd,
		modal:          modal,
		restoreSpindle: s.cfg.RestoreSpindle,
		spindleRPM:     snap.LastKnownSpindle,
		restoreCoolant: s.cfg.RestoreCoolant,
		coolantOn:      snap.LastKnownCoolant,
	}

	switch kind {
	case classifier.KindSoftLimit:
		wf := NewWorkflow(kind, "soft limit recovery: unlock, safe reposition, restore modal state")
		wf.AddStep(&unlockAction{cmd: s.cmd})
		safeX, safeY, hasPos := safePoint(snap.Status.MPos, snap.HasStatus && snap.Status.HasMPos, s.cfg.RepositionMarginMM)
		wf.AddStep(&safeRepositionAction{
			cmd:         s.cmd,
			heightMM:    s.cfg.SafeHeightMM,
			hasPosition: hasPos,
			safeX:       safeX,
			safeY:       safeY,
		})
		wf.AddStep(restore)
		return wf

	case classifier.KindAbortCycle:
		wf := NewWorkflow(kind, "abort cycle recovery: unlock, restore modal defaults")
		wf.AddStep(&unlockAction{cmd: s.cmd})
		restore.modal = mirror.DefaultModal()
		wf.AddStep(restore)
		return wf

	case classifier.KindHomingError:
		wf := NewWorkflow(kind, "homing failure recovery: unlock, re-home")
		wf.AddStep(&unlockAction{cmd: s.cmd})
		wf.AddStep(&homingAction{cmd: s.cmd, timeout: s.cfg.HomingTimeout})
		return wf

	default:
		return nil
	}
}

// Recover runs the workflow registered for kind, enforcing
// max_recovery_attempts and recovery_timeout_ms. Exceeding either publishes
// a "recovery_exhausted"/"recovery_failed" event and returns an error; the
// caller (typically the controller) is then responsible for surfacing the
// alarm to an operator rather than retrying blindly. hard_limit never runs
// a workflow at all: spec.md §4.8 requires it always be reported for
// manual intervention instead of auto-recovered.
func (s *Supervisor) Recover(ctx context.Context, kind classifier.Kind, snap mirror.Snapshot) error {
	if kind == classifier.KindHardLimit {
		report := ManualInterventionReport{
			Kind:    kind,
			Modal:   snap.Modal,
			Message: "hard limit triggered: auto-recovery is never attempted, machine requires manual inspection before unlocking",
		}
		s.bus.Publish("manual_intervention_required", report)
		s.log.Errorf("recovery: %s requires manual intervention, not auto-recovering", kind)
		return ErrManualInterventionRequired
	}

	if !s.cfg.EnableAutoRecovery {
		return ErrAutoRecoveryDisabled
	}

	s.mu.Lock()
	attempt := s.attempts[kind] + 1
	if attempt > s.cfg.MaxRecoveryAttempts {
		s.mu.Unlock()
		s.bus.Publish("recovery_exhausted", kind)
		return fmt.Errorf("recovery: max_recovery_attempts (%d) exceeded for %s", s.cfg.MaxRecoveryAttempts, kind)
	}
	s.attempts[kind] = attempt
	s.mu.Unlock()

	wf := s.workflowFor(kind, snap)
	if wf == nil {
		return fmt.Errorf("%w: %s", ErrNoWorkflow, kind)
	}

	recoverCtx, cancel := context.WithTimeout(ctx, s.cfg.RecoveryTimeout)
	defer cancel()

	s.bus.Publish("recovery_started", kind)
	s.log.Infof("recovery: starting workflow %q for %s (attempt %d/%d)", wf.Description, kind, attempt, s.cfg.MaxRecoveryAttempts)
	if s.metrics != nil {
		s.metrics.RecoveryAttempts.WithLabelValues(string(kind)).Inc()
	}

	if err := wf.Execute(recoverCtx); err != nil {
		s.bus.Publish("recovery_failed", err)
		s.log.Warnf("recovery: workflow for %s failed: %v", kind, err)
		return err
	}

	s.mu.Lock()
	delete(s.attempts, kind)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecoverySuccesses.WithLabelValues(string(kind)).Inc()
	}
	s.bus.Publish("recovery_succeeded", kind)
	return nil
}

// ResetAttempts clears the attempt counter for kind, used once the
// controller has confirmed the machine is healthy again (e.g. a subsequent
// successful status poll with no alarm state).
func (s *Supervisor) ResetAttempts(kind classifier.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, kind)
}
