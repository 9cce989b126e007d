// Package mirror implements the State Mirror and Synchronizer of spec.md
// §3 and §4.5: a software-maintained snapshot of machine state that only
// advances on a parsed StatusFrame or an Executor-confirmed modal-changing
// command (invariant #5), exposed read-only via atomic snapshot replace
// (spec.md §5 ordering guarantee).
//
// Grounded on pkg/resilience/connection_manager.go's BackendConnection
// status tracking (a mutex-guarded struct holding the latest observed
// state plus counters), generalized from a single connection's up/down
// status into the richer StatusFrame + modal + tool snapshot spec.md
// requires.
package mirror

import (
	"math"
	"sync"
	"time"

	"github.com/grblhost/grblhost/pkg/config"
	"github.com/grblhost/grblhost/pkg/eventbus"
	"github.com/grblhost/grblhost/pkg/executor"
	"github.com/grblhost/grblhost/pkg/logging"
	"github.com/grblhost/grblhost/pkg/protocol"
)

// Modal holds the sticky controller-side modal group settings (spec.md
// GLOSSARY: "a controller-side sticky setting").
type Modal struct {
	Motion   string // e.g. G0, G1, G2, G3
	Plane    string // G17/G18/G19
	Units    string // G20/G21
	Distance string // G90/G91
	FeedMode string // G93/G94
	CoordSys string // G54..G59
}

// DefaultModal is GRBL's power-on default modal state, used as the
// recovery target when restoring "absolute, metric, XY plane" (spec.md
// §4.8 abort_cycle recovery).
func DefaultModal() Modal {
	return Modal{
		Motion:   "G0",
		Plane:    "G17",
		Units:    "G21",
		Distance: "G90",
		FeedMode: "G94",
		CoordSys: "G54",
	}
}

// Tool holds the currently selected tool.
type Tool struct {
	Number int
	Props  map[string]string
}

// Snapshot is an immutable point-in-time read of the Mirror.
type Snapshot struct {
	Status          protocol.StatusFrame
	HasStatus       bool
	Modal           Modal
	Tool            Tool
	LastKnownSpindle float64
	LastKnownCoolant bool
	IsHomed         bool
	Settings        map[int]string
	UpdatedAt       time.Time
}

// Mirror is the software model of the machine. Writes come only from the
// Poller's OnStatusFrame feed and the Executor's confirmed-command feed
// (spec.md §3 Ownership & lifecycle); everyone else reads via Snapshot().
type Mirror struct {
	mu  sync.RWMutex
	cur Snapshot
	bus *eventbus.Bus
	log *logging.Logger
}

func New(bus *eventbus.Bus, log *logging.Logger) *Mirror {
	if log == nil {
		log = logging.NewLogger(nil)
	}
	return &Mirror{
		bus: bus,
		log: log.WithComponent("mirror"),
		cur: Snapshot{
			Modal:    DefaultModal(),
			Settings: make(map[int]string),
		},
	}
}

// Snapshot returns an atomic copy of the current mirror state.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.cur
	settings := make(map[int]string, len(m.cur.Settings))
	for k, v := range m.cur.Settings {
		settings[k] = v
	}
	snap.Settings = settings
	return snap
}

// OnStatusFrame advances the mirror from a polled StatusFrame. This is the
// Poller's wiring point — registered as Poller's secondary observer, not a
// replacement for the Poller's own event emission.
func (m *Mirror) OnStatusFrame(frame protocol.StatusFrame) {
	m.mu.Lock()
	m.cur.Status = frame
	m.cur.HasStatus = true
	m.cur.UpdatedAt = time.Now()
	if frame.State == protocol.StateHome {
		m.cur.IsHomed = true
	}
	m.mu.Unlock()
	m.log.Debugf("mirror advanced to state=%s", frame.State)
	m.bus.Publish("mirror_updated", frame)
}

// OnSetting records a "$n=v" echo into the settings snapshot. Nothing else
// in this module reads Settings; they are only exposed through Snapshot.
func (m *Mirror) OnSetting(num int, val string) {
	m.mu.Lock()
	m.cur.Settings[num] = val
	m.mu.Unlock()
}

// OnCommandConfirmed advances modal/tool/spindle/coolant state from an
// Executor-confirmed command outcome (invariant #5's second advance path).
// The caller (typically the Streaming Engine or a direct API user) supplies
// the modal delta implied by the command it just got "ok" for.
func (m *Mirror) OnCommandConfirmed(delta ModalDelta) {
	m.mu.Lock()
	if delta.Motion != "" {
		m.cur.Modal.Motion = delta.Motion
	}
	if delta.Plane != "" {
		m.cur.Modal.Plane = delta.Plane
	}
	if delta.Units != "" {
		m.cur.Modal.Units = delta.Units
	}
	if delta.Distance != "" {
		m.cur.Modal.Distance = delta.Distance
	}
	if delta.FeedMode != "" {
		m.cur.Modal.FeedMode = delta.FeedMode
	}
	if delta.CoordSys != "" {
		m.cur.Modal.CoordSys = delta.CoordSys
	}
	if delta.ToolNumber != nil {
		m.cur.Tool.Number = *delta.ToolNumber
	}
	if delta.Spindle != nil {
		m.cur.LastKnownSpindle = *delta.Spindle
	}
	if delta.Coolant != nil {
		m.cur.LastKnownCoolant = *delta.Coolant
	}
	m.mu.Unlock()
}

// ModalDelta is the subset of modal state a single confirmed command can
// change. Empty string / nil fields mean "unchanged".
type ModalDelta struct {
	Motion, Plane, Units, Distance, FeedMode, CoordSys string
	ToolNumber                                          *int
	Spindle                                             *float64
	Coolant                                              *bool
}

// Category groups discrepancies for the Synchronizer's critical/minor split
// (spec.md §4.5).
type Category int

const (
	CategoryPosition Category = iota
	CategoryStatus
	CategoryMotion
	CategoryBuffer
	CategoryModal
)

func (c Category) Critical() bool {
	return c == CategoryStatus || c == CategoryPosition
}

// Discrepancy describes one mismatch between the mirror and a freshly
// polled truth.
type Discrepancy struct {
	Category Category
	Detail   string
}

// Policy selects how the Synchronizer resolves discrepancies.
type Policy string

const (
	PolicyHardwarePriority Policy = "hardware_priority"
	PolicySoftwarePriority Policy = "software_priority"
	PolicyManual           Policy = "manual"
)

// Corrector is the narrow Executor interface the Synchronizer needs to
// issue corrective queries under software_priority.
type Corrector interface {
	SubmitImmediate(b byte) error
}

// Synchronizer compares the Mirror against freshly polled truth and
// resolves discrepancies per the configured Policy.
type Synchronizer struct {
	mirror *Mirror
	cfg    config.SynchronizerConfig
	bus    *eventbus.Bus
	exec   Corrector
}

func NewSynchronizer(m *Mirror, cfg config.SynchronizerConfig, bus *eventbus.Bus, exec Corrector) *Synchronizer {
	return &Synchronizer{mirror: m, cfg: cfg, bus: bus, exec: exec}
}

// Compare diffs a freshly observed StatusFrame against the current mirror
// snapshot, classifying by category (spec.md §4.5).
func (s *Synchronizer) Compare(truth protocol.StatusFrame) []Discrepancy {
	snap := s.mirror.Snapshot()
	var diffs []Discrepancy

	if snap.HasStatus && snap.Status.State != truth.State {
		diffs = append(diffs, Discrepancy{Category: CategoryStatus, Detail: "state mismatch"})
	}

	if snap.HasStatus && snap.Status.HasMPos && truth.HasMPos {
		if !withinTolerance(snap.Status.MPos, truth.MPos, s.cfg.PositionTolerance) {
			diffs = append(diffs, Discrepancy{Category: CategoryPosition, Detail: "machine position mismatch"})
		}
	}

	if snap.HasStatus && snap.Status.HasWPos && truth.HasWPos {
		if !withinTolerance(snap.Status.WPos, truth.WPos, s.cfg.PositionTolerance) {
			diffs = append(diffs, Discrepancy{Category: CategoryMotion, Detail: "work position mismatch"})
		}
	}

	if snap.HasStatus && snap.Status.HasBuffer && truth.HasBuffer && snap.Status.Buffer != truth.Buffer {
		diffs = append(diffs, Discrepancy{Category: CategoryBuffer, Detail: "buffer utilization mismatch"})
	}

	return diffs
}

func withinTolerance(a, b protocol.Vec3, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

// Resolve applies the configured Policy to a set of discrepancies observed
// against truth.
func (s *Synchronizer) Resolve(truth protocol.StatusFrame, diffs []Discrepancy) {
	if len(diffs) == 0 {
		return
	}
	switch Policy(s.cfg.Policy) {
	case PolicyHardwarePriority:
		s.mirror.OnStatusFrame(truth)
	case PolicySoftwarePriority:
		// Re-issue a corrective status query; the caller's higher-level
		// subsystem (e.g. a modal-group query command) is responsible for
		// actually restoring mirror-side state through the Executor — this
		// package only has the out-of-band Corrector, matching spec.md's
		// "may issue targeted queries … through the Executor."
		_ = s.exec.SubmitImmediate(0x3F)
	case PolicyManual:
		s.bus.Publish("sync_conflict", diffs)
	}
}

// WireStatus registers the Mirror as the status observer on an Executor.
func WireStatus(ex *executor.Executor, m *Mirror) {
	ex.SetStatusCallback(m.OnStatusFrame)
	ex.SetSettingCallback(m.OnSetting)
}
