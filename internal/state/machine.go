package state

import (
	"errors"
	"fmt"
	"sync"
)

// Phase is the lifecycle position of the enabled flag.
type Phase string

const (
	PhaseDisabled  Phase = "disabled"
	PhaseEnabling  Phase = "enabling"
	PhaseEnabled   Phase = "enabled"
	PhaseDisabling Phase = "disabling"
)

// ErrBusy is returned when a toggle arrives while the opposite toggle is
// still in progress.
var ErrBusy = errors.New("state: toggle in progress")

// Machine serializes enable and disable:
// disabled → enabling → enabled → disabling → disabled.
type Machine struct {
	mu    sync.Mutex
	phase Phase
}

// NewMachine starts in the enabled or disabled phase.
func NewMachine(enabled bool) *Machine {
	if enabled {
		return &Machine{phase: PhaseEnabled}
	}
	return &Machine{phase: PhaseDisabled}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Enabled gates automatic attach and reconnect. It is true while enabling
// and enabled.
func (m *Machine) Enabled() bool {
	p := m.Phase()
	return p == PhaseEnabling || p == PhaseEnabled
}

// BeginEnable moves disabled to enabling. It reports false when the relay is
// already enabling or enabled.
func (m *Machine) BeginEnable() (bool, error) {
	return m.begin(PhaseDisabled, PhaseEnabling, PhaseEnabled)
}

// FinishEnable completes an enable.
func (m *Machine) FinishEnable() { m.finish(PhaseEnabling, PhaseEnabled) }

// BeginDisable moves enabled to disabling. It reports false when the relay is
// already disabling or disabled.
func (m *Machine) BeginDisable() (bool, error) {
	return m.begin(PhaseEnabled, PhaseDisabling, PhaseDisabled)
}

// FinishDisable completes a disable.
func (m *Machine) FinishDisable() { m.finish(PhaseDisabling, PhaseDisabled) }

func (m *Machine) begin(from, via, to Phase) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.phase {
	case from:
		m.phase = via
		return true, nil
	case via, to:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrBusy, m.phase)
	}
}

func (m *Machine) finish(via, to Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == via {
		m.phase = to
	}
}
