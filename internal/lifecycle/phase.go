package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrLifecycleOrder = errors.New("lifecycle: invalid lifecycle transition")

// Phase names one state of a process lifecycle.
type Phase string

// Worker process phases.
const (
	WorkerCreated  Phase = "created"
	WorkerStarted  Phase = "started"
	WorkerRunning  Phase = "running"
	WorkerStopping Phase = "stopping"
	WorkerStopped  Phase = "stopped"
	WorkerFailed   Phase = "failed"
)

// Manager process phases.
const (
	ManagerStarted     Phase = "started"
	ManagerSupervising Phase = "supervising"
	ManagerStopped     Phase = "stopped"
)

// Master process phases.
const (
	MasterInitializing   Phase = "initializing"
	MasterManagerSpawned Phase = "manager_spawned"
	MasterRunning        Phase = "running"
	MasterShuttingDown   Phase = "shutting_down"
	MasterTerminated     Phase = "terminated"
)

var workerTransitions = map[Phase][]Phase{
	WorkerCreated:  {WorkerStarted, WorkerFailed},
	WorkerStarted:  {WorkerRunning, WorkerFailed},
	WorkerRunning:  {WorkerStopping},
	WorkerStopping: {WorkerStopped},
}

var managerTransitions = map[Phase][]Phase{
	ManagerStarted:     {ManagerSupervising, ManagerStopped},
	ManagerSupervising: {ManagerStopped},
}

var masterTransitions = map[Phase][]Phase{
	MasterInitializing:   {MasterManagerSpawned, MasterTerminated},
	MasterManagerSpawned: {MasterRunning, MasterShuttingDown},
	MasterRunning:        {MasterShuttingDown},
	MasterShuttingDown:   {MasterTerminated},
}

// Transition records one phase change.
type Transition struct {
	From Phase
	To   Phase
	At   time.Time
}

// Machine guards the phase of one process. Transitions outside the table
// fail with ErrLifecycleOrder and leave the phase unchanged.
type Machine struct {
	mu      sync.RWMutex
	kind    string
	phase   Phase
	allowed map[Phase][]Phase
	history []Transition
	changed time.Time
}

func NewWorkerMachine() *Machine {
	return newMachine("worker", WorkerCreated, workerTransitions)
}

func NewManagerMachine() *Machine {
	return newMachine("manager", ManagerStarted, managerTransitions)
}

func NewMasterMachine() *Machine {
	return newMachine("master", MasterInitializing, masterTransitions)
}

func newMachine(kind string, initial Phase, allowed map[Phase][]Phase) *Machine {
	return &Machine{
		kind:    kind,
		phase:   initial,
		allowed: allowed,
		history: make([]Transition, 0, 4),
		changed: time.Now(),
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Since returns when the current phase was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Transition moves to the next phase.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, next := range m.allowed[m.phase] {
		if next == to {
			now := time.Now()
			m.history = append(m.history, Transition{From: m.phase, To: to, At: now})
			m.phase = to
			m.changed = now
			return nil
		}
	}
	return transitionError(m.kind, m.phase, to)
}

// History returns the transitions taken so far.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Terminal reports whether no further transition is possible.
func (m *Machine) Terminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allowed[m.phase]) == 0
}

func transitionError(kind string, from, to Phase) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrLifecycleOrder, kind, from, to)
}
