package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/udpctl/internal/config"
	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
	"github.com/danmuck/udpctl/internal/tools"
)

var ErrAllWorkersFailed = errors.New("server: every socket worker failed to bind")

// ChildExit is one reaped child.
type ChildExit struct {
	PID    int
	Status int
	// Signal is non-zero when the child was killed by a signal.
	Signal int
}

// Reaper collects exited children without blocking.
type Reaper interface {
	Reap() ([]ChildExit, error)
}

// SlotState is the manager's view of one child ordinal.
type SlotState string

const (
	SlotPending   SlotState = "pending"
	SlotRunning   SlotState = "running"
	SlotReloading SlotState = "reloading"
	SlotFailed    SlotState = "failed"
	SlotStopped   SlotState = "stopped"
)

// Slot is a snapshot of one child ordinal.
type Slot struct {
	ID       int
	Role     lifecycle.Role
	State    SlotState
	PID      int
	Attempts int
	Restarts int
}

type childSlot struct {
	Slot
	proc      tools.Process
	startedAt time.Time
}

// ManagerOptions wires the manager to the host. Zero values use the real
// process runner, wait4 reaper and the current binary.
type ManagerOptions struct {
	Runner tools.ProcessRunner
	Reaper Reaper
	Path   string
	Args   []string
	Stdout *os.File
	Stderr *os.File
	Rand   *rand.Rand
}

// Manager supervises the worker and task processes. It runs a single
// signal-driven loop and never touches sockets.
type Manager struct {
	settings config.Settings
	hooks    Hooks
	env      Env
	opts     ManagerOptions
	machine  *lifecycle.Machine
	caller   hookCaller
	reporter observability.Reporter
	logger   zerolog.Logger

	slots    []*childSlot
	byPID    map[int]*childSlot
	respawn  *respawnQueue
	stopping bool
}

// Manager constructor.
func NewManager(settings config.Settings, hooks Hooks, env Env, opts ManagerOptions) *Manager {
	if opts.Runner == nil {
		opts.Runner = tools.ExecRunner{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := log.Logger.With().Str("component", "manager").Logger()
	reporter := observability.NewLogReporter(logger)
	m := &Manager{
		settings: settings,
		hooks:    hooks,
		env:      env,
		opts:     opts,
		machine:  lifecycle.NewManagerMachine(),
		caller:   hookCaller{reporter: reporter},
		reporter: reporter,
		logger:   logger,
		byPID:    make(map[int]*childSlot),
		respawn:  newRespawnQueue(),
	}
	for id := 0; id < settings.ChildCount(); id++ {
		m.slots = append(m.slots, &childSlot{Slot: Slot{
			ID:    id,
			Role:  lifecycle.RoleFor(id, settings.WorkerNum),
			State: SlotPending,
		}})
	}
	return m
}

// WithReporter replaces the error reporter used for hooks.
func (m *Manager) WithReporter(r observability.Reporter) *Manager {
	if r != nil {
		m.reporter = r
		m.caller.reporter = r
	}
	return m
}

func (m *Manager) Phase() lifecycle.Phase {
	return m.machine.Phase()
}

// Slots returns a snapshot of every child ordinal. It is not safe to call
// while Supervise runs on another goroutine.
func (m *Manager) Slots() []Slot {
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s.Slot)
	}
	return out
}

func (m *Manager) context() ManagerContext {
	return ManagerContext{
		Settings:  m.settings,
		RunID:     m.env.RunID,
		PID:       os.Getpid(),
		MasterPID: m.masterPID(),
	}
}

func (m *Manager) masterPID() int {
	if m.env.MasterPID > 0 {
		return m.env.MasterPID
	}
	return os.Getppid()
}

// Run installs the manager's signal handlers and supervises until shutdown.
func (m *Manager) Run() error {
	sigs := make(chan os.Signal, 64)
	signal.Notify(sigs, sigChild, sigTerminate, sigInterrupt, sigReloadAll, sigReloadTasks)
	defer signal.Stop(sigs)
	return m.Supervise(sigs)
}

// Supervise spawns every child and reacts to sigs until a shutdown signal or
// until every socket worker has failed to bind.
func (m *Manager) Supervise(sigs <-chan os.Signal) error {
	if m.opts.Reaper == nil {
		reaper, err := newSystemReaper()
		if err != nil {
			_ = m.machine.Transition(lifecycle.ManagerStopped)
			return err
		}
		m.opts.Reaper = reaper
	}

	title := lifecycle.Title(m.settings.Name, lifecycle.RoleManager, 0)
	if err := lifecycle.SetTitle(title); err != nil {
		m.logger.Debug().Err(err).Str("title", title).Msg("process title not set")
	}
	if err := WritePidFile(m.settings.PidFile, m.masterPID()); err != nil {
		m.logger.Warn().Err(err).Str("pid_file", m.settings.PidFile).Msg("pid file not written")
	}

	mctx := m.context()
	if m.hooks.OnManagerStart != nil {
		_ = m.caller.call(context.Background(), HookManagerStart, func(context.Context) error { return m.hooks.OnManagerStart(mctx) })
	}

	for _, slot := range m.slots {
		m.spawn(slot)
	}
	if err := m.machine.Transition(lifecycle.ManagerSupervising); err != nil {
		return err
	}
	m.logger.Info().
		Int("workers", m.settings.WorkerNum).
		Int("tasks", m.settings.TaskWorkerNum).
		Msg("manager supervising")

	ticker := time.NewTicker(m.settings.HousekeepingInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if m.allSocketWorkersFailed() {
			m.logger.Error().Msg("every socket worker failed; stopping")
			return m.shutdown(sigs, ErrAllWorkersFailed)
		}
		select {
		case sig := <-sigs:
			switch sig {
			case sigChild:
				m.reap()
			case sigTerminate, sigInterrupt:
				m.logger.Info().Str("signal", sig.String()).Msg("manager shutdown requested")
				return m.shutdown(sigs, nil)
			case sigReloadAll:
				m.reload(false)
			case sigReloadTasks:
				m.reload(true)
			}
		case <-ticker.C:
			m.housekeep()
		case <-m.respawnWake(timer):
			m.respawnDue()
		}
	}
}

func (m *Manager) respawnWake(timer *time.Timer) <-chan time.Time {
	next := m.respawn.NextDue()
	if next.IsZero() {
		timer.Stop()
		return nil
	}
	timer.Reset(time.Until(next))
	return timer.C
}

func (m *Manager) spawn(slot *childSlot) {
	if m.stopping {
		return
	}
	env := Env{
		Role:      slot.Role,
		WorkerID:  slot.ID,
		RunID:     m.env.RunID,
		MasterPID: m.masterPID(),
	}
	proc, err := m.opts.Runner.Start(tools.ChildSpec{
		Path:   m.opts.Path,
		Args:   m.opts.Args,
		Env:    env.Pairs(),
		Stdout: m.opts.Stdout,
		Stderr: m.opts.Stderr,
	})
	if err != nil {
		m.reporter.Report(fmt.Errorf("server: spawn %s #%d: %w", slot.Role, slot.ID, err))
		m.schedule(slot)
		return
	}
	slot.proc = proc
	slot.PID = proc.Pid()
	slot.State = SlotRunning
	slot.startedAt = time.Now()
	m.byPID[slot.PID] = slot
	m.logger.Info().
		Int("worker_id", slot.ID).
		Str("worker_role", string(slot.Role)).
		Int("child_pid", slot.PID).
		Msg("child started")
}

// schedule queues slot for a respawn after its backoff delay.
func (m *Manager) schedule(slot *childSlot) {
	slot.Attempts++
	slot.State = SlotPending
	delay := NextBackoffDelay(m.settings.Respawn, slot.Attempts, m.opts.Rand)
	m.respawn.Drop(slot.ID)
	m.respawn.Push(slot.ID, time.Now().Add(delay))
	m.logger.Debug().
		Int("worker_id", slot.ID).
		Int("attempt", slot.Attempts).
		Dur("delay", delay).
		Msg("respawn scheduled")
}

func (m *Manager) respawnDue() {
	for _, id := range m.respawn.PopDue(time.Now()) {
		slot := m.slots[id]
		if slot.State != SlotPending {
			continue
		}
		slot.Restarts++
		m.spawn(slot)
	}
}

func (m *Manager) reap() {
	exits, err := m.opts.Reaper.Reap()
	if err != nil {
		m.reporter.Report(fmt.Errorf("server: reap children: %w", err))
	}
	for _, exit := range exits {
		slot, ok := m.byPID[exit.PID]
		if !ok {
			m.logger.Debug().Int("child_pid", exit.PID).Msg("reaped unknown child")
			continue
		}
		m.handleExit(slot, exit)
	}
}

func (m *Manager) handleExit(slot *childSlot, exit ChildExit) {
	delete(m.byPID, exit.PID)
	if slot.proc != nil {
		_ = slot.proc.Release()
	}
	slot.proc = nil
	slot.PID = 0
	prev := slot.State

	info := WorkerExit{
		ID:     slot.ID,
		Role:   slot.Role,
		PID:    exit.PID,
		Status: exit.Status,
		Signal: exit.Signal,
	}
	m.logger.Info().
		Int("worker_id", slot.ID).
		Int("child_pid", exit.PID).
		Int("status", exit.Status).
		Int("signal", exit.Signal).
		Str("slot_state", string(prev)).
		Msg("child exited")

	switch {
	case m.stopping:
		slot.State = SlotStopped
	case exit.Signal == 0 && exit.Status == ExitBindFailed:
		slot.State = SlotFailed
		m.workerError(info)
		m.logger.Error().Int("worker_id", slot.ID).Msg("child failed to bind; not respawning")
	case prev == SlotReloading:
		slot.Attempts = 0
		slot.Restarts++
		m.spawn(slot)
	case exit.Signal == 0 && exit.Status == ExitOK:
		slot.Restarts++
		m.spawn(slot)
	default:
		m.workerError(info)
		m.schedule(slot)
	}
}

func (m *Manager) workerError(info WorkerExit) {
	if m.hooks.OnWorkerError == nil {
		return
	}
	mctx := m.context()
	_ = m.caller.call(context.Background(), HookWorkerError, func(context.Context) error { return m.hooks.OnWorkerError(mctx, info) })
}

func (m *Manager) reload(tasksOnly bool) {
	sig, mode := sigTerminate, "graceful"
	if !m.settings.ReloadAsync {
		sig, mode = sigKill, "immediate"
	}
	m.logger.Info().Str("mode", mode).Bool("tasks_only", tasksOnly).Msg("reload requested")
	for _, slot := range m.slots {
		if tasksOnly && slot.Role != lifecycle.RoleTask {
			continue
		}
		switch slot.State {
		case SlotRunning:
			slot.State = SlotReloading
			if err := slot.proc.Signal(sig); err != nil {
				m.reporter.Report(fmt.Errorf("server: reload %s #%d: %w", slot.Role, slot.ID, err))
			}
		case SlotFailed:
			slot.Attempts = 0
			m.spawn(slot)
		}
	}
}

func (m *Manager) housekeep() {
	m.reap()
	stable := m.settings.Respawn.MaxDelay
	if stable < m.settings.HousekeepingInterval {
		stable = m.settings.HousekeepingInterval
	}
	running := 0
	for _, slot := range m.slots {
		if slot.State != SlotRunning {
			continue
		}
		running++
		if slot.Attempts > 0 && time.Since(slot.startedAt) >= stable {
			slot.Attempts = 0
		}
	}
	m.respawnDue()
	m.logger.Debug().
		Int("running", running).
		Int("respawn_queue", m.respawn.Len()).
		Msg("manager housekeeping")
}

func (m *Manager) allSocketWorkersFailed() bool {
	workers := 0
	for _, slot := range m.slots {
		if !slot.Role.OwnsSocket() {
			continue
		}
		workers++
		if slot.State != SlotFailed {
			return false
		}
	}
	return workers > 0
}

func (m *Manager) live() []*childSlot {
	var out []*childSlot
	for _, slot := range m.slots {
		if slot.proc != nil {
			out = append(out, slot)
		}
	}
	return out
}

func (m *Manager) signalLive(sig os.Signal) {
	for _, slot := range m.live() {
		if err := slot.proc.Signal(sig); err != nil {
			m.reporter.Report(fmt.Errorf("server: signal %s #%d: %w", slot.Role, slot.ID, err))
		}
	}
}

// shutdown terminates every child, escalating to SIGKILL after
// max_wait_time, then runs the manager-stop hook.
func (m *Manager) shutdown(sigs <-chan os.Signal, cause error) error {
	m.stopping = true
	m.respawn.Clear()
	for _, slot := range m.slots {
		if slot.proc == nil && slot.State != SlotFailed {
			slot.State = SlotStopped
		}
	}
	m.signalLive(sigTerminate)

	deadline := time.NewTimer(m.settings.MaxWaitTime)
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	killed := false
	for len(m.live()) > 0 {
		select {
		case sig := <-sigs:
			if sig == sigChild {
				m.reap()
			}
		case <-poll.C:
			m.reap()
		case <-deadline.C:
			if killed {
				m.logger.Error().Int("remaining", len(m.live())).Msg("children did not exit after SIGKILL")
				for _, slot := range m.live() {
					delete(m.byPID, slot.PID)
					slot.proc = nil
					slot.State = SlotStopped
				}
				continue
			}
			m.logger.Warn().
				Int("remaining", len(m.live())).
				Dur("max_wait_time", m.settings.MaxWaitTime).
				Msg("children still running; killing")
			m.signalLive(sigKill)
			killed = true
			deadline.Reset(time.Second)
		}
	}

	mctx := m.context()
	if m.hooks.OnManagerStop != nil {
		_ = m.caller.call(context.Background(), HookManagerStop, func(context.Context) error { return m.hooks.OnManagerStop(mctx) })
	}
	if err := RemovePidFile(m.settings.PidFile); err != nil {
		m.reporter.Report(err)
	}
	if err := m.machine.Transition(lifecycle.ManagerStopped); err != nil {
		return err
	}
	m.logger.Info().Msg("manager stopped")
	return cause
}
