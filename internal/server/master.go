package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/udpctl/internal/config"
	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
	"github.com/danmuck/udpctl/internal/tools"
)

// MasterOptions wires the master to the host. Zero values use the real
// process runner, the current binary and stdout for the banner.
type MasterOptions struct {
	Runner tools.ProcessRunner
	Path   string
	Args   []string
	Stdout *os.File
	Stderr *os.File
	Banner io.Writer
	RunID  string
}

// Master is the top-level process: banner, title, master hooks and the
// manager child. It performs no socket I/O.
type Master struct {
	settings config.Settings
	hooks    Hooks
	opts     MasterOptions
	runID    string
	machine  *lifecycle.Machine
	caller   hookCaller
	reporter observability.Reporter
	logger   zerolog.Logger
}

// Master constructor. A run id is generated when opts.RunID is empty.
func NewMaster(settings config.Settings, hooks Hooks, opts MasterOptions) *Master {
	if opts.Runner == nil {
		opts.Runner = tools.ExecRunner{}
	}
	if opts.Banner == nil {
		opts.Banner = os.Stdout
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := log.Logger.With().Str("component", "master").Logger()
	reporter := observability.NewLogReporter(logger)
	return &Master{
		settings: settings,
		hooks:    hooks,
		opts:     opts,
		runID:    runID,
		machine:  lifecycle.NewMasterMachine(),
		caller:   hookCaller{reporter: reporter},
		reporter: reporter,
		logger:   logger,
	}
}

// WithReporter replaces the error reporter used for hooks.
func (m *Master) WithReporter(r observability.Reporter) *Master {
	if r != nil {
		m.reporter = r
		m.caller.reporter = r
	}
	return m
}

func (m *Master) RunID() string {
	return m.runID
}

func (m *Master) Phase() lifecycle.Phase {
	return m.machine.Phase()
}

func (m *Master) History() []lifecycle.Transition {
	return m.machine.History()
}

func (m *Master) context() MasterContext {
	return MasterContext{Settings: m.settings, RunID: m.runID, PID: os.Getpid()}
}

// Run installs the master's signal handlers and runs until the manager exits.
func (m *Master) Run() error {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, sigTerminate, sigInterrupt, sigReloadAll, sigReloadTasks)
	defer signal.Stop(sigs)
	return m.Supervise(sigs)
}

// Supervise spawns the manager, forwards sigs to it and returns once it has
// exited. A non-zero manager status is returned as an *ExitError.
func (m *Master) Supervise(sigs <-chan os.Signal) error {
	if err := m.settings.Validate(); err != nil {
		_ = m.machine.Transition(lifecycle.MasterTerminated)
		return err
	}

	printBanner(m.opts.Banner, m.settings, m.runID)
	title := lifecycle.Title(m.settings.Name, lifecycle.RoleMaster, 0)
	if err := lifecycle.SetTitle(title); err != nil {
		m.logger.Debug().Err(err).Str("title", title).Msg("process title not set")
	}

	mctx := m.context()
	if m.hooks.OnMasterStart != nil {
		_ = m.caller.call(context.Background(), HookMasterStart, func(context.Context) error {
			return m.hooks.OnMasterStart(mctx)
		})
	}

	env := Env{Role: lifecycle.RoleManager, RunID: m.runID, MasterPID: os.Getpid()}
	proc, err := m.opts.Runner.Start(tools.ChildSpec{
		Path:   m.opts.Path,
		Args:   m.opts.Args,
		Env:    env.Pairs(),
		Stdout: m.opts.Stdout,
		Stderr: m.opts.Stderr,
	})
	if err != nil {
		_ = m.machine.Transition(lifecycle.MasterTerminated)
		return fmt.Errorf("server: spawn manager: %w", err)
	}
	if err := m.machine.Transition(lifecycle.MasterManagerSpawned); err != nil {
		return err
	}
	m.logger.Info().Int("manager_pid", proc.Pid()).Msg("manager spawned")

	type waitResult struct {
		status int
		err    error
	}
	done := make(chan waitResult, 1)
	go func() {
		status, err := proc.Wait()
		done <- waitResult{status: status, err: err}
	}()

	if err := m.machine.Transition(lifecycle.MasterRunning); err != nil {
		return err
	}

	var res waitResult
	for waiting := true; waiting; {
		select {
		case sig := <-sigs:
			m.logger.Info().Str("signal", sig.String()).Msg("forwarding signal to manager")
			if err := proc.Signal(sig); err != nil {
				m.reporter.Report(fmt.Errorf("server: forward %s: %w", sig, err))
			}
		case res = <-done:
			waiting = false
		}
	}

	if err := m.machine.Transition(lifecycle.MasterShuttingDown); err != nil {
		return err
	}
	if m.hooks.OnMasterStop != nil {
		_ = m.caller.call(context.Background(), HookMasterStop, func(context.Context) error {
			return m.hooks.OnMasterStop(mctx)
		})
	}
	if err := m.machine.Transition(lifecycle.MasterTerminated); err != nil {
		return err
	}

	m.logger.Info().Int("status", res.status).Msg("master terminated")
	if res.err != nil {
		return fmt.Errorf("server: wait manager: %w", res.err)
	}
	if res.status != ExitOK {
		return &ExitError{Code: res.status, Err: fmt.Errorf("manager exited with status %d", res.status)}
	}
	return nil
}
