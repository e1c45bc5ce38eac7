package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/udpctl/internal/channel"
	"github.com/danmuck/udpctl/internal/config"
	"github.com/danmuck/udpctl/internal/dispatch"
	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
)

var ErrNilApp = errors.New("server: nil app factory")

// AppFactory builds the packet handler of one worker. It runs once per
// worker process after the worker-start hook.
type AppFactory func(WorkerContext) (dispatch.Handler, error)

// Worker runs one worker or task process: channel, dispatch loop, hooks and
// the admin endpoint.
type Worker struct {
	settings config.Settings
	hooks    Hooks
	app      AppFactory
	env      Env
	id       int
	role     lifecycle.Role
	machine  *lifecycle.Machine
	reporter observability.Reporter
	logger   zerolog.Logger

	mu      sync.RWMutex
	channel *channel.Channel
	loop    *dispatch.Loop
	admin   *Admin
	caller  hookCaller

	ready chan struct{}
}

// Worker constructor. The role is derived from the ordinal, not from env.Role.
func NewWorker(settings config.Settings, hooks Hooks, app AppFactory, env Env) *Worker {
	role := lifecycle.RoleFor(env.WorkerID, settings.WorkerNum)
	logger := log.Logger.With().Int("worker_id", env.WorkerID).Str("worker_role", string(role)).Logger()
	reporter := observability.NewLogReporter(logger)
	return &Worker{
		settings: settings,
		hooks:    hooks,
		app:      app,
		env:      env,
		id:       env.WorkerID,
		role:     role,
		machine:  lifecycle.NewWorkerMachine(),
		reporter: reporter,
		logger:   logger,
		caller:   hookCaller{reporter: reporter},
		ready:    make(chan struct{}),
	}
}

// WithReporter replaces the error reporter used for hooks and tasks.
func (w *Worker) WithReporter(r observability.Reporter) *Worker {
	if r != nil {
		w.reporter = r
		w.caller.reporter = r
	}
	return w
}

func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) Role() lifecycle.Role {
	return w.role
}

func (w *Worker) Phase() lifecycle.Phase {
	return w.machine.Phase()
}

// History returns the phase transitions so far.
func (w *Worker) History() []lifecycle.Transition {
	return w.machine.History()
}

// Ready is closed once the worker is running.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// LocalAddr is the bound socket address; zero for task processes.
func (w *Worker) LocalAddr() netip.AddrPort {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.channel == nil {
		return netip.AddrPort{}
	}
	return w.channel.LocalAddr()
}

// AdminAddr is the resolved admin listen address, or "" when disabled.
func (w *Worker) AdminAddr() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.admin == nil {
		return ""
	}
	return w.admin.Addr()
}

func (w *Worker) Stats() dispatch.Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.loop == nil {
		return dispatch.Stats{}
	}
	return w.loop.Stats()
}

func (w *Worker) context() WorkerContext {
	wctx := WorkerContext{
		Settings: w.settings,
		RunID:    w.env.RunID,
		ID:       w.id,
		Role:     w.role,
		PID:      os.Getpid(),
		Logger:   w.logger,
	}
	w.mu.RLock()
	if w.channel != nil {
		wctx.Sender = w.channel
	}
	w.mu.RUnlock()
	return wctx
}

// Run drives the worker from created to stopped. Cancelling ctx is the stop
// signal. A bind failure returns an *ExitError with ExitBindFailed; a
// max_request recycle returns nil.
func (w *Worker) Run(ctx context.Context) error {
	adminErrs, err := w.start(ctx)
	if err != nil {
		return err
	}
	return w.serve(ctx, adminErrs)
}

func (w *Worker) fail(code int, err error) error {
	if terr := w.machine.Transition(lifecycle.WorkerFailed); terr != nil {
		w.logger.Error().Err(terr).Msg("worker failed from unexpected phase")
	}
	w.logger.Error().Err(err).Str("phase", string(w.Phase())).Msg("worker failed")
	return &ExitError{Code: code, Err: err}
}

func (w *Worker) start(ctx context.Context) (<-chan error, error) {
	if w.app == nil {
		return nil, w.fail(ExitFailure, ErrNilApp)
	}
	if err := w.machine.Transition(lifecycle.WorkerStarted); err != nil {
		return nil, err
	}

	title := lifecycle.Title(w.settings.Name, w.role, w.id)
	if err := lifecycle.SetTitle(title); err != nil {
		w.logger.Debug().Err(err).Str("title", title).Msg("process title not set")
	}
	if w.settings.ReactorNum > 0 {
		runtime.GOMAXPROCS(w.settings.ReactorNum)
	}

	if w.role.OwnsSocket() {
		ch := channel.New(w.settings.ChannelConfig())
		if err := ch.Bind(ctx); err != nil {
			return nil, w.fail(ExitBindFailed, err)
		}
		w.mu.Lock()
		w.channel = ch
		w.mu.Unlock()
		w.logger.Info().Str("addr", ch.LocalAddr().String()).Msg("worker bound")
	}

	wctx := w.context()
	if w.hooks.OnWorkerStart != nil {
		_ = w.caller.call(ctx, HookWorkerStart, func(context.Context) error {
			return w.hooks.OnWorkerStart(wctx)
		})
	}

	handler, err := w.app(wctx)
	if err == nil && handler == nil {
		err = dispatch.ErrNilHandler
	}
	if err != nil {
		w.closeChannel()
		return nil, w.fail(ExitFailure, fmt.Errorf("server: build app: %w", err))
	}
	if scoper, ok := handler.(dispatch.Scoper); ok {
		w.caller.scoper = scoper
	}

	if w.channel != nil {
		var spawner dispatch.Spawner = dispatch.NewGoSpawner()
		if !w.settings.EnableCoroutine {
			spawner = dispatch.InlineSpawner{}
		}
		loop, err := dispatch.NewLoop(w.channel, dispatch.Config{
			Handler:     handler,
			Observer:    packetHooks{hooks: w.hooks, sender: w.channel, caller: w.caller},
			Reporter:    w.reporter,
			Spawner:     spawner,
			MaxRequests: w.settings.MaxRequest,
			Label:       strconv.Itoa(w.id),
		})
		if err != nil {
			w.closeChannel()
			return nil, w.fail(ExitFailure, err)
		}
		w.mu.Lock()
		w.loop = loop
		w.mu.Unlock()
	}

	var adminErrs <-chan error
	if w.settings.AdminListen != "" {
		addr, err := AdminAddr(w.settings.AdminListen, w.id)
		if err == nil {
			admin := newAdmin(w, addr, w.settings.AdminCORSOrigins, w.logger)
			adminErrs, err = admin.Start()
			if err == nil {
				w.mu.Lock()
				w.admin = admin
				w.mu.Unlock()
				w.logger.Info().Str("admin_addr", admin.Addr()).Msg("worker admin listening")
			}
		}
		if err != nil {
			w.reporter.Report(err)
		}
	}

	if err := w.machine.Transition(lifecycle.WorkerRunning); err != nil {
		return nil, err
	}
	close(w.ready)
	w.logger.Info().Str("title", title).Msg("worker running")
	return adminErrs, nil
}

func (w *Worker) serve(ctx context.Context, adminErrs <-chan error) error {
	loopErrs := make(chan error, 1)
	if w.loop != nil {
		taskCtx := context.WithoutCancel(ctx)
		go func() {
			loopErrs <- w.loop.Run(taskCtx)
		}()
	}

	loopDone := false
	reason := "signal"
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case err := <-loopErrs:
			loopDone = true
			running = false
			switch {
			case errors.Is(err, dispatch.ErrMaxRequests):
				reason = "max_request"
			case err != nil:
				reason = "loop_error"
				w.reporter.Report(err)
			default:
				reason = "channel_closed"
			}
		case err, ok := <-adminErrs:
			if ok && err != nil {
				w.reporter.Report(fmt.Errorf("server: admin serve: %w", err))
			}
			adminErrs = nil
		}
	}
	return w.stop(ctx, reason, loopDone, loopErrs)
}

func (w *Worker) closeChannel() {
	w.mu.RLock()
	ch := w.channel
	w.mu.RUnlock()
	if ch == nil || ch.Closing() {
		return
	}
	if err := ch.Close(); err != nil {
		w.reporter.Report(err)
	}
}

func (w *Worker) stop(ctx context.Context, reason string, loopDone bool, loopErrs <-chan error) error {
	if err := w.machine.Transition(lifecycle.WorkerStopping); err != nil {
		return err
	}
	w.logger.Info().Str("reason", reason).Msg("worker stopping")

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.settings.MaxWaitTime)
	defer cancel()
	// A loop that ended on its own no longer receives, so in-flight tasks
	// drain with the socket still open and their replies go out.
	if loopDone {
		w.drain(drainCtx)
		w.closeChannel()
	} else {
		w.closeChannel()
		if w.loop != nil {
			if err := <-loopErrs; err != nil && !errors.Is(err, dispatch.ErrMaxRequests) {
				w.reporter.Report(err)
			}
		}
		w.drain(drainCtx)
	}
	if w.admin != nil {
		if err := w.admin.Shutdown(drainCtx); err != nil {
			w.reporter.Report(fmt.Errorf("server: admin shutdown: %w", err))
		}
	}

	wctx := w.context()
	hookCtx := context.WithoutCancel(ctx)
	if w.hooks.OnWorkerStop != nil {
		_ = w.caller.call(hookCtx, HookWorkerStop, func(context.Context) error {
			return w.hooks.OnWorkerStop(wctx)
		})
	}
	if w.hooks.OnWorkerExit != nil {
		_ = w.caller.call(hookCtx, HookWorkerExit, func(context.Context) error {
			return w.hooks.OnWorkerExit(wctx)
		})
	}

	if err := w.machine.Transition(lifecycle.WorkerStopped); err != nil {
		return err
	}
	stats := w.Stats()
	w.logger.Info().
		Str("reason", reason).
		Uint64("received", stats.Received).
		Uint64("succeeded", stats.Succeeded).
		Uint64("failed", stats.Failed).
		Msg("worker stopped")
	return nil
}

func (w *Worker) drain(ctx context.Context) {
	if w.loop == nil {
		return
	}
	if err := w.loop.Wait(ctx); err != nil {
		w.logger.Warn().
			Uint64("in_flight", w.loop.Stats().InFlight()).
			Dur("max_wait_time", w.settings.MaxWaitTime).
			Msg("drain deadline reached; abandoning in-flight tasks")
	}
}
