package server

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/udpctl/internal/channel"
	"github.com/danmuck/udpctl/internal/config"
	"github.com/danmuck/udpctl/internal/dispatch"
	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
)

// Hook names used in logs, metrics and reported errors.
const (
	HookMasterStart   = "master_start"
	HookMasterStop    = "master_stop"
	HookManagerStart  = "manager_start"
	HookManagerStop   = "manager_stop"
	HookWorkerStart   = "worker_start"
	HookWorkerStop    = "worker_stop"
	HookWorkerError   = "worker_error"
	HookWorkerExit    = "worker_exit"
	HookPacketSuccess = "packet_success"
	HookPacketError   = "packet_error"
)

// MasterContext is handed to master hooks.
type MasterContext struct {
	Settings config.Settings
	RunID    string
	PID      int
}

// ManagerContext is handed to manager hooks.
type ManagerContext struct {
	Settings  config.Settings
	RunID     string
	PID       int
	MasterPID int
}

// WorkerContext is handed to worker hooks and the app factory. Sender is nil
// for task-role processes.
type WorkerContext struct {
	Settings config.Settings
	RunID    string
	ID       int
	Role     lifecycle.Role
	PID      int
	Logger   zerolog.Logger
	Sender   dispatch.Sender
}

// WorkerExit describes a child the manager reaped.
type WorkerExit struct {
	ID     int
	Role   lifecycle.Role
	PID    int
	Status int
	// Signal is non-zero when the child was killed by a signal.
	Signal int
}

// Hooks are optional callbacks run at fixed lifecycle points. A nil field is
// skipped. Errors and panics are reported and never stop the caller.
type Hooks struct {
	OnMasterStart   func(MasterContext) error
	OnMasterStop    func(MasterContext) error
	OnManagerStart  func(ManagerContext) error
	OnManagerStop   func(ManagerContext) error
	OnWorkerStart   func(WorkerContext) error
	OnWorkerStop    func(WorkerContext) error
	OnWorkerError   func(ManagerContext, WorkerExit) error
	OnWorkerExit    func(WorkerContext) error
	OnPacketSuccess func(ctx context.Context, w dispatch.Sender, d channel.Datagram) error
	OnPacketError   func(ctx context.Context, w dispatch.Sender, d channel.Datagram, err error) error
}

// HookError wraps a failed or panicking hook.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s: %v", e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// hookCaller runs hooks at a recovery boundary. When scoper is set, every
// call runs inside a fresh scope that is released afterwards.
type hookCaller struct {
	reporter observability.Reporter
	scoper   dispatch.Scoper
}

func (c hookCaller) call(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		observability.RecordHookCall(name, err == nil)
		if err != nil {
			err = &HookError{Hook: name, Err: err}
			c.report(err)
		}
	}()
	defer dispatch.CapturePanic(&err)
	if c.scoper != nil {
		scoped, release := c.scoper.Scope(ctx)
		if scoped != nil {
			ctx = scoped
		}
		if release != nil {
			defer func() {
				defer dispatch.CapturePanic(&err)
				release()
			}()
		}
	}
	return fn(ctx)
}

func (c hookCaller) report(err error) {
	if c.reporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).AnErr("reported", err).Msg("reporter panic")
		}
	}()
	c.reporter.Report(err)
}

// packetHooks adapts the packet hooks to a dispatch observer.
type packetHooks struct {
	hooks  Hooks
	sender dispatch.Sender
	caller hookCaller
}

func (p packetHooks) PacketSuccess(ctx context.Context, d channel.Datagram) {
	if p.hooks.OnPacketSuccess == nil {
		return
	}
	_ = p.caller.call(ctx, HookPacketSuccess, func(ctx context.Context) error {
		return p.hooks.OnPacketSuccess(ctx, p.sender, d)
	})
}

func (p packetHooks) PacketError(ctx context.Context, d channel.Datagram, err error) {
	if p.hooks.OnPacketError == nil {
		return
	}
	_ = p.caller.call(ctx, HookPacketError, func(ctx context.Context) error {
		return p.hooks.OnPacketError(ctx, p.sender, d, err)
	})
}
