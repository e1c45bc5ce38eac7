package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/udpctl/internal/config"
	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
	"github.com/danmuck/udpctl/internal/tools"
)

// Server is the entry point shared by every process role. The same binary is
// re-executed for the manager and each child; the role comes from Env.
type Server struct {
	Settings config.Settings
	Hooks    Hooks
	App      AppFactory
	// Runner starts child processes; nil uses tools.ExecRunner.
	Runner tools.ProcessRunner
	// Args are passed to re-executed children; nil uses os.Args[1:].
	Args []string
}

// Run validates the settings and runs the role selected by the process
// environment. The result maps onto an exit status through ExitCode.
func (s *Server) Run() error {
	env, err := EnvFrom(os.Getenv)
	if err != nil {
		return err
	}
	return s.RunAs(env)
}

// RunAs runs one role with an explicit hand-off.
func (s *Server) RunAs(env Env) error {
	if err := s.Settings.Validate(); err != nil {
		return err
	}
	observability.RegisterMetrics()
	logger := observability.ProcessLogger(s.Settings.Name, string(env.Role), env.RunID)

	args := s.Args
	if args == nil && len(os.Args) > 1 {
		args = append([]string(nil), os.Args[1:]...)
	}

	switch env.Role {
	case lifecycle.RoleMaster:
		return NewMaster(s.Settings, s.Hooks, MasterOptions{Runner: s.Runner, Args: args}).Run()
	case lifecycle.RoleManager:
		return NewManager(s.Settings, s.Hooks, env, ManagerOptions{Runner: s.Runner, Args: args}).Run()
	case lifecycle.RoleWorker, lifecycle.RoleTask:
		if env.WorkerID >= s.Settings.ChildCount() {
			return fmt.Errorf("%w: worker id %d outside %d children", ErrInvalidEnv, env.WorkerID, s.Settings.ChildCount())
		}
		ctx, stop := signal.NotifyContext(context.Background(), sigTerminate, sigInterrupt)
		defer stop()
		logger.Debug().Int("worker_id", env.WorkerID).Msg("worker process starting")
		return NewWorker(s.Settings, s.Hooks, s.App, env).Run(ctx)
	default:
		log.Error().Str("role", string(env.Role)).Msg("unknown role")
		return fmt.Errorf("%w: role %q", ErrInvalidEnv, env.Role)
	}
}
