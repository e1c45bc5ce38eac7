package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/udpctl/internal/dispatch"
	"github.com/danmuck/udpctl/internal/echo"
	"github.com/danmuck/udpctl/internal/logging"
	"github.com/danmuck/udpctl/internal/server"
)

// Process titles are set per thread; keep main on the main thread.
func init() {
	runtime.LockOSThread()
}

func main() {
	var flags cliFlags
	flag.StringVar(&flags.config, "config", "", "config file (.toml, .yaml or .yml); defaults only when empty")
	flag.StringVar(&flags.name, "name", "", "server name used in titles and logs")
	flag.StringVar(&flags.host, "host", "", "bind host")
	flag.IntVar(&flags.port, "port", 0, "bind port")
	flag.IntVar(&flags.workers, "workers", 0, "worker process count")
	flag.StringVar(&flags.admin, "admin", "", "base admin listen address; worker N uses port+N")
	flag.Parse()
	flags.set = visited(flag.CommandLine)

	settings, err := loadSettings(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udpctl: %v\n", err)
		os.Exit(server.ExitFailure)
	}
	env, err := server.EnvFrom(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udpctl: %v\n", err)
		os.Exit(server.ExitFailure)
	}
	if err := logging.ConfigureRuntime(env.LogFile(settings.LogFile)); err != nil {
		fmt.Fprintf(os.Stderr, "udpctl: %v\n", err)
		os.Exit(server.ExitFailure)
	}

	srv := &server.Server{
		Settings: settings,
		Hooks:    defaultHooks(),
		App: func(ctx server.WorkerContext) (dispatch.Handler, error) {
			return echo.New(ctx.Logger), nil
		},
	}
	err = srv.RunAs(env)
	if err != nil {
		log.Error().Err(err).Msg("udpctl exited with error")
	}
	_ = logging.Close()
	os.Exit(server.ExitCode(err))
}

func defaultHooks() server.Hooks {
	return server.Hooks{
		OnMasterStop: func(ctx server.MasterContext) error {
			log.Info().Str("run_id", ctx.RunID).Msg("server shut down")
			return nil
		},
		OnManagerStart: func(ctx server.ManagerContext) error {
			log.Info().Int("master_pid", ctx.MasterPID).Msg("manager started")
			return nil
		},
		OnWorkerError: func(_ server.ManagerContext, exit server.WorkerExit) error {
			log.Warn().
				Int("worker_id", exit.ID).
				Int("child_pid", exit.PID).
				Int("status", exit.Status).
				Int("signal", exit.Signal).
				Msg("worker exited abnormally")
			return nil
		},
	}
}
