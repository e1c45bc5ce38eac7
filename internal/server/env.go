package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/udpctl/internal/lifecycle"
)

// Environment keys handed from a parent process to a re-executed child.
const (
	EnvRole      = "UDPCTL_ROLE"
	EnvWorkerID  = "UDPCTL_WORKER_ID"
	EnvRunID     = "UDPCTL_RUN_ID"
	EnvMasterPID = "UDPCTL_MASTER_PID"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitBindFailed = 3
)

var ErrInvalidEnv = errors.New("server: invalid process environment")

// Env is the role hand-off read by every process at startup.
type Env struct {
	Role      lifecycle.Role
	WorkerID  int
	RunID     string
	MasterPID int
}

// EnvFrom reads the hand-off through getenv (usually os.Getenv). A missing
// role means this process is the master.
func EnvFrom(getenv func(string) string) (Env, error) {
	role, err := lifecycle.ParseRole(getenv(EnvRole))
	if err != nil {
		return Env{}, fmt.Errorf("%w: %v", ErrInvalidEnv, err)
	}
	env := Env{
		Role:  role,
		RunID: strings.TrimSpace(getenv(EnvRunID)),
	}
	if raw := strings.TrimSpace(getenv(EnvWorkerID)); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil || id < 0 {
			return Env{}, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, EnvWorkerID, raw)
		}
		env.WorkerID = id
	} else if role == lifecycle.RoleWorker || role == lifecycle.RoleTask {
		return Env{}, fmt.Errorf("%w: %s required for role %s", ErrInvalidEnv, EnvWorkerID, role)
	}
	if raw := strings.TrimSpace(getenv(EnvMasterPID)); raw != "" {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			return Env{}, fmt.Errorf("%w: %s=%q", ErrInvalidEnv, EnvMasterPID, raw)
		}
		env.MasterPID = pid
	}
	return env, nil
}

// LogFile returns the log file this role appends to. The master only writes
// to the console, so it gets no file.
func (e Env) LogFile(path string) string {
	if e.Role == lifecycle.RoleMaster {
		return ""
	}
	return path
}

// Pairs renders the hand-off as KEY=value entries for a child environment.
func (e Env) Pairs() []string {
	pairs := []string{
		EnvRole + "=" + string(e.Role),
		EnvRunID + "=" + e.RunID,
		EnvMasterPID + "=" + strconv.Itoa(e.MasterPID),
	}
	if e.Role == lifecycle.RoleWorker || e.Role == lifecycle.RoleTask {
		pairs = append(pairs, EnvWorkerID+"="+strconv.Itoa(e.WorkerID))
	}
	return pairs
}

// ExitError carries the status a process should exit with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a Run result onto a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}
