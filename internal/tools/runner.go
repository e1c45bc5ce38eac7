package tools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ChildSpec describes one child process. An empty Path re-executes the
// current binary.
type ChildSpec struct {
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env    []string
	Stdout *os.File
	Stderr *os.File
}

// Process is a started child.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the child exits and returns its exit status; a child
	// killed by a signal reports 128+signo.
	Wait() (int, error)
	// Release frees the handle of a child that was reaped elsewhere.
	Release() error
}

// ProcessRunner starts child processes.
type ProcessRunner interface {
	Start(spec ChildSpec) (Process, error)
}

// ExecRunner starts children on the local host.
type ExecRunner struct{}

// tools process-runner implementation backed by os/exec. Output goes straight
// to the given files, so no copy goroutines are started.
func (r ExecRunner) Start(spec ChildSpec) (Process, error) {
	path := spec.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("tools: resolve executable: %w", err)
		}
		path = exe
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tools: start %s: %w", path, err)
	}
	return execProcess{proc: cmd.Process}, nil
}

type execProcess struct {
	proc *os.Process
}

func (p execProcess) Pid() int {
	return p.proc.Pid
}

func (p execProcess) Signal(sig os.Signal) error {
	err := p.proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p execProcess) Wait() (int, error) {
	state, err := p.proc.Wait()
	if err != nil {
		return -1, err
	}
	return ExitStatus(state), nil
}

func (p execProcess) Release() error {
	return p.proc.Release()
}

// ExitStatus maps a process state onto a shell-style status.
func ExitStatus(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
