//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package server

import (
	"errors"

	"golang.org/x/sys/unix"
)

// waitReaper collects exited children with a non-blocking wait4(-1).
type waitReaper struct{}

func newSystemReaper() (Reaper, error) {
	return waitReaper{}, nil
}

func (waitReaper) Reap() ([]ChildExit, error) {
	var exits []ChildExit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			return exits, nil
		}
		if err != nil {
			return exits, err
		}
		if pid <= 0 {
			return exits, nil
		}
		if !ws.Exited() && !ws.Signaled() {
			continue
		}
		exit := ChildExit{PID: pid}
		if ws.Signaled() {
			exit.Signal = int(ws.Signal())
			exit.Status = 128 + exit.Signal
		} else {
			exit.Status = ws.ExitStatus()
		}
		exits = append(exits, exit)
	}
}
