//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package server

import (
	"os"

	"golang.org/x/sys/unix"
)

var (
	sigChild       os.Signal = unix.SIGCHLD
	sigTerminate   os.Signal = unix.SIGTERM
	sigInterrupt   os.Signal = unix.SIGINT
	sigKill        os.Signal = unix.SIGKILL
	sigReloadAll   os.Signal = unix.SIGUSR1
	sigReloadTasks os.Signal = unix.SIGUSR2
)
