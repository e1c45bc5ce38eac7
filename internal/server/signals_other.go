//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package server

import (
	"os"
	"syscall"
)

// Only interrupt and kill exist here; the rest never fire.
var (
	sigChild       os.Signal = syscall.Signal(-1)
	sigTerminate   os.Signal = syscall.SIGTERM
	sigInterrupt   os.Signal = os.Interrupt
	sigKill        os.Signal = os.Kill
	sigReloadAll   os.Signal = syscall.Signal(-2)
	sigReloadTasks os.Signal = syscall.Signal(-3)
)
