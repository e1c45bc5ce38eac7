//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package server

import "errors"

var errReaperUnsupported = errors.New("server: child reaping unsupported on this platform")

func newSystemReaper() (Reaper, error) {
	return nil, errReaperUnsupported
}
