//go:build linux

package lifecycle

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxCommLen is the kernel's TASK_COMM_LEN minus the trailing NUL.
const maxCommLen = 15

// SetTitle sets the comm name of the calling OS thread. It is best effort:
// ps shows it for the process only when called on the main thread, which is
// where role entrypoints run it. Titles longer than the kernel limit are
// truncated.
func SetTitle(title string) error {
	b := []byte(title)
	if len(b) > maxCommLen {
		b = b[:maxCommLen]
	}
	buf := make([]byte, len(b)+1)
	copy(buf, b)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
