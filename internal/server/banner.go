package server

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/danmuck/udpctl/internal/config"
)

// Version is reported in the banner.
const Version = "0.1.0"

const logo = `             _      _   _
 _   _  __| |_ __ | |_| |
| | | |/ _' | '_ \| __| |
| |_| | (_| | |_) | |_| |
 \__,_|\__,_| .__/ \__|_|
            |_|`

func printBanner(w io.Writer, s config.Settings, runID string) {
	if w == nil {
		return
	}
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "Server      Name:      %s\n", s.Name)
	fmt.Fprintf(w, "System      Name:      %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "Go          Version:   %s\n", runtime.Version())
	fmt.Fprintf(w, "Framework   Version:   %s\n", Version)
	fmt.Fprintf(w, "Run         ID:        %s\n", runID)
	fmt.Fprintf(w, "Listen      Addr:      udp://%s\n", s.ChannelConfig().Address())
	fmt.Fprintf(w, "Workers     Num:       %d (tasks %d)\n", s.WorkerNum, s.TaskWorkerNum)
	fmt.Fprintf(w, "Coroutine   Mode:      %t\n", s.EnableCoroutine)
	fmt.Fprintf(w, "Master      PID:       %d\n", os.Getpid())
}
