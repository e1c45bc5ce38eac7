package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/danmuck/udpctl/internal/testutil/testlog"
)

func TestClassify(t *testing.T) {
	testlog.Start(t)
	reset := &net.OpError{Op: "read", Net: "udp", Err: os.NewSyscallError("recvfrom", syscall.ECONNRESET)}
	cases := []struct {
		name    string
		err     error
		closing bool
		want    Outcome
	}{
		{name: "nil", err: nil, want: OutcomeDatagram},
		{name: "net closed", err: fmt.Errorf("read: %w", net.ErrClosed), want: OutcomeClosed},
		{name: "reset while closing", err: reset, closing: true, want: OutcomeClosed},
		{name: "reset while open", err: reset, want: OutcomeTransient},
		{name: "refused", err: syscall.ECONNREFUSED, want: OutcomeTransient},
		{name: "any error while closing", err: errors.New("boom"), closing: true, want: OutcomeClosed},
		{name: "other", err: errors.New("boom"), want: OutcomeTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err, tc.closing); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestErrnoExtraction(t *testing.T) {
	testlog.Start(t)
	err := &net.OpError{Op: "listen", Net: "udp", Err: os.NewSyscallError("bind", syscall.EACCES)}
	if got := Errno(err); got != syscall.EACCES {
		t.Fatalf("unexpected errno: %v", got)
	}
	if got := Errno(errors.New("plain")); got != 0 {
		t.Fatalf("expected zero errno, got %v", got)
	}
}

func TestBindErrorMessage(t *testing.T) {
	testlog.Start(t)
	err := &BindError{Addr: "127.0.0.1:9504", Message: "address already in use", Code: syscall.EADDRINUSE}
	if !strings.Contains(err.Error(), "errno") || !strings.Contains(err.Error(), "127.0.0.1:9504") {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
