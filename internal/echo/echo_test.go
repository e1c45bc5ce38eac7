package echo

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"

	"github.com/danmuck/udpctl/internal/channel"
	"github.com/danmuck/udpctl/internal/dispatch"
	"github.com/danmuck/udpctl/internal/testutil/testlog"
)

type sent struct {
	addr    netip.AddrPort
	payload string
}

type recordSender struct {
	sent []sent
	err  error
}

func (r *recordSender) SendTo(addr netip.AddrPort, payload []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.sent = append(r.sent, sent{addr: addr, payload: string(payload)})
	return len(payload), nil
}

func TestPingPongAndEcho(t *testing.T) {
	testlog.Start(t)
	h := New(zerolog.Nop())
	w := &recordSender{}
	from := netip.MustParseAddrPort("127.0.0.1:40000")

	for _, payload := range []string{"ping", "hello", "", "pingpong"} {
		d := channel.Datagram{Payload: []byte(payload), Addr: from}
		if err := dispatch.Serve(context.Background(), h, w, d); err != nil {
			t.Fatalf("serve %q: %v", payload, err)
		}
	}

	want := []string{"pong", "hello", "", "pingpong"}
	if len(w.sent) != len(want) {
		t.Fatalf("expected %d replies, got %d", len(want), len(w.sent))
	}
	for i, s := range w.sent {
		if s.payload != want[i] || s.addr != from {
			t.Fatalf("reply %d: got %+v, want %q to %s", i, s, want[i], from)
		}
	}
	if h.Served() != 4 {
		t.Fatalf("expected 4 served, got %d", h.Served())
	}
	if h.Active() != 0 {
		t.Fatalf("scopes leaked: %d active", h.Active())
	}
}

func TestSendFailureReleasesScope(t *testing.T) {
	testlog.Start(t)
	h := New(zerolog.Nop())
	closed := errors.New("closed")
	w := &recordSender{err: closed}

	err := dispatch.Serve(context.Background(), h, w, channel.Datagram{Payload: []byte("ping")})
	if !errors.Is(err, closed) {
		t.Fatalf("expected send error, got %v", err)
	}
	if h.Active() != 0 || h.Served() != 0 {
		t.Fatalf("unexpected counters: active=%d served=%d", h.Active(), h.Served())
	}
}

func TestScopeCarriesRequestLogger(t *testing.T) {
	testlog.Start(t)
	h := New(zerolog.New(io.Discard))
	ctx, release := h.Scope(context.Background())
	if zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		t.Fatalf("scope did not attach a logger")
	}
	if h.Active() != 1 {
		t.Fatalf("expected one active scope, got %d", h.Active())
	}
	release()
	if h.Active() != 0 {
		t.Fatalf("release did not end the scope")
	}
}
