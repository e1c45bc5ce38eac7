package dispatch

import (
	"context"
	"net/netip"

	"github.com/danmuck/udpctl/internal/channel"
)

// Sender is the send primitive handed to handlers.
type Sender interface {
	SendTo(addr netip.AddrPort, payload []byte) (int, error)
}

// Source yields datagrams; Receive follows the channel contract.
type Source interface {
	Receive(buf []byte) (channel.Datagram, error)
}

// Conn is what a loop drives: one source shared with all senders.
type Conn interface {
	Source
	Sender
}

// Handler processes one datagram. It may call w.SendTo any number of times.
type Handler interface {
	ServePacket(ctx context.Context, w Sender, d channel.Datagram) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, w Sender, d channel.Datagram) error

func (f HandlerFunc) ServePacket(ctx context.Context, w Sender, d channel.Datagram) error {
	return f(ctx, w, d)
}

// Scoper is implemented by handlers that hold per-request state. Scope is
// called before every task and the returned release func runs when the task
// ends, on every exit path.
type Scoper interface {
	Scope(ctx context.Context) (context.Context, func())
}

// Observer is told how every task ended.
type Observer interface {
	PacketSuccess(ctx context.Context, d channel.Datagram)
	PacketError(ctx context.Context, d channel.Datagram, err error)
}
