package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxDatagramSize is the largest UDP payload the receive buffer must hold.
const MaxDatagramSize = 65535

// Family selects the address family the channel binds with.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
	FamilyAny  Family = "any"
)

// Network returns the net package network name for the family.
func (f Family) Network() (string, error) {
	switch Family(strings.ToLower(strings.TrimSpace(string(f)))) {
	case FamilyIPv4, "":
		return "udp4", nil
	case FamilyIPv6:
		return "udp6", nil
	case FamilyAny:
		return "udp", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNet, f)
	}
}

// Config describes one channel bind.
type Config struct {
	Family     Family
	Host       string
	Port       int
	ReusePort  bool
	ReadBuffer int
}

// Address returns host:port for the bind.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Datagram is one received UDP message.
type Datagram struct {
	Payload    []byte
	Addr       netip.AddrPort
	ReceivedAt time.Time
}

type packetConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// Channel owns one UDP socket. Receive is meant for a single reader; SendTo
// may be called from any number of goroutines.
type Channel struct {
	cfg Config

	mu      sync.RWMutex
	conn    packetConn
	local   netip.AddrPort
	closing atomic.Bool
}

// Channel constructor; the socket is not opened until Bind.
func New(cfg Config) *Channel {
	return &Channel{cfg: cfg}
}

// Config returns the bind configuration.
func (c *Channel) Config() Config {
	return c.cfg
}

// Bind opens and binds the socket. It succeeds at most once per channel.
func (c *Channel) Bind(ctx context.Context) error {
	addr := c.cfg.Address()
	if c.cfg.Port < 0 || c.cfg.Port > 65535 {
		return &BindError{Addr: addr, Message: "port out of range", Err: ErrInvalidPort}
	}
	network, err := c.cfg.Family.Network()
	if err != nil {
		return &BindError{Addr: addr, Message: "unsupported family", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing.Load() {
		return &BindError{Addr: addr, Message: "channel closed", Err: ErrClosed}
	}
	if c.conn != nil {
		return &BindError{Addr: addr, Message: "already bound", Err: ErrAlreadyBound}
	}

	var lc net.ListenConfig
	if c.cfg.ReusePort {
		if reusePortSupported {
			lc.Control = reusePortControl
		} else {
			log.Warn().Str("addr", addr).Msg("reuse_port unsupported on this platform; ignoring")
		}
	}
	pc, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		return &BindError{Addr: addr, Message: bindMessage(err), Code: Errno(err), Err: err}
	}
	udp, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return &BindError{Addr: addr, Message: fmt.Sprintf("unexpected conn type %T", pc)}
	}
	if c.cfg.ReadBuffer > 0 {
		if err := udp.SetReadBuffer(c.cfg.ReadBuffer); err != nil {
			log.Warn().Err(err).Int("read_buffer", c.cfg.ReadBuffer).Msg("channel read buffer not applied")
		}
	}
	c.attachLocked(udp)
	return nil
}

func (c *Channel) attachLocked(conn packetConn) {
	c.conn = conn
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		c.local = ua.AddrPort()
	}
}

func bindMessage(err error) string {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Err != nil {
		return opErr.Err.Error()
	}
	return err.Error()
}

// LocalAddr returns the bound address, or the zero value before Bind.
func (c *Channel) LocalAddr() netip.AddrPort {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// Closing reports whether Close has been called.
func (c *Channel) Closing() bool {
	return c.closing.Load()
}

func (c *Channel) current() (packetConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotBound
	}
	return c.conn, nil
}

// Receive blocks until one datagram arrives. It returns ErrClosed once the
// channel is closed and a *TransientError for any other failure. buf must be
// large enough for the largest expected datagram; the returned payload is a
// copy and does not alias buf.
func (c *Channel) Receive(buf []byte) (Datagram, error) {
	conn, err := c.current()
	if err != nil {
		return Datagram{}, err
	}
	n, addr, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if Classify(err, c.closing.Load()) == OutcomeClosed {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, &TransientError{Err: err}
	}
	payload := make([]byte, n)
	copy(payload, buf[:n])
	return Datagram{
		Payload:    payload,
		Addr:       netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		ReceivedAt: time.Now(),
	}, nil
}

// SendTo writes one datagram. A short write is reported as a *SendError
// wrapping ErrShortWrite.
func (c *Channel) SendTo(addr netip.AddrPort, payload []byte) (int, error) {
	conn, err := c.current()
	if err != nil {
		return 0, &SendError{Addr: addr, Reason: "not bound", Err: err}
	}
	n, err := conn.WriteToUDPAddrPort(payload, addr)
	if err != nil {
		return n, &SendError{Addr: addr, Reason: "write failed", Err: err}
	}
	if n != len(payload) {
		return n, &SendError{
			Addr:   addr,
			Reason: fmt.Sprintf("wrote %d of %d bytes", n, len(payload)),
			Err:    ErrShortWrite,
		}
	}
	return n, nil
}

// Close marks the channel as closing and releases the socket. A blocked
// Receive returns ErrClosed. A closed channel never binds again, even when it
// was closed before Bind. Calling Close twice is not supported.
func (c *Channel) Close() error {
	c.closing.Store(true)
	conn, err := c.current()
	if err != nil {
		return &ShutdownError{Err: err}
	}
	if err := conn.Close(); err != nil {
		return &ShutdownError{Err: err}
	}
	return nil
}
