package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime/debug"
	"time"

	"github.com/danmuck/udpctl/internal/channel"
	"github.com/danmuck/udpctl/internal/observability"
)

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("dispatch: handler panic: %v", e.Value)
}

// CapturePanic stores a recovered panic in *err as a *PanicError. It must be
// deferred directly.
func CapturePanic(err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{Value: r, Stack: debug.Stack()}
	}
}

// Serve runs h against one datagram inside the handler's scope. Panics in the
// scope, the handler or the release are returned as *PanicError; the release
// runs on every path once the scope was acquired.
func Serve(ctx context.Context, h Handler, w Sender, d channel.Datagram) (err error) {
	defer CapturePanic(&err)
	if s, ok := h.(Scoper); ok {
		scoped, release := s.Scope(ctx)
		if scoped != nil {
			ctx = scoped
		}
		if release != nil {
			defer func() {
				defer CapturePanic(&err)
				release()
			}()
		}
	}
	return h.ServePacket(ctx, w, d)
}

type meteredSender struct {
	Sender
	label string
}

func (m meteredSender) SendTo(addr netip.AddrPort, payload []byte) (int, error) {
	n, err := m.Sender.SendTo(addr, payload)
	if err != nil {
		observability.RecordSendError(m.label)
	}
	return n, err
}

func (l *Loop) runTask(ctx context.Context, d channel.Datagram) {
	start := time.Now()
	observability.RecordTaskStarted(l.label)
	err := Serve(ctx, l.handler, l.sender, d)
	observability.RecordTaskFinished(l.label, err == nil, time.Since(start))

	if err != nil {
		l.stats.failed.Add(1)
		l.notify(func() { l.observer.PacketError(ctx, d, err) })
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			l.logger.Error().Str("from", d.Addr.String()).Bytes("stack", panicErr.Stack).Msg("handler panic")
		}
		l.report(fmt.Errorf("dispatch: packet from %s: %w", d.Addr, err))
		return
	}
	l.stats.succeeded.Add(1)
	l.notify(func() { l.observer.PacketSuccess(ctx, d) })
}

func (l *Loop) notify(fn func()) {
	if l.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.report(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	fn()
}

// report hands err to the reporter. A panicking reporter is logged and
// otherwise ignored.
func (l *Loop) report(err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).AnErr("reported", err).Msg("reporter panic")
		}
	}()
	l.reporter.Report(err)
}
