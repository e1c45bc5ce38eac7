// Package echo is the default packet application: "ping" is answered with
// "pong" and every other payload is sent back unchanged.
package echo

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/danmuck/udpctl/internal/channel"
	"github.com/danmuck/udpctl/internal/dispatch"
)

var (
	pingPayload = []byte("ping")
	pongPayload = []byte("pong")
)

// Handler answers every datagram. It is safe for concurrent use.
type Handler struct {
	logger zerolog.Logger
	seq    atomic.Uint64
	active atomic.Int64
	served atomic.Uint64
}

var (
	_ dispatch.Handler = (*Handler)(nil)
	_ dispatch.Scoper  = (*Handler)(nil)
)

// Handler constructor.
func New(logger zerolog.Logger) *Handler {
	return &Handler{logger: logger.With().Str("app", "echo").Logger()}
}

// Scope attaches a request logger to ctx and tracks the request until the
// returned release runs.
func (h *Handler) Scope(ctx context.Context) (context.Context, func()) {
	id := h.seq.Add(1)
	h.active.Add(1)
	logger := h.logger.With().Uint64("request", id).Logger()
	return logger.WithContext(ctx), func() {
		h.active.Add(-1)
	}
}

func (h *Handler) ServePacket(ctx context.Context, w dispatch.Sender, d channel.Datagram) error {
	reply := d.Payload
	if bytes.Equal(d.Payload, pingPayload) {
		reply = pongPayload
	}
	if _, err := w.SendTo(d.Addr, reply); err != nil {
		return err
	}
	h.served.Add(1)
	zerolog.Ctx(ctx).Debug().
		Str("from", d.Addr.String()).
		Int("bytes", len(d.Payload)).
		Msg("echoed")
	return nil
}

// Active is the number of requests currently inside a scope.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Served is the number of replies sent.
func (h *Handler) Served() uint64 {
	return h.served.Load()
}
