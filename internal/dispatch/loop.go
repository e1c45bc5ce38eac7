package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/udpctl/internal/channel"
	"github.com/danmuck/udpctl/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNilHandler  = errors.New("dispatch: nil handler")
	ErrMaxRequests = errors.New("dispatch: max requests reached")
)

// Config configures one loop.
type Config struct {
	Handler  Handler
	Observer Observer
	Reporter observability.Reporter
	// Spawner defaults to a GoSpawner.
	Spawner Spawner
	// MaxRequests ends the loop with ErrMaxRequests after that many tasks
	// have been spawned. Zero disables the limit.
	MaxRequests int
	// BufferSize is the receive buffer length; defaults to channel.MaxDatagramSize.
	BufferSize int
	// Label tags metrics and logs, usually the worker ordinal.
	Label string
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Received  uint64
	Transient uint64
	Succeeded uint64
	Failed    uint64
}

// InFlight is the number of tasks spawned but not yet finished.
func (s Stats) InFlight() uint64 {
	done := s.Succeeded + s.Failed
	if done > s.Received {
		return 0
	}
	return s.Received - done
}

type loopStats struct {
	received  atomic.Uint64
	transient atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// Loop receives datagrams from one Conn and spawns one task per datagram.
type Loop struct {
	conn        Conn
	sender      Sender
	handler     Handler
	observer    Observer
	reporter    observability.Reporter
	spawner     Spawner
	maxRequests int
	bufSize     int
	label       string
	logger      zerolog.Logger

	stats loopStats
}

// Loop constructor.
func NewLoop(conn Conn, cfg Config) (*Loop, error) {
	if cfg.Handler == nil {
		return nil, ErrNilHandler
	}
	if cfg.Reporter == nil {
		cfg.Reporter = observability.Nop
	}
	if cfg.Spawner == nil {
		cfg.Spawner = NewGoSpawner()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = channel.MaxDatagramSize
	}
	if cfg.Label == "" {
		cfg.Label = "0"
	}
	return &Loop{
		conn:        conn,
		sender:      meteredSender{Sender: conn, label: cfg.Label},
		handler:     cfg.Handler,
		observer:    cfg.Observer,
		reporter:    cfg.Reporter,
		spawner:     cfg.Spawner,
		maxRequests: cfg.MaxRequests,
		bufSize:     cfg.BufferSize,
		label:       cfg.Label,
		logger:      log.Logger.With().Str("loop", cfg.Label).Logger(),
	}, nil
}

// Run pumps datagrams until the conn reports the closed signal (nil return)
// or the request budget is spent (ErrMaxRequests). ctx is the parent of every
// task context; cancelling it does not stop the loop, closing the conn does.
func (l *Loop) Run(ctx context.Context) error {
	buf := make([]byte, l.bufSize)
	var spawned int
	for {
		d, err := l.conn.Receive(buf)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				l.logger.Debug().Msg("dispatch loop closed")
				return nil
			}
			var transient *channel.TransientError
			if errors.As(err, &transient) {
				l.stats.transient.Add(1)
				observability.RecordReceiveError(l.label)
				l.logger.Warn().Err(err).Msg("transient receive error")
				continue
			}
			return fmt.Errorf("dispatch: receive: %w", err)
		}

		l.stats.received.Add(1)
		observability.RecordPacketReceived(l.label, len(d.Payload))
		l.spawner.Spawn(func() { l.runTask(ctx, d) })

		spawned++
		if l.maxRequests > 0 && spawned >= l.maxRequests {
			return ErrMaxRequests
		}
	}
}

// Wait blocks until in-flight tasks finish or ctx ends.
func (l *Loop) Wait(ctx context.Context) error {
	return l.spawner.Wait(ctx)
}

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Received:  l.stats.received.Load(),
		Transient: l.stats.transient.Load(),
		Succeeded: l.stats.succeeded.Load(),
		Failed:    l.stats.failed.Load(),
	}
}
