package server

import (
	"math"
	"math/rand"
	"time"

	"github.com/eapache/queue"

	"github.com/danmuck/udpctl/internal/config"
)

// NextBackoffDelay returns the respawn delay for attempt N (1-based).
func NextBackoffDelay(cfg config.Backoff, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

type respawnEntry struct {
	slot int
	due  time.Time
}

// respawnQueue holds slots waiting to be respawned in FIFO order.
type respawnQueue struct {
	q *queue.Queue
}

func newRespawnQueue() *respawnQueue {
	return &respawnQueue{q: queue.New()}
}

func (r *respawnQueue) Len() int {
	return r.q.Length()
}

func (r *respawnQueue) Push(slot int, due time.Time) {
	r.q.Add(respawnEntry{slot: slot, due: due})
}

// PopDue removes every entry due at now and returns their slots in queue
// order. Entries not yet due keep their relative order.
func (r *respawnQueue) PopDue(now time.Time) []int {
	n := r.q.Length()
	var due []int
	for i := 0; i < n; i++ {
		e := r.q.Remove().(respawnEntry)
		if !e.due.After(now) {
			due = append(due, e.slot)
			continue
		}
		r.q.Add(e)
	}
	return due
}

// NextDue is the earliest due time, or zero when empty.
func (r *respawnQueue) NextDue() time.Time {
	var next time.Time
	for i := 0; i < r.q.Length(); i++ {
		e := r.q.Get(i).(respawnEntry)
		if next.IsZero() || e.due.Before(next) {
			next = e.due
		}
	}
	return next
}

// Drop removes any entry for slot.
func (r *respawnQueue) Drop(slot int) {
	n := r.q.Length()
	for i := 0; i < n; i++ {
		e := r.q.Remove().(respawnEntry)
		if e.slot != slot {
			r.q.Add(e)
		}
	}
}

func (r *respawnQueue) Clear() {
	r.q = queue.New()
}
