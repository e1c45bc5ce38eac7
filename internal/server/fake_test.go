package server

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/udpctl/internal/tools"
)

type startRecord struct {
	pid  int
	spec tools.ChildSpec
	env  map[string]string
}

// fakeHost is a ProcessRunner and Reaper whose children live in memory. A
// child exits on SIGTERM (status 0) or SIGKILL (signal 9) and the exit is
// announced with sigChild on sigs, when set.
type fakeHost struct {
	mu         sync.Mutex
	nextPID    int
	procs      map[int]*fakeProc
	exits      []ChildExit
	sigs       chan os.Signal
	started    chan startRecord
	ignoreTerm bool
	failStart  bool
}

func newFakeHost(sigs chan os.Signal) *fakeHost {
	return &fakeHost{
		nextPID: 1000,
		procs:   make(map[int]*fakeProc),
		sigs:    sigs,
		started: make(chan startRecord, 64),
	}
}

func (h *fakeHost) Start(spec tools.ChildSpec) (tools.Process, error) {
	h.mu.Lock()
	if h.failStart {
		h.mu.Unlock()
		return nil, errors.New("fake: start refused")
	}
	h.nextPID++
	p := &fakeProc{host: h, pid: h.nextPID, done: make(chan struct{})}
	h.procs[p.pid] = p
	h.mu.Unlock()

	env := make(map[string]string, len(spec.Env))
	for _, kv := range spec.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	h.started <- startRecord{pid: p.pid, spec: spec, env: env}
	return p, nil
}

func (h *fakeHost) Reap() ([]ChildExit, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.exits
	h.exits = nil
	return out, nil
}

func (h *fakeHost) proc(pid int) *fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[pid]
}

// exit ends pid with the given status and signal.
func (h *fakeHost) exit(pid, status, signal int) {
	h.mu.Lock()
	p := h.procs[pid]
	if p == nil || p.exited {
		h.mu.Unlock()
		return
	}
	p.exited = true
	p.status = status
	close(p.done)
	h.exits = append(h.exits, ChildExit{PID: pid, Status: status, Signal: signal})
	sigs := h.sigs
	h.mu.Unlock()
	if sigs != nil {
		sigs <- sigChild
	}
}

func (h *fakeHost) waitStart(t *testing.T) startRecord {
	t.Helper()
	select {
	case rec := <-h.started:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for child start")
		return startRecord{}
	}
}

func (h *fakeHost) expectNoStart(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case rec := <-h.started:
		t.Fatalf("unexpected child start: pid=%d env=%v", rec.pid, rec.env)
	case <-time.After(wait):
	}
}

type fakeProc struct {
	host    *fakeHost
	pid     int
	signals []os.Signal
	exited  bool
	status  int
	done    chan struct{}
}

func (p *fakeProc) Pid() int {
	return p.pid
}

func (p *fakeProc) Signal(sig os.Signal) error {
	h := p.host
	h.mu.Lock()
	p.signals = append(p.signals, sig)
	ignoreTerm := h.ignoreTerm
	h.mu.Unlock()

	switch sig {
	case sigTerminate, sigInterrupt:
		if !ignoreTerm {
			h.exit(p.pid, 0, 0)
		}
	case sigKill:
		h.exit(p.pid, 128+9, 9)
	}
	return nil
}

func (p *fakeProc) Signals() []os.Signal {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProc) Wait() (int, error) {
	<-p.done
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.status, nil
}

func (p *fakeProc) Release() error {
	return nil
}
