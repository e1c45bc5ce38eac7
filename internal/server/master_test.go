package server

import (
	"bytes"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/udpctl/internal/config"
	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
	"github.com/danmuck/udpctl/internal/testutil/testlog"
)

func TestMasterSpawnsManagerAndForwardsSignals(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(nil)
	sigs := make(chan os.Signal, 4)
	var banner bytes.Buffer

	var calls []string
	hooks := Hooks{
		OnMasterStart: func(ctx MasterContext) error {
			calls = append(calls, "start:"+ctx.RunID)
			return nil
		},
		OnMasterStop: func(ctx MasterContext) error {
			calls = append(calls, "stop:"+ctx.RunID)
			return nil
		},
	}
	s := managerSettings(2, 0)
	m := NewMaster(s, hooks, MasterOptions{Runner: host, Banner: &banner, RunID: "run-master"})
	result := make(chan error, 1)
	go func() {
		result <- m.Supervise(sigs)
	}()

	rec := host.waitStart(t)
	if rec.env[EnvRole] != string(lifecycle.RoleManager) {
		t.Fatalf("expected manager role, got %v", rec.env)
	}
	if rec.env[EnvRunID] != "run-master" || rec.env[EnvMasterPID] != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected manager env: %v", rec.env)
	}
	if _, ok := rec.env[EnvWorkerID]; ok {
		t.Fatalf("manager must not receive a worker id: %v", rec.env)
	}

	sigs <- sigReloadAll
	sigs <- sigTerminate

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected clean master exit, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("master did not return")
	}

	forwarded := host.proc(rec.pid).Signals()
	if len(forwarded) != 2 || forwarded[0] != sigReloadAll || forwarded[1] != sigTerminate {
		t.Fatalf("unexpected forwarded signals: %v", forwarded)
	}
	if strings.Join(calls, ",") != "start:run-master,stop:run-master" {
		t.Fatalf("unexpected master hook calls: %v", calls)
	}
	if !strings.Contains(banner.String(), s.Name) || !strings.Contains(banner.String(), "run-master") {
		t.Fatalf("banner missing server details:\n%s", banner.String())
	}

	want := []lifecycle.Phase{
		lifecycle.MasterManagerSpawned,
		lifecycle.MasterRunning,
		lifecycle.MasterShuttingDown,
		lifecycle.MasterTerminated,
	}
	history := m.History()
	if len(history) != len(want) {
		t.Fatalf("unexpected master history: %+v", history)
	}
	for i, tr := range history {
		if tr.To != want[i] {
			t.Fatalf("transition %d: expected %s, got %+v", i, want[i], tr)
		}
	}
}

func TestMasterPropagatesManagerStatus(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(nil)
	m := NewMaster(managerSettings(1, 0), Hooks{}, MasterOptions{Runner: host, Banner: &bytes.Buffer{}})
	if m.RunID() == "" {
		t.Fatalf("expected generated run id")
	}
	result := make(chan error, 1)
	go func() {
		result <- m.Supervise(make(chan os.Signal))
	}()

	rec := host.waitStart(t)
	host.exit(rec.pid, ExitBindFailed, 0)

	var err error
	select {
	case err = <-result:
	case <-time.After(3 * time.Second):
		t.Fatalf("master did not return")
	}
	if ExitCode(err) != ExitBindFailed {
		t.Fatalf("expected exit code %d, got %d (%v)", ExitBindFailed, ExitCode(err), err)
	}
	if m.Phase() != lifecycle.MasterTerminated {
		t.Fatalf("expected terminated, got %s", m.Phase())
	}
}

func TestMasterRejectsInvalidSettings(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(nil)
	s := config.Default()
	s.WorkerNum = 0

	m := NewMaster(s, Hooks{}, MasterOptions{Runner: host, Banner: &bytes.Buffer{}})
	err := m.Supervise(make(chan os.Signal))
	if !errors.Is(err, config.ErrInvalidWorkerNum) {
		t.Fatalf("expected config error, got %v", err)
	}
	if m.Phase() != lifecycle.MasterTerminated {
		t.Fatalf("expected terminated, got %s", m.Phase())
	}
	select {
	case rec := <-host.started:
		t.Fatalf("manager must not be spawned: %+v", rec)
	default:
	}
}

func TestMasterSpawnFailure(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(nil)
	host.failStart = true

	var stopped bool
	hooks := Hooks{OnMasterStop: func(MasterContext) error { stopped = true; return nil }}
	m := NewMaster(managerSettings(1, 0), hooks, MasterOptions{Runner: host, Banner: &bytes.Buffer{}})
	if err := m.Supervise(make(chan os.Signal)); err == nil {
		t.Fatalf("expected spawn error")
	}
	if m.Phase() != lifecycle.MasterTerminated {
		t.Fatalf("expected terminated, got %s", m.Phase())
	}
	if stopped {
		t.Fatalf("master stop hook must not run when the manager never started")
	}
}

func TestMasterHookErrorsAreReported(t *testing.T) {
	testlog.Start(t)
	host := newFakeHost(nil)
	var reported []error
	hooks := Hooks{OnMasterStart: func(MasterContext) error { return errors.New("start failed") }}
	m := NewMaster(managerSettings(1, 0), hooks, MasterOptions{Runner: host, Banner: &bytes.Buffer{}}).
		WithReporter(observability.ReporterFunc(func(err error) { reported = append(reported, err) }))
	result := make(chan error, 1)
	go func() {
		result <- m.Supervise(make(chan os.Signal))
	}()
	rec := host.waitStart(t)
	host.exit(rec.pid, ExitOK, 0)
	if err := <-result; err != nil {
		t.Fatalf("hook errors must not fail the master: %v", err)
	}
	var hookErr *HookError
	if len(reported) != 1 || !errors.As(reported[0], &hookErr) || hookErr.Hook != HookMasterStart {
		t.Fatalf("unexpected reports: %v", reported)
	}
}
