package server

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/udpctl/internal/config"
	"github.com/danmuck/udpctl/internal/lifecycle"
	"github.com/danmuck/udpctl/internal/observability"
	"github.com/danmuck/udpctl/internal/testutil/testlog"
)

func managerSettings(workers, tasks int) config.Settings {
	s := config.Default()
	s.Name = "udpctl-test"
	s.WorkerNum = workers
	s.TaskWorkerNum = tasks
	s.PidFile = ""
	s.MaxWaitTime = time.Second
	s.HousekeepingInterval = time.Hour
	s.Respawn = config.Backoff{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	return s
}

type managerHarness struct {
	m      *Manager
	host   *fakeHost
	sigs   chan os.Signal
	result chan error
	errs   chan WorkerExit
}

func startManager(t *testing.T, s config.Settings, hooks Hooks, env Env) *managerHarness {
	t.Helper()
	sigs := make(chan os.Signal, 64)
	host := newFakeHost(sigs)
	errs := make(chan WorkerExit, 16)
	if hooks.OnWorkerError == nil {
		hooks.OnWorkerError = func(_ ManagerContext, exit WorkerExit) error {
			errs <- exit
			return nil
		}
	}
	m := NewManager(s, hooks, env, ManagerOptions{Runner: host, Reaper: host})
	result := make(chan error, 1)
	go func() {
		result <- m.Supervise(sigs)
	}()
	return &managerHarness{m: m, host: host, sigs: sigs, result: result, errs: errs}
}

func (h *managerHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("manager did not return")
		return nil
	}
}

func (h *managerHarness) waitWorkerError(t *testing.T) WorkerExit {
	t.Helper()
	select {
	case exit := <-h.errs:
		return exit
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for worker error hook")
		return WorkerExit{}
	}
}

func TestManagerSpawnsEveryChildAndShutsDown(t *testing.T) {
	testlog.Start(t)
	s := managerSettings(2, 1)
	s.PidFile = filepath.Join(t.TempDir(), "run", "udpctl.pid")

	var started, stopped int
	hooks := Hooks{
		OnManagerStart: func(ManagerContext) error { started++; return nil },
		OnManagerStop:  func(ManagerContext) error { stopped++; return nil },
	}
	h := startManager(t, s, hooks, Env{Role: lifecycle.RoleManager, RunID: "run-1", MasterPID: 4242})

	records := make(map[string]startRecord)
	for i := 0; i < 3; i++ {
		rec := h.host.waitStart(t)
		records[rec.env[EnvWorkerID]] = rec
	}
	for id, want := range map[string]string{"0": "worker", "1": "worker", "2": "task"} {
		rec, ok := records[id]
		if !ok {
			t.Fatalf("missing child %s: %v", id, records)
		}
		if rec.env[EnvRole] != want || rec.env[EnvRunID] != "run-1" || rec.env[EnvMasterPID] != "4242" {
			t.Fatalf("child %s env mismatch: %v", id, rec.env)
		}
	}

	pid, err := ReadPidFile(s.PidFile)
	if err != nil || pid != 4242 {
		t.Fatalf("expected master pid in pid file, pid=%d err=%v", pid, err)
	}

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	for _, rec := range records {
		sigs := h.host.proc(rec.pid).Signals()
		if len(sigs) != 1 || sigs[0] != sigTerminate {
			t.Fatalf("child %d expected one SIGTERM, got %v", rec.pid, sigs)
		}
	}
	if started != 1 || stopped != 1 {
		t.Fatalf("manager hooks: start=%d stop=%d", started, stopped)
	}
	if _, err := os.Stat(s.PidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file not removed: %v", err)
	}
	if h.m.Phase() != lifecycle.ManagerStopped {
		t.Fatalf("expected stopped phase, got %s", h.m.Phase())
	}
	for _, slot := range h.m.Slots() {
		if slot.State != SlotStopped {
			t.Fatalf("slot %d not stopped: %+v", slot.ID, slot)
		}
	}
	h.host.expectNoStart(t, 20*time.Millisecond)
}

func TestManagerRespawnsCrashedWorker(t *testing.T) {
	testlog.Start(t)
	h := startManager(t, managerSettings(1, 0), Hooks{}, Env{RunID: "run-crash"})

	first := h.host.waitStart(t)
	h.host.exit(first.pid, 2, 0)

	exit := h.waitWorkerError(t)
	if exit.ID != 0 || exit.PID != first.pid || exit.Status != 2 || exit.Role != lifecycle.RoleWorker {
		t.Fatalf("unexpected worker exit: %+v", exit)
	}
	second := h.host.waitStart(t)
	if second.pid == first.pid || second.env[EnvWorkerID] != "0" {
		t.Fatalf("unexpected respawn: %+v", second)
	}

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	slot := h.m.Slots()[0]
	if slot.Restarts != 1 || slot.Attempts != 1 {
		t.Fatalf("unexpected slot counters: %+v", slot)
	}
}

func TestManagerRespawnsSignalledWorker(t *testing.T) {
	testlog.Start(t)
	h := startManager(t, managerSettings(1, 0), Hooks{}, Env{})

	first := h.host.waitStart(t)
	h.host.exit(first.pid, 128+11, 11)
	if exit := h.waitWorkerError(t); exit.Signal != 11 {
		t.Fatalf("expected signal in worker exit, got %+v", exit)
	}
	h.host.waitStart(t)

	h.sigs <- sigInterrupt
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestManagerRecyclesCleanExitImmediately(t *testing.T) {
	testlog.Start(t)
	s := managerSettings(1, 0)
	s.Respawn.InitialDelay = time.Hour
	h := startManager(t, s, Hooks{}, Env{})

	first := h.host.waitStart(t)
	h.host.exit(first.pid, ExitOK, 0)
	h.host.waitStart(t)

	select {
	case exit := <-h.errs:
		t.Fatalf("clean exit must not fire the worker error hook: %+v", exit)
	default:
	}

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if slot := h.m.Slots()[0]; slot.Restarts != 1 || slot.Attempts != 0 {
		t.Fatalf("unexpected slot counters: %+v", slot)
	}
}

func TestManagerDoesNotRespawnBindFailure(t *testing.T) {
	testlog.Start(t)
	h := startManager(t, managerSettings(2, 0), Hooks{}, Env{})

	a := h.host.waitStart(t)
	b := h.host.waitStart(t)

	h.host.exit(a.pid, ExitBindFailed, 0)
	if exit := h.waitWorkerError(t); exit.Status != ExitBindFailed {
		t.Fatalf("unexpected worker exit: %+v", exit)
	}
	h.host.expectNoStart(t, 30*time.Millisecond)

	h.host.exit(b.pid, ExitBindFailed, 0)
	h.waitWorkerError(t)

	err := h.wait(t)
	if !errors.Is(err, ErrAllWorkersFailed) {
		t.Fatalf("expected ErrAllWorkersFailed, got %v", err)
	}
	for _, slot := range h.m.Slots() {
		if slot.State != SlotFailed {
			t.Fatalf("slot %d expected failed, got %+v", slot.ID, slot)
		}
	}
	h.host.expectNoStart(t, 20*time.Millisecond)
}

func TestManagerTaskBindStatusDoesNotStopServer(t *testing.T) {
	testlog.Start(t)
	h := startManager(t, managerSettings(1, 1), Hooks{}, Env{})

	recs := map[string]startRecord{}
	for i := 0; i < 2; i++ {
		rec := h.host.waitStart(t)
		recs[rec.env[EnvRole]] = rec
	}
	h.host.exit(recs["task"].pid, ExitBindFailed, 0)
	h.waitWorkerError(t)

	select {
	case err := <-h.result:
		t.Fatalf("manager stopped with a healthy worker: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestManagerGracefulReload(t *testing.T) {
	testlog.Start(t)
	s := managerSettings(2, 0)
	s.ReloadAsync = true
	h := startManager(t, s, Hooks{}, Env{})

	old := []startRecord{h.host.waitStart(t), h.host.waitStart(t)}
	h.sigs <- sigReloadAll

	fresh := []startRecord{h.host.waitStart(t), h.host.waitStart(t)}
	for _, rec := range old {
		if sigs := h.host.proc(rec.pid).Signals(); len(sigs) != 1 || sigs[0] != sigTerminate {
			t.Fatalf("graceful reload must SIGTERM child %d, got %v", rec.pid, sigs)
		}
	}
	for _, rec := range fresh {
		if rec.pid == old[0].pid || rec.pid == old[1].pid {
			t.Fatalf("reload reused pid %d", rec.pid)
		}
	}
	select {
	case exit := <-h.errs:
		t.Fatalf("reload must not fire the worker error hook: %+v", exit)
	default:
	}

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, slot := range h.m.Slots() {
		if slot.Restarts != 1 || slot.Attempts != 0 {
			t.Fatalf("unexpected slot counters after reload: %+v", slot)
		}
	}
}

func TestManagerImmediateReload(t *testing.T) {
	testlog.Start(t)
	s := managerSettings(1, 0)
	s.ReloadAsync = false
	h := startManager(t, s, Hooks{}, Env{})

	old := h.host.waitStart(t)
	h.sigs <- sigReloadAll
	h.host.waitStart(t)

	if sigs := h.host.proc(old.pid).Signals(); len(sigs) != 1 || sigs[0] != sigKill {
		t.Fatalf("immediate reload must SIGKILL, got %v", sigs)
	}
	select {
	case exit := <-h.errs:
		t.Fatalf("reload must not fire the worker error hook: %+v", exit)
	default:
	}

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestManagerReloadTasksOnly(t *testing.T) {
	testlog.Start(t)
	h := startManager(t, managerSettings(1, 1), Hooks{}, Env{})

	recs := map[string]startRecord{}
	for i := 0; i < 2; i++ {
		rec := h.host.waitStart(t)
		recs[rec.env[EnvRole]] = rec
	}
	h.sigs <- sigReloadTasks

	fresh := h.host.waitStart(t)
	if fresh.env[EnvRole] != "task" || fresh.env[EnvWorkerID] != "1" {
		t.Fatalf("expected task respawn, got %v", fresh.env)
	}
	if sigs := h.host.proc(recs["worker"].pid).Signals(); len(sigs) != 0 {
		t.Fatalf("worker must not be signalled on task reload, got %v", sigs)
	}

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestManagerKillsStragglersAfterMaxWait(t *testing.T) {
	testlog.Start(t)
	s := managerSettings(1, 0)
	s.MaxWaitTime = 50 * time.Millisecond
	h := startManager(t, s, Hooks{}, Env{})

	rec := h.host.waitStart(t)
	h.host.mu.Lock()
	h.host.ignoreTerm = true
	h.host.mu.Unlock()

	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	sigs := h.host.proc(rec.pid).Signals()
	if len(sigs) != 2 || sigs[0] != sigTerminate || sigs[1] != sigKill {
		t.Fatalf("expected SIGTERM then SIGKILL, got %v", sigs)
	}
}

func TestManagerRetriesFailedSpawn(t *testing.T) {
	testlog.Start(t)
	sigs := make(chan os.Signal, 64)
	host := newFakeHost(sigs)
	host.failStart = true

	var reported []error
	m := NewManager(managerSettings(1, 0), Hooks{}, Env{}, ManagerOptions{Runner: host, Reaper: host}).
		WithReporter(observability.ReporterFunc(func(err error) { reported = append(reported, err) }))
	result := make(chan error, 1)
	go func() {
		result <- m.Supervise(sigs)
	}()

	time.Sleep(20 * time.Millisecond)
	host.mu.Lock()
	host.failStart = false
	host.mu.Unlock()
	rec := host.waitStart(t)
	if rec.env[EnvWorkerID] != "0" {
		t.Fatalf("unexpected child: %v", rec.env)
	}

	sigs <- sigTerminate
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("manager did not return")
	}
	if len(reported) == 0 {
		t.Fatalf("expected spawn failures to be reported")
	}
}

func TestManagerHookPanicIsReported(t *testing.T) {
	testlog.Start(t)
	var reported []error
	sigs := make(chan os.Signal, 64)
	host := newFakeHost(sigs)
	hooks := Hooks{
		OnManagerStart: func(ManagerContext) error { panic("boom") },
		OnManagerStop:  func(ManagerContext) error { return errors.New("stop failed") },
	}
	m := NewManager(managerSettings(1, 0), hooks, Env{}, ManagerOptions{Runner: host, Reaper: host}).
		WithReporter(observability.ReporterFunc(func(err error) { reported = append(reported, err) }))
	result := make(chan error, 1)
	go func() {
		result <- m.Supervise(sigs)
	}()
	host.waitStart(t)
	sigs <- sigTerminate
	if err := <-result; err != nil {
		t.Fatalf("hook failures must not fail the manager: %v", err)
	}

	if len(reported) != 2 {
		t.Fatalf("expected two reported hook errors, got %v", reported)
	}
	var hookErr *HookError
	if !errors.As(reported[0], &hookErr) || hookErr.Hook != HookManagerStart {
		t.Fatalf("unexpected first report: %v", reported[0])
	}
	if !errors.As(reported[1], &hookErr) || hookErr.Hook != HookManagerStop {
		t.Fatalf("unexpected second report: %v", reported[1])
	}
}

func TestManagerChildEnvCarriesOrdinal(t *testing.T) {
	testlog.Start(t)
	h := startManager(t, managerSettings(3, 0), Hooks{}, Env{})
	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		rec := h.host.waitStart(t)
		id, err := strconv.Atoi(rec.env[EnvWorkerID])
		if err != nil {
			t.Fatalf("bad worker id: %v", rec.env)
		}
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected ordinals 0..2, got %v", seen)
	}
	h.sigs <- sigTerminate
	if err := h.wait(t); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
