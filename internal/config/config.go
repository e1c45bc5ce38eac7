package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/udpctl/internal/channel"
)

var (
	ErrMissingName        = errors.New("config: name required")
	ErrMissingHost        = errors.New("config: host required")
	ErrInvalidPort        = errors.New("config: port must be within 0-65535")
	ErrInvalidWorkerNum   = errors.New("config: worker_num must be at least 1")
	ErrInvalidTaskNum     = errors.New("config: task_worker_num must not be negative")
	ErrInvalidMaxRequest  = errors.New("config: max_request must not be negative")
	ErrInvalidMaxWait     = errors.New("config: max_wait_time must be positive")
	ErrReusePortRequired  = errors.New("config: reuse_port required when worker_num > 1")
	ErrSharedPortRequired = errors.New("config: port 0 only allowed with worker_num = 1")
	ErrInvalidHousekeep   = errors.New("config: housekeeping_interval must be positive")
	ErrInvalidRespawnWait = errors.New("config: respawn delays must not be negative")
)

// Backoff configures the delay before a crashed child is respawned.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Settings is the full server configuration shared by every process role.
type Settings struct {
	Name       string
	Host       string
	Port       int
	Family     channel.Family
	ReusePort  bool
	ReadBuffer int

	// EnableCoroutine runs one goroutine per datagram; false handles each
	// datagram inline before the next receive.
	EnableCoroutine bool
	// ReactorNum caps GOMAXPROCS inside each worker process; zero leaves the
	// runtime default.
	ReactorNum    int
	WorkerNum     int
	TaskWorkerNum int

	PidFile string
	LogFile string

	// ReloadAsync selects graceful reload (SIGTERM and drain) over immediate
	// reload (SIGKILL).
	ReloadAsync bool
	MaxWaitTime time.Duration
	// MaxRequest recycles a worker after that many datagrams; zero disables.
	MaxRequest int

	HousekeepingInterval time.Duration
	Respawn              Backoff

	// AdminListen is the base host:port of the per-worker admin endpoint;
	// worker N listens on port+N. Empty disables it.
	AdminListen      string
	AdminCORSOrigins []string
}

// Default mirrors the stock server settings.
func Default() Settings {
	return Settings{
		Name:                 "udpctl",
		Host:                 "127.0.0.1",
		Port:                 9504,
		Family:               channel.FamilyIPv4,
		ReusePort:            true,
		ReadBuffer:           2 * 1024 * 1024,
		EnableCoroutine:      true,
		ReactorNum:           8,
		WorkerNum:            8,
		TaskWorkerNum:        0,
		PidFile:              "/var/run/udpctl.pid",
		LogFile:              "",
		ReloadAsync:          true,
		MaxWaitTime:          60 * time.Second,
		MaxRequest:           0,
		HousekeepingInterval: 5 * time.Second,
		Respawn: Backoff{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		},
		AdminListen:      "",
		AdminCORSOrigins: []string{"http://localhost:3000"},
	}
}

// Validate checks the settings once, before any process is spawned.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrMissingName
	}
	if strings.TrimSpace(s.Host) == "" {
		return ErrMissingHost
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, s.Port)
	}
	if _, err := s.Family.Network(); err != nil {
		return fmt.Errorf("config: family: %w", err)
	}
	if s.WorkerNum < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerNum, s.WorkerNum)
	}
	if s.TaskWorkerNum < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTaskNum, s.TaskWorkerNum)
	}
	if s.WorkerNum > 1 && !s.ReusePort {
		return ErrReusePortRequired
	}
	// Every worker binds its own socket; with port 0 each would get a
	// different ephemeral port.
	if s.WorkerNum > 1 && s.Port == 0 {
		return ErrSharedPortRequired
	}
	if s.MaxRequest < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxRequest, s.MaxRequest)
	}
	if s.MaxWaitTime <= 0 {
		return ErrInvalidMaxWait
	}
	if s.HousekeepingInterval <= 0 {
		return ErrInvalidHousekeep
	}
	if s.Respawn.InitialDelay < 0 || s.Respawn.MaxDelay < 0 {
		return ErrInvalidRespawnWait
	}
	return nil
}

// ChildCount is the number of processes the manager supervises.
func (s Settings) ChildCount() int {
	return s.WorkerNum + s.TaskWorkerNum
}

// ChannelConfig is the bind configuration for socket-owning workers.
func (s Settings) ChannelConfig() channel.Config {
	return channel.Config{
		Family:     s.Family,
		Host:       s.Host,
		Port:       s.Port,
		ReusePort:  s.ReusePort,
		ReadBuffer: s.ReadBuffer,
	}
}
