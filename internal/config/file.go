package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danmuck/udpctl/internal/channel"
)

// Duration accepts Go duration strings ("1m30s") or integer seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalTOML(v any) error {
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case int64:
		d.Duration = time.Duration(x) * time.Second
	case int:
		d.Duration = time.Duration(x) * time.Second
	case float64:
		d.Duration = time.Duration(x * float64(time.Second))
	case string:
		raw := strings.TrimSpace(x)
		if secs, err := strconv.Atoi(raw); err == nil {
			d.Duration = time.Duration(secs) * time.Second
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", raw, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("config: unsupported duration value %v (%T)", v, v)
	}
	return nil
}

type AdminFile struct {
	Listen      string   `toml:"listen" yaml:"listen"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
}

type RespawnFile struct {
	InitialDelay Duration `toml:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration `toml:"max_delay" yaml:"max_delay"`
	Multiplier   float64  `toml:"multiplier" yaml:"multiplier"`
	Jitter       bool     `toml:"jitter" yaml:"jitter"`
}

// File is the on-disk shape of Settings, shared by TOML and YAML.
type File struct {
	Name                 string      `toml:"name" yaml:"name"`
	Host                 string      `toml:"host" yaml:"host"`
	Port                 int         `toml:"port" yaml:"port"`
	Family               string      `toml:"family" yaml:"family"`
	ReusePort            bool        `toml:"reuse_port" yaml:"reuse_port"`
	ReadBuffer           int         `toml:"read_buffer" yaml:"read_buffer"`
	EnableCoroutine      bool        `toml:"enable_coroutine" yaml:"enable_coroutine"`
	ReactorNum           int         `toml:"reactor_num" yaml:"reactor_num"`
	WorkerNum            int         `toml:"worker_num" yaml:"worker_num"`
	TaskWorkerNum        int         `toml:"task_worker_num" yaml:"task_worker_num"`
	PidFile              string      `toml:"pid_file" yaml:"pid_file"`
	LogFile              string      `toml:"log_file" yaml:"log_file"`
	ReloadAsync          bool        `toml:"reload_async" yaml:"reload_async"`
	MaxWaitTime          Duration    `toml:"max_wait_time" yaml:"max_wait_time"`
	MaxRequest           int         `toml:"max_request" yaml:"max_request"`
	HousekeepingInterval Duration    `toml:"housekeeping_interval" yaml:"housekeeping_interval"`
	Admin                AdminFile   `toml:"admin" yaml:"admin"`
	Respawn              RespawnFile `toml:"respawn" yaml:"respawn"`
}

// FromSettings renders settings into their file shape.
func FromSettings(s Settings) File {
	return File{
		Name:                 s.Name,
		Host:                 s.Host,
		Port:                 s.Port,
		Family:               string(s.Family),
		ReusePort:            s.ReusePort,
		ReadBuffer:           s.ReadBuffer,
		EnableCoroutine:      s.EnableCoroutine,
		ReactorNum:           s.ReactorNum,
		WorkerNum:            s.WorkerNum,
		TaskWorkerNum:        s.TaskWorkerNum,
		PidFile:              s.PidFile,
		LogFile:              s.LogFile,
		ReloadAsync:          s.ReloadAsync,
		MaxWaitTime:          Duration{s.MaxWaitTime},
		MaxRequest:           s.MaxRequest,
		HousekeepingInterval: Duration{s.HousekeepingInterval},
		Admin: AdminFile{
			Listen:      s.AdminListen,
			CORSOrigins: append([]string(nil), s.AdminCORSOrigins...),
		},
		Respawn: RespawnFile{
			InitialDelay: Duration{s.Respawn.InitialDelay},
			MaxDelay:     Duration{s.Respawn.MaxDelay},
			Multiplier:   s.Respawn.Multiplier,
			Jitter:       s.Respawn.Jitter,
		},
	}
}

// Apply overlays every key the file defines onto base. defined reports
// whether a (possibly nested) key was present in the source document.
func (f File) Apply(base Settings, defined func(keys ...string) bool) Settings {
	cfg := base
	if defined("name") {
		cfg.Name = strings.TrimSpace(f.Name)
	}
	if defined("host") {
		cfg.Host = strings.TrimSpace(f.Host)
	}
	if defined("port") {
		cfg.Port = f.Port
	}
	if defined("family") {
		cfg.Family = channel.Family(strings.TrimSpace(f.Family))
	}
	if defined("reuse_port") {
		cfg.ReusePort = f.ReusePort
	}
	if defined("read_buffer") {
		cfg.ReadBuffer = f.ReadBuffer
	}
	if defined("enable_coroutine") {
		cfg.EnableCoroutine = f.EnableCoroutine
	}
	if defined("reactor_num") {
		cfg.ReactorNum = f.ReactorNum
	}
	if defined("worker_num") {
		cfg.WorkerNum = f.WorkerNum
	}
	if defined("task_worker_num") {
		cfg.TaskWorkerNum = f.TaskWorkerNum
	}
	if defined("pid_file") {
		cfg.PidFile = strings.TrimSpace(f.PidFile)
	}
	if defined("log_file") {
		cfg.LogFile = strings.TrimSpace(f.LogFile)
	}
	if defined("reload_async") {
		cfg.ReloadAsync = f.ReloadAsync
	}
	if defined("max_wait_time") {
		cfg.MaxWaitTime = f.MaxWaitTime.Duration
	}
	if defined("max_request") {
		cfg.MaxRequest = f.MaxRequest
	}
	if defined("housekeeping_interval") {
		cfg.HousekeepingInterval = f.HousekeepingInterval.Duration
	}
	if defined("admin", "listen") {
		cfg.AdminListen = strings.TrimSpace(f.Admin.Listen)
	}
	if defined("admin", "cors_origins") {
		cfg.AdminCORSOrigins = normalizeList(f.Admin.CORSOrigins)
	}
	if defined("respawn", "initial_delay") {
		cfg.Respawn.InitialDelay = f.Respawn.InitialDelay.Duration
	}
	if defined("respawn", "max_delay") {
		cfg.Respawn.MaxDelay = f.Respawn.MaxDelay.Duration
	}
	if defined("respawn", "multiplier") {
		cfg.Respawn.Multiplier = math.Max(f.Respawn.Multiplier, 1)
	}
	if defined("respawn", "jitter") {
		cfg.Respawn.Jitter = f.Respawn.Jitter
	}
	return cfg
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
