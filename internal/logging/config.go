package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "UDPCTL_LOG_LEVEL"
	EnvLogTimestamp = "UDPCTL_LOG_TIMESTAMP"
	EnvLogNoColor   = "UDPCTL_LOG_NOCOLOR"
	EnvLogBypass    = "UDPCTL_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger configuration.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	Bypass    bool
	// File switches output to JSON lines appended to the path.
	File string
}

var (
	configureMu sync.Mutex
	configured  bool
	logFile     *os.File
)

func ConfigureRuntime(file string) error {
	return Configure(ProfileRuntime, file)
}

func ConfigureTests() {
	_ = Configure(ProfileTest, "")
}

// Configure installs the global zerolog logger once per process. Later calls
// are no-ops so every role entrypoint may call it.
func Configure(profile Profile, file string) error {
	configureMu.Lock()
	defer configureMu.Unlock()
	if configured {
		return nil
	}
	cfg := DefaultConfig(profile)
	cfg.File = strings.TrimSpace(file)
	applyEnvOverrides(&cfg)
	if err := apply(cfg); err != nil {
		return err
	}
	configured = true
	return nil
}

// Close flushes and releases the log file, if any.
func Close() error {
	configureMu.Lock()
	defer configureMu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func DefaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Timestamp: false}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func apply(cfg Config) error {
	if cfg.Bypass {
		zerolog.SetGlobalLevel(zerolog.Disabled)
		log.Logger = zerolog.Nop()
		return nil
	}
	zerolog.SetGlobalLevel(cfg.Level)

	var out io.Writer
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("logging: open log file: %w", err)
		}
		logFile = f
		out = f
	} else {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	log.Logger = ctx.Logger()
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
