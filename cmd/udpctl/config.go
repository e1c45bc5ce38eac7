package main

import (
	"flag"
	"strings"

	"github.com/danmuck/udpctl/internal/config"
)

type cliFlags struct {
	config  string
	name    string
	host    string
	port    int
	workers int
	admin   string
	set     map[string]bool
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// loadSettings resolves defaults, then the config file, then flags that were
// set explicitly on the command line.
func loadSettings(flags cliFlags) (config.Settings, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(flags.config); path != "" {
		loaded, err := config.Load(path, cfg)
		if err != nil {
			return config.Settings{}, err
		}
		cfg = loaded
	}

	if flags.set["name"] {
		cfg.Name = strings.TrimSpace(flags.name)
	}
	if flags.set["host"] {
		cfg.Host = strings.TrimSpace(flags.host)
	}
	if flags.set["port"] {
		cfg.Port = flags.port
	}
	if flags.set["workers"] {
		cfg.WorkerNum = flags.workers
	}
	if flags.set["admin"] {
		cfg.AdminListen = strings.TrimSpace(flags.admin)
	}

	if err := cfg.Validate(); err != nil {
		return config.Settings{}, err
	}
	return cfg, nil
}
