package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Template renders settings as a config file in the given format
// ("toml" or "yaml").
func Template(s Settings, format string) (string, error) {
	f := FromSettings(s)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		out, err := toml.Marshal(f)
		if err != nil {
			return "", fmt.Errorf("config: render toml: %w", err)
		}
		return string(out), nil
	case "yaml", "yml":
		out, err := yaml.Marshal(f)
		if err != nil {
			return "", fmt.Errorf("config: render yaml: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path string, s Settings, format string, overwrite bool) error {
	template, err := Template(s, format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
