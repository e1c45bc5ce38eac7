package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var ErrUnknownKeys = errors.New("config: unknown keys")

// Load reads a TOML (default) or YAML (.yaml/.yml) file, overlays the keys
// it defines onto base and validates the result.
func Load(path string, base Settings) (Settings, error) {
	var (
		cfg Settings
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = loadYAML(path, base)
	default:
		cfg, err = loadTOML(path, base)
	}
	if err != nil {
		return Settings{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func loadTOML(path string, base Settings) (Settings, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Settings{}, fmt.Errorf("%w in %s: %s", ErrUnknownKeys, path, strings.Join(keys, ", "))
	}
	return raw.Apply(base, meta.IsDefined), nil
}

func loadYAML(path string, base Settings) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	var raw File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return Settings{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return raw.Apply(base, yamlDefined(tree)), nil
}

func yamlDefined(tree map[string]any) func(keys ...string) bool {
	return func(keys ...string) bool {
		node := tree
		for i, k := range keys {
			v, ok := node[k]
			if !ok {
				return false
			}
			if i == len(keys)-1 {
				return true
			}
			next, ok := v.(map[string]any)
			if !ok {
				return false
			}
			node = next
		}
		return false
	}
}
