package main

import (
	"flag"
	"log"
	"path/filepath"
	"strings"

	"github.com/danmuck/udpctl/internal/config"
)

const defaultPath = "cmd/udpctl/config.toml"

func main() {
	output := flag.String("output", "", "output path for config template")
	format := flag.String("format", "", "template format: toml|yaml (defaults to the output extension)")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to "+defaultPath+")")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath
		}
		if _, err := config.Load(path, config.Default()); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s", path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath
	}
	kind := strings.ToLower(strings.TrimSpace(*format))
	if kind == "" {
		kind = formatFor(target)
	}

	if err := config.WriteTemplate(target, config.Default(), kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", kind, target)
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "toml"
	}
}
