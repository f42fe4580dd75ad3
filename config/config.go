// Package config loads the didtrace.yaml startup configuration with
// first-match discovery semantics.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "didtrace.yaml"
	homeConfigName    = "config.yaml"
)

// File is the declarative startup config shape.
type File struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	CORSOrigin string `yaml:"cors_origin,omitempty"`
	StaticDir  string `yaml:"static_dir,omitempty"`

	// Environment names the entry in EnvironmentsFile to load the
	// demo identities from.
	Environment      string `yaml:"environment,omitempty"`
	EnvironmentsFile string `yaml:"environments_file,omitempty"`

	// PingSchedule is an optional cron expression for periodic
	// mediator liveness pings.
	PingSchedule string `yaml:"ping_schedule,omitempty"`

	PickupTimeout Duration `yaml:"pickup_timeout,omitempty"`
}

// Duration is a time.Duration that unmarshals from yaml strings like
// "15s" or "2m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DiscoverPath resolves the config file location with first-match
// semantics: explicit path, then ./didtrace.yaml, then
// ~/.didtrace/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".didtrace", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and parses a config file. String fields are expanded
// against the process environment, and relative file paths resolve
// against the config file's directory.
func Load(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}

	cfg.Host = os.ExpandEnv(cfg.Host)
	cfg.CORSOrigin = os.ExpandEnv(cfg.CORSOrigin)
	cfg.Environment = os.ExpandEnv(cfg.Environment)
	cfg.PingSchedule = strings.TrimSpace(cfg.PingSchedule)

	baseDir := filepath.Dir(path)
	cfg.StaticDir = resolveRelative(baseDir, os.ExpandEnv(cfg.StaticDir))
	cfg.EnvironmentsFile = resolveRelative(baseDir, os.ExpandEnv(cfg.EnvironmentsFile))
	return cfg, nil
}

func resolveRelative(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
