// Package config loads the actorrepl configuration file.
//
// Values come from, in increasing precedence: built-in defaults, the YAML
// file, and the ACTORREPL_MANAGER_URL and ACTORREPL_LOG_LEVEL environment
// variables. Command-line flags are applied by the caller on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rivet-gg/actorrepl/actor"
	"github.com/rivet-gg/actorrepl/catalog"
	"github.com/rivet-gg/actorrepl/highlight"
	"github.com/rivet-gg/actorrepl/internal/logging"
	"github.com/rivet-gg/actorrepl/transform"
)

// Environment variables read by Load.
const (
	EnvManagerURL = "ACTORREPL_MANAGER_URL"
	EnvLogLevel   = "ACTORREPL_LOG_LEVEL"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the file configuration.
type Config struct {
	ManagerURL      string          `yaml:"manager_url"`
	ConnectTimeout  time.Duration   `yaml:"connect_timeout"`
	MaxEvalDuration time.Duration   `yaml:"max_eval_duration"`
	Language        string          `yaml:"language"`
	Theme           string          `yaml:"theme"`
	Listen          string          `yaml:"listen"`
	Log             LogConfig       `yaml:"log"`
	Actors          []catalog.Actor `yaml:"actors"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ManagerURL:     "http://127.0.0.1:6420",
		ConnectTimeout: actor.DefaultConnectTimeout,
		Language:       string(transform.TypeScript),
		Theme:          highlight.DefaultTheme,
		Listen:         ":7070",
		Log:            LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults without consulting the
// environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvManagerURL); ok && v != "" {
		c.ManagerURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate checks field values.
// Returns ErrInvalid describing the first problem found.
func (c *Config) Validate() error {
	if c.ManagerURL != "" {
		u, err := url.Parse(c.ManagerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: manager_url %q must be an http(s) URL", ErrInvalid, c.ManagerURL)
		}
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: connect_timeout must not be negative", ErrInvalid)
	}
	if c.MaxEvalDuration < 0 {
		return fmt.Errorf("%w: max_eval_duration must not be negative", ErrInvalid)
	}
	switch transform.Language(c.Language) {
	case transform.TypeScript, transform.JavaScript:
	default:
		return fmt.Errorf("%w: language %q must be typescript or javascript", ErrInvalid, c.Language)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	seen := make(map[string]bool, len(c.Actors))
	for i, a := range c.Actors {
		if a.Name == "" || a.ID == "" {
			return fmt.Errorf("%w: actors[%d] needs name and id", ErrInvalid, i)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: actor %q is listed twice", ErrInvalid, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Logging returns the logger configuration. Output is left to the caller.
func (c *Config) Logging() logging.Config {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.JSON = c.Log.JSON
	return cfg
}

// Catalog builds a catalog holding the configured actors.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	cat := catalog.New()
	for _, a := range c.Actors {
		if err := cat.Register(a); err != nil {
			return nil, err
		}
	}
	return cat, nil
}
