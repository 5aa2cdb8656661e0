// Package config loads the ntn configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTokenEnv names the environment variable that overrides the
// configured bearer token.
const DefaultTokenEnv = "NTN_TOKEN"

// Config is the full configuration. Zero fields take the defaults of
// Default.
type Config struct {
	Server Server `yaml:"server"`
	Store  Store  `yaml:"store"`
	Sync   Sync   `yaml:"sync"`
	Feed   Feed   `yaml:"feed"`
	Deck   Deck   `yaml:"deck"`
	Log    Log    `yaml:"log"`
}

type Server struct {
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

type Store struct {
	Path string `yaml:"path"`
	// MaxPages caps the database size in pages; 0 is unlimited.
	MaxPages int `yaml:"max_pages"`
}

type Sync struct {
	Interval       time.Duration `yaml:"interval"`
	Debounce       time.Duration `yaml:"debounce"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retries        int           `yaml:"retries"`
	RetryBase      time.Duration `yaml:"retry_base"`
	PushBatchSize  int           `yaml:"push_batch_size"`
}

type Feed struct {
	BatchSize int `yaml:"batch_size"`
}

type Deck struct {
	Size          int    `yaml:"size"`
	DailyShuffles int    `yaml:"daily_shuffles"`
	Seed          uint64 `yaml:"seed"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{TokenEnv: DefaultTokenEnv},
		Store:  Store{Path: filepath.Join(dataHome(), "ntn", "ntn.db")},
		Sync: Sync{
			Interval:       5 * time.Minute,
			Debounce:       500 * time.Millisecond,
			RequestTimeout: 10 * time.Second,
			Retries:        2,
			RetryBase:      time.Second,
			PushBatchSize:  10,
		},
		Feed: Feed{BatchSize: 50},
		Deck: Deck{Size: 10, DailyShuffles: 2},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/ntn/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ntn", "config.yaml")
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}

// Load reads path, or DefaultPath when path is empty. A missing file
// yields the defaults. Unknown fields are rejected.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	case err != nil:
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and applies the token
// environment override.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// fillDefaults restores defaults for fields explicitly set to zero values
// that have no meaning.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Server.TokenEnv == "" {
		c.Server.TokenEnv = def.Server.TokenEnv
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	c.Server.BaseURL = strings.TrimRight(strings.TrimSpace(c.Server.BaseURL), "/")
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(c.Server.TokenEnv)); v != "" {
		c.Server.Token = v
	}
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.RequestTimeout <= 0 {
		errs = append(errs, errors.New("sync.request_timeout must be positive"))
	}
	if c.Sync.Debounce < 0 || c.Sync.RetryBase < 0 {
		errs = append(errs, errors.New("sync durations must not be negative"))
	}
	if c.Sync.Retries < 0 {
		errs = append(errs, errors.New("sync.retries must not be negative"))
	}
	if c.Sync.PushBatchSize <= 0 || c.Feed.BatchSize <= 0 || c.Deck.Size <= 0 {
		errs = append(errs, errors.New("batch and deck sizes must be positive"))
	}
	if c.Deck.DailyShuffles < 0 {
		errs = append(errs, errors.New("deck.daily_shuffles must not be negative"))
	}
	if c.Store.MaxPages < 0 {
		errs = append(errs, errors.New("store.max_pages must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}
