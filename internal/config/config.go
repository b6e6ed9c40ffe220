// Package config loads runtime settings from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/svd27/ki/internal/filtertree"
	"github.com/svd27/ki/internal/interest"
	"github.com/svd27/ki/internal/metrics"
	"github.com/svd27/ki/internal/querymgr"
)

// Config holds every tunable of an embedded ki runtime.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Tree     TreeConfig     `yaml:"tree"`
	Interest InterestConfig `yaml:"interest"`
	Query    QueryConfig    `yaml:"query"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  metrics.Config `yaml:"metrics"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

type TreeConfig struct {
	// Load is the filter count at which a tree node splits.
	Load int `yaml:"load"`
}

type InterestConfig struct {
	// Buffer is the event channel capacity of each interest.
	Buffer int `yaml:"buffer"`
	// Batch caps the events digested together.
	Batch int `yaml:"batch"`
}

type QueryConfig struct {
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout"`
	// Workers bounds concurrent store lookups.
	Workers int `yaml:"workers"`
}

type StoreConfig struct {
	// Name identifies the SQLite store to the query manager.
	Name string `yaml:"name"`
	// Path is the database file; ":memory:" keeps it in memory.
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info"},
		Tree:     TreeConfig{Load: filtertree.DefaultLoad},
		Interest: InterestConfig{Buffer: interest.DefaultBuffer, Batch: interest.DefaultBatch},
		Query:    QueryConfig{RetrieveTimeout: querymgr.DefaultRetrieveTimeout, Workers: querymgr.DefaultPoolSize},
		Store:    StoreConfig{Name: "sqlite", Path: "ki.db"},
		Metrics:  metrics.Config{Enabled: false, Namespace: metrics.DefaultNamespace},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every out-of-range setting.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Tree.Load < 2 {
		errs = append(errs, fmt.Errorf("tree.load must be at least 2, got %d", c.Tree.Load))
	}
	if c.Interest.Buffer < 1 {
		errs = append(errs, fmt.Errorf("interest.buffer must be positive, got %d", c.Interest.Buffer))
	}
	if c.Interest.Batch < 1 {
		errs = append(errs, fmt.Errorf("interest.batch must be positive, got %d", c.Interest.Batch))
	}
	if c.Query.RetrieveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("query.retrieve_timeout must be positive, got %s", c.Query.RetrieveTimeout))
	}
	if c.Query.Workers < 1 {
		errs = append(errs, fmt.Errorf("query.workers must be positive, got %d", c.Query.Workers))
	}
	if c.Store.Name == "" {
		errs = append(errs, errors.New("store.name is required"))
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, errors.New("metrics.namespace is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level. An empty level means info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}
