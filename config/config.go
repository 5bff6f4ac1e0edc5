// Package config parses the JSON sweep definition. The schema is closed:
// every section is a typed struct, unknown fields are rejected, and
// strategy and storage variants are resolved from fixed tables at startup
// rather than looked up at runtime.
package config

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"

	"github.com/hpsched/hpsched/sweep/domain"
	"github.com/hpsched/hpsched/sweep/sampler"
)

const (
	DefaultMaxBroken = 3
	DefaultNWorkers  = 1
)

// Config is the root of the sweep definition file.
type Config struct {
	Algorithm AlgorithmConfig   `json:"algorithm"`
	Worker    WorkerConfig      `json:"worker"`
	Storage   StorageConfig     `json:"storage"`
	Space     []DimensionConfig `json:"space"`
}

// AlgorithmConfig selects the sampling strategy.
type AlgorithmConfig struct {
	Type string `json:"type"`

	// Seed for the random strategy. Zero seeds from the clock.
	Seed int64 `json:"seed,omitempty"`

	// Resolution is the default number of grid points per continuous
	// dimension; a dimension's own resolution takes precedence.
	Resolution int `json:"resolution,omitempty"`

	// Points drive the external strategy, in submission order.
	Points []map[string]interface{} `json:"points,omitempty"`
}

// WorkerConfig carries the sweep budgets.
type WorkerConfig struct {
	NWorkers           int    `json:"n_workers,omitempty"`
	MaxTrials          int    `json:"max_trials"`
	MaxTrialsPerWorker int    `json:"max_trials_per_worker,omitempty"`
	MaxBroken          int    `json:"max_broken,omitempty"`
	ReservationTimeout string `json:"reservation_timeout,omitempty"`
	MaxAttempts        int    `json:"max_attempts,omitempty"`
}

// StorageConfig selects the trial store backend.
type StorageConfig struct {
	// Type is one of sqlite, http, or memory.
	Type string `json:"type"`

	// Host is the database path for sqlite, or the arbiter addr for http.
	Host string `json:"host,omitempty"`
}

// DimensionConfig declares one hyperparameter.
type DimensionConfig struct {
	Name       string        `json:"name"`
	Kind       string        `json:"kind"`
	Low        float64       `json:"low,omitempty"`
	High       float64       `json:"high,omitempty"`
	Choices    []interface{} `json:"choices,omitempty"`
	Resolution int           `json:"resolution,omitempty"`
}

// Parse decodes and validates a sweep definition, filling in defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding sweep config")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseFile reads and parses the sweep definition at path.
func ParseFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading sweep config %s", path)
	}
	return Parse(data)
}

func (c *Config) applyDefaults() {
	if c.Algorithm.Type == "" {
		c.Algorithm.Type = string(sampler.Random)
	}
	if c.Worker.NWorkers == 0 {
		c.Worker.NWorkers = DefaultNWorkers
	}
	if c.Worker.MaxBroken == 0 {
		c.Worker.MaxBroken = DefaultMaxBroken
	}
	if c.Worker.ReservationTimeout == "" {
		c.Worker.ReservationTimeout = domain.DefaultReservationTimeout.String()
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = domain.DefaultMaxAttempts
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "sqlite", "http":
		if c.Storage.Host == "" {
			return errors.Errorf("storage type %s requires a host", c.Storage.Type)
		}
	case "memory":
	default:
		return errors.Errorf("unknown storage type %q", c.Storage.Type)
	}

	limits, err := c.Limits()
	if err != nil {
		return err
	}
	if err := limits.Validate(); err != nil {
		return errors.Wrap(err, "worker section")
	}

	space, err := c.SearchSpace()
	if err != nil {
		return err
	}
	if err := space.Validate(); err != nil {
		return errors.Wrap(err, "space section")
	}

	// Strategy construction catches bad algorithm sections at parse time,
	// not at the first Acquire.
	if _, err := sampler.New(sampler.Kind(c.Algorithm.Type), space, c.SamplerOptions()); err != nil {
		return errors.Wrap(err, "algorithm section")
	}
	return nil
}

// Limits converts the worker section to the sweep budgets.
func (c *Config) Limits() (domain.SweepLimits, error) {
	timeout, err := time.ParseDuration(c.Worker.ReservationTimeout)
	if err != nil {
		return domain.SweepLimits{}, errors.Wrapf(err, "parsing reservation_timeout %q", c.Worker.ReservationTimeout)
	}
	return domain.SweepLimits{
		MaxTrials:          c.Worker.MaxTrials,
		MaxTrialsPerWorker: c.Worker.MaxTrialsPerWorker,
		MaxBroken:          c.Worker.MaxBroken,
		NWorkers:           c.Worker.NWorkers,
		ReservationTimeout: timeout,
		MaxAttempts:        c.Worker.MaxAttempts,
	}, nil
}

// SearchSpace converts the space section to the domain form. The
// algorithm's resolution is the default for continuous dimensions that
// do not set their own.
func (c *Config) SearchSpace() (domain.Space, error) {
	space := make(domain.Space, 0, len(c.Space))
	for i := range c.Space {
		dc := &c.Space[i]
		kind, err := domain.ParseDimensionKind(dc.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "dimension %s", dc.Name)
		}
		resolution := dc.Resolution
		if resolution == 0 && (kind == domain.Uniform || kind == domain.LogUniform) {
			resolution = c.Algorithm.Resolution
		}
		space = append(space, domain.Dimension{
			Name:       dc.Name,
			Kind:       kind,
			Low:        dc.Low,
			High:       dc.High,
			Choices:    dc.Choices,
			Resolution: resolution,
		})
	}
	return space, nil
}

// SamplerOptions converts the algorithm section's knobs.
func (c *Config) SamplerOptions() sampler.Options {
	opts := sampler.Options{Seed: c.Algorithm.Seed}
	for _, point := range c.Algorithm.Points {
		opts.Points = append(opts.Points, domain.Configuration(point))
	}
	return opts
}

// Strategy builds the configured sampling strategy.
func (c *Config) Strategy() (sampler.Strategy, error) {
	space, err := c.SearchSpace()
	if err != nil {
		return nil, err
	}
	return sampler.New(sampler.Kind(c.Algorithm.Type), space, c.SamplerOptions())
}
