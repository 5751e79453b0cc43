// Package config holds the run configuration shared by every pipeline stage.
//
// A Config is a plain value: it is resolved once (defaults, then an optional
// YAML file, then YIELD_* environment variables, then command line flags) and
// handed by value to each component constructor. Nothing in the module reads
// configuration from package-level state.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the immutable set of run parameters.
type Config struct {
	// DataRoot contains the Satellite/ and GroundTruth/ trees.
	DataRoot string `yaml:"data_root"`
	// OutputRoot receives one timestamped directory per run.
	OutputRoot string `yaml:"output_root"`

	// ImageSize is the square target resolution (pixels) every raster is resized to.
	ImageSize int `yaml:"image_size"`

	Years      []int    `yaml:"years"`
	Locations  []string `yaml:"locations"`  // empty means every location
	Timepoints []string `yaml:"timepoints"` // empty means every discovered time point

	// TimepointPrefix filters time-point directory names (e.g. "TP").
	TimepointPrefix string `yaml:"timepoint_prefix"`

	Architecture Architecture `yaml:"architecture"`

	BatchSize       int     `yaml:"batch_size"`
	Epochs          int     `yaml:"epochs"`
	LearningRate    float64 `yaml:"learning_rate"`
	ValidationSplit float64 `yaml:"validation_split"`
	Seed            int64   `yaml:"seed"`

	// Early stopping and learning-rate plateau policy.
	EarlyStopPatience int     `yaml:"early_stop_patience"`
	LRPatience        int     `yaml:"lr_patience"`
	LRFactor          float64 `yaml:"lr_factor"`
	MinLR             float64 `yaml:"min_lr"`

	// Workers bounds concurrent raster decodes; 1 decodes sequentially.
	Workers int `yaml:"workers"`
	// DropWarnFraction is the decode drop rate above which a warning is logged.
	DropWarnFraction float64 `yaml:"drop_warn_fraction"`
	// FeatureCache is an optional gob file used to skip decoding on re-runs.
	FeatureCache string `yaml:"feature_cache"`

	// Baseline enables the spectral-summary MLP reported next to the CNN.
	Baseline bool `yaml:"baseline"`

	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		DataRoot:          "data",
		OutputRoot:        "output",
		ImageSize:         128,
		Years:             []int{2022, 2023},
		TimepointPrefix:   "TP",
		Architecture:      DefaultArchitecture,
		BatchSize:         16,
		Epochs:            100,
		LearningRate:      1e-3,
		ValidationSplit:   0.2,
		Seed:              42,
		EarlyStopPatience: 10,
		LRPatience:        5,
		LRFactor:          0.5,
		MinLR:             1e-7,
		Workers:           1,
		DropWarnFraction:  0.25,
		Baseline:          true,
	}
}

// Validate reports the first impossible value.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DataRoot) == "":
		return fmt.Errorf("%w: data root is empty", ErrInvalid)
	case strings.TrimSpace(c.OutputRoot) == "":
		return fmt.Errorf("%w: output root is empty", ErrInvalid)
	case c.ImageSize < 4:
		return fmt.Errorf("%w: image size %d is below 4", ErrInvalid, c.ImageSize)
	case len(c.Years) == 0:
		return fmt.Errorf("%w: no years requested", ErrInvalid)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch size %d", ErrInvalid, c.BatchSize)
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs %d", ErrInvalid, c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate %g", ErrInvalid, c.LearningRate)
	case c.ValidationSplit <= 0 || c.ValidationSplit >= 1:
		return fmt.Errorf("%w: validation split %g must be in (0, 1)", ErrInvalid, c.ValidationSplit)
	case c.EarlyStopPatience < 1 || c.LRPatience < 1:
		return fmt.Errorf("%w: patience values must be >= 1", ErrInvalid)
	case c.LRFactor <= 0 || c.LRFactor >= 1:
		return fmt.Errorf("%w: lr factor %g must be in (0, 1)", ErrInvalid, c.LRFactor)
	case c.MinLR < 0 || c.MinLR > c.LearningRate:
		return fmt.Errorf("%w: min lr %g must be in [0, learning rate]", ErrInvalid, c.MinLR)
	case c.Workers < 1:
		return fmt.Errorf("%w: workers %d", ErrInvalid, c.Workers)
	case c.DropWarnFraction < 0 || c.DropWarnFraction > 1:
		return fmt.Errorf("%w: drop warn fraction %g", ErrInvalid, c.DropWarnFraction)
	}
	for _, y := range c.Years {
		if y <= 0 {
			return fmt.Errorf("%w: year %d", ErrInvalid, y)
		}
	}
	return nil
}

// fileConfig mirrors Config with pointer fields so a YAML file only
// overrides the keys it actually sets.
type fileConfig struct {
	DataRoot          *string  `yaml:"data_root"`
	OutputRoot        *string  `yaml:"output_root"`
	ImageSize         *int     `yaml:"image_size"`
	Years             []int    `yaml:"years"`
	Locations         []string `yaml:"locations"`
	Timepoints        []string `yaml:"timepoints"`
	TimepointPrefix   *string  `yaml:"timepoint_prefix"`
	Architecture      *string  `yaml:"architecture"`
	BatchSize         *int     `yaml:"batch_size"`
	Epochs            *int     `yaml:"epochs"`
	LearningRate      *float64 `yaml:"learning_rate"`
	ValidationSplit   *float64 `yaml:"validation_split"`
	Seed              *int64   `yaml:"seed"`
	EarlyStopPatience *int     `yaml:"early_stop_patience"`
	LRPatience        *int     `yaml:"lr_patience"`
	LRFactor          *float64 `yaml:"lr_factor"`
	MinLR             *float64 `yaml:"min_lr"`
	Workers           *int     `yaml:"workers"`
	DropWarnFraction  *float64 `yaml:"drop_warn_fraction"`
	FeatureCache      *string  `yaml:"feature_cache"`
	Baseline          *bool    `yaml:"baseline"`
	Verbose           *bool    `yaml:"verbose"`
}

// Load resolves defaults, then the YAML file at path (if non-empty), then
// the optional .env file and YIELD_* environment variables. Flags are layered
// on top by the caller. The result is validated.
func Load(path, envFile string, log logrus.FieldLogger) (Config, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = fc.apply(cfg, log)
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	cfg, err := applyEnv(cfg, log)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg Config, log logrus.FieldLogger) Config {
	setString(&cfg.DataRoot, fc.DataRoot)
	setString(&cfg.OutputRoot, fc.OutputRoot)
	setString(&cfg.TimepointPrefix, fc.TimepointPrefix)
	setString(&cfg.FeatureCache, fc.FeatureCache)
	setInt(&cfg.ImageSize, fc.ImageSize)
	setInt(&cfg.BatchSize, fc.BatchSize)
	setInt(&cfg.Epochs, fc.Epochs)
	setInt(&cfg.EarlyStopPatience, fc.EarlyStopPatience)
	setInt(&cfg.LRPatience, fc.LRPatience)
	setInt(&cfg.Workers, fc.Workers)
	setFloat(&cfg.LearningRate, fc.LearningRate)
	setFloat(&cfg.ValidationSplit, fc.ValidationSplit)
	setFloat(&cfg.LRFactor, fc.LRFactor)
	setFloat(&cfg.MinLR, fc.MinLR)
	setFloat(&cfg.DropWarnFraction, fc.DropWarnFraction)
	if fc.Seed != nil {
		cfg.Seed = *fc.Seed
	}
	if fc.Baseline != nil {
		cfg.Baseline = *fc.Baseline
	}
	if fc.Verbose != nil {
		cfg.Verbose = *fc.Verbose
	}
	if fc.Years != nil {
		cfg.Years = uniqueYears(fc.Years)
	}
	if fc.Locations != nil {
		cfg.Locations = dedupe(fc.Locations)
	}
	if fc.Timepoints != nil {
		cfg.Timepoints = dedupe(fc.Timepoints)
	}
	if fc.Architecture != nil {
		cfg.Architecture = resolveArchitecture(*fc.Architecture, log)
	}
	return cfg
}

func applyEnv(cfg Config, log logrus.FieldLogger) (Config, error) {
	var err error
	cfg.DataRoot = getenv("YIELD_DATA_ROOT", cfg.DataRoot)
	cfg.OutputRoot = getenv("YIELD_OUTPUT_ROOT", cfg.OutputRoot)
	cfg.FeatureCache = getenv("YIELD_FEATURE_CACHE", cfg.FeatureCache)
	if v := os.Getenv("YIELD_ARCHITECTURE"); v != "" {
		cfg.Architecture = resolveArchitecture(v, log)
	}
	if v := os.Getenv("YIELD_YEARS"); v != "" {
		if cfg.Years, err = ParseYears(v); err != nil {
			return Config{}, err
		}
	}
	if v := os.Getenv("YIELD_LOCATIONS"); v != "" {
		cfg.Locations = ParseList(v)
	}
	if v := os.Getenv("YIELD_TIMEPOINTS"); v != "" {
		cfg.Timepoints = ParseList(v)
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"YIELD_IMAGE_SIZE", &cfg.ImageSize},
		{"YIELD_BATCH_SIZE", &cfg.BatchSize},
		{"YIELD_EPOCHS", &cfg.Epochs},
		{"YIELD_WORKERS", &cfg.Workers},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, perr := strconv.Atoi(strings.TrimSpace(v))
			if perr != nil {
				return Config{}, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, e.key, v, perr)
			}
			*e.dst = n
		}
	}
	if v := os.Getenv("YIELD_LEARNING_RATE"); v != "" {
		f, perr := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if perr != nil {
			return Config{}, fmt.Errorf("%w: YIELD_LEARNING_RATE=%q: %v", ErrInvalid, v, perr)
		}
		cfg.LearningRate = f
	}
	if v := os.Getenv("YIELD_VERBOSE"); v != "" {
		b, perr := strconv.ParseBool(strings.TrimSpace(v))
		if perr != nil {
			return Config{}, fmt.Errorf("%w: YIELD_VERBOSE=%q: %v", ErrInvalid, v, perr)
		}
		cfg.Verbose = b
	}
	return cfg, nil
}

// resolveArchitecture parses a selector, warning (not failing) on unknown names.
func resolveArchitecture(name string, log logrus.FieldLogger) Architecture {
	arch, err := ParseArchitecture(name)
	if err != nil {
		log.WithError(err).Warn("falling back to default architecture")
	}
	return arch
}

// ParseList splits a comma-separated option, trimming blanks and duplicates.
func ParseList(s string) []string {
	return dedupe(strings.Split(s, ","))
}

// ParseYears parses a comma-separated list of years, dropping repeats.
func ParseYears(s string) ([]int, error) {
	var years []int
	for _, tok := range ParseList(s) {
		y, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("%w: year %q", ErrInvalid, tok)
		}
		years = append(years, y)
	}
	return uniqueYears(years), nil
}

// uniqueYears keeps the first occurrence of each year.
func uniqueYears(in []int) []int {
	out := make([]int, 0, len(in))
	seen := make(map[int]bool, len(in))
	for _, y := range in {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	return out
}

// Save writes the resolved configuration as YAML, for the run directory snapshot.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
