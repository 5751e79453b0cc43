package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestParseArchitecture(t *testing.T) {
	cases := map[string]Architecture{
		"simple":          ArchSimple,
		"Standard":        ArchStandard,
		" resnet ":        ArchResNet,
		"inception-style": ArchInception,
		"":                ArchStandard,
	}
	for name, want := range cases {
		got, err := ParseArchitecture(name)
		if err != nil {
			t.Fatalf("ParseArchitecture(%q) unexpected error: %v", name, err)
		}
		if got != want {
			t.Fatalf("ParseArchitecture(%q) = %s, want %s", name, got, want)
		}
	}
}

// TestParseArchitecture_UnknownFallsBack documents the unknown-selector
// contract: the default variant is returned together with an error.
func TestParseArchitecture_UnknownFallsBack(t *testing.T) {
	got, err := ParseArchitecture("vgg16")
	if !errors.Is(err, ErrUnknownArchitecture) {
		t.Fatalf("expected ErrUnknownArchitecture, got %v", err)
	}
	if got != ArchStandard {
		t.Fatalf("expected fallback to standard, got %s", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	mutations := map[string]func(*Config){
		"empty root":     func(c *Config) { c.DataRoot = " " },
		"tiny image":     func(c *Config) { c.ImageSize = 2 },
		"no years":       func(c *Config) { c.Years = nil },
		"split at one":   func(c *Config) { c.ValidationSplit = 1 },
		"zero lr":        func(c *Config) { c.LearningRate = 0 },
		"factor above 1": func(c *Config) { c.LRFactor = 1.5 },
		"min lr above":   func(c *Config) { c.MinLR = 1 },
		"zero workers":   func(c *Config) { c.Workers = 0 },
		"negative year":  func(c *Config) { c.Years = []int{-1} },
	}
	for name, mutate := range mutations {
		c := Default()
		mutate(&c)
		if err := c.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "run.yaml")
	yml := "data_root: /srv/trials\n" +
		"image_size: 64\n" +
		"architecture: resnet\n" +
		"locations: [Lincoln, Ames, Lincoln]\n" +
		"years: [2023, 2022, 2023]\n" +
		"epochs: 5\n"
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("YIELD_EPOCHS", "7")
	t.Setenv("YIELD_TIMEPOINTS", "TP1, TP3")

	cfg, err := Load(path, "", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataRoot != "/srv/trials" || cfg.ImageSize != 64 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Architecture != ArchResNet {
		t.Fatalf("architecture = %s, want resnet", cfg.Architecture)
	}
	if !reflect.DeepEqual(cfg.Locations, []string{"Lincoln", "Ames"}) {
		t.Fatalf("locations not deduped: %v", cfg.Locations)
	}
	if !reflect.DeepEqual(cfg.Years, []int{2023, 2022}) {
		t.Fatalf("years not deduped: %v", cfg.Years)
	}
	if cfg.Epochs != 7 {
		t.Fatalf("env should override yaml epochs, got %d", cfg.Epochs)
	}
	if !reflect.DeepEqual(cfg.Timepoints, []string{"TP1", "TP3"}) {
		t.Fatalf("timepoints = %v", cfg.Timepoints)
	}
	// untouched keys keep their defaults
	if cfg.BatchSize != Default().BatchSize {
		t.Fatalf("batch size changed unexpectedly: %d", cfg.BatchSize)
	}
}

func TestLoadUnknownArchitectureWarns(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "run.yaml")
	if err := os.WriteFile(path, []byte("architecture: transformer\n"), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	logger, hook := test.NewNullLogger()

	cfg, err := Load(path, "", logger)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Architecture != ArchStandard {
		t.Fatalf("expected standard fallback, got %s", cfg.Architecture)
	}
	if hook.LastEntry() == nil || hook.LastEntry().Level != logrus.WarnLevel {
		t.Fatalf("expected a warning to be logged, got %+v", hook.AllEntries())
	}
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env"), nil); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestParseYears(t *testing.T) {
	years, err := ParseYears("2023, 2022,2023")
	if err != nil {
		t.Fatalf("ParseYears: %v", err)
	}
	if !reflect.DeepEqual(years, []int{2023, 2022}) {
		t.Fatalf("years = %v", years)
	}
	if _, err := ParseYears("twenty"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestSaveRoundTripsArchitectureName(t *testing.T) {
	c := Default()
	c.Architecture = ArchInception
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := c.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path, "", nil)
	if err != nil {
		t.Fatalf("Load saved config: %v", err)
	}
	if loaded.Architecture != ArchInception {
		t.Fatalf("architecture = %s after reload", loaded.Architecture)
	}
}
