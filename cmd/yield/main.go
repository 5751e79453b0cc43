package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Noofbiz/cropYield/config"
	"github.com/Noofbiz/cropYield/pipeline"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file with YIELD_* overrides; ignored when missing")

	dataRoot := flag.String("data-root", "", "directory containing Satellite/ and GroundTruth/")
	outputRoot := flag.String("output", "", "directory that receives one folder per run")
	arch := flag.String("arch", "", "model architecture: simple, standard, resnet or inception")
	epochs := flag.Int("epochs", 0, "maximum number of training epochs")
	batchSize := flag.Int("batch-size", 0, "training batch size")
	imageSize := flag.Int("image-size", 0, "square resolution every raster is resized to")
	years := flag.String("years", "", "comma-separated ground truth years, e.g. 2022,2023")
	locations := flag.String("locations", "", "comma-separated locations to keep (empty = all)")
	timepoints := flag.String("timepoints", "", "comma-separated time points to match (empty = all)")
	prefix := flag.String("timepoint-prefix", "", "prefix time-point directories must carry")
	workers := flag.Int("workers", 0, "concurrent raster decodes")
	lr := flag.Float64("lr", 0, "initial learning rate")
	valSplit := flag.Float64("val-split", 0, "fraction of samples held out for validation")
	seed := flag.Int64("seed", 0, "random seed for the split, shuffles and weight init")
	cache := flag.String("feature-cache", "", "gob file caching decoded rasters between runs")
	noBaseline := flag.Bool("no-baseline", false, "skip the spectral-summary baseline")
	verbose := flag.Bool("verbose", false, "debug logging and a decode progress bar")
	printConfig := flag.Bool("print-effective-config", false, "print the merged configuration and exit")

	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath, *envFile, log)
	if err != nil {
		log.WithError(err).Fatal("could not load configuration")
	}

	// Only flags given on the command line override the file and environment.
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-root":
			cfg.DataRoot = *dataRoot
		case "output":
			cfg.OutputRoot = *outputRoot
		case "arch":
			a, err := config.ParseArchitecture(*arch)
			if err != nil {
				log.WithError(err).Warn("falling back to default architecture")
			}
			cfg.Architecture = a
		case "epochs":
			cfg.Epochs = *epochs
		case "batch-size":
			cfg.BatchSize = *batchSize
		case "image-size":
			cfg.ImageSize = *imageSize
		case "years":
			ys, err := config.ParseYears(*years)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Years = ys
		case "locations":
			cfg.Locations = config.ParseList(*locations)
		case "timepoints":
			cfg.Timepoints = config.ParseList(*timepoints)
		case "timepoint-prefix":
			cfg.TimepointPrefix = *prefix
		case "workers":
			cfg.Workers = *workers
		case "lr":
			cfg.LearningRate = *lr
		case "val-split":
			cfg.ValidationSplit = *valSplit
		case "seed":
			cfg.Seed = *seed
		case "feature-cache":
			cfg.FeatureCache = *cache
		case "no-baseline":
			cfg.Baseline = !*noBaseline
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
	if flagErr != nil {
		log.WithError(flagErr).Fatal("invalid flag")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.WithError(err).Fatal("could not render configuration")
		}
		fmt.Print(string(out))
		os.Exit(0)
	}

	summary, err := pipeline.Run(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("run failed")
	}
	fmt.Print(summary.Text())
}
