// Package pipeline runs one complete training and evaluation pass.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/cropYield/baseline"
	"github.com/Noofbiz/cropYield/cnn"
	"github.com/Noofbiz/cropYield/config"
	"github.com/Noofbiz/cropYield/datasets"
	"github.com/Noofbiz/cropYield/groundtruth"
	"github.com/Noofbiz/cropYield/matcher"
	"github.com/Noofbiz/cropYield/raster"
	"github.com/Noofbiz/cropYield/report"
	"github.com/Noofbiz/cropYield/training"
)

// Runner executes the stages for one configuration.
type Runner struct {
	Config config.Config
	Log    logrus.FieldLogger
	// Decoder defaults to a raster.Decoder at Config.ImageSize.
	Decoder datasets.Decoder
	// Now defaults to time.Now; it names the run directory.
	Now func() time.Time
}

// Run is shorthand for a Runner with default decoder and clock.
func Run(cfg config.Config, log logrus.FieldLogger) (*report.Summary, error) {
	r := &Runner{Config: cfg, Log: log}
	return r.Run()
}

// NewRunDir creates {root}/run_{YYYYMMDD_HHMMSS}_{id} with an 8-character
// random id and returns its path and name.
func NewRunDir(root string, now time.Time) (string, string, error) {
	id := uuid.New().String()[:8]
	name := fmt.Sprintf("run_%s_%s", now.Format("20060102_150405"), id)
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("create run directory %s: %w", dir, err)
	}
	return dir, name, nil
}

// Run executes every stage and writes the run artifacts.
func (r *Runner) Run() (*report.Summary, error) {
	cfg := r.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}

	dir, runID, err := NewRunDir(cfg.OutputRoot, now())
	if err != nil {
		return nil, err
	}
	log = log.WithField("run", runID)
	log.WithField("dir", dir).Info("run started")
	if err := cfg.Save(filepath.Join(dir, report.ConfigFile)); err != nil {
		return nil, err
	}
	sum := &report.Summary{RunID: runID, RunDir: dir, Architecture: cfg.Architecture.String()}

	// ground truth
	records, _, err := groundtruth.Load(cfg.DataRoot, cfg.Years, cfg.Locations, log)
	if err != nil {
		return nil, err
	}
	sum.Records = len(records)

	// matching
	res := matcher.New(cfg.DataRoot, cfg.TimepointPrefix, cfg.Timepoints, log).Match(records)
	sum.Attempts, sum.Matches, sum.RowsMatched, sum.MatchRate = res.Attempts, len(res.Matches), res.RowsMatched, res.Rate()
	sum.DuplicateRows = res.DuplicateRows
	if err := report.WriteMapping(filepath.Join(dir, report.MappingFile), res.Matches); err != nil {
		return nil, err
	}

	// decoding
	dec := r.Decoder
	if dec == nil {
		dec = raster.NewDecoder(cfg.ImageSize, log)
	}
	asm := &datasets.Assembler{
		Decoder:          dec,
		Workers:          cfg.Workers,
		DropWarnFraction: cfg.DropWarnFraction,
		Progress:         cfg.Verbose,
		Log:              log,
	}
	data, err := asm.AssembleCached(res.Matches, cfg.FeatureCache, cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	sum.Decoded, sum.DroppedDecode, sum.DroppedIndices = data.Len(), data.Drops.Decode, data.Drops.Indices

	split, err := datasets.NewSplit(data, cfg.ValidationSplit, cfg.Seed)
	if err != nil {
		return nil, err
	}
	sum.Train, sum.Val = len(split.Train), len(split.Val)
	if err := split.Scaler.Save(filepath.Join(dir, report.ScalerFile)); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"records": humanize.Comma(int64(sum.Records)),
		"matched": humanize.Comma(int64(sum.Matches)),
		"decoded": humanize.Comma(int64(sum.Decoded)),
		"dropped": humanize.Comma(int64(data.Drops.Total())),
		"train":   sum.Train,
		"val":     sum.Val,
	}).Info("dataset ready")

	// model
	model, err := cnn.Build(split.H, split.W, split.C, cfg.Architecture, cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	trainer, err := training.New(model, training.Options{
		Epochs:            cfg.Epochs,
		BatchSize:         cfg.BatchSize,
		EarlyStopPatience: cfg.EarlyStopPatience,
		LRPatience:        cfg.LRPatience,
		LRFactor:          cfg.LRFactor,
		MinLR:             cfg.MinLR,
		Seed:              cfg.Seed,
		CheckpointDir:     filepath.Join(dir, "checkpoints"),
	}, log)
	if err != nil {
		return nil, err
	}
	outcome, err := trainer.Fit(split)
	if err != nil {
		return nil, err
	}
	sum.StopState, sum.BestEpoch, sum.BestValLoss, sum.Epochs = outcome.State.String(), outcome.BestEpoch, outcome.BestValLoss, len(outcome.History)

	metrics, results, err := trainer.Evaluate(split)
	if err != nil {
		return nil, err
	}
	sum.CNN = metrics
	log.WithField("metrics", metrics.String()).Info("cnn evaluated")

	if cfg.Baseline {
		bm, err := runBaseline(split, cfg.Seed, log)
		if err != nil {
			log.WithError(err).Warn("baseline failed")
		} else {
			sum.Baseline = &bm
			log.WithField("metrics", bm.String()).Info("baseline evaluated")
		}
	}

	// artifacts
	if err := report.WritePredictions(filepath.Join(dir, report.PredictionsFile), results); err != nil {
		return nil, err
	}
	plots := map[string]func() error{
		report.CurvesPlot:    func() error { return report.TrainingCurves(filepath.Join(dir, report.CurvesPlot), outcome.History) },
		report.ScatterPlot:   func() error { return report.PredictedVsActual(filepath.Join(dir, report.ScatterPlot), results) },
		report.ResidualsPlot: func() error { return report.Residuals(filepath.Join(dir, report.ResidualsPlot), results) },
	}
	for _, name := range []string{report.CurvesPlot, report.ScatterPlot, report.ResidualsPlot} {
		if err := plots[name](); err != nil {
			log.WithField("plot", name).WithError(err).Warn("could not write plot")
		}
	}
	if err := report.WriteMetrics(filepath.Join(dir, report.MetricsFile), sum); err != nil {
		return nil, err
	}
	log.WithField("dir", dir).Info("run finished")
	return sum, nil
}

func runBaseline(split *datasets.Split, seed int64, log logrus.FieldLogger) (training.Metrics, error) {
	reg, err := baseline.Train(split.TrainFeatures(), split.Scaler.TransformAll(split.TrainTargets()), split.C, baseline.Config{Seed: seed}, log)
	if err != nil {
		return training.Metrics{}, err
	}
	m, _, err := training.Evaluate(reg, split.ValFeatures(), split.ValTargets(), split.Scaler)
	return m, err
}
