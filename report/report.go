// Package report writes the artifacts of a run: CSV tables, the metrics
// summary and plots.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/Noofbiz/cropYield/matcher"
	"github.com/Noofbiz/cropYield/training"
)

// Artifact file names inside a run directory.
const (
	MappingFile     = "mapping.csv"
	PredictionsFile = "predictions.csv"
	MetricsFile     = "metrics.txt"
	ScalerFile      = "scaler.json"
	ConfigFile      = "config.yaml"
	CurvesPlot      = "training_curves.png"
	ScatterPlot     = "predicted_vs_actual.png"
	ResidualsPlot   = "residuals.png"
)

// Summary is the persisted outcome of one run.
type Summary struct {
	RunID        string
	RunDir       string
	Architecture string

	Records        int
	Attempts       int
	Matches        int
	RowsMatched    int
	DuplicateRows  int
	MatchRate      float64
	Decoded        int
	DroppedDecode  int
	DroppedIndices int
	Train          int
	Val            int

	StopState   string
	BestEpoch   int
	BestValLoss float64
	Epochs      int

	CNN      training.Metrics
	Baseline *training.Metrics
}

type mappingRow struct {
	Path         string  `csv:"path"`
	Location     string  `csv:"location"`
	Timepoint    string  `csv:"timepoint"`
	Year         int     `csv:"year"`
	Range        int     `csv:"range"`
	Row          int     `csv:"row"`
	Hybrid       string  `csv:"hybrid"`
	YieldPerAcre float64 `csv:"yieldPerAcre"`
}

type predictionRow struct {
	Actual        float64 `csv:"actual"`
	Predicted     float64 `csv:"predicted"`
	AbsoluteError float64 `csv:"absolute_error"`
	RelativeError string  `csv:"relative_error_pct"`
}

// WriteMapping writes one row per matched image.
func WriteMapping(path string, matches []matcher.Match) error {
	rows := make([]*mappingRow, len(matches))
	for i, m := range matches {
		r := m.Record
		rows[i] = &mappingRow{
			Path:         m.Path,
			Location:     r.Location,
			Timepoint:    m.Timepoint,
			Year:         r.Year,
			Range:        r.Range,
			Row:          r.Row,
			Hybrid:       r.Hybrid,
			YieldPerAcre: r.YieldPerAcre,
		}
	}
	return writeCSV(path, &rows)
}

// WritePredictions writes the per-sample evaluation table.
func WritePredictions(path string, results []training.Result) error {
	rows := make([]*predictionRow, len(results))
	for i, r := range results {
		rows[i] = &predictionRow{
			Actual:        r.Actual,
			Predicted:     r.Predicted,
			AbsoluteError: r.AbsError,
			RelativeError: r.RelError(),
		}
	}
	return writeCSV(path, &rows)
}

func writeCSV(path string, rows any) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV %s: %w", path, err)
	}
	defer f.Close()
	if err := gocsv.MarshalFile(rows, f); err != nil {
		return fmt.Errorf("failed to write CSV %s: %w", path, err)
	}
	return f.Close()
}

// Text renders the summary as the human-readable metrics report.
func (s *Summary) Text() string {
	var b strings.Builder
	line := func(k string, v any) { fmt.Fprintf(&b, "%-22s %v\n", k+":", v) }

	line("run", s.RunID)
	line("architecture", s.Architecture)
	b.WriteString("\n[data]\n")
	line("ground truth records", s.Records)
	line("match attempts", s.Attempts)
	line("matched images", s.Matches)
	line("rows matched", s.RowsMatched)
	line("duplicate rows", s.DuplicateRows)
	line("match rate", fmt.Sprintf("%.2f%%", s.MatchRate*100))
	line("decoded samples", s.Decoded)
	line("dropped (decode)", s.DroppedDecode)
	line("dropped (indices)", s.DroppedIndices)
	line("train samples", s.Train)
	line("validation samples", s.Val)

	b.WriteString("\n[training]\n")
	line("stop state", s.StopState)
	line("epochs run", s.Epochs)
	line("best epoch", s.BestEpoch)
	line("best val loss", strconv.FormatFloat(s.BestValLoss, 'f', 6, 64))

	writeMetrics(&b, "cnn", s.CNN)
	if s.Baseline != nil {
		writeMetrics(&b, "baseline", *s.Baseline)
	}
	return b.String()
}

func writeMetrics(b *strings.Builder, name string, m training.Metrics) {
	fmt.Fprintf(b, "\n[%s]\n", name)
	fmt.Fprintf(b, "%-22s %.4f\n", "mse:", m.MSE)
	fmt.Fprintf(b, "%-22s %.4f\n", "rmse:", m.RMSE)
	fmt.Fprintf(b, "%-22s %.4f\n", "mae:", m.MAE)
	fmt.Fprintf(b, "%-22s %.4f\n", "r2:", m.R2)
}

// WriteMetrics persists the summary text.
func WriteMetrics(path string, s *Summary) error {
	if err := os.WriteFile(path, []byte(s.Text()), 0644); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
