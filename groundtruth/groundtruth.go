// Package groundtruth loads field-trial yield records.
//
// Each requested year has one or more CSV files under {root}/GroundTruth whose
// name contains the year as its only four-digit number (e.g.
// "2023_hybrid_yield.csv"). Rows are tagged with
// the year of the file they came from, concatenated in (year, file, row)
// order, filtered by location and stripped of rows without a usable yield.
package groundtruth

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/sirupsen/logrus"
)

// ErrNoSourceFiles means the dataset root holds no ground-truth CSV for any
// requested year. It indicates a misconfigured root and is not retried.
var ErrNoSourceFiles = errors.New("no ground-truth files found")

// requiredColumns must appear in every file header.
var requiredColumns = []string{
	"field", "range", "row", "plantingDate", "totalStandCount",
	"daysToAnthesis", "GDDToAnthesis", "yieldPerAcre",
}

// Record is one plot's measurements for one season.
type Record struct {
	Location     string
	Range        int
	Row          int
	Hybrid       string
	PlantingDate string
	// Optional agronomic measurements; nil when the cell is empty.
	TotalStandCount *float64
	DaysToAnthesis  *float64
	GDDToAnthesis   *float64
	YieldPerAcre    float64
	Year            int
}

// Key returns the join key used to find the plot's imagery.
func (r Record) Key() PlotKey {
	return PlotKey{Location: r.Location, Range: r.Range, Row: r.Row, Year: r.Year}
}

// PlotKey identifies a plot in a given season.
type PlotKey struct {
	Location string
	Range    int
	Row      int
	Year     int
}

func (k PlotKey) String() string {
	return fmt.Sprintf("%s/%d/r%d_%d", k.Location, k.Year, k.Range, k.Row)
}

// Stats are the row counts reported after loading.
type Stats struct {
	Files            int
	Loaded           int
	LocationFiltered int
	MissingYield     int
	Malformed        int
	Kept             int
}

// csvRow is the on-disk schema. Every cell is read as text so empty and
// "NA" cells can be told apart from zeros.
type csvRow struct {
	Field           string `csv:"field"`
	Range           string `csv:"range"`
	Row             string `csv:"row"`
	Hybrid          string `csv:"hybrid"`
	PlantingDate    string `csv:"plantingDate"`
	TotalStandCount string `csv:"totalStandCount"`
	DaysToAnthesis  string `csv:"daysToAnthesis"`
	GDDToAnthesis   string `csv:"GDDToAnthesis"`
	YieldPerAcre    string `csv:"yieldPerAcre"`
}

// Loader reads ground truth for a fixed set of years and locations.
type Loader struct {
	Root      string
	Years     []int
	Locations []string // empty keeps every location
	Log       logrus.FieldLogger
}

// Load is a convenience wrapper around Loader.
func Load(root string, years []int, locations []string, log logrus.FieldLogger) ([]Record, Stats, error) {
	l := Loader{Root: root, Years: years, Locations: locations, Log: log}
	return l.Load()
}

// SourceFiles lists the CSV files for each requested year, sorted by name.
// A file belongs to a year when its name carries exactly one four-digit
// number and that number is the year; names mentioning several years are
// skipped with a warning so their rows cannot load twice.
func (l Loader) SourceFiles() (map[int][]string, int, error) {
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	dir := filepath.Join(l.Root, "GroundTruth")
	pattern := filepath.Join(dir, "*.csv")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	sort.Strings(paths)

	byYear := make(map[int][]string, len(l.Years))
	for _, y := range l.Years {
		byYear[y] = nil
	}
	total := 0
	for _, path := range paths {
		ys := fileYears(path)
		if len(ys) > 1 {
			for _, y := range ys {
				if _, ok := byYear[y]; ok {
					log.WithFields(logrus.Fields{"file": filepath.Base(path), "years": ys}).Warn("skipping ground-truth file naming several years")
					break
				}
			}
			continue
		}
		if len(ys) == 1 {
			if _, ok := byYear[ys[0]]; ok {
				byYear[ys[0]] = append(byYear[ys[0]], path)
				total++
			}
		}
	}
	return byYear, total, nil
}

var digitRun = regexp.MustCompile(`[0-9]+`)

// fileYears returns the distinct four-digit numbers in a file's base name,
// in order of appearance.
func fileYears(path string) []int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var ys []int
	for _, tok := range digitRun.FindAllString(base, -1) {
		if len(tok) != 4 {
			continue
		}
		y, _ := strconv.Atoi(tok)
		if !slices.Contains(ys, y) {
			ys = append(ys, y)
		}
	}
	return ys
}

// Load reads, tags, filters and returns the records in deterministic order.
func (l Loader) Load() ([]Record, Stats, error) {
	log := l.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	var stats Stats

	byYear, total, err := l.SourceFiles()
	if err != nil {
		return nil, stats, err
	}
	if total == 0 {
		return nil, stats, fmt.Errorf("%w under %s for years %v", ErrNoSourceFiles, filepath.Join(l.Root, "GroundTruth"), l.Years)
	}
	stats.Files = total

	wanted := make(map[string]bool, len(l.Locations))
	for _, loc := range l.Locations {
		wanted[strings.TrimSpace(loc)] = true
	}

	years := slices.Compact(slices.Sorted(slices.Values(l.Years)))

	var records []Record
	for _, year := range years {
		for _, path := range byYear[year] {
			rows, err := readFile(path)
			if err != nil {
				return nil, stats, err
			}
			log.WithFields(logrus.Fields{"file": filepath.Base(path), "year": year, "rows": len(rows)}).Debug("read ground-truth file")
			for i, raw := range rows {
				stats.Loaded++
				if len(wanted) > 0 && !wanted[strings.TrimSpace(raw.Field)] {
					stats.LocationFiltered++
					continue
				}
				rec, err := raw.record(year)
				switch {
				case errors.Is(err, errMissingYield):
					stats.MissingYield++
					continue
				case err != nil:
					stats.Malformed++
					log.WithFields(logrus.Fields{"file": filepath.Base(path), "line": i + 2}).WithError(err).Warn("skipping malformed ground-truth row")
					continue
				}
				records = append(records, rec)
			}
		}
	}
	stats.Kept = len(records)

	log.WithFields(logrus.Fields{
		"files":             stats.Files,
		"loaded":            stats.Loaded,
		"location_filtered": stats.LocationFiltered,
		"missing_yield":     stats.MissingYield,
		"malformed":         stats.Malformed,
		"kept":              stats.Kept,
	}).Info("ground truth loaded")
	return records, stats, nil
}

// readFile validates the header and unmarshals every row.
func readFile(path string) ([]*csvRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV %s: %w", path, err)
	}
	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[strings.TrimSpace(col)] = true
	}
	for _, col := range requiredColumns {
		if !present[col] {
			return nil, fmt.Errorf("required column %q not found in %s", col, path)
		}
	}

	var rows []*csvRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return rows, nil
}

var errMissingYield = errors.New("missing yield")

func (r *csvRow) record(year int) (Record, error) {
	yield, ok, err := parseOptional(r.YieldPerAcre)
	if err != nil {
		return Record{}, fmt.Errorf("yieldPerAcre: %w", err)
	}
	if !ok {
		return Record{}, errMissingYield
	}
	rng, err := parseIndex(r.Range)
	if err != nil {
		return Record{}, fmt.Errorf("range: %w", err)
	}
	row, err := parseIndex(r.Row)
	if err != nil {
		return Record{}, fmt.Errorf("row: %w", err)
	}
	loc := strings.TrimSpace(r.Field)
	if loc == "" {
		return Record{}, errors.New("field: empty location")
	}
	rec := Record{
		Location:     loc,
		Range:        rng,
		Row:          row,
		Hybrid:       strings.TrimSpace(r.Hybrid),
		PlantingDate: strings.TrimSpace(r.PlantingDate),
		YieldPerAcre: *yield,
		Year:         year,
	}
	if rec.TotalStandCount, _, err = parseOptional(r.TotalStandCount); err != nil {
		return Record{}, fmt.Errorf("totalStandCount: %w", err)
	}
	if rec.DaysToAnthesis, _, err = parseOptional(r.DaysToAnthesis); err != nil {
		return Record{}, fmt.Errorf("daysToAnthesis: %w", err)
	}
	if rec.GDDToAnthesis, _, err = parseOptional(r.GDDToAnthesis); err != nil {
		return Record{}, fmt.Errorf("GDDToAnthesis: %w", err)
	}
	return rec, nil
}

// parseOptional treats "", "NA", "NaN" and "null" as absent.
func parseOptional(s string) (*float64, bool, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null", "none":
		return nil, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false, nil
	}
	return &v, true, nil
}

// parseIndex accepts "7" and "7.0" but not "7.5".
func parseIndex(s string) (int, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not a whole number", s)
	}
	return int(f), nil
}
