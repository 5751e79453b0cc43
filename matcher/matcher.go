// Package matcher links ground-truth rows to plot images by file name.
//
// Images follow the convention
//
//	{imageRoot}/{location}/{timepoint}/{location}-{timepoint}-hybrids_{range}_{row}.tif
//
// where the extension is matched case-insensitively and imageRoot is
// {root}/{year}/Satellite when that per-year tree exists, else {root}/Satellite.
package matcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Noofbiz/cropYield/groundtruth"

	"github.com/sirupsen/logrus"
)

// Match associates one image with the ground-truth row it depicts.
type Match struct {
	Path      string
	Timepoint string
	Record    groundtruth.Record
}

// Result is the ordered outcome of a matching pass.
type Result struct {
	// Matches are ordered by record, then by time point.
	Matches []Match

	Rows            int // records considered
	RowsMatched     int // records with at least one image
	RowsWithoutYear int // records skipped because they carry no year
	DuplicateRows   int // records skipped because an earlier record has the same PlotKey
	Attempts        int // (record, time point) pairs probed
	Found           int // pairs with an image on disk
}

// Rate is Found / Attempts, or 0 when nothing was probed.
func (r Result) Rate() float64 {
	if r.Attempts == 0 {
		return 0
	}
	return float64(r.Found) / float64(r.Attempts)
}

// Matcher resolves images for ground-truth rows. It memoizes directory
// listings, so one Matcher should serve a single pass over a static tree.
type Matcher struct {
	Root string
	// Prefix keeps only time-point directories starting with it (e.g. "TP").
	Prefix string
	// Timepoints, when non-empty, restricts discovered time points to this set.
	Timepoints []string
	Log        logrus.FieldLogger

	timepoints map[string][]string          // location dir -> sorted time points
	files      map[string]map[string]string // time-point dir -> lower(name) -> name
	roots      map[int]string
}

// New creates a Matcher for the given data root.
func New(root, prefix string, timepoints []string, log logrus.FieldLogger) *Matcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Matcher{Root: root, Prefix: prefix, Timepoints: timepoints, Log: log}
}

// FileStem builds the canonical image name without extension.
func FileStem(location, timepoint string, rng, row int) string {
	return fmt.Sprintf("%s-%s-hybrids_%d_%d", location, timepoint, rng, row)
}

// Match probes every (record, time point) pair and returns the found images.
func (m *Matcher) Match(records []groundtruth.Record) Result {
	m.reset()
	res := Result{Rows: len(records)}
	warned := make(map[string]bool)
	seen := make(map[groundtruth.PlotKey]bool, len(records))

	for _, rec := range records {
		if rec.Year == 0 {
			res.RowsWithoutYear++
			continue
		}
		// a plot resolves to at most one image per time point; the first row wins
		key := rec.Key()
		if seen[key] {
			res.DuplicateRows++
			m.Log.WithFields(logrus.Fields{"plot": key.String(), "yield": rec.YieldPerAcre}).Debug("duplicate ground truth row skipped")
			continue
		}
		seen[key] = true
		locDir := filepath.Join(m.imageRoot(rec.Year), rec.Location)
		tps, err := m.listTimepoints(locDir)
		if err != nil && !warned[locDir] {
			warned[locDir] = true
			m.Log.WithField("dir", locDir).WithError(err).Warn("no imagery for location")
		}

		matched := false
		for _, tp := range tps {
			res.Attempts++
			path, ok := m.lookup(filepath.Join(locDir, tp), FileStem(rec.Location, tp, rec.Range, rec.Row))
			if !ok {
				continue
			}
			res.Found++
			matched = true
			res.Matches = append(res.Matches, Match{Path: path, Timepoint: tp, Record: rec})
		}
		if matched {
			res.RowsMatched++
		}
	}

	m.Log.WithFields(logrus.Fields{
		"rows":              res.Rows,
		"rows_matched":      res.RowsMatched,
		"rows_without_year": res.RowsWithoutYear,
		"duplicate_rows":    res.DuplicateRows,
		"attempts":          res.Attempts,
		"found":             res.Found,
		"match_rate":        fmt.Sprintf("%.1f%%", res.Rate()*100),
	}).Info("plot images matched")
	if res.DuplicateRows > 0 {
		m.Log.WithField("rows", res.DuplicateRows).Warn("ground truth rows share a plot key; kept the first of each")
	}
	if res.Attempts > 0 && res.Found == 0 {
		m.Log.WithField("root", m.Root).Warn("no images matched; check the naming convention and data root")
	}
	return res
}

func (m *Matcher) reset() {
	m.timepoints = make(map[string][]string)
	m.files = make(map[string]map[string]string)
	m.roots = make(map[int]string)
}

// imageRoot prefers a per-year Satellite tree and falls back to the shared one.
func (m *Matcher) imageRoot(year int) string {
	if r, ok := m.roots[year]; ok {
		return r
	}
	root := filepath.Join(m.Root, "Satellite")
	perYear := filepath.Join(m.Root, strconv.Itoa(year), "Satellite")
	if info, err := os.Stat(perYear); err == nil && info.IsDir() {
		root = perYear
	}
	m.roots[year] = root
	return root
}

// listTimepoints returns the time-point directories of a location, filtered
// by prefix and allow-list, in natural order.
func (m *Matcher) listTimepoints(locDir string) ([]string, error) {
	if tps, ok := m.timepoints[locDir]; ok {
		return tps, nil
	}
	entries, err := os.ReadDir(locDir)
	if err != nil {
		m.timepoints[locDir] = nil
		return nil, err
	}
	allowed := make(map[string]bool, len(m.Timepoints))
	for _, tp := range m.Timepoints {
		allowed[tp] = true
	}
	var tps []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), m.Prefix) {
			continue
		}
		if len(allowed) > 0 && !allowed[e.Name()] {
			continue
		}
		tps = append(tps, e.Name())
	}
	SortTimepoints(tps)
	m.timepoints[locDir] = tps
	return tps, nil
}

// lookup finds stem.tif in dir; .tif, .TIF and other casings of the
// extension are accepted.
func (m *Matcher) lookup(dir, stem string) (string, bool) {
	names, ok := m.files[dir]
	if !ok {
		names = make(map[string]string)
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				if e.Type().IsRegular() {
					names[strings.ToLower(e.Name())] = e.Name()
				}
			}
		}
		m.files[dir] = names
	}
	name, ok := names[strings.ToLower(stem+".tif")]
	// the stem itself must match exactly; only the extension is case-insensitive
	if ok && strings.HasPrefix(name, stem) {
		return filepath.Join(dir, name), true
	}
	return "", false
}

// SortTimepoints orders names like TP1, TP2, TP10 by their numeric suffix,
// falling back to lexical order.
func SortTimepoints(tps []string) {
	sort.SliceStable(tps, func(i, j int) bool {
		pi, ni, oki := splitNumeric(tps[i])
		pj, nj, okj := splitNumeric(tps[j])
		if oki && okj && pi == pj && ni != nj {
			return ni < nj
		}
		return tps[i] < tps[j]
	})
}

func splitNumeric(s string) (string, int, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return s, 0, false
	}
	return s[:i], n, true
}
