package matcher

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/Noofbiz/cropYield/groundtruth"
)

// touch creates an empty file, making parent directories as needed.
func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func lincoln() groundtruth.Record {
	return groundtruth.Record{Location: "Lincoln", Range: 2, Row: 2, YieldPerAcre: 180.5, Year: 2023}
}

func TestMatch_SingleTimepoint(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP1", "Lincoln-TP1-hybrids_2_2.TIF"))

	res := New(root, "TP", nil, nil).Match([]groundtruth.Record{lincoln()})
	if len(res.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(res.Matches))
	}
	m := res.Matches[0]
	if m.Timepoint != "TP1" || m.Record.YieldPerAcre != 180.5 {
		t.Fatalf("unexpected match %+v", m)
	}
	if filepath.Base(m.Path) != "Lincoln-TP1-hybrids_2_2.TIF" {
		t.Fatalf("path should keep on-disk case, got %s", m.Path)
	}
	if res.Attempts != 1 || res.Found != 1 || res.RowsMatched != 1 || res.Rate() != 1 {
		t.Fatalf("unexpected result counts %+v", res)
	}
}

func TestMatch_AbsentFile(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP1", "Lincoln-TP1-hybrids_9_9.tif"))

	res := New(root, "TP", nil, nil).Match([]groundtruth.Record{lincoln()})
	if len(res.Matches) != 0 || res.Found != 0 {
		t.Fatalf("expected no matches, got %+v", res)
	}
	if res.Attempts != 1 || res.Rate() != 0 {
		t.Fatalf("expected one attempt at rate 0, got %+v", res)
	}
}

func TestMatch_NoAttemptsRateIsZero(t *testing.T) {
	res := New(t.TempDir(), "TP", nil, nil).Match([]groundtruth.Record{lincoln()})
	if res.Attempts != 0 || res.Rate() != 0 {
		t.Fatalf("expected zero attempts and rate, got %+v", res)
	}
}

func TestMatch_DeterministicOrder(t *testing.T) {
	root := t.TempDir()
	sat := filepath.Join(root, "Satellite")
	for _, tp := range []string{"TP10", "TP2", "TP1"} {
		touch(t, filepath.Join(sat, "Lincoln", tp, FileStem("Lincoln", tp, 2, 2)+".tif"))
		touch(t, filepath.Join(sat, "Lincoln", tp, FileStem("Lincoln", tp, 1, 4)+".tif"))
	}
	// not a time point
	touch(t, filepath.Join(sat, "Lincoln", "notes", FileStem("Lincoln", "notes", 2, 2)+".tif"))

	records := []groundtruth.Record{
		lincoln(),
		{Location: "Lincoln", Range: 1, Row: 4, YieldPerAcre: 150, Year: 2023},
		{Location: "Lincoln", Range: 3, Row: 3, YieldPerAcre: 140, Year: 2023},
	}

	first := New(root, "TP", nil, nil).Match(records)
	second := New(root, "TP", nil, nil).Match(records)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("matching is not deterministic:\n%+v\n%+v", first, second)
	}

	var got []string
	for _, m := range first.Matches {
		got = append(got, m.Record.Key().String()+"@"+m.Timepoint)
	}
	want := []string{
		"Lincoln/2023/r2_2@TP1", "Lincoln/2023/r2_2@TP2", "Lincoln/2023/r2_2@TP10",
		"Lincoln/2023/r1_4@TP1", "Lincoln/2023/r1_4@TP2", "Lincoln/2023/r1_4@TP10",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if first.Attempts != 9 || first.Found != 6 || first.RowsMatched != 2 {
		t.Fatalf("unexpected counts %+v", first)
	}
}

func TestMatch_TimepointAllowList(t *testing.T) {
	root := t.TempDir()
	for _, tp := range []string{"TP1", "TP2", "TP3"} {
		touch(t, filepath.Join(root, "Satellite", "Lincoln", tp, FileStem("Lincoln", tp, 2, 2)+".tif"))
	}

	res := New(root, "TP", []string{"TP3", "TP1"}, nil).Match([]groundtruth.Record{lincoln()})
	if len(res.Matches) != 2 || res.Matches[0].Timepoint != "TP1" || res.Matches[1].Timepoint != "TP3" {
		t.Fatalf("unexpected matches %+v", res.Matches)
	}
}

func TestMatch_PrefersPerYearTree(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "2023", "Satellite", "Lincoln", "TP1", "Lincoln-TP1-hybrids_2_2.tif"))
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP1", "Lincoln-TP1-hybrids_2_2.tif"))

	old := lincoln()
	old.Year = 2022
	res := New(root, "TP", nil, nil).Match([]groundtruth.Record{lincoln(), old})
	if len(res.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %+v", res.Matches)
	}
	if want := filepath.Join(root, "2023", "Satellite"); filepath.Dir(filepath.Dir(filepath.Dir(res.Matches[0].Path))) != want {
		t.Fatalf("2023 record should use the per-year tree, got %s", res.Matches[0].Path)
	}
	if want := filepath.Join(root, "Satellite"); filepath.Dir(filepath.Dir(filepath.Dir(res.Matches[1].Path))) != want {
		t.Fatalf("2022 record should fall back to the shared tree, got %s", res.Matches[1].Path)
	}
}

func TestMatch_SkipsRecordsWithoutYear(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP1", "Lincoln-TP1-hybrids_2_2.tif"))
	rec := lincoln()
	rec.Year = 0

	res := New(root, "TP", nil, nil).Match([]groundtruth.Record{rec})
	if res.RowsWithoutYear != 1 || len(res.Matches) != 0 || res.Attempts != 0 {
		t.Fatalf("records without a year must not match, got %+v", res)
	}
}

func TestSortTimepoints(t *testing.T) {
	tps := []string{"TP10", "TP2", "TP1", "TPx", "TP3"}
	SortTimepoints(tps)
	want := []string{"TP1", "TP2", "TP3", "TP10", "TPx"}
	if !reflect.DeepEqual(tps, want) {
		t.Fatalf("sorted = %v, want %v", tps, want)
	}
}

func TestMatch_DuplicatePlotKeyKeepsFirstRow(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP1", "Lincoln-TP1-hybrids_2_2.TIF"))
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP2", "Lincoln-TP2-hybrids_2_2.tif"))

	dup := lincoln()
	dup.YieldPerAcre = 95
	other := lincoln()
	other.Year = 2022 // same plot in another season is a different key
	res := New(root, "TP", nil, nil).Match([]groundtruth.Record{lincoln(), dup, other})

	if res.DuplicateRows != 1 {
		t.Fatalf("DuplicateRows = %d, want 1", res.DuplicateRows)
	}
	seen := make(map[string]bool)
	var yields []float64
	for _, m := range res.Matches {
		if m.Record.Year != 2023 {
			continue
		}
		if seen[m.Path] {
			t.Fatalf("image %s emitted twice", m.Path)
		}
		seen[m.Path] = true
		yields = append(yields, m.Record.YieldPerAcre)
	}
	if !reflect.DeepEqual(yields, []float64{180.5, 180.5}) {
		t.Fatalf("2023 matches carry yields %v, want the first row's 180.5 at both time points", yields)
	}
	if res.Attempts != 4 || res.Found != 4 || res.RowsMatched != 2 {
		t.Fatalf("unexpected counts %+v", res)
	}
}

func TestMatch_OnlyTifExtension(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP1", "Lincoln-TP1-hybrids_2_2.tiff"))
	touch(t, filepath.Join(root, "Satellite", "Lincoln", "TP2", "Lincoln-TP2-hybrids_2_2.Tif"))

	res := New(root, "TP", nil, nil).Match([]groundtruth.Record{lincoln()})
	if len(res.Matches) != 1 || res.Matches[0].Timepoint != "TP2" {
		t.Fatalf("expected only the .Tif image to match, got %+v", res.Matches)
	}
}
