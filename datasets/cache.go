package datasets

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/cropYield/matcher"
	"github.com/Noofbiz/cropYield/raster"
)

// cacheVersion is incremented when the on-disk feature cache format changes.
const cacheVersion = 1

// cacheFormat is the on-disk representation of assembled features. It keeps
// the attempted path list so a cache is only reused for the same matches.
type cacheFormat struct {
	Version   int
	H, W, C   int
	Paths     []string // every attempted match path, in order
	Kept      []int    // positions in Paths that decoded
	Images    []*raster.Image
	Drops     Drops
	CreatedAt int64
}

// SaveCache writes a into path using encoding/gob. The write is atomic:
// a temp file in the same directory is renamed over the target.
func SaveCache(path string, matches []matcher.Match, a *Assembled) error {
	if path == "" {
		return fmt.Errorf("empty cache path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	pc := cacheFormat{
		Version:   cacheVersion,
		H:         a.H,
		W:         a.W,
		C:         a.C,
		Paths:     make([]string, len(matches)),
		Drops:     a.Drops,
		CreatedAt: time.Now().Unix(),
	}
	for i, m := range matches {
		pc.Paths[i] = m.Path
	}
	for _, s := range a.Samples {
		pc.Kept = append(pc.Kept, s.Pos)
		pc.Images = append(pc.Images, s.Image)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := gob.NewEncoder(tmpFile).Encode(&pc); err != nil {
		return fmt.Errorf("encode cache to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp cache to target: %w", err)
	}
	return nil
}

// LoadCache reads a cache written by SaveCache and rebuilds the Assembled
// samples for matches. It fails when the cache was built for a different
// format version, resolution or match list.
func LoadCache(path string, matches []matcher.Match, size int) (*Assembled, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cache file %s: %w", path, err)
	}
	defer fh.Close()

	var pc cacheFormat
	if err := gob.NewDecoder(fh).Decode(&pc); err != nil {
		return nil, fmt.Errorf("decode cache %s: %w", path, err)
	}
	if pc.Version != cacheVersion {
		return nil, fmt.Errorf("cache version mismatch: cache=%d expected=%d", pc.Version, cacheVersion)
	}
	if pc.H != size || pc.W != size {
		return nil, fmt.Errorf("cache resolution mismatch: cache=%dx%d expected=%dx%d", pc.H, pc.W, size, size)
	}
	if len(pc.Paths) != len(matches) {
		return nil, fmt.Errorf("cache paths length mismatch: cache=%d expected=%d", len(pc.Paths), len(matches))
	}
	for i, m := range matches {
		if pc.Paths[i] != m.Path {
			return nil, fmt.Errorf("cache path mismatch at pos %d: cache=%s expected=%s", i, pc.Paths[i], m.Path)
		}
	}
	if len(pc.Kept) != len(pc.Images) {
		return nil, fmt.Errorf("cache size mismatch: kept=%d images=%d", len(pc.Kept), len(pc.Images))
	}

	a := &Assembled{Attempted: len(matches), Drops: pc.Drops}
	for i, k := range pc.Kept {
		if k < 0 || k >= len(matches) {
			return nil, fmt.Errorf("cache entry %d points outside the match list", i)
		}
		a.Samples = append(a.Samples, Sample{Match: matches[k], Pos: k, Image: pc.Images[i]})
	}
	if err := a.finish(); err != nil {
		return nil, err
	}
	return a, nil
}

// AssembleCached loads the feature cache at path when it fits matches and
// otherwise assembles from scratch and refreshes the cache. An empty path
// disables caching.
func (a *Assembler) AssembleCached(matches []matcher.Match, path string, size int) (*Assembled, error) {
	log := a.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if path != "" {
		if out, err := LoadCache(path, matches, size); err == nil {
			log.WithFields(logrus.Fields{"path": path, "samples": out.Len()}).Info("loaded feature cache")
			return out, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			log.WithField("path", path).WithError(err).Warn("ignoring stale feature cache")
		}
	}

	out, err := a.Assemble(matches)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := SaveCache(path, matches, out); err != nil {
			log.WithField("path", path).WithError(err).Warn("could not write feature cache")
		} else {
			log.WithField("path", path).Debug("wrote feature cache")
		}
	}
	return out, nil
}
