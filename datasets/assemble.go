package datasets

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/Noofbiz/cropYield/matcher"
	"github.com/Noofbiz/cropYield/raster"
)

// Assembler decodes matched images into augmented samples.
type Assembler struct {
	Decoder Decoder
	// Workers bounds concurrent decodes; values below 1 mean sequential.
	Workers int
	// DropWarnFraction is the drop share above which a warning is logged.
	DropWarnFraction float64
	// Progress draws a progress bar on stderr.
	Progress bool
	Log      logrus.FieldLogger
}

// outcome is the per-match result written by a worker at its job index.
type outcome struct {
	img    *raster.Image
	reason string
	err    error
}

const (
	dropDecode  = "decode"
	dropIndices = "indices"
)

// Assemble decodes every match in order. Failures are counted, never
// returned, unless nothing survives.
func (a *Assembler) Assemble(matches []matcher.Match) (*Assembled, error) {
	log := a.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := len(matches)
	results := make([]outcome, n)

	workers := a.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	var bar *progressbar.ProgressBar
	if a.Progress {
		bar = progressbar.NewOptions(n,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("decoding plots"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	} else {
		bar = progressbar.DefaultSilent(int64(n))
	}

	jobs := make(chan int, n)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for pos := range jobs {
				results[pos] = a.decodeOne(matches[pos].Path)
				_ = bar.Add(1)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	_ = bar.Finish()

	out := &Assembled{Attempted: n}
	for i, r := range results {
		if r.err != nil {
			switch r.reason {
			case dropIndices:
				out.Drops.Indices++
			default:
				out.Drops.Decode++
			}
			log.WithFields(logrus.Fields{"path": matches[i].Path, "reason": r.reason}).WithError(r.err).Debug("dropping sample")
			continue
		}
		out.Samples = append(out.Samples, Sample{Match: matches[i], Pos: i, Image: r.img})
	}
	if err := out.finish(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"attempted":       humanize.Comma(int64(out.Attempted)),
		"decoded":         humanize.Comma(int64(out.Len())),
		"dropped_decode":  out.Drops.Decode,
		"dropped_indices": out.Drops.Indices,
	}).Info("dataset assembled")
	if frac := out.DropFraction(); frac > a.DropWarnFraction {
		log.WithField("drop_fraction", fmt.Sprintf("%.1f%%", frac*100)).Warn("a large share of matched images could not be used")
	}
	return out, nil
}

func (a *Assembler) decodeOne(path string) outcome {
	img, err := a.Decoder.Decode(path)
	if err != nil {
		return outcome{reason: dropDecode, err: err}
	}
	aug, err := raster.Augment(img)
	if err != nil {
		return outcome{reason: dropIndices, err: err}
	}
	return outcome{img: aug}
}

// finish checks that samples exist and share one shape, and records it.
func (a *Assembled) finish() error {
	if len(a.Samples) == 0 {
		return fmt.Errorf("%w: %d matches attempted, %d failed to decode, %d failed index computation",
			ErrNoSamples, a.Attempted, a.Drops.Decode, a.Drops.Indices)
	}
	first := a.Samples[0].Image
	a.H, a.W, a.C = first.H, first.W, first.C
	for i, s := range a.Samples {
		if s.Image.H != a.H || s.Image.W != a.W || s.Image.C != a.C {
			return fmt.Errorf("sample %d (%s) has shape (%d,%d,%d), want (%d,%d,%d)",
				i, s.Match.Path, s.Image.H, s.Image.W, s.Image.C, a.H, a.W, a.C)
		}
	}
	return nil
}
