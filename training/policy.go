package training

import "math"

// EarlyStopping tracks the best validation loss and signals a stop after
// Patience consecutive epochs without improvement.
type EarlyStopping struct {
	Patience int

	best      float64
	bestEpoch int
	stale     int
	started   bool
}

// Observe records the loss of epoch and reports whether it improved on the
// best so far and whether training should stop.
func (e *EarlyStopping) Observe(epoch int, loss float64) (improved, stop bool) {
	if !e.started || loss < e.best {
		e.started = true
		e.best, e.bestEpoch, e.stale = loss, epoch, 0
		return true, false
	}
	e.stale++
	return false, e.Patience > 0 && e.stale >= e.Patience
}

// Best returns the best loss and the epoch it was seen at.
func (e *EarlyStopping) Best() (float64, int) {
	if !e.started {
		return math.Inf(1), 0
	}
	return e.best, e.bestEpoch
}

// Plateau multiplies the learning rate by Factor after Patience epochs
// without improvement, never going below MinLR.
type Plateau struct {
	Patience int
	Factor   float64
	MinLR    float64

	best    float64
	stale   int
	started bool
}

// Observe records loss and returns the learning rate to use from now on,
// and whether it changed.
func (p *Plateau) Observe(loss, lr float64) (float64, bool) {
	if !p.started || loss < p.best {
		p.started = true
		p.best, p.stale = loss, 0
		return lr, false
	}
	p.stale++
	if p.Patience <= 0 || p.stale < p.Patience {
		return lr, false
	}
	p.stale = 0
	next := math.Max(lr*p.Factor, p.MinLR)
	return next, next != lr
}
