// Package behavior derives a reading-behavior profile from a rolling window
// of page/chapter visits and predicts which units the reader is likely to
// want next. The prefetch scheduler consumes both the predicted targets and
// the per-target priority.
package behavior

import (
	"math"
	"time"

	"github.com/quire-reader/quire/internal/render"
)

// Direction is the dominant reading direction over the recent history.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionRandom   Direction = "random"
)

// Speed classifies how quickly the reader moves between units.
type Speed string

const (
	SpeedSlow   Speed = "slow"
	SpeedMedium Speed = "medium"
	SpeedFast   Speed = "fast"
)

// Pattern distinguishes page-by-page reading from jumping around.
type Pattern string

const (
	PatternSequential Pattern = "sequential"
	PatternJumping    Pattern = "jumping"
)

// Snapshot is the derived behavior profile, recomputed on demand.
type Snapshot struct {
	Direction Direction
	Speed     Speed
	Pattern   Pattern
	AvgDwell  time.Duration
}

const (
	// DefaultHistorySize bounds the visit ring; oldest visits drop silently.
	DefaultHistorySize = 50
	// DefaultBlockSize is the logical block granularity used for the
	// speculative jump target. A heuristic carried over from observed reader
	// behavior, configurable rather than hardcoded.
	DefaultBlockSize = 10

	// speedWindow is how many recent visits feed the speed classification.
	speedWindow = 6
	// Dwell intervals outside this range are treated as outliers (device
	// sleep, app switch) and discarded.
	minDwell = 100 * time.Millisecond
	maxDwell = 60 * time.Second

	// jumpRatio is the fraction of |delta| > 1 transitions above which the
	// pattern counts as jumping.
	jumpRatio = 0.3
)

type visit struct {
	unit int
	at   time.Time
}

// Config configures a new predictor.
type Config struct {
	HistorySize int
	BlockSize   int
}

// Predictor keeps a fixed-capacity visit ring and answers behavior queries.
// Single-owner like the caches; not internally locked.
type Predictor struct {
	history   []visit
	capacity  int
	blockSize int
	now       func() time.Time
}

// New creates a predictor. Zero or negative sizes fall back to defaults.
func New(cfg Config) *Predictor {
	capacity := cfg.HistorySize
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Predictor{
		history:   make([]visit, 0, capacity),
		capacity:  capacity,
		blockSize: blockSize,
		now:       time.Now,
	}
}

// RecordVisit appends a unit visit, silently dropping the oldest entry once
// the ring is full.
func (p *Predictor) RecordVisit(unit int) {
	if len(p.history) == p.capacity {
		copy(p.history, p.history[1:])
		p.history = p.history[:p.capacity-1]
	}
	p.history = append(p.history, visit{unit: unit, at: p.now()})
}

// Clear forgets the visit history.
func (p *Predictor) Clear() {
	p.history = p.history[:0]
}

// Analyze recomputes the behavior profile from the current history.
func (p *Predictor) Analyze() Snapshot {
	snap := Snapshot{
		Direction: DirectionRandom,
		Speed:     SpeedMedium,
		Pattern:   PatternSequential,
	}
	if len(p.history) < 2 {
		return snap
	}

	forward, backward, jumps, deltas := 0, 0, 0, 0
	for i := 1; i < len(p.history); i++ {
		d := p.history[i].unit - p.history[i-1].unit
		deltas++
		switch d {
		case 1:
			forward++
		case -1:
			backward++
		}
		if d > 1 || d < -1 {
			jumps++
		}
	}

	switch {
	case forward > backward && forward > deltas-forward-backward:
		snap.Direction = DirectionForward
	case backward > forward && backward > deltas-forward-backward:
		snap.Direction = DirectionBackward
	}

	if float64(jumps) > jumpRatio*float64(deltas) {
		snap.Pattern = PatternJumping
	}

	snap.Speed, snap.AvgDwell = p.classifySpeed()
	return snap
}

// classifySpeed averages the inter-visit intervals of the most recent visits,
// discarding outliers.
func (p *Predictor) classifySpeed() (Speed, time.Duration) {
	recent := p.history
	if len(recent) > speedWindow {
		recent = recent[len(recent)-speedWindow:]
	}

	var total time.Duration
	samples := 0
	for i := 1; i < len(recent); i++ {
		dwell := recent[i].at.Sub(recent[i-1].at)
		if dwell < minDwell || dwell > maxDwell {
			continue
		}
		total += dwell
		samples++
	}
	if samples == 0 {
		return SpeedMedium, 0
	}

	avg := total / time.Duration(samples)
	switch {
	case avg < 2*time.Second:
		return SpeedFast, avg
	case avg < 5*time.Second:
		return SpeedMedium, avg
	default:
		return SpeedSlow, avg
	}
}

// PredictNext returns the units to prefetch from the current position,
// ordered nearest-first in the dominant direction. Units are clamped to
// [0, totalUnits).
func (p *Predictor) PredictNext(current, totalUnits int, layout render.LayoutMode) []int {
	snap := p.Analyze()

	breadth := baseBreadth(snap.Speed)
	if layout == render.LayoutFlow {
		breadth = int(math.Ceil(float64(breadth) * 1.5))
	}

	var targets []int
	appendUnit := func(unit int) {
		if unit < 0 || unit >= totalUnits || unit == current {
			return
		}
		for _, t := range targets {
			if t == unit {
				return
			}
		}
		targets = append(targets, unit)
	}

	ahead, behind := 2*breadth, breadth/2
	if behind < 1 {
		behind = 1
	}
	switch snap.Direction {
	case DirectionForward:
		for i := 1; i <= ahead; i++ {
			appendUnit(current + i)
		}
		for i := 1; i <= behind; i++ {
			appendUnit(current - i)
		}
	case DirectionBackward:
		for i := 1; i <= ahead; i++ {
			appendUnit(current - i)
		}
		for i := 1; i <= behind; i++ {
			appendUnit(current + i)
		}
	default:
		// No dominant direction: symmetric full breadth both ways.
		for i := 1; i <= breadth; i++ {
			appendUnit(current + i)
			appendUnit(current - i)
		}
	}

	if snap.Pattern == PatternJumping {
		// Jumpy readers often land on the start of the next logical block.
		appendUnit(((current / p.blockSize) + 1) * p.blockSize)
	}

	return targets
}

// PriorityOf scores a prefetch target: raw distance from the current unit,
// discounted when the target lies in the predicted direction and again when
// the reader is fast. The scheduler treats lower values as more urgent.
func (p *Predictor) PriorityOf(target, current int, snap Snapshot) float64 {
	priority := math.Abs(float64(target - current))

	inDirection := (snap.Direction == DirectionForward && target > current) ||
		(snap.Direction == DirectionBackward && target < current)
	if inDirection {
		priority *= 0.8
	}
	if snap.Speed == SpeedFast {
		priority *= 0.9
	}
	return priority
}

func baseBreadth(speed Speed) int {
	switch speed {
	case SpeedFast:
		return 4
	case SpeedMedium:
		return 3
	default:
		return 2
	}
}
