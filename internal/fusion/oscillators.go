package fusion

import (
	"math"
	"sync"

	"github.com/miragelabs/mirage-core/internal/config"
)

// ZoomOscillator sweeps the zoom factor between its bounds for deterministic
// test runs, pausing at neutral 1.0 for a configured number of iterations on
// each pass through it.
type ZoomOscillator struct {
	mu                sync.Mutex
	minZoom           float64
	maxZoom           float64
	increment         float64
	stabilizeDuration int

	enabled          bool
	value            float64
	direction        float64
	stabilizeCounter int
}

func NewZoomOscillator(cfg config.OscillatorConfig) *ZoomOscillator {
	return &ZoomOscillator{
		minZoom:           cfg.MinZoom,
		maxZoom:           cfg.MaxZoom,
		increment:         cfg.ZoomIncrement,
		stabilizeDuration: cfg.StabilizeDuration,
		enabled:           cfg.UseTestZoom,
		value:             1.0,
		direction:         1,
	}
}

func (o *ZoomOscillator) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

func (o *ZoomOscillator) SetEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = enabled
}

// Update advances the sweep one step and returns the current zoom value.
func (o *ZoomOscillator) Update() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.enabled {
		return o.value
	}

	atNeutral := math.Abs(o.value-1.0) < 0.01
	if atNeutral && o.stabilizeCounter < o.stabilizeDuration {
		o.stabilizeCounter++
		o.value = 1.0
		return o.value
	}
	if atNeutral && o.stabilizeCounter >= o.stabilizeDuration {
		o.stabilizeCounter = 0
	}

	o.value += o.direction * o.increment
	if o.value >= o.maxZoom {
		o.direction = -1
	} else if o.value <= o.minZoom {
		o.direction = 1
	}
	return o.value
}

// ShiftOscillator sweeps x/y pixel shifts between ±max with per-axis
// increments; a zero increment freezes that axis.
type ShiftOscillator struct {
	mu   sync.Mutex
	xMax int
	yMax int
	xInc int
	yInc int

	enabled    bool
	x, y       int
	xDir, yDir int
}

func NewShiftOscillator(cfg config.OscillatorConfig) *ShiftOscillator {
	return &ShiftOscillator{
		xMax:    cfg.XMax,
		yMax:    cfg.YMax,
		xInc:    cfg.XShiftIncrement,
		yInc:    cfg.YShiftIncrement,
		enabled: cfg.UseTestShift,
		xDir:    1,
		yDir:    1,
	}
}

func (o *ShiftOscillator) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enabled
}

func (o *ShiftOscillator) SetEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enabled = enabled
}

// SetIncrements updates the per-axis step sizes; nil leaves an axis unchanged.
func (o *ShiftOscillator) SetIncrements(xInc, yInc *int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if xInc != nil {
		o.xInc = *xInc
	}
	if yInc != nil {
		o.yInc = *yInc
	}
}

// Update advances both axes one step and returns the current shifts.
func (o *ShiftOscillator) Update() (x, y int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.enabled {
		return o.x, o.y
	}

	o.x += o.xDir * o.xInc
	if abs(o.x) >= o.xMax {
		o.xDir = -o.xDir
	}
	o.y += o.yDir * o.yInc
	if abs(o.y) >= o.yMax {
		o.yDir = -o.yDir
	}
	return o.x, o.y
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
