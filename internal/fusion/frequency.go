package fusion

import (
	"sync"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/config"
)

// FrequencyController maps binned audio energies onto a zoom factor: highs
// above their rolling baseline zoom in, lows zoom out, and quiet passages
// drift back toward neutral 1.0.
type FrequencyController struct {
	mu sync.Mutex

	windowSize        int
	lowSensitivity    float64
	highSensitivity   float64
	minZoom           float64
	maxZoom           float64
	rebalanceRate     float64
	activityThreshold float64
	amplifyingFactor  float64

	enabled      bool
	lowBaseline  []float64
	highBaseline []float64
	zoom         float64
}

// warmupSamples is the minimum baseline depth before the controller reacts.
const warmupSamples = 5

func NewFrequencyController(cfg config.AudioConfig) *FrequencyController {
	return &FrequencyController{
		windowSize:        cfg.BaselineWindow,
		lowSensitivity:    cfg.LowBinSensitivity,
		highSensitivity:   cfg.HighBinSensitivity,
		minZoom:           cfg.MinZoom,
		maxZoom:           cfg.MaxZoom,
		rebalanceRate:     cfg.RebalanceRate,
		activityThreshold: cfg.ActivityThreshold,
		amplifyingFactor:  cfg.AmplifyingFactor,
		enabled:           cfg.Enabled,
		zoom:              1.0,
	}
}

func (c *FrequencyController) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *FrequencyController) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// SetSensitivity updates band sensitivities; nil leaves a band unchanged.
func (c *FrequencyController) SetSensitivity(low, high *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if low != nil {
		c.lowSensitivity = *low
	}
	if high != nil {
		c.highSensitivity = *high
	}
}

// Zoom returns the current zoom factor without advancing the controller.
func (c *FrequencyController) Zoom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zoom
}

// Amplify scales raw analyzer energies for controller consumption. Client
// supplied bins arrive pre-amplified and skip this.
func (c *FrequencyController) Amplify(bins audio.Bins) audio.Bins {
	c.mu.Lock()
	factor := c.amplifyingFactor
	c.mu.Unlock()
	out := make(audio.Bins, len(bins))
	for i, v := range bins {
		out[i] = v * factor
	}
	return out
}

// ProcessBins folds one analysis window into the baselines and returns the
// adjusted zoom factor. Disabled or underfed controllers return the current
// zoom unchanged.
func (c *FrequencyController) ProcessBins(bins audio.Bins) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return c.zoom
	}
	if len(bins) < 3 {
		return c.zoom
	}

	low := bins[0]
	high := bins[len(bins)-1]

	c.lowBaseline = pushWindow(c.lowBaseline, low, c.windowSize)
	c.highBaseline = pushWindow(c.highBaseline, high, c.windowSize)

	if len(c.lowBaseline) <= warmupSamples || len(c.highBaseline) <= warmupSamples {
		return c.zoom
	}

	lowAvg := mean(c.lowBaseline)
	highAvg := mean(c.highBaseline)

	lowDelta := deltaPct(low, lowAvg)
	highDelta := deltaPct(high, highAvg)

	zoomOut := lowDelta * c.lowSensitivity
	zoomIn := highDelta * c.highSensitivity
	adjustment := zoomIn - zoomOut

	maxActivity := lowDelta
	if highDelta > maxActivity {
		maxActivity = highDelta
	}

	var next float64
	if maxActivity > c.activityThreshold {
		next = c.zoom + adjustment
	} else {
		// No significant activity: drift back toward neutral.
		switch {
		case c.zoom > 1.0:
			next = c.zoom - c.rebalanceRate
		case c.zoom < 1.0:
			next = c.zoom + c.rebalanceRate
		default:
			next = 1.0
		}
	}

	if next < c.minZoom {
		next = c.minZoom
	}
	if next > c.maxZoom {
		next = c.maxZoom
	}
	c.zoom = next
	return next
}

func pushWindow(window []float64, v float64, limit int) []float64 {
	window = append(window, v)
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// deltaPct is the capped positive fractional rise of v over its baseline.
func deltaPct(v, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	d := (v - baseline) / baseline
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}
