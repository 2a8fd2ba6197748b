package fusion

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/pipeline"
)

// ErrMalformedUpdate marks an update carrying a value outside its declared
// range. The update is discarded; the session continues.
var ErrMalformedUpdate = errors.New("malformed update")

// Source names which modulation source resolved a field this tick.
type Source string

const (
	SourceOscillator Source = "oscillator"
	SourceAudio      Source = "audio"
	SourceDirect     Source = "direct"
	SourceHeld       Source = "held"
)

// State is one session's modulation state: its oscillators, its audio
// controller, and the persisted direct values. Mutated only by that
// session's control loop.
type State struct {
	ZoomOsc  *ZoomOscillator
	ShiftOsc *ShiftOscillator
	Freq     *FrequencyController

	mu             sync.Mutex
	zoom           float64
	xShift, yShift int
	lastZoomSource Source
}

func NewState(oscCfg config.OscillatorConfig, audioCfg config.AudioConfig, procCfg config.ImageProcConfig) *State {
	return &State{
		ZoomOsc:        NewZoomOscillator(oscCfg),
		ShiftOsc:       NewShiftOscillator(oscCfg),
		Freq:           NewFrequencyController(audioCfg),
		zoom:           procCfg.ZoomFactor,
		xShift:         procCfg.XShift,
		yShift:         procCfg.YShift,
		lastZoomSource: SourceHeld,
	}
}

// AudioReactive reports whether the audio controller is currently enabled.
func (s *State) AudioReactive() bool {
	return s.Freq.Enabled()
}

// Update is one tick's worth of incoming modulation input, decoded from the
// acid_settings sub-object. Nil pointers mean "field not mentioned".
type Update struct {
	Zoom   *float64
	XShift *int
	YShift *int
	Bins   audio.Bins

	UseTestZoom     *bool
	UseTestShift    *bool
	XShiftIncrement *int
	YShiftIncrement *int

	LowBinSensitivity  *float64
	HighBinSensitivity *float64
}

// Resolved is the authoritative override set for one tick, with the source
// that won each field.
type Resolved struct {
	Zoom        float64
	ZoomSource  Source
	XShift      int
	YShift      int
	ShiftSource Source
}

// ParseUpdate decodes an acid_settings object into an Update. Unknown keys
// are ignored; value coercion follows JSON number decoding.
func ParseUpdate(acid map[string]any) (Update, error) {
	var upd Update
	if acid == nil {
		return upd, nil
	}
	if v, ok := acid["zoom_factor"]; ok {
		f, ok := toFloat(v)
		if !ok {
			return upd, fmt.Errorf("%w: zoom_factor must be a number", ErrMalformedUpdate)
		}
		upd.Zoom = &f
	}
	if v, ok := acid["x_shift"]; ok {
		n, ok := toInt(v)
		if !ok {
			return upd, fmt.Errorf("%w: x_shift must be a number", ErrMalformedUpdate)
		}
		upd.XShift = &n
	}
	if v, ok := acid["y_shift"]; ok {
		n, ok := toInt(v)
		if !ok {
			return upd, fmt.Errorf("%w: y_shift must be a number", ErrMalformedUpdate)
		}
		upd.YShift = &n
	}
	if v, ok := acid["binned_fft"]; ok {
		bins, err := toBins(v)
		if err != nil {
			return upd, err
		}
		upd.Bins = bins
	}
	if v, ok := acid["use_test_zoom"]; ok {
		b, ok := v.(bool)
		if !ok {
			return upd, fmt.Errorf("%w: use_test_zoom must be a bool", ErrMalformedUpdate)
		}
		upd.UseTestZoom = &b
	}
	if v, ok := acid["use_test_shift"]; ok {
		b, ok := v.(bool)
		if !ok {
			return upd, fmt.Errorf("%w: use_test_shift must be a bool", ErrMalformedUpdate)
		}
		upd.UseTestShift = &b
	}
	if v, ok := acid["test_x_shift_increment"]; ok {
		if n, ok := toInt(v); ok {
			upd.XShiftIncrement = &n
		}
	}
	if v, ok := acid["test_y_shift_increment"]; ok {
		if n, ok := toInt(v); ok {
			upd.YShiftIncrement = &n
		}
	}
	if v, ok := acid["low_bin_sensitivity"]; ok {
		if f, ok := toFloat(v); ok {
			upd.LowBinSensitivity = &f
		}
	}
	if v, ok := acid["high_bin_sensitivity"]; ok {
		if f, ok := toFloat(v); ok {
			upd.HighBinSensitivity = &f
		}
	}
	return upd, nil
}

// Engine resolves competing modulation sources into one override set per
// tick. The precedence is a fixed rule table, most specific first; the first
// applicable rule wins a field.
type Engine struct {
	ranges map[string]pipeline.Range
	log    *slog.Logger
}

func NewEngine(ranges map[string]pipeline.Range, log *slog.Logger) *Engine {
	return &Engine{
		ranges: ranges,
		log:    log.With(slog.String("component", "fusion")),
	}
}

type zoomRule struct {
	source  Source
	applies func(st *State, upd Update) bool
	resolve func(st *State, upd Update) float64
}

type shiftRule struct {
	source  Source
	applies func(st *State, upd Update) bool
	resolve func(st *State, upd Update) (int, int)
}

// Live computed signals outrank same-tick direct values; direct values
// persist; untouched fields hold.
var zoomRules = []zoomRule{
	{
		source:  SourceOscillator,
		applies: func(st *State, _ Update) bool { return st.ZoomOsc.Enabled() },
		resolve: func(st *State, _ Update) float64 { return st.ZoomOsc.Update() },
	},
	{
		source:  SourceAudio,
		applies: func(_ *State, upd Update) bool { return len(upd.Bins) > 0 },
		resolve: func(st *State, upd Update) float64 { return st.Freq.ProcessBins(upd.Bins) },
	},
	{
		source:  SourceDirect,
		applies: func(_ *State, upd Update) bool { return upd.Zoom != nil },
		resolve: func(st *State, upd Update) float64 {
			st.zoom = *upd.Zoom
			return st.zoom
		},
	},
	{
		source:  SourceHeld,
		applies: func(*State, Update) bool { return true },
		resolve: func(st *State, _ Update) float64 { return st.zoom },
	},
}

var shiftRules = []shiftRule{
	{
		source:  SourceOscillator,
		applies: func(st *State, _ Update) bool { return st.ShiftOsc.Enabled() },
		resolve: func(st *State, _ Update) (int, int) { return st.ShiftOsc.Update() },
	},
	{
		source:  SourceDirect,
		applies: func(_ *State, upd Update) bool { return upd.XShift != nil || upd.YShift != nil },
		resolve: func(st *State, upd Update) (int, int) {
			if upd.XShift != nil {
				st.xShift = *upd.XShift
			}
			if upd.YShift != nil {
				st.yShift = *upd.YShift
			}
			return st.xShift, st.yShift
		},
	},
	{
		source:  SourceHeld,
		applies: func(*State, Update) bool { return true },
		resolve: func(st *State, _ Update) (int, int) { return st.xShift, st.yShift },
	},
}

// Fuse validates an update, applies its toggles, and resolves the override
// set for this tick.
func (e *Engine) Fuse(st *State, upd Update) (Resolved, error) {
	if err := e.checkRanges(upd); err != nil {
		return Resolved{}, err
	}

	// Toggles apply before resolution so an update can enable an
	// oscillator and have it win the same tick.
	if upd.UseTestZoom != nil {
		st.ZoomOsc.SetEnabled(*upd.UseTestZoom)
	}
	if upd.UseTestShift != nil {
		st.ShiftOsc.SetEnabled(*upd.UseTestShift)
	}
	if upd.XShiftIncrement != nil || upd.YShiftIncrement != nil {
		st.ShiftOsc.SetIncrements(upd.XShiftIncrement, upd.YShiftIncrement)
	}
	if upd.LowBinSensitivity != nil || upd.HighBinSensitivity != nil {
		st.Freq.SetSensitivity(upd.LowBinSensitivity, upd.HighBinSensitivity)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var res Resolved
	for _, rule := range zoomRules {
		if rule.applies(st, upd) {
			res.Zoom = rule.resolve(st, upd)
			res.ZoomSource = rule.source
			st.lastZoomSource = rule.source
			break
		}
	}
	for _, rule := range shiftRules {
		if rule.applies(st, upd) {
			res.XShift, res.YShift = rule.resolve(st, upd)
			res.ShiftSource = rule.source
			break
		}
	}
	return res, nil
}

func (e *Engine) checkRanges(upd Update) error {
	if upd.Zoom != nil {
		if r, ok := e.ranges["zoom_factor"]; ok && !r.Contains(*upd.Zoom) {
			return fmt.Errorf("%w: zoom_factor %v outside declared range", ErrMalformedUpdate, *upd.Zoom)
		}
	}
	if upd.XShift != nil {
		if r, ok := e.ranges["x_shift"]; ok && !r.Contains(float64(*upd.XShift)) {
			return fmt.Errorf("%w: x_shift %d outside declared range", ErrMalformedUpdate, *upd.XShift)
		}
	}
	if upd.YShift != nil {
		if r, ok := e.ranges["y_shift"]; ok && !r.Contains(float64(*upd.YShift)) {
			return fmt.Errorf("%w: y_shift %d outside declared range", ErrMalformedUpdate, *upd.YShift)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func toBins(v any) (audio.Bins, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: binned_fft must be an array", ErrMalformedUpdate)
	}
	bins := make(audio.Bins, 0, len(raw))
	for _, item := range raw {
		f, ok := toFloat(item)
		if !ok {
			return nil, fmt.Errorf("%w: binned_fft values must be numbers", ErrMalformedUpdate)
		}
		bins = append(bins, f)
	}
	return bins, nil
}
