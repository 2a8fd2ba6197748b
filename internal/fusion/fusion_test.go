package fusion

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miragelabs/mirage-core/internal/audio"
	"github.com/miragelabs/mirage-core/internal/config"
	"github.com/miragelabs/mirage-core/internal/pipeline"
)

func testOscCfg() config.OscillatorConfig {
	return config.OscillatorConfig{
		MinZoom:           0.5,
		MaxZoom:           1.5,
		ZoomIncrement:     0.25,
		StabilizeDuration: 2,
		XMax:              4,
		YMax:              4,
		XShiftIncrement:   2,
		YShiftIncrement:   2,
	}
}

func testAudioCfg() config.AudioConfig {
	return config.AudioConfig{
		Enabled:            true,
		FrequencyBins:      3,
		BaselineWindow:     30,
		LowBinSensitivity:  0.1,
		HighBinSensitivity: 0.1,
		MinZoom:            0.8,
		MaxZoom:            1.4,
		RebalanceRate:      0.01,
		ActivityThreshold:  0.05,
		AmplifyingFactor:   100000,
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	ranges := pipeline.DefaultManifest().ModulationRanges()
	return NewEngine(ranges, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testState() *State {
	return NewState(testOscCfg(), testAudioCfg(), config.ImageProcConfig{ZoomFactor: 1.0})
}

func TestZoomOscillatorStabilizesAtNeutral(t *testing.T) {
	osc := NewZoomOscillator(testOscCfg())
	osc.SetEnabled(true)

	// Starts at neutral: two stabilize iterations before the sweep begins.
	assert.Equal(t, 1.0, osc.Update())
	assert.Equal(t, 1.0, osc.Update())
	assert.InDelta(t, 1.25, osc.Update(), 1e-9)
	assert.InDelta(t, 1.5, osc.Update(), 1e-9)
	// Bound reached: direction reverses.
	assert.InDelta(t, 1.25, osc.Update(), 1e-9)
	// Passing back through neutral pauses again.
	assert.InDelta(t, 1.0, osc.Update(), 1e-9)
	assert.Equal(t, 1.0, osc.Update())
	assert.Equal(t, 1.0, osc.Update())
	assert.InDelta(t, 0.75, osc.Update(), 1e-9)
}

func TestZoomOscillatorDisabledHoldsValue(t *testing.T) {
	osc := NewZoomOscillator(testOscCfg())
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1.0, osc.Update())
	}
}

func TestShiftOscillatorSweepsAndReverses(t *testing.T) {
	osc := NewShiftOscillator(testOscCfg())
	osc.SetEnabled(true)

	wantX := []int{2, 4, 2, 0, -2, -4, -2, 0, 2}
	for i, want := range wantX {
		x, y := osc.Update()
		assert.Equal(t, want, x, "step %d", i)
		assert.Equal(t, want, y, "step %d", i)
	}
}

func TestShiftOscillatorSetIncrementsPerAxis(t *testing.T) {
	osc := NewShiftOscillator(testOscCfg())
	osc.SetEnabled(true)

	zero := 0
	osc.SetIncrements(nil, &zero)

	x, y := osc.Update()
	assert.Equal(t, 2, x)
	assert.Equal(t, 0, y, "zero increment freezes the axis")
}

func TestFrequencyControllerWarmup(t *testing.T) {
	ctrl := NewFrequencyController(testAudioCfg())
	bins := audio.Bins{10, 5, 10}

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1.0, ctrl.ProcessBins(bins), "sample %d is still warmup", i)
	}
}

func TestFrequencyControllerZoomsOnHighActivity(t *testing.T) {
	ctrl := NewFrequencyController(testAudioCfg())
	steady := audio.Bins{10, 5, 10}
	for i := 0; i < 8; i++ {
		ctrl.ProcessBins(steady)
	}

	zoom := ctrl.ProcessBins(audio.Bins{10, 5, 40})
	assert.Greater(t, zoom, 1.0, "high bin spike zooms in")
	assert.Equal(t, zoom, ctrl.Zoom(), "controller persists its zoom")
}

func TestFrequencyControllerRebalancesWhenQuiet(t *testing.T) {
	ctrl := NewFrequencyController(testAudioCfg())
	steady := audio.Bins{10, 5, 10}
	for i := 0; i < 8; i++ {
		ctrl.ProcessBins(steady)
	}
	peak := ctrl.ProcessBins(audio.Bins{10, 5, 40})
	require.Greater(t, peak, 1.0)

	// Spike leaves the window average elevated; steady input now reads as
	// inactivity and the zoom drifts back toward neutral.
	drifted := peak
	for i := 0; i < 20; i++ {
		drifted = ctrl.ProcessBins(steady)
	}
	assert.Less(t, drifted, peak)
}

func TestFrequencyControllerClampsToBounds(t *testing.T) {
	cfg := testAudioCfg()
	cfg.HighBinSensitivity = 10
	ctrl := NewFrequencyController(cfg)

	steady := audio.Bins{10, 5, 10}
	for i := 0; i < 8; i++ {
		ctrl.ProcessBins(steady)
	}
	zoom := ctrl.ProcessBins(audio.Bins{10, 5, 1000})
	assert.Equal(t, cfg.MaxZoom, zoom)
}

func TestFrequencyControllerDisabledPassesThrough(t *testing.T) {
	cfg := testAudioCfg()
	cfg.Enabled = false
	ctrl := NewFrequencyController(cfg)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 1.0, ctrl.ProcessBins(audio.Bins{100, 5, 100}))
	}
}

func TestFrequencyControllerAmplify(t *testing.T) {
	ctrl := NewFrequencyController(testAudioCfg())
	out := ctrl.Amplify(audio.Bins{1e-5, 2e-5})
	assert.InDelta(t, 1.0, out[0], 1e-9)
	assert.InDelta(t, 2.0, out[1], 1e-9)
}

func TestParseUpdateFields(t *testing.T) {
	upd, err := ParseUpdate(map[string]any{
		"zoom_factor":   1.2,
		"x_shift":       float64(12),
		"use_test_zoom": true,
		"binned_fft":    []any{1.0, 2.0, 3.0},
	})
	require.NoError(t, err)
	require.NotNil(t, upd.Zoom)
	assert.Equal(t, 1.2, *upd.Zoom)
	require.NotNil(t, upd.XShift)
	assert.Equal(t, 12, *upd.XShift)
	require.NotNil(t, upd.UseTestZoom)
	assert.True(t, *upd.UseTestZoom)
	assert.Equal(t, audio.Bins{1, 2, 3}, upd.Bins)
	assert.Nil(t, upd.YShift)
}

func TestParseUpdateRejectsWrongTypes(t *testing.T) {
	cases := []map[string]any{
		{"zoom_factor": "big"},
		{"x_shift": "left"},
		{"binned_fft": "loud"},
		{"binned_fft": []any{"loud"}},
		{"use_test_zoom": 1.0},
	}
	for _, acid := range cases {
		_, err := ParseUpdate(acid)
		assert.ErrorIs(t, err, ErrMalformedUpdate, "%v", acid)
	}
}

func TestFuseDirectValuePersists(t *testing.T) {
	eng := testEngine(t)
	st := testState()

	zoom := 1.3
	res, err := eng.Fuse(st, Update{Zoom: &zoom})
	require.NoError(t, err)
	assert.Equal(t, SourceDirect, res.ZoomSource)
	assert.Equal(t, 1.3, res.Zoom)

	// Next tick mentions nothing: the direct value holds.
	res, err = eng.Fuse(st, Update{})
	require.NoError(t, err)
	assert.Equal(t, SourceHeld, res.ZoomSource)
	assert.Equal(t, 1.3, res.Zoom)
}

func TestFuseAudioOutranksDirect(t *testing.T) {
	eng := testEngine(t)
	st := testState()

	zoom := 2.0
	res, err := eng.Fuse(st, Update{Zoom: &zoom, Bins: audio.Bins{10, 5, 10}})
	require.NoError(t, err)
	assert.Equal(t, SourceAudio, res.ZoomSource)
	assert.Equal(t, 1.0, res.Zoom, "controller is still warming up")
}

func TestFuseOscillatorOutranksAudioAndDirect(t *testing.T) {
	eng := testEngine(t)
	st := testState()

	on := true
	zoom := 2.0
	res, err := eng.Fuse(st, Update{
		Zoom:        &zoom,
		Bins:        audio.Bins{10, 5, 10},
		UseTestZoom: &on,
	})
	require.NoError(t, err)
	assert.Equal(t, SourceOscillator, res.ZoomSource, "toggle applies the same tick")
	assert.Equal(t, 1.0, res.Zoom)
}

func TestFuseShiftPrecedence(t *testing.T) {
	eng := testEngine(t)
	st := testState()

	x := 7
	res, err := eng.Fuse(st, Update{XShift: &x})
	require.NoError(t, err)
	assert.Equal(t, SourceDirect, res.ShiftSource)
	assert.Equal(t, 7, res.XShift)
	assert.Equal(t, 0, res.YShift)

	on := true
	res, err = eng.Fuse(st, Update{UseTestShift: &on})
	require.NoError(t, err)
	assert.Equal(t, SourceOscillator, res.ShiftSource)
}

func TestFuseRejectsOutOfRangeValues(t *testing.T) {
	eng := testEngine(t)
	st := testState()

	zoom := 99.0
	_, err := eng.Fuse(st, Update{Zoom: &zoom})
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	x := 100000
	_, err = eng.Fuse(st, Update{XShift: &x})
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	// Rejected updates leave the held state untouched.
	res, err := eng.Fuse(st, Update{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Zoom)
	assert.Equal(t, 0, res.XShift)
}
