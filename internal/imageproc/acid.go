package imageproc

import (
	"image"
	"math/rand"
	"sync"

	"github.com/miragelabs/mirage-core/internal/config"
)

// AcidProcessor carries the feedback buffer between invocations of one
// session's pipeline: the previous output is zoomed, shifted and blended into
// the next input, closing the visual feedback loop. The control loop mutates
// settings while the streaming loop writes the buffer, so all state sits
// behind one mutex.
type AcidProcessor struct {
	mu sync.Mutex

	feedback *image.RGBA

	zoom          float64
	xShift        int
	yShift        int
	strength      float64
	strengthFG    float64
	coefNoise     float64
	colorMatching float64
	tracers       bool
	wobblers      bool

	rnd *rand.Rand
}

func NewAcidProcessor(cfg config.ImageProcConfig) *AcidProcessor {
	return &AcidProcessor{
		zoom:          cfg.ZoomFactor,
		xShift:        cfg.XShift,
		yShift:        cfg.YShift,
		strength:      cfg.AcidStrength,
		strengthFG:    cfg.AcidStrengthFG,
		coefNoise:     cfg.CoefNoise,
		colorMatching: cfg.ColorMatching,
		tracers:       cfg.AcidTracers,
		wobblers:      cfg.AcidWobblers,
		rnd:           rand.New(rand.NewSource(1)),
	}
}

func (a *AcidProcessor) SetZoomFactor(z float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zoom = z
}

func (a *AcidProcessor) ZoomFactor() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zoom
}

func (a *AcidProcessor) SetXShift(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.xShift = v
}

func (a *AcidProcessor) SetYShift(v int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.yShift = v
}

func (a *AcidProcessor) Shift() (x, y int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.xShift, a.yShift
}

func (a *AcidProcessor) SetAcidStrength(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strength = v
}

func (a *AcidProcessor) SetAcidStrengthForeground(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strengthFG = v
}

func (a *AcidProcessor) SetCoefNoise(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.coefNoise = v
}

func (a *AcidProcessor) SetColorMatching(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.colorMatching = v
}

func (a *AcidProcessor) SetAcidTracers(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracers = enabled
}

func (a *AcidProcessor) SetAcidWobblers(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wobblers = enabled
}

// Update stores a freshly produced output frame as the feedback buffer for
// the next invocation.
func (a *AcidProcessor) Update(out image.Image) {
	buf := toRGBA(out)
	a.mu.Lock()
	a.feedback = buf
	a.mu.Unlock()
}

// HasFeedback reports whether an output frame has been captured yet.
func (a *AcidProcessor) HasFeedback() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.feedback != nil
}

// ProcessInput blends the transformed feedback buffer into a fresh input
// frame. Before the first Update the input passes through untouched. The mask
// selects the foreground blend strength where present.
func (a *AcidProcessor) ProcessInput(img image.Image, mask *image.Alpha) image.Image {
	a.mu.Lock()
	defer a.mu.Unlock()

	in := toRGBA(img)
	if a.feedback == nil {
		return in
	}

	warped := a.warp(in.Bounds())
	bounds := in.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			i := in.PixOffset(x, y)
			strength := a.strength
			if mask != nil && mask.AlphaAt(x, y).A > 127 {
				strength = a.strengthFG
			}
			if a.tracers {
				// Tracers keep more of the previous frame behind the subject.
				strength = minFloat(1, strength*2)
			}
			noise := 0.0
			if a.coefNoise > 0 {
				noise = (a.rnd.Float64()*2 - 1) * a.coefNoise * 255
			}
			for c := 0; c < 3; c++ {
				src := float64(in.Pix[i+c])
				fb := float64(warped.Pix[i+c])
				v := src*(1-strength) + fb*strength + noise
				out.Pix[i+c] = clampByte(v)
			}
			out.Pix[i+3] = 0xff
		}
	}
	if a.colorMatching > 0 {
		matchColor(out, a.feedback, a.colorMatching)
	}
	return out
}

// warp samples the feedback buffer with the current zoom and shift applied,
// nearest-neighbor around the frame center.
func (a *AcidProcessor) warp(bounds image.Rectangle) *image.RGBA {
	out := image.NewRGBA(bounds)
	fb := a.feedback
	fbBounds := fb.Bounds()
	cx := float64(bounds.Min.X+bounds.Max.X) / 2
	cy := float64(bounds.Min.Y+bounds.Max.Y) / 2
	zoom := a.zoom
	if zoom <= 0 {
		zoom = 1
	}
	wobbleX, wobbleY := 0.0, 0.0
	if a.wobblers {
		wobbleX = (a.rnd.Float64()*2 - 1) * 3
		wobbleY = (a.rnd.Float64()*2 - 1) * 3
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			sx := int((float64(x)-cx)/zoom + cx - float64(a.xShift) + wobbleX)
			sy := int((float64(y)-cy)/zoom + cy - float64(a.yShift) + wobbleY)
			if sx < fbBounds.Min.X || sx >= fbBounds.Max.X || sy < fbBounds.Min.Y || sy >= fbBounds.Max.Y {
				continue
			}
			di := out.PixOffset(x, y)
			si := fb.PixOffset(sx, sy)
			copy(out.Pix[di:di+4], fb.Pix[si:si+4])
		}
	}
	return out
}

// matchColor nudges the frame's per-channel mean toward the reference mean.
func matchColor(img, ref *image.RGBA, coef float64) {
	var imgSum, refSum [3]float64
	imgN := float64(len(img.Pix) / 4)
	refN := float64(len(ref.Pix) / 4)
	if imgN == 0 || refN == 0 {
		return
	}
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			imgSum[c] += float64(img.Pix[i+c])
		}
	}
	for i := 0; i < len(ref.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			refSum[c] += float64(ref.Pix[i+c])
		}
	}
	var delta [3]float64
	for c := 0; c < 3; c++ {
		delta[c] = (refSum[c]/refN - imgSum[c]/imgN) * coef
	}
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			img.Pix[i+c] = clampByte(float64(img.Pix[i+c]) + delta[c])
		}
	}
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
