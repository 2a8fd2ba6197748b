package imageproc

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/miragelabs/mirage-core/internal/config"
)

// InputProcessor applies per-session preprocessing to a client frame before
// it reaches the acid stage: brightness, optional blur, optional infrared
// colorize, optional human segmentation. Settings are mutated by the control
// loop only, but reads happen under the same session, so a mutex keeps the
// setter surface safe for the runtime to reconfigure.
type InputProcessor struct {
	mu              sync.Mutex
	humanSeg        bool
	resizingFactor  float64
	blur            bool
	brightness      float64
	infraredColor   bool
	seg             Segmenter
	log             *slog.Logger
}

func NewInputProcessor(cfg config.ImageProcConfig, seg Segmenter, log *slog.Logger) *InputProcessor {
	return &InputProcessor{
		humanSeg:       cfg.HumanSeg,
		resizingFactor: cfg.ResizingFactorSeg,
		blur:           cfg.Blur,
		brightness:     cfg.Brightness,
		infraredColor:  cfg.InfraredColorize,
		seg:            seg,
		log:            log.With(slog.String("component", "input-processor")),
	}
}

func (p *InputProcessor) SetHumanSeg(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.humanSeg = enabled
}

func (p *InputProcessor) SetResizingFactor(f float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizingFactor = f
}

func (p *InputProcessor) SetBlur(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blur = enabled
}

func (p *InputProcessor) SetBrightness(b float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brightness = b
}

func (p *InputProcessor) SetInfraredColorize(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infraredColor = enabled
}

// Process returns the adjusted frame and, when human segmentation is active,
// a foreground mask. Segmentation failure degrades to a nil mask.
func (p *InputProcessor) Process(ctx context.Context, img image.Image) (image.Image, *image.Alpha) {
	p.mu.Lock()
	humanSeg := p.humanSeg
	resizing := p.resizingFactor
	blur := p.blur
	brightness := p.brightness
	infrared := p.infraredColor
	p.mu.Unlock()

	out := toRGBA(img)
	if brightness != 1.0 {
		applyBrightness(out, brightness)
	}
	if blur {
		out = boxBlur(out)
	}
	if infrared {
		applyInfraredColorize(out)
	}

	var mask *image.Alpha
	if humanSeg && p.seg != nil {
		m, err := p.seg.Segment(ctx, out, resizing)
		if err != nil {
			p.log.Warn("segmentation failed, continuing without mask",
				slog.String("error", err.Error()))
		} else {
			mask = m
		}
	}
	return out, mask
}

func applyBrightness(img *image.RGBA, factor float64) {
	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i] = scaleByte(pix[i], factor)
		pix[i+1] = scaleByte(pix[i+1], factor)
		pix[i+2] = scaleByte(pix[i+2], factor)
	}
}

func scaleByte(v uint8, factor float64) uint8 {
	scaled := float64(v) * factor
	if scaled > 255 {
		return 255
	}
	if scaled < 0 {
		return 0
	}
	return uint8(scaled)
}

// boxBlur applies a single 3x3 pass; this stands in for the heavier gaussian
// the production segmentation stack uses.
func boxBlur(img *image.RGBA) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			var r, g, b, a, n int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < bounds.Min.X || nx >= bounds.Max.X || ny < bounds.Min.Y || ny >= bounds.Max.Y {
						continue
					}
					i := img.PixOffset(nx, ny)
					r += int(img.Pix[i])
					g += int(img.Pix[i+1])
					b += int(img.Pix[i+2])
					a += int(img.Pix[i+3])
					n++
				}
			}
			i := out.PixOffset(x, y)
			out.Pix[i] = uint8(r / n)
			out.Pix[i+1] = uint8(g / n)
			out.Pix[i+2] = uint8(b / n)
			out.Pix[i+3] = uint8(a / n)
		}
	}
	return out
}

// applyInfraredColorize maps luminance onto a red-heavy false-color ramp.
func applyInfraredColorize(img *image.RGBA) {
	pix := img.Pix
	for i := 0; i < len(pix); i += 4 {
		lum := (int(pix[i])*299 + int(pix[i+1])*587 + int(pix[i+2])*114) / 1000
		pix[i] = uint8(min(255, lum*2))
		pix[i+1] = uint8(lum / 2)
		pix[i+2] = uint8(255 - lum)
	}
}
