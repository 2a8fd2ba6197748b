package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"sync"
)

type mockPredictor struct {
	manifest Manifest
	mu       sync.Mutex
	rnd      *rand.Rand
}

// NewMockPredictor returns a predictor that renders procedural placeholder
// frames: a random background with random ellipses at the manifest's size.
func NewMockPredictor(m Manifest, seed int64) Predictor {
	return &mockPredictor{
		manifest: m,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

func (p *mockPredictor) Info() Manifest {
	return p.manifest
}

func (p *mockPredictor) Predict(_ context.Context, _ *ParameterSet) (image.Image, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, h := p.manifest.Width, p.manifest.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{p.randByte(), p.randByte(), p.randByte(), 0xff}
	draw.Draw(img, img.Bounds(), &image.Uniform{bg}, image.Point{}, draw.Src)

	const shapeCount = 20
	for i := 0; i < shapeCount; i++ {
		x1 := p.rnd.Intn(w)
		y1 := p.rnd.Intn(h)
		x2 := x1 + p.rnd.Intn(min(100, w-x1)+1)
		y2 := y1 + p.rnd.Intn(min(100, h-y1)+1)
		c := color.RGBA{p.randByte(), p.randByte(), p.randByte(), 0xff}
		fillEllipse(img, x1, y1, x2, y2, c)
	}
	return img, nil
}

func (p *mockPredictor) randByte() uint8 {
	return uint8(p.rnd.Intn(256))
}

func fillEllipse(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	rx := float64(x2-x1) / 2
	ry := float64(y2-y1) / 2
	if rx <= 0 || ry <= 0 {
		return
	}
	cx := float64(x1) + rx
	cy := float64(y1) + ry
	for y := y1; y <= y2; y++ {
		for x := x1; x <= x2; x++ {
			dx := (float64(x) - cx) / rx
			dy := (float64(y) - cy) / ry
			if dx*dx+dy*dy <= 1 {
				img.SetRGBA(x, y, c)
			}
		}
	}
}
