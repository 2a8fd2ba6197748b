package imageproc

import (
	"context"
	"image"
	"image/color"
	"sync/atomic"
)

type mockSegmenter struct{}

// NewMockSegmenter returns a segmenter marking a centered ellipse as
// foreground, a stand-in for the human segmentation model.
func NewMockSegmenter() Segmenter { return &mockSegmenter{} }

func (m *mockSegmenter) Segment(_ context.Context, img image.Image, _ float64) (*image.Alpha, error) {
	bounds := img.Bounds()
	mask := image.NewAlpha(bounds)
	cx := float64(bounds.Min.X+bounds.Max.X) / 2
	cy := float64(bounds.Min.Y+bounds.Max.Y) / 2
	rx := float64(bounds.Dx()) / 3
	ry := float64(bounds.Dy()) / 2.5
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			dx := (float64(x) - cx) / rx
			dy := (float64(y) - cy) / ry
			if dx*dx+dy*dy <= 1 {
				mask.SetAlpha(x, y, color.Alpha{A: 0xff})
			}
		}
	}
	return mask, nil
}

type mockBackgroundRemover struct{}

// NewMockBackgroundRemover returns a remover that blanks everything outside
// the mock segmenter's foreground ellipse.
func NewMockBackgroundRemover() BackgroundRemover { return &mockBackgroundRemover{} }

func (m *mockBackgroundRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	mask, err := NewMockSegmenter().Segment(ctx, img, 1)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if mask.AlphaAt(x, y).A > 0 {
				out.Set(x, y, img.At(x, y))
			}
		}
	}
	return out, nil
}

type mockSafetyChecker struct {
	flagEvery int
	count     atomic.Int64
}

// NewMockSafetyChecker flags every nth frame; n <= 0 never flags.
func NewMockSafetyChecker(flagEvery int) SafetyChecker {
	return &mockSafetyChecker{flagEvery: flagEvery}
}

func (m *mockSafetyChecker) Check(_ context.Context, _ image.Image) (bool, error) {
	if m.flagEvery <= 0 {
		return false, nil
	}
	n := m.count.Add(1)
	return n%int64(m.flagEvery) == 0, nil
}
