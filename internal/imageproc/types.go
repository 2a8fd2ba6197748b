package imageproc

import (
	"context"
	"image"
)

// Segmenter produces a foreground mask for a frame. External collaborator;
// failures are logged by callers and processing continues without a mask.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, resizingFactor float64) (*image.Alpha, error)
}

// BackgroundRemover strips the background from a frame. External collaborator.
type BackgroundRemover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// SafetyChecker flags frames that must not be emitted. External collaborator.
type SafetyChecker interface {
	Check(ctx context.Context, img image.Image) (flagged bool, err error)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}
