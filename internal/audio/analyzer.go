package audio

import (
	"context"
	"fmt"

	"github.com/miragelabs/mirage-core/internal/config"
)

// Bins is one analysis window of grouped frequency energies, ordered from the
// lowest band to the highest. Transient; never persisted.
type Bins []float64

// Analyzer is the contract for the process-wide audio feature extractor.
// There is one physical input, so the orchestrator holds a single instance
// and passes it around as an explicit handle.
type Analyzer interface {
	Features(ctx context.Context) (Bins, error)
}

// New builds an analyzer from config.
func New(cfg config.AudioConfig) (Analyzer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockAnalyzer(cfg.FrequencyBins), nil
	case "exec":
		return NewExecAnalyzer(cfg)
	default:
		return nil, fmt.Errorf("audio.mode %q not supported", cfg.Mode)
	}
}
