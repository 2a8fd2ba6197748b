package audio

import (
	"context"
	"math"
	"sync"
)

type mockAnalyzer struct {
	mu   sync.Mutex
	bins int
	tick float64
}

// NewMockAnalyzer produces deterministic synthetic energies: each bin follows
// its own slow sine so controllers downstream see plausible motion.
func NewMockAnalyzer(bins int) Analyzer {
	if bins < 3 {
		bins = 3
	}
	return &mockAnalyzer{bins: bins}
}

func (m *mockAnalyzer) Features(_ context.Context) (Bins, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick++
	out := make(Bins, m.bins)
	for i := range out {
		phase := m.tick/20 + float64(i)*math.Pi/3
		out[i] = 0.5 + 0.5*math.Sin(phase)
	}
	return out, nil
}
