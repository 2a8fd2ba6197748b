package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/miragelabs/mirage-core/internal/config"
)

type execAnalyzer struct {
	cmd  []string
	bins int
	mu   sync.Mutex
}

// NewExecAnalyzer shells out to an external capture process which prints one
// JSON array of binned energies per run. The device index is appended as the
// final argument.
func NewExecAnalyzer(cfg config.AudioConfig) (Analyzer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command empty")
	}
	args = append(args, strconv.Itoa(cfg.DeviceIndex))
	return &execAnalyzer{cmd: args, bins: cfg.FrequencyBins}, nil
}

func (a *execAnalyzer) Features(ctx context.Context) (Bins, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := a.cmd[0]
	args := append([]string{}, a.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("audio exec command failed: %w", err)
	}

	var bins Bins
	if err := json.Unmarshal(output, &bins); err != nil {
		return nil, fmt.Errorf("decode audio features: %w", err)
	}
	if len(bins) < a.bins {
		return nil, fmt.Errorf("audio features returned %d bins, want %d", len(bins), a.bins)
	}
	return bins, nil
}
