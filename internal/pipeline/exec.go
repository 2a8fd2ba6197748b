package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/png"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execPredictor struct {
	manifest Manifest
	cmd      []string
}

// NewExecPredictor wraps a subprocess pipeline: parameters go in as JSON on
// stdin, the rendered frame comes back as PNG on stdout.
func NewExecPredictor(m Manifest, command string) (Predictor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("pipeline command empty")
	}
	return &execPredictor{manifest: m, cmd: args}, nil
}

func (p *execPredictor) Info() Manifest {
	return p.manifest
}

func (p *execPredictor) Predict(ctx context.Context, params *ParameterSet) (image.Image, error) {
	payload := map[string]any{
		"fields": params.Fields,
		"width":  p.manifest.Width,
		"height": p.manifest.Height,
	}
	if len(params.Image) > 0 {
		payload["image"] = base64.StdEncoding.EncodeToString(params.Image)
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	base := p.cmd[0]
	args := append([]string{}, p.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pipeline exec command failed: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(output))
	if err != nil {
		return nil, fmt.Errorf("decode pipeline output: %w", err)
	}
	return img, nil
}
