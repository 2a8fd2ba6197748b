package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Input modes a pipeline can declare.
const (
	InputModeImage = "image"
	InputModeText  = "text"
)

// ParamSpec declares one parameter of the pipeline's input schema.
type ParamSpec struct {
	Type        string   `yaml:"type" json:"type"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Min         *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// Manifest describes a generative pipeline: identity, input schema and the
// modulation fields the orchestrator may override per invocation.
type Manifest struct {
	Name        string               `yaml:"name" json:"name"`
	Version     string               `yaml:"version" json:"version"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	InputMode   string               `yaml:"input_mode" json:"input_mode"`
	Width       int                  `yaml:"width" json:"width"`
	Height      int                  `yaml:"height" json:"height"`
	PageContent string               `yaml:"page_content,omitempty" json:"page_content,omitempty"`
	Params      map[string]ParamSpec `yaml:"params" json:"params"`
	Modulation  map[string]ParamSpec `yaml:"modulation,omitempty" json:"modulation,omitempty"`
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures a manifest contains required fields.
func Validate(m Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	switch m.InputMode {
	case InputModeImage, InputModeText:
	default:
		return fmt.Errorf("input_mode %q not supported", m.InputMode)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("width and height must be positive")
	}
	for name, spec := range m.Params {
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			return fmt.Errorf("params.%s: min exceeds max", name)
		}
	}
	for name, spec := range m.Modulation {
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			return fmt.Errorf("modulation.%s: min exceeds max", name)
		}
	}
	return nil
}

// Range is a declared closed interval for a numeric field. Nil bounds are open.
type Range struct {
	Min *float64
	Max *float64
}

// Contains reports whether v is inside the range.
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// ModulationRanges returns the declared ranges of the modulation schema.
func (m Manifest) ModulationRanges() map[string]Range {
	ranges := make(map[string]Range, len(m.Modulation))
	for name, spec := range m.Modulation {
		ranges[name] = Range{Min: spec.Min, Max: spec.Max}
	}
	return ranges
}

// CheckFields validates present numeric fields against the input schema.
func (m Manifest) CheckFields(fields map[string]any) error {
	for name, raw := range fields {
		spec, ok := m.Params[name]
		if !ok {
			continue
		}
		v, ok := asFloat(raw)
		if !ok {
			continue
		}
		r := Range{Min: spec.Min, Max: spec.Max}
		if !r.Contains(v) {
			return fmt.Errorf("field %s value %v outside declared range", name, raw)
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func floatPtr(v float64) *float64 { return &v }

// DefaultManifest is the built-in schema used when no manifest file is
// configured. It mirrors a 512x512 image-to-image pipeline.
func DefaultManifest() Manifest {
	return Manifest{
		Name:      "mirage-img2img",
		Version:   "1.0.0",
		InputMode: InputModeImage,
		Width:     512,
		Height:    512,
		PageContent: "# Mirage\n\nReal-time generative image streaming. Point a camera, " +
			"send parameters, watch frames come back.",
		Params: map[string]ParamSpec{
			"prompt":   {Type: "string", Default: ""},
			"seed":     {Type: "int", Default: 0},
			"strength": {Type: "float", Default: 0.7, Min: floatPtr(0), Max: floatPtr(1)},
			"steps":    {Type: "int", Default: 2, Min: floatPtr(1), Max: floatPtr(8)},
			"guidance": {Type: "float", Default: 1.0, Min: floatPtr(0), Max: floatPtr(20)},
		},
		Modulation: map[string]ParamSpec{
			"zoom_factor":              {Type: "float", Default: 1.0, Min: floatPtr(0.2), Max: floatPtr(3)},
			"x_shift":                  {Type: "int", Default: 0, Min: floatPtr(-256), Max: floatPtr(256)},
			"y_shift":                  {Type: "int", Default: 0, Min: floatPtr(-256), Max: floatPtr(256)},
			"acid_strength":            {Type: "float", Default: 0.11, Min: floatPtr(0), Max: floatPtr(1)},
			"acid_strength_foreground": {Type: "float", Default: 0.11, Min: floatPtr(0), Max: floatPtr(1)},
			"coef_noise":               {Type: "float", Default: 0.15, Min: floatPtr(0), Max: floatPtr(1)},
			"color_matching":           {Type: "float", Default: 0.5, Min: floatPtr(0), Max: floatPtr(1)},
			"brightness":               {Type: "float", Default: 1.0, Min: floatPtr(0), Max: floatPtr(4)},
			"resizing_factor":          {Type: "float", Default: 0.4, Min: floatPtr(0.05), Max: floatPtr(1)},
		},
	}
}
