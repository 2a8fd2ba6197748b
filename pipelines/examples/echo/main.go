// Command echo is a minimal exec-mode pipeline for wiring tests: it reads the
// invocation payload from stdin and writes the input frame back as PNG. With
// no input frame it renders a flat field sized from the payload.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log"
	"os"
)

type payload struct {
	Fields map[string]any `json:"fields"`
	Width  int            `json:"width"`
	Height int            `json:"height"`
	Image  string         `json:"image,omitempty"`
}

func main() {
	var in payload
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		log.Fatalf("decode payload: %v", err)
	}

	var out image.Image
	if in.Image != "" {
		raw, err := base64.StdEncoding.DecodeString(in.Image)
		if err != nil {
			log.Fatalf("decode input frame: %v", err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			log.Fatalf("parse input frame: %v", err)
		}
		out = img
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, in.Width, in.Height))
		draw.Draw(rgba, rgba.Bounds(), &image.Uniform{C: color.RGBA{40, 40, 60, 255}}, image.Point{}, draw.Src)
		out = rgba
	}

	if err := png.Encode(os.Stdout, out); err != nil {
		log.Fatalf("encode output: %v", err)
	}
}
