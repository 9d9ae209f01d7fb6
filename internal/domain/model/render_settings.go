package model

import (
	"errors"
	"fmt"
	"strings"
)

// ImageFormat is the encoding of a rendered artifact.
type ImageFormat string

const (
	// ImageFormatPNG encodes artifacts as PNG.
	ImageFormatPNG ImageFormat = "png"
	// ImageFormatJPEG encodes artifacts as JPEG.
	ImageFormatJPEG ImageFormat = "jpeg"
	// ImageFormatJPG is accepted as an alias of jpeg.
	ImageFormatJPG ImageFormat = "jpg"
)

// Render setting bounds.
const (
	MinQuality   = 1
	MaxQuality   = 100
	MaxDimension = 10000
	MinScale     = 1.0
	MaxScale     = 4.0
)

// RenderSettings is the immutable value object describing how items are rendered.
type RenderSettings struct {
	Format  ImageFormat `json:"format"  yaml:"format"`
	Quality int         `json:"quality" yaml:"quality"`
	Width   int         `json:"width"   yaml:"width"`
	Height  int         `json:"height"  yaml:"height"`
	Scale   float64     `json:"scale"   yaml:"scale"`
}

// DefaultRenderSettings returns the settings used when a request supplies none.
func DefaultRenderSettings() RenderSettings {
	return RenderSettings{
		Format:  ImageFormatPNG,
		Quality: 90,
		Width:   1290,
		Height:  2796,
		Scale:   2,
	}
}

// WithDefaults fills zero fields from base.
func (s RenderSettings) WithDefaults(base RenderSettings) RenderSettings {
	if s.Format == "" {
		s.Format = base.Format
	}
	if s.Quality == 0 {
		s.Quality = base.Quality
	}
	if s.Width == 0 {
		s.Width = base.Width
	}
	if s.Height == 0 {
		s.Height = base.Height
	}
	if s.Scale == 0 {
		s.Scale = base.Scale
	}
	s.Format = ImageFormat(strings.ToLower(strings.TrimSpace(string(s.Format))))
	return s
}

// Validate checks every field is within bounds.
func (s RenderSettings) Validate() error {
	switch s.Format {
	case ImageFormatPNG, ImageFormatJPEG, ImageFormatJPG:
	default:
		return fmt.Errorf("unsupported format %q", s.Format)
	}
	if s.Quality < MinQuality || s.Quality > MaxQuality {
		return fmt.Errorf("quality must be between %d and %d", MinQuality, MaxQuality)
	}
	if s.Width <= 0 || s.Width > MaxDimension || s.Height <= 0 || s.Height > MaxDimension {
		return fmt.Errorf("width and height must be between 1 and %d", MaxDimension)
	}
	if s.Scale < MinScale || s.Scale > MaxScale {
		return errors.New("scale must be between 1 and 4")
	}
	return nil
}

// Extension returns the file extension for artifacts rendered with these settings.
func (s RenderSettings) Extension() string {
	if s.Format == ImageFormatJPEG || s.Format == ImageFormatJPG {
		return "jpg"
	}
	return "png"
}

// ContentType returns the MIME type of rendered artifacts.
func (s RenderSettings) ContentType() string {
	if s.Format == ImageFormatJPEG || s.Format == ImageFormatJPG {
		return "image/jpeg"
	}
	return "image/png"
}

// PresetCatalog maps preset names (e.g. "iphone-6.7") to render settings.
type PresetCatalog map[string]RenderSettings

// Lookup resolves a preset name case-insensitively.
func (c PresetCatalog) Lookup(name string) (RenderSettings, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	for k, v := range c {
		if strings.ToLower(k) == key {
			return v, true
		}
	}
	return RenderSettings{}, false
}
