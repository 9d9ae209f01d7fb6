package render

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/target/exportd/internal/domain/model"
)

// presetFile is the on-disk layout of a preset catalogue:
//
//	presets:
//	  iphone-6.7: {format: png, width: 1290, height: 2796, scale: 2}
type presetFile struct {
	Presets map[string]model.RenderSettings `yaml:"presets"`
}

// BuiltinPresets returns the catalogue used when no presets file is configured.
func BuiltinPresets() model.PresetCatalog {
	return model.PresetCatalog{
		"iphone-6.7": {Format: model.ImageFormatPNG, Quality: 90, Width: 1290, Height: 2796, Scale: 2},
		"iphone-6.5": {Format: model.ImageFormatPNG, Quality: 90, Width: 1242, Height: 2688, Scale: 2},
		"ipad-12.9":  {Format: model.ImageFormatPNG, Quality: 90, Width: 2048, Height: 2732, Scale: 2},
		"android":    {Format: model.ImageFormatPNG, Quality: 90, Width: 1080, Height: 1920, Scale: 2},
		"web-jpeg":   {Format: model.ImageFormatJPEG, Quality: 80, Width: 1280, Height: 800, Scale: 1},
	}
}

// LoadPresets reads a YAML catalogue from path. An empty path returns the
// built-in catalogue.
func LoadPresets(path string) (model.PresetCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return BuiltinPresets(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open presets file: %w", err)
	}
	defer f.Close()
	return ParsePresets(f)
}

// ParsePresets decodes a YAML catalogue. Missing fields are filled from
// model.DefaultRenderSettings and every preset must validate.
func ParsePresets(r io.Reader) (model.PresetCatalog, error) {
	var file presetFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode presets: %w", err)
	}
	if len(file.Presets) == 0 {
		return nil, errors.New("presets file defines no presets")
	}

	catalog := make(model.PresetCatalog, len(file.Presets))
	var errs []error
	for name, settings := range file.Presets {
		settings = settings.WithDefaults(model.DefaultRenderSettings())
		if err := settings.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("preset %q: %w", name, err))
			continue
		}
		catalog[name] = settings
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return catalog, nil
}
