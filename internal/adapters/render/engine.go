// Package render implements core.RenderEngine by decoding the source item from
// storage and fitting it onto a canvas of the requested size.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register decoder
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register decoder

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

// DefaultBackground is the canvas colour behind letterboxed items (#f5f5f7).
var DefaultBackground = color.RGBA{R: 0xf5, G: 0xf5, B: 0xf7, A: 0xff}

// DefaultMaxSourceBytes bounds how much of a source item is read.
const DefaultMaxSourceBytes = 64 << 20

var _ core.RenderEngine = (*Engine)(nil)

// Engine renders source images held in a core.Storage.
type Engine struct {
	sources    core.Storage
	background color.Color
	maxSource  int64
	scaler     draw.Scaler
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackground sets the canvas colour.
func WithBackground(c color.Color) Option {
	return func(e *Engine) { e.background = c }
}

// WithMaxSourceBytes bounds the size of a source item.
func WithMaxSourceBytes(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSource = n
		}
	}
}

// NewEngine returns an engine reading items from sources.
func NewEngine(sources core.Storage, opts ...Option) *Engine {
	e := &Engine{
		sources:    sources,
		background: DefaultBackground,
		maxSource:  DefaultMaxSourceBytes,
		scaler:     draw.CatmullRom,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Render decodes itemRef and returns it encoded per settings. Missing or
// undecodable sources are permanent failures; storage I/O errors are transient.
func (e *Engine) Render(ctx context.Context, settings model.RenderSettings, itemRef string) ([]byte, error) {
	if err := settings.Validate(); err != nil {
		return nil, apperrors.Permanent(err, "invalid render settings")
	}
	src, err := e.load(ctx, itemRef)
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	w, h := OutputSize(settings)
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(e.background), image.Point{}, draw.Src)
	e.scaler.Scale(canvas, fitInside(src.Bounds(), canvas.Bounds()), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err = encode(&buf, canvas, settings); err != nil {
		return nil, apperrors.Permanent(err, "encode rendered image")
	}
	return buf.Bytes(), nil
}

func (e *Engine) load(ctx context.Context, itemRef string) (image.Image, error) {
	rc, err := e.sources.Open(ctx, itemRef)
	if err != nil {
		if apperrors.IsNotFound(err) || apperrors.IsValidation(err) || apperrors.IsPermanent(err) {
			return nil, apperrors.Permanent(err, fmt.Sprintf("source item %s unavailable", itemRef))
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperrors.Transient(err, fmt.Sprintf("open source item %s", itemRef))
	}
	defer rc.Close()

	limited := io.LimitReader(rc, e.maxSource+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, apperrors.Transient(err, fmt.Sprintf("read source item %s", itemRef))
	}
	if int64(len(raw)) > e.maxSource {
		return nil, apperrors.Permanent(nil, fmt.Sprintf("source item %s exceeds %d bytes", itemRef, e.maxSource))
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Permanent(err, fmt.Sprintf("decode source item %s", itemRef))
	}
	return img, nil
}

// OutputSize returns the pixel size for settings: width and height multiplied
// by scale, shrunk proportionally so neither side exceeds model.MaxDimension.
func OutputSize(s model.RenderSettings) (int, int) {
	w := float64(s.Width) * s.Scale
	h := float64(s.Height) * s.Scale
	if m := math.Max(w, h); m > model.MaxDimension {
		f := model.MaxDimension / m
		w *= f
		h *= f
	}
	return max(int(math.Round(w)), 1), max(int(math.Round(h)), 1)
}

// fitInside returns the largest rectangle with src's aspect ratio centred in dst.
func fitInside(src, dst image.Rectangle) image.Rectangle {
	sw, sh := float64(src.Dx()), float64(src.Dy())
	if sw == 0 || sh == 0 {
		return image.Rectangle{}
	}
	f := math.Min(float64(dst.Dx())/sw, float64(dst.Dy())/sh)
	w := max(int(math.Round(sw*f)), 1)
	h := max(int(math.Round(sh*f)), 1)
	x := dst.Min.X + (dst.Dx()-w)/2
	y := dst.Min.Y + (dst.Dy()-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func encode(w io.Writer, img image.Image, s model.RenderSettings) error {
	switch s.Format {
	case model.ImageFormatJPEG, model.ImageFormatJPG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: s.Quality})
	default:
		enc := png.Encoder{CompressionLevel: pngCompression(s.Quality)}
		return enc.Encode(w, img)
	}
}

// pngCompression maps quality onto a zlib effort; PNG stays lossless.
func pngCompression(quality int) png.CompressionLevel {
	switch {
	case quality >= 90:
		return png.BestCompression
	case quality <= 30:
		return png.BestSpeed
	default:
		return png.DefaultCompression
	}
}
