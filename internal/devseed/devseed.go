// Package devseed populates a development deployment with sample source
// images and a handful of export jobs that exercise every job kind.
package devseed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
	"github.com/target/exportd/internal/service"
)

// DefaultOwner owns every seeded job.
const DefaultOwner = "dev-seed"

// sourceCount is the number of generated sample images.
const sourceCount = 4

// Services bundles the dependencies needed for development seeding.
type Services struct {
	Storage core.Storage
	Export  *service.ExportService
}

// Result reports what a seeding run produced.
type Result struct {
	SourceRefs []string
	Jobs       []*model.ExportJob
}

// Run stores the sample images and submits jobs covering every kind plus one
// that fails on a missing source.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) (Result, error) {
	if svcs.Storage == nil || svcs.Export == nil {
		return Result{}, errors.New("devseed requires storage and the export service")
	}
	if logger == nil {
		logger = slog.Default()
	}

	refs, err := seedSources(ctx, svcs.Storage, logger)
	if err != nil {
		return Result{}, err
	}

	res := Result{SourceRefs: refs}
	failures := 0
	for _, req := range defaultJobRequests(refs) {
		job, serr := svcs.Export.Submit(ctx, req)
		if serr != nil {
			logger.ErrorContext(ctx, "failed to submit seed job", "kind", req.Kind, "error", serr)
			failures++
			continue
		}
		logger.InfoContext(ctx, "seed job submitted", "job_id", job.ID, "kind", job.Kind, "items", len(job.ItemRefs))
		res.Jobs = append(res.Jobs, job)
	}
	if failures > 0 {
		return res, fmt.Errorf("%d seed errors; check logs", failures)
	}
	return res, nil
}

func seedSources(ctx context.Context, st core.Storage, logger *slog.Logger) ([]string, error) {
	refs := make([]string, 0, sourceCount)
	for i := range sourceCount {
		key := fmt.Sprintf("sources/%s/sample_%d.png", DefaultOwner, i+1)
		body, err := samplePNG(i)
		if err != nil {
			return nil, fmt.Errorf("encode sample %d: %w", i+1, err)
		}
		ref, err := st.Put(ctx, key, bytes.NewReader(body), "image/png")
		if err != nil {
			return nil, fmt.Errorf("store sample %d: %w", i+1, err)
		}
		logger.DebugContext(ctx, "seed source stored", "ref", ref)
		refs = append(refs, ref)
	}
	return refs, nil
}

func defaultJobRequests(refs []string) []model.SubmitRequest {
	return []model.SubmitRequest{
		{
			OwnerID:  DefaultOwner,
			ItemRefs: refs[:1],
			Kind:     model.JobKindSingle,
			Preset:   "web-jpeg",
		},
		{
			OwnerID:  DefaultOwner,
			ItemRefs: refs,
			Kind:     model.JobKindBatch,
			Preset:   "iphone-6.7",
			Priority: model.PriorityHigh,
		},
		{
			OwnerID:        DefaultOwner,
			ItemRefs:       refs,
			Kind:           model.JobKindAggregate,
			RenderSettings: &model.RenderSettings{Format: model.ImageFormatPNG, Width: 640, Height: 480, Scale: 1},
			Priority:       model.PriorityLow,
		},
		{
			// Points at a source that does not exist so the failure path can be inspected.
			OwnerID:  DefaultOwner,
			ItemRefs: []string{refs[0], "local://sources/" + DefaultOwner + "/missing.png"},
			Kind:     model.JobKindBatch,
		},
	}
}

// samplePNG draws a two-colour gradient that differs per index.
func samplePNG(index int) ([]byte, error) {
	const w, h = 320, 240
	palette := []color.RGBA{
		{R: 0xe6, G: 0x39, B: 0x46, A: 0xff},
		{R: 0x45, G: 0x7b, B: 0x9d, A: 0xff},
		{R: 0x2a, G: 0x9d, B: 0x8f, A: 0xff},
		{R: 0xf4, G: 0xa2, B: 0x61, A: 0xff},
	}
	from := palette[index%len(palette)]
	to := palette[(index+1)%len(palette)]

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, lerp(from, to, x+y, w+h-2))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode sample png")
	}
	return buf.Bytes(), nil
}

func lerp(a, b color.RGBA, step, steps int) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8((int(x)*(steps-step) + int(y)*step) / steps) //nolint:gosec // result stays within 0-255
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 0xff}
}
