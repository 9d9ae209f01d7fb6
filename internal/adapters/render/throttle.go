package render

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

// Throttled limits how often the wrapped engine is called across every worker
// in the process.
type Throttled struct {
	next    core.RenderEngine
	limiter *rate.Limiter
}

// NewThrottled allows perSecond renders per second with the given burst. A
// non-positive rate disables the limit and returns next unchanged.
func NewThrottled(next core.RenderEngine, perSecond float64, burst int) core.RenderEngine {
	if perSecond <= 0 {
		return next
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))}
}

// Render waits for a token, then delegates.
func (t *Throttled) Render(ctx context.Context, settings model.RenderSettings, itemRef string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Wait fails early when the deadline cannot fit the delay.
		return nil, apperrors.Transient(err, "render throttled")
	}
	return t.next.Render(ctx, settings, itemRef)
}
