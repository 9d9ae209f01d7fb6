package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	apperrors "github.com/target/exportd/internal/errors"
)

// ArchiveContentType is the content type of aggregate archives.
const ArchiveContentType = "application/zip"

var _ core.Aggregator = (*Aggregator)(nil)

// AggregatorOptions groups dependencies for Aggregator.
type AggregatorOptions struct {
	Storage      core.Storage      // Required: source of artifacts and destination of the archive
	Logger       *slog.Logger      // Optional: structured logger
	TimeProvider data.TimeProvider // Optional: modification time written into entries
}

// Aggregator bundles a job's artifacts into one zip archive. Entries are
// streamed from storage straight into the archive upload, so at most one
// artifact is buffered at a time.
type Aggregator struct {
	storage core.Storage
	logger  *slog.Logger
	clock   data.TimeProvider
}

// NewAggregator constructs a new Aggregator.
func NewAggregator(opts AggregatorOptions) (*Aggregator, error) {
	if opts.Storage == nil {
		return nil, errors.New("Storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &Aggregator{
		storage: opts.Storage,
		logger:  logger.With("component", "aggregator"),
		clock:   clock,
	}, nil
}

// Aggregate writes artifactRefs, in order, into the job's archive and returns
// the archive ref. Entries are named item_<n>.<ext> with n starting at 1.
func (a *Aggregator) Aggregate(ctx context.Context, jobID, ownerID string, artifactRefs []string) (string, error) {
	if len(artifactRefs) == 0 {
		return "", apperrors.Validationf("export job %s has no artifacts to aggregate", jobID)
	}

	start := a.clock.Now()
	pr, pw := io.Pipe()
	// The pipe, not a shared context, stops the peer when one side fails.
	var g errgroup.Group

	var writeErr, putErr error
	g.Go(func() error {
		writeErr = a.writeArchive(ctx, pw, artifactRefs, start)
		pw.CloseWithError(writeErr)
		return writeErr
	})

	var ref string
	g.Go(func() error {
		ref, putErr = a.storage.Put(ctx, core.ArchiveKey(ownerID, jobID), pr, ArchiveContentType)
		// Unblocks the writer when Put stops reading early.
		pr.CloseWithError(putErr)
		return putErr
	})

	_ = g.Wait()
	switch {
	case putErr != nil && (writeErr == nil || errors.Is(writeErr, putErr)):
		return "", fmt.Errorf("store archive: %w", putErr)
	case writeErr != nil:
		return "", writeErr
	}

	a.logger.DebugContext(ctx, "archive written",
		"job_id", jobID,
		"entries", len(artifactRefs),
		"duration", a.clock.Now().Sub(start),
	)
	return ref, nil
}

func (a *Aggregator) writeArchive(ctx context.Context, w io.Writer, refs []string, modified time.Time) error {
	zw := zip.NewWriter(w)
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.writeEntry(ctx, zw, EntryName(i, ref), ref, modified); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func (a *Aggregator) writeEntry(ctx context.Context, zw *zip.Writer, name, ref string, modified time.Time) error {
	rc, err := a.storage.Open(ctx, ref)
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", ref, err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			a.logger.WarnContext(ctx, "close artifact", "ref", ref, "error", cerr)
		}
	}()

	// Rendered images are already compressed.
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: modified})
	if err != nil {
		return fmt.Errorf("add archive entry %s: %w", name, err)
	}
	if _, err = io.Copy(fw, rc); err != nil {
		return fmt.Errorf("copy artifact %s: %w", ref, err)
	}
	return nil
}

// EntryName returns the archive entry name of the artifact at index.
func EntryName(index int, ref string) string {
	ext := strings.TrimPrefix(path.Ext(ref), ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("item_%d.%s", index+1, ext)
}
