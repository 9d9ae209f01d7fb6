package core

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/target/exportd/internal/domain/model"
)

// ArtifactKey is the deterministic storage key of item index of job, so a
// re-run attempt overwrites rather than duplicates its outputs.
func ArtifactKey(job *model.ExportJob, index int) string {
	name := fmt.Sprintf("export_%s_%d.%s", job.ID, index, job.RenderSettings.Extension())
	return path.Join("exports", safeSegment(job.OwnerID), job.ID, name)
}

// ArchiveKey is the storage key of a job's aggregate archive.
func ArchiveKey(ownerID, jobID string) string {
	return path.Join("exports", safeSegment(ownerID), jobID, "export.zip")
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}

// MultiPublisher delivers each event to every publisher and joins their errors.
type MultiPublisher []ProgressPublisher

// Publish implements ProgressPublisher.
func (m MultiPublisher) Publish(ctx context.Context, evt model.ProgressEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
