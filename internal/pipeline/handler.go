package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-ingest/internal/jobs"
)

// JobHandler adapts the ingester to the jobs queue. Document errors are
// marked permanent so the queue does not retry malformed input.
func (i *Ingester) JobHandler() jobs.JobHandler {
	return func(ctx context.Context, job jobs.Job) error {
		j, ok := job.(*jobs.IngestDocumentJob)
		if !ok {
			return fmt.Errorf("JobHandler: unsupported job type %s: %w", job.GetType(), jobs.ErrPermanent)
		}

		out, err := i.Ingest(ctx, j.Location)
		if err != nil {
			if IsDocumentError(err) {
				return fmt.Errorf("JobHandler: %w: %w", jobs.ErrPermanent, err)
			}
			return fmt.Errorf("JobHandler: %w", err)
		}

		j.RecordIDs = out.Stored
		j.QualityScore = out.MinScore()
		return nil
	}
}
