package pipeline

import (
	"context"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/normalize"
)

// RecordRepository persists normalized tuples.
// Implementations upsert records by (source, period_start, period_end),
// upsert accounts by account_id, and replace the record's account values.
type RecordRepository interface {
	// SaveNormalized stores one tuple in a single unit of work.
	SaveNormalized(ctx context.Context, res normalize.Result) error

	// FindRecord looks a record up by its upsert key. It returns an error
	// wrapping domain.ErrRecordNotFound when nothing is stored.
	FindRecord(ctx context.Context, source domain.Source, period domain.Period) (*domain.FinancialRecord, error)
}

// DocumentFetcher downloads documents addressed by gs:// URIs.
// gcs.Client implements it.
type DocumentFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}
