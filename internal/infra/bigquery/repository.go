// Package bigquery stores normalized financial records in BigQuery and
// applies the dataset's schema migrations.
package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/normalize"
	"google.golang.org/api/iterator"
)

// Table names.
const (
	recordsTable  = "financial_records"
	accountsTable = "accounts"
	valuesTable   = "account_values"
)

// Repository is the BigQuery implementation of pipeline.RecordRepository.
// It holds a shared client; call Close when done.
type Repository struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewRepository creates a repository with its own client.
func NewRepository(ctx context.Context, projectID, datasetID string) (*Repository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: creating client: %w", err)
	}
	return NewRepositoryWithClient(client, projectID, datasetID), nil
}

// NewRepositoryWithClient wraps an existing client.
func NewRepositoryWithClient(client *bigquery.Client, projectID, datasetID string) *Repository {
	return &Repository{client: client, projectID: projectID, datasetID: datasetID}
}

// Close closes the BigQuery client connection.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client exposes the underlying client, e.g. for migrations.
func (r *Repository) Client() *bigquery.Client {
	return r.client
}

func (r *Repository) table(name string) string {
	return tableRef(r.projectID, r.datasetID, name)
}

func tableRef(projectID, datasetID, name string) string {
	return "`" + projectID + "." + datasetID + "." + name + "`"
}

// saveScript upserts one record, its accounts and values in a single
// multi-statement transaction. A row under the same (source, period) with
// another id is replaced and its created_ts carried over.
func saveScript(records, accounts, values string) string {
	return fmt.Sprintf(`
		DECLARE created TIMESTAMP DEFAULT (
			SELECT MIN(created_ts) FROM %[1]s
			WHERE source = @source AND period_start = @period_start AND period_end = @period_end
		);

		BEGIN TRANSACTION;

		DELETE FROM %[3]s
		WHERE financial_record_id IN (
			SELECT id FROM %[1]s
			WHERE source = @source AND period_start = @period_start AND period_end = @period_end
		) OR financial_record_id = @id;

		DELETE FROM %[1]s
		WHERE source = @source AND period_start = @period_start AND period_end = @period_end
		  AND id != @id;

		MERGE %[1]s T
		USING (SELECT @id AS id) S
		ON T.id = S.id
		WHEN MATCHED THEN UPDATE SET
			currency = @currency,
			revenue = @revenue,
			expenses = @expenses,
			net_profit = @net_profit,
			raw_data = PARSE_JSON(@raw_data),
			is_valid = @is_valid,
			quality_score = @quality_score,
			issues = PARSE_JSON(@issues),
			updated_ts = @updated_ts
		WHEN NOT MATCHED THEN INSERT (
			id, source, period_start, period_end, currency,
			revenue, expenses, net_profit, raw_data,
			is_valid, quality_score, issues, created_ts, updated_ts
		) VALUES (
			@id, @source, @period_start, @period_end, @currency,
			@revenue, @expenses, @net_profit, PARSE_JSON(@raw_data),
			@is_valid, @quality_score, PARSE_JSON(@issues), COALESCE(created, @created_ts), @updated_ts
		);

		MERGE %[2]s T
		USING UNNEST(@account_rows) S
		ON T.account_id = S.account_id
		WHEN MATCHED THEN UPDATE SET
			name = S.name,
			account_type = S.account_type,
			parent_account_id = S.parent_account_id,
			source = S.source,
			description = S.description,
			is_active = S.is_active
		WHEN NOT MATCHED THEN INSERT (
			account_id, name, account_type, parent_account_id, source, description, is_active
		) VALUES (
			S.account_id, S.name, S.account_type, S.parent_account_id, S.source, S.description, S.is_active
		);

		INSERT INTO %[3]s (account_id, financial_record_id, value, created_ts)
		SELECT account_id, financial_record_id, value, created_ts FROM UNNEST(@value_rows);

		COMMIT TRANSACTION;
	`, records, accounts, values)
}

// SaveNormalized upserts a tuple.
func (r *Repository) SaveNormalized(ctx context.Context, res normalize.Result) error {
	if res.Record == nil {
		return fmt.Errorf("SaveNormalized: result has no record")
	}
	params, err := saveParameters(res, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("SaveNormalized: %w", err)
	}

	q := r.client.Query(saveScript(r.table(recordsTable), r.table(accountsTable), r.table(valuesTable)))
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("SaveNormalized: running script: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("SaveNormalized: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("SaveNormalized: job error: %w", err)
	}
	return nil
}

// saveParameters builds the named parameters for saveScript. Zero
// timestamps are replaced by now.
func saveParameters(res normalize.Result, now time.Time) ([]bigquery.QueryParameter, error) {
	row, err := NewRecordRow(res.Record, res.Validation)
	if err != nil {
		return nil, err
	}
	if row.CreatedTS.IsZero() {
		row.CreatedTS = now
	}
	if row.UpdatedTS.IsZero() {
		row.UpdatedTS = now
	}

	accounts := make([]AccountRow, 0, len(res.Accounts))
	for _, a := range res.Accounts {
		accounts = append(accounts, NewAccountRow(a))
	}
	values := make([]AccountValueRow, 0, len(res.Values))
	for _, v := range res.Values {
		vr := NewAccountValueRow(row.ID, v)
		if vr.CreatedTS.IsZero() {
			vr.CreatedTS = now
		}
		values = append(values, vr)
	}

	return []bigquery.QueryParameter{
		{Name: "id", Value: row.ID},
		{Name: "source", Value: row.Source},
		{Name: "period_start", Value: row.PeriodStart},
		{Name: "period_end", Value: row.PeriodEnd},
		{Name: "currency", Value: row.Currency},
		{Name: "revenue", Value: row.Revenue},
		{Name: "expenses", Value: row.Expenses},
		{Name: "net_profit", Value: row.NetProfit},
		{Name: "raw_data", Value: jsonParam(row.RawData)},
		{Name: "is_valid", Value: row.IsValid},
		{Name: "quality_score", Value: row.QualityScore},
		{Name: "issues", Value: jsonParam(row.Issues)},
		{Name: "created_ts", Value: row.CreatedTS},
		{Name: "updated_ts", Value: row.UpdatedTS},
		{Name: "account_rows", Value: accounts},
		{Name: "value_rows", Value: values},
	}, nil
}

// jsonParam passes JSON as a nullable string; the script parses it.
func jsonParam(j bigquery.NullJSON) bigquery.NullString {
	return bigquery.NullString{StringVal: j.JSONVal, Valid: j.Valid}
}

const recordColumns = `
	id, source, period_start, period_end, currency,
	revenue, expenses, net_profit, raw_data,
	is_valid, quality_score, issues, created_ts, updated_ts`

// FindRecord looks a record up by source and period.
func (r *Repository) FindRecord(ctx context.Context, source domain.Source, period domain.Period) (*domain.FinancialRecord, error) {
	q := r.client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE source = @source AND period_start = @period_start AND period_end = @period_end
		LIMIT 1
	`, recordColumns, r.table(recordsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "source", Value: string(source)},
		{Name: "period_start", Value: civil.DateOf(period.Start)},
		{Name: "period_end", Value: civil.DateOf(period.End)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("FindRecord: reading query: %w", err)
	}

	var row RecordRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, fmt.Errorf("FindRecord: %s %s: %w", source, period.Key(""), domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("FindRecord: iterating: %w", err)
	}
	rec, _, err := row.Record()
	if err != nil {
		return nil, fmt.Errorf("FindRecord: %w", err)
	}
	return rec, nil
}

// ListRecordsByPeriod returns records whose period starts within
// [start, end], ordered by period start then source.
func (r *Repository) ListRecordsByPeriod(ctx context.Context, start, end time.Time) ([]*domain.FinancialRecord, error) {
	q := r.client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE period_start >= @start_date AND period_start <= @end_date
		ORDER BY period_start, period_end, source
	`, recordColumns, r.table(recordsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "start_date", Value: civil.DateOf(start)},
		{Name: "end_date", Value: civil.DateOf(end)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRecordsByPeriod: query read: %w", err)
	}

	var out []*domain.FinancialRecord
	for {
		var row RecordRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRecordsByPeriod: iter next: %w", err)
		}
		rec, _, err := row.Record()
		if err != nil {
			return nil, fmt.Errorf("ListRecordsByPeriod: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
