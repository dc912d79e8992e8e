package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/gcs"
	"github.com/dvloznov/finance-ingest/internal/infra/bigquery"
	"github.com/dvloznov/finance-ingest/internal/normalize"
	"github.com/dvloznov/finance-ingest/internal/parser"
	"github.com/dvloznov/finance-ingest/internal/pipeline"
	"github.com/dvloznov/finance-ingest/internal/store/sqlite"
)

// ErrDocumentsFailed is returned when a batch finished but some documents
// could not be ingested.
var ErrDocumentsFailed = errors.New("some documents failed")

type parseSummary struct {
	Location    string              `json:"location"`
	Source      domain.Source       `json:"source"`
	Periods     []domain.Period     `json:"periods"`
	Accounts    []accounttree.Node  `json:"accounts"`
	Facts       []parser.Fact       `json:"facts"`
	Diagnostics []parser.Diagnostic `json:"diagnostics,omitempty"`
}

func summarize(location string, out parser.ParserOutput) parseSummary {
	s := parseSummary{
		Location: location,
		Source:   out.Source(),
		Accounts: out.Registry().Nodes(),
		Facts:    out.AllFacts(),
	}
	switch o := out.(type) {
	case *parser.TabularOutput:
		s.Periods = o.Periods
	case *parser.HierarchicalOutput:
		for _, seed := range o.Seeds {
			s.Periods = append(s.Periods, seed.Period)
		}
		s.Diagnostics = o.Diagnostics
	}
	return s
}

type ParseCmd struct {
	Location string `arg:"" help:"Statement path or gs:// URI."`
}

func (c *ParseCmd) Run(a *app) error {
	state, err := a.load(c.Location)
	if err != nil {
		return err
	}
	return a.printJSON(summarize(c.Location, state.Output))
}

type NormalizeCmd struct {
	Location  string `arg:"" help:"Statement path or gs:// URI."`
	PerPeriod bool   `help:"Emit one record per period instead of a single span record."`
}

func (c *NormalizeCmd) Run(a *app) error {
	state, err := a.load(c.Location)
	if err != nil {
		return err
	}

	n := a.normalizer()
	if c.PerPeriod {
		results, err := n.NormalizePeriods(a.ctx, state.Output, state.Name)
		if err != nil {
			return err
		}
		return a.printJSON(results)
	}
	res, err := n.Normalize(a.ctx, state.Output, state.Name)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

type MergeCmd struct {
	StoreFlags `embed:""`

	Locations []string `arg:"" help:"Statement paths or gs:// URIs. A URI ending in / names every statement under that prefix."`
}

type mergeOutput struct {
	Records  []normalize.Result `json:"records"`
	Stored   []string           `json:"stored,omitempty"`
	Rejected []string           `json:"rejected,omitempty"`
}

func (c *MergeCmd) Run(a *app) error {
	locations, err := a.expand(c.Locations)
	if err != nil {
		return err
	}

	// Documents are normalized without a repository; only the merged
	// records are stored.
	reader, closeReader, err := a.ingester(nil, locations)
	if err != nil {
		return err
	}
	defer closeReader()

	outcomes, err := reader.IngestBatch(a.ctx, locations)
	if err != nil {
		return err
	}
	var results []normalize.Result
	for _, out := range outcomes {
		if out.Err != nil {
			return out.Err
		}
		results = append(results, out.Results...)
	}

	writer, closeWriter, err := a.ingester(&c.StoreFlags, nil)
	if err != nil {
		return err
	}
	defer closeWriter()

	merged, err := writer.MergeSources(a.ctx, results)
	if err != nil {
		return err
	}
	stored, rejected, err := writer.Save(a.ctx, merged)
	if err != nil {
		return err
	}
	return a.printJSON(mergeOutput{Records: merged, Stored: stored, Rejected: rejected})
}

type IngestCmd struct {
	StoreFlags `embed:""`

	Locations []string `arg:"" help:"Statement paths or gs:// URIs. A URI ending in / names every statement under that prefix."`
}

func (c *IngestCmd) Run(a *app) error {
	locations, err := a.expand(c.Locations)
	if err != nil {
		return err
	}

	ing, closeAll, err := a.ingester(&c.StoreFlags, locations)
	if err != nil {
		return err
	}
	defer closeAll()

	outcomes, err := ing.IngestBatch(a.ctx, locations)
	if err != nil {
		return err
	}
	if err := a.printJSON(outcomes); err != nil {
		return err
	}

	failed := 0
	for _, out := range outcomes {
		if out.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d: %w", failed, len(outcomes), ErrDocumentsFailed)
	}
	return nil
}

type UploadCmd struct {
	File   string `arg:"" type:"existingfile" help:"Local statement to upload."`
	Bucket string `help:"Bucket name. Defaults to GCS_BUCKET."`
	Object string `help:"Object name. Defaults to the file name."`
}

func (c *UploadCmd) Run(a *app) error {
	bucket := c.Bucket
	if bucket == "" {
		bucket = a.cfg.GCSBucket
	}
	if bucket == "" {
		return fmt.Errorf("upload: --bucket or GCS_BUCKET is required")
	}
	object := c.Object
	if object == "" {
		object = filepath.Base(c.File)
	}

	client, err := gcs.NewClient(a.ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	a.log.Info().
		Str("bucket", bucket).
		Str("object", object).
		Str("file", c.File).
		Msg("Uploading statement")

	if err := client.UploadFile(a.ctx, bucket, object, c.File); err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, gcs.ObjectURI(bucket, object))
	return err
}

type MigrateCmd struct {
	AppliedBy string `help:"Recorded with each applied migration." default:"ingest-cli"`
}

func (c *MigrateCmd) Run(a *app) error {
	if a.cfg.BQProject == "" {
		return fmt.Errorf("migrate: BQ_PROJECT is required")
	}
	repo, err := bigquery.NewRepository(a.ctx, a.cfg.BQProject, a.cfg.BQDataset)
	if err != nil {
		return err
	}
	defer repo.Close()

	m := bigquery.NewMigrator(repo.Client(), a.cfg.BQProject, a.cfg.BQDataset, c.AppliedBy)
	applied, err := m.Apply(a.ctx, bigquery.Migrations())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "applied %d migration(s)\n", applied)
	return err
}

type ListCmd struct {
	SQLite    string `help:"SQLite database file. Defaults to INGEST_SQLITE_PATH." name:"sqlite" type:"path"`
	Source    string `help:"Only records from this source: tabular or hierarchical."`
	From      string `help:"Earliest period start (YYYY-MM-DD)."`
	To        string `help:"Latest period start (YYYY-MM-DD)."`
	ValidOnly bool   `help:"Only records that passed validation."`
	Limit     int    `help:"Maximum number of records."`
}

func (c *ListCmd) filter() (sqlite.RecordFilter, error) {
	f := sqlite.RecordFilter{
		Source:    domain.Source(c.Source),
		ValidOnly: c.ValidOnly,
		Limit:     c.Limit,
	}
	if c.Source != "" && !f.Source.Valid() {
		return f, fmt.Errorf("list: unknown source %q", c.Source)
	}
	var err error
	if c.From != "" {
		if f.From, err = time.Parse(domain.DateLayout, c.From); err != nil {
			return f, fmt.Errorf("list: --from: %w", err)
		}
	}
	if c.To != "" {
		if f.To, err = time.Parse(domain.DateLayout, c.To); err != nil {
			return f, fmt.Errorf("list: --to: %w", err)
		}
	}
	return f, nil
}

func (c *ListCmd) Run(a *app) error {
	path := c.SQLite
	if path == "" {
		path = a.cfg.SQLitePath
	}
	if path == "" {
		return fmt.Errorf("list: --sqlite or INGEST_SQLITE_PATH is required")
	}
	f, err := c.filter()
	if err != nil {
		return err
	}

	store, err := sqlite.New(path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListRecords(a.ctx, f)
	if err != nil {
		return err
	}
	return a.printJSON(records)
}

// compile-time checks
var (
	_ pipeline.RecordRepository = (*sqlite.Store)(nil)
	_ pipeline.RecordRepository = (*bigquery.Repository)(nil)
	_ pipeline.DocumentFetcher  = (*gcs.Client)(nil)
)
