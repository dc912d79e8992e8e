package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dvloznov/finance-ingest/internal/config"
	"github.com/dvloznov/finance-ingest/internal/conflict"
	"github.com/dvloznov/finance-ingest/internal/gcs"
	"github.com/dvloznov/finance-ingest/internal/infra/bigquery"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/dvloznov/finance-ingest/internal/normalize"
	"github.com/dvloznov/finance-ingest/internal/parser"
	"github.com/dvloznov/finance-ingest/internal/pipeline"
	"github.com/dvloznov/finance-ingest/internal/store/sqlite"
	"github.com/dvloznov/finance-ingest/internal/validation"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// Globals are flags shared by every command. Flags that are set override
// the environment read by config.FromEnv.
type Globals struct {
	LogLevel        string `help:"Log level: debug, info, warn or error."`
	Workers         int    `help:"Documents processed concurrently."`
	DefaultCurrency string `help:"Currency for documents that name none."`
}

// StoreFlags select where records are written. Without either flag,
// INGEST_SQLITE_PATH is used when set.
type StoreFlags struct {
	SQLite       string `help:"SQLite database file." name:"sqlite" type:"path"`
	BigQuery     bool   `help:"Store records in BigQuery (BQ_PROJECT, BQ_DATASET)." name:"bigquery"`
	StoreInvalid bool   `help:"Also store records that failed validation."`
}

type app struct {
	ctx context.Context
	cfg config.Config
	log zerolog.Logger
	out io.Writer
}

func newApp(ctx context.Context, g Globals, out io.Writer) (*app, error) {
	return newAppWithLookup(ctx, g, out, os.LookupEnv)
}

func newAppWithLookup(ctx context.Context, g Globals, out io.Writer, lookup func(string) (string, bool)) (*app, error) {
	cfg, err := config.FromLookup(lookup)
	if err != nil {
		return nil, fmt.Errorf("newApp: %w", err)
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	if g.Workers > 0 {
		cfg.Workers = g.Workers
	}
	if g.DefaultCurrency != "" {
		cfg.DefaultCurrency = g.DefaultCurrency
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("newApp: %w", err)
	}

	log := logger.NewWithLevel(cfg.Level())
	return &app{
		ctx: logger.WithContext(ctx, log),
		cfg: cfg,
		log: log,
		out: out,
	}, nil
}

func (a *app) normalizer() *normalize.Normalizer {
	return normalize.New(
		validation.New(a.cfg.Validation()),
		conflict.NewResolver(a.cfg.SourcePriority, a.cfg.Tolerance),
	)
}

func (a *app) parserOptions() parser.Options {
	return parser.Options{DefaultCurrency: a.cfg.DefaultCurrency}
}

// ingester builds an Ingester. A nil store means records are not persisted.
// The returned func releases the repository and storage clients.
func (a *app) ingester(store *StoreFlags, locations []string) (*pipeline.Ingester, func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.log.Warn().Err(err).Msg("close failed")
			}
		}
	}

	opts := []pipeline.Option{
		pipeline.WithParserOptions(a.parserOptions()),
		pipeline.WithWorkers(a.cfg.Workers),
	}

	if store != nil {
		repo, closeRepo, err := a.repository(*store)
		if err != nil {
			return nil, nil, err
		}
		if repo != nil {
			closers = append(closers, closeRepo)
			opts = append(opts, pipeline.WithRepository(repo), pipeline.WithStoreInvalid(store.StoreInvalid))
		}
	}

	if needsFetcher(locations) {
		client, err := gcs.NewClient(a.ctx)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("ingester: %w", err)
		}
		closers = append(closers, client.Close)
		opts = append(opts, pipeline.WithFetcher(client))
	}

	return pipeline.New(a.normalizer(), opts...), closeAll, nil
}

// repository opens the store selected by flags, or returns nil when none is.
func (a *app) repository(store StoreFlags) (pipeline.RecordRepository, func() error, error) {
	if store.SQLite == "" && !store.BigQuery {
		store.SQLite = a.cfg.SQLitePath
	}
	switch {
	case store.BigQuery && store.SQLite != "":
		return nil, nil, fmt.Errorf("repository: choose either --sqlite or --bigquery")
	case store.BigQuery:
		if a.cfg.BQProject == "" {
			return nil, nil, fmt.Errorf("repository: BQ_PROJECT is required with --bigquery")
		}
		repo, err := bigquery.NewRepository(a.ctx, a.cfg.BQProject, a.cfg.BQDataset)
		if err != nil {
			return nil, nil, fmt.Errorf("repository: %w", err)
		}
		return repo, repo.Close, nil
	case store.SQLite != "":
		repo, err := sqlite.New(store.SQLite)
		if err != nil {
			return nil, nil, fmt.Errorf("repository: %w", err)
		}
		return repo, repo.Close, nil
	}
	return nil, nil, nil
}

// objectLister is the part of gcs.StorageService expand needs.
type objectLister interface {
	List(ctx context.Context, bucketName, prefix string) ([]string, error)
}

// expand replaces gs:// prefixes (URIs ending in /) by the statements
// stored under them.
func (a *app) expand(locations []string) ([]string, error) {
	if !slices.ContainsFunc(locations, isPrefixURI) {
		return locations, nil
	}
	client, err := gcs.NewClient(a.ctx)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	defer client.Close()
	return expandLocations(a.ctx, client, locations)
}

func isPrefixURI(loc string) bool {
	return gcs.IsURI(loc) && strings.HasSuffix(loc, "/")
}

func expandLocations(ctx context.Context, lister objectLister, locations []string) ([]string, error) {
	out := make([]string, 0, len(locations))
	for _, loc := range locations {
		if !isPrefixURI(loc) {
			out = append(out, loc)
			continue
		}
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(loc, gcs.URIScheme), "/")
		if bucket == "" {
			return nil, fmt.Errorf("expandLocations: invalid prefix %s", loc)
		}
		uris, err := lister.List(ctx, bucket, prefix)
		if err != nil {
			return nil, fmt.Errorf("expandLocations: %w", err)
		}
		for _, uri := range uris {
			if isStatement(uri) {
				out = append(out, uri)
			}
		}
	}
	return out, nil
}

func needsFetcher(locations []string) bool {
	for _, loc := range locations {
		if gcs.IsURI(loc) {
			return true
		}
	}
	return false
}

// load reads and parses one document through the pipeline's own steps.
func (a *app) load(location string) (*pipeline.PipelineState, error) {
	var fetcher pipeline.DocumentFetcher
	if gcs.IsURI(location) {
		client, err := gcs.NewClient(a.ctx)
		if err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
		defer client.Close()
		fetcher = client
	}

	state := &pipeline.PipelineState{Location: location}
	p := pipeline.NewPipeline(
		&pipeline.LoadDocumentStep{Fetcher: fetcher},
		&pipeline.ParseDocumentStep{Options: a.parserOptions()},
	)
	if err := p.Execute(a.ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
