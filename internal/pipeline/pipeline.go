// Package pipeline wires loading, parsing, normalization and persistence of
// financial statements into one ingestion flow, for single documents and
// batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/gcs"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/dvloznov/finance-ingest/internal/normalize"
	"github.com/dvloznov/finance-ingest/internal/parser"
	"golang.org/x/sync/errgroup"
)

// Outcome reports what ingesting one document produced.
type Outcome struct {
	Location string             `json:"location"`
	Name     string             `json:"name,omitempty"`
	Source   domain.Source      `json:"source,omitempty"`
	Results  []normalize.Result `json:"results,omitempty"`
	Stored   []string           `json:"stored,omitempty"`
	Rejected []string           `json:"rejected,omitempty"`
	Error    string             `json:"error,omitempty"`

	// Err is the document-level failure, if any.
	Err error `json:"-"`
}

// MinScore is the lowest quality score among the outcome's tuples, or 0
// when there are none.
func (o Outcome) MinScore() float64 {
	if len(o.Results) == 0 {
		return 0
	}
	score := o.Results[0].Validation.QualityScore
	for _, r := range o.Results[1:] {
		if r.Validation.QualityScore < score {
			score = r.Validation.QualityScore
		}
	}
	return score
}

// IsDocumentError reports whether err is confined to one document: it is
// malformed or holds no period. Such errors never abort a batch and are not
// worth retrying.
func IsDocumentError(err error) bool {
	var pe *parser.ParseError
	var ne *normalize.NormalizationError
	return errors.As(err, &pe) || errors.As(err, &ne)
}

// Ingester runs the ingestion pipeline. It is safe for concurrent use when
// its repository is.
type Ingester struct {
	normalizer   *normalize.Normalizer
	repo         RecordRepository
	fetcher      DocumentFetcher
	parse        parser.Options
	workers      int
	storeInvalid bool
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithRepository persists valid tuples to repo.
func WithRepository(repo RecordRepository) Option {
	return func(i *Ingester) { i.repo = repo }
}

// WithFetcher enables gs:// locations.
func WithFetcher(f DocumentFetcher) Option {
	return func(i *Ingester) { i.fetcher = f }
}

// WithParserOptions sets the default currency and type rules for parsing.
func WithParserOptions(opts parser.Options) Option {
	return func(i *Ingester) { i.parse = opts }
}

// WithWorkers bounds batch concurrency.
func WithWorkers(n int) Option {
	return func(i *Ingester) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithStoreInvalid also persists tuples that failed validation.
func WithStoreInvalid(store bool) Option {
	return func(i *Ingester) { i.storeInvalid = store }
}

// New returns an Ingester. A nil normalizer uses defaults.
func New(n *normalize.Normalizer, opts ...Option) *Ingester {
	if n == nil {
		n = normalize.New(nil, nil)
	}
	i := &Ingester{normalizer: n, workers: DefaultWorkers}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// NewIngestionPipeline creates the standard load, parse, normalize and
// persist pipeline.
func (i *Ingester) NewIngestionPipeline() *Pipeline {
	return NewPipeline(
		&LoadDocumentStep{Fetcher: i.fetcher},
		&ParseDocumentStep{Options: i.parse},
		&NormalizeStep{Normalizer: i.normalizer},
		&PersistStep{Repo: i.repo, StoreInvalid: i.storeInvalid},
	)
}

// Ingest processes one document from a local path or a gs:// URI.
func (i *Ingester) Ingest(ctx context.Context, location string) (Outcome, error) {
	return i.run(ctx, &PipelineState{Location: location})
}

// IngestFile processes one local document.
func (i *Ingester) IngestFile(ctx context.Context, path string) (Outcome, error) {
	if gcs.IsURI(path) {
		return Outcome{Location: path}, fmt.Errorf("IngestFile: %s is a storage URI, use IngestURI", path)
	}
	return i.Ingest(ctx, path)
}

// IngestURI processes one document stored in Cloud Storage.
func (i *Ingester) IngestURI(ctx context.Context, uri string) (Outcome, error) {
	if _, _, err := gcs.ParseURI(uri); err != nil {
		return Outcome{Location: uri}, fmt.Errorf("IngestURI: %w", err)
	}
	return i.Ingest(ctx, uri)
}

// IngestBytes processes a document already in memory.
func (i *Ingester) IngestBytes(ctx context.Context, data []byte, name string) (Outcome, error) {
	if data == nil {
		data = []byte{}
	}
	return i.run(ctx, &PipelineState{Location: name, Name: name, Data: data})
}

func (i *Ingester) run(ctx context.Context, state *PipelineState) (Outcome, error) {
	log := logger.FromContext(ctx).With().Str("document", state.Location).Logger()

	err := i.NewIngestionPipeline().Execute(ctx, state)
	out := Outcome{
		Location: state.Location,
		Name:     state.Name,
		Results:  state.Results,
		Stored:   state.Stored,
		Rejected: state.Rejected,
	}
	if state.Output != nil {
		out.Source = state.Output.Source()
	}
	if err != nil {
		out.Err = err
		out.Error = truncate(err.Error())
		log.Error().Err(err).Msg("ingestion failed")
		return out, err
	}

	log.Info().
		Str("source", string(out.Source)).
		Int("records", len(out.Results)).
		Int("stored", len(out.Stored)).
		Int("rejected", len(out.Rejected)).
		Float64("quality_score", out.MinScore()).
		Msg("document ingested")
	return out, nil
}

// IngestBatch processes documents concurrently, at most WithWorkers at a
// time. Outcomes keep the order of locations. Document errors are recorded
// on the outcome; any other error cancels the rest of the batch and is
// returned.
func (i *Ingester) IngestBatch(ctx context.Context, locations []string) ([]Outcome, error) {
	outcomes := make([]Outcome, len(locations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)
	for idx, loc := range locations {
		g.Go(func() error {
			out, err := i.Ingest(gctx, loc)
			outcomes[idx] = out
			if err != nil && !IsDocumentError(err) {
				return fmt.Errorf("IngestBatch: %s: %w", loc, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// MergeSources groups tuples by period and merges each group that holds
// more than one tuple. Groups keep the order in which their period first
// appears.
func (i *Ingester) MergeSources(ctx context.Context, results []normalize.Result) ([]normalize.Result, error) {
	var order []string
	groups := make(map[string][]normalize.Result)
	for _, r := range results {
		if r.Record == nil {
			continue
		}
		key := domain.PeriodKey(r.Record.PeriodStart, r.Record.PeriodEnd, "")
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	merged := make([]normalize.Result, 0, len(order))
	for _, key := range order {
		res, err := i.normalizer.ResolveAndMerge(ctx, groups[key])
		if err != nil {
			return nil, fmt.Errorf("MergeSources: period %s: %w", key, err)
		}
		merged = append(merged, res)
	}
	return merged, nil
}

// Save persists already normalized tuples with the same acceptance rule as
// the pipeline's persist step.
func (i *Ingester) Save(ctx context.Context, results []normalize.Result) (stored, rejected []string, err error) {
	state := &PipelineState{Name: "merge", Results: results}
	step := &PersistStep{Repo: i.repo, StoreInvalid: i.storeInvalid}
	if err := step.Execute(ctx, state); err != nil {
		return state.Stored, state.Rejected, fmt.Errorf("Save: %w", err)
	}
	return state.Stored, state.Rejected, nil
}

// truncate shortens msg to at most maxErrorLen bytes without splitting a rune.
func truncate(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
