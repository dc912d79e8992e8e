package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dvloznov/finance-ingest/internal/gcs"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/dvloznov/finance-ingest/internal/normalize"
	"github.com/dvloznov/finance-ingest/internal/parser"
)

// ErrNoFetcher is returned when a gs:// document is ingested without a
// DocumentFetcher.
var ErrNoFetcher = errors.New("no document fetcher configured")

// PipelineStep represents a single step in the ingestion pipeline.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	// Location is a local path or a gs:// URI.
	Location string
	// Name identifies the document in errors and audit data.
	Name string
	Data []byte

	Output  parser.ParserOutput
	Results []normalize.Result

	// Stored and Rejected hold record ids.
	Stored   []string
	Rejected []string
}

// LoadDocumentStep reads the document bytes. State that already carries
// bytes is left alone.
type LoadDocumentStep struct {
	Fetcher DocumentFetcher
}

func (s *LoadDocumentStep) Name() string { return "load" }

func (s *LoadDocumentStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Data != nil {
		if state.Name == "" {
			state.Name = state.Location
		}
		return nil
	}

	if gcs.IsURI(state.Location) {
		if s.Fetcher == nil {
			return fmt.Errorf("LoadDocumentStep: %s: %w", state.Location, ErrNoFetcher)
		}
		data, err := s.Fetcher.Fetch(ctx, state.Location)
		if err != nil {
			return fmt.Errorf("LoadDocumentStep: fetch %s: %w", state.Location, err)
		}
		state.Data = data
		state.Name = gcs.ExtractFilename(state.Location)
		return nil
	}

	data, err := os.ReadFile(state.Location)
	if err != nil {
		return &parser.ParseError{Path: state.Location, Err: err}
	}
	state.Data = data
	state.Name = filepath.Base(state.Location)
	return nil
}

// ParseDocumentStep detects the format and parses the bytes.
type ParseDocumentStep struct {
	Options parser.Options
}

func (s *ParseDocumentStep) Name() string { return "parse" }

func (s *ParseDocumentStep) Execute(ctx context.Context, state *PipelineState) error {
	out, err := s.Options.ParseBytes(ctx, state.Data, state.Name)
	if err != nil {
		return err
	}
	state.Output = out
	return nil
}

// NormalizeStep builds one validated tuple per period.
type NormalizeStep struct {
	Normalizer *normalize.Normalizer
}

func (s *NormalizeStep) Name() string { return "normalize" }

func (s *NormalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	results, err := s.Normalizer.NormalizePeriods(ctx, state.Output, state.Name)
	if err != nil {
		return err
	}
	state.Results = results
	return nil
}

// PersistStep saves valid tuples. Tuples with Error or Critical issues are
// rejected unless StoreInvalid is set. A nil Repo records nothing.
type PersistStep struct {
	Repo         RecordRepository
	StoreInvalid bool
}

func (s *PersistStep) Name() string { return "persist" }

func (s *PersistStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Repo == nil {
		return nil
	}
	log := logger.FromContext(ctx)
	for _, res := range state.Results {
		if !res.Validation.IsValid && !s.StoreInvalid {
			log.Warn().
				Str("document", state.Name).
				Str("record_id", res.Record.ID).
				Float64("quality_score", res.Validation.QualityScore).
				Int("issues", len(res.Validation.Issues)).
				Msg("rejecting invalid record")
			state.Rejected = append(state.Rejected, res.Record.ID)
			continue
		}
		if err := s.Repo.SaveNormalized(ctx, res); err != nil {
			return fmt.Errorf("PersistStep: save record %s: %w", res.Record.ID, err)
		}
		state.Stored = append(state.Stored, res.Record.ID)
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially. The context is checked between steps.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
	}
	return nil
}
