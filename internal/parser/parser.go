// Package parser turns raw source documents into an intermediate parse
// result: periods, an account registry and (account, period, amount) facts.
//
// Two document shapes are supported. The tabular report carries money
// columns with date metadata and a nested row tree; the hierarchical format
// carries per-period records with five line-item buckets. Both produce a
// ParserOutput which the normalizer consumes through a type switch.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when a document does not name its currency.
const DefaultCurrency = "USD"

// ErrUnknownFormat is returned when a document matches neither source shape.
var ErrUnknownFormat = errors.New("unknown document format")

// ParseError reports a document that could not be read or decoded at all.
// It is fatal for that document only.
type ParseError struct {
	Path   string
	Format domain.Source
	Err    error
}

func (e *ParseError) Error() string {
	where := e.Path
	if where == "" {
		where = "<stream>"
	}
	if e.Format != "" {
		return fmt.Sprintf("parse %s document %s: %v", e.Format, where, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", where, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Fact is one monetary observation for an account within a period.
type Fact struct {
	AccountID string          `json:"account_id"`
	PeriodKey string          `json:"period_key"`
	Amount    decimal.Decimal `json:"amount"`
}

// Diagnostic is a non-fatal observation the parser wants surfaced to the
// caller, such as a parent line item that looks like a roll-up of its
// children.
type Diagnostic struct {
	Code      string `json:"code"`
	AccountID string `json:"account_id"`
	PeriodKey string `json:"period_key"`
	Message   string `json:"message"`
}

// ParserOutput is the result of parsing one document. It is implemented only
// by *TabularOutput and *HierarchicalOutput.
type ParserOutput interface {
	Source() domain.Source
	Registry() *accounttree.Tree
	AllFacts() []Fact
	isParserOutput()
}

// TabularOutput is the parse result of a columnar report.
type TabularOutput struct {
	Currency   string
	ReportName string
	Periods    []domain.Period
	Accounts   *accounttree.Tree
	Facts      []Fact

	// Header and Columns keep the document sections used for the audit payload.
	Header  map[string]any
	Columns []any
}

func (o *TabularOutput) Source() domain.Source       { return domain.SourceTabular }
func (o *TabularOutput) Registry() *accounttree.Tree { return o.Accounts }
func (o *TabularOutput) AllFacts() []Fact            { return o.Facts }
func (o *TabularOutput) isParserOutput()             {}

// RecordSeed carries one hierarchical period record before normalization.
type RecordSeed struct {
	ID             string
	SourceRecordID string
	Period         domain.Period
	PeriodKey      string
	Currency       string
	Revenue        decimal.Decimal
	Expenses       decimal.Decimal
	BucketTotals   map[string]decimal.Decimal
	Raw            map[string]any
}

// HierarchicalOutput is the parse result of a nested category document.
type HierarchicalOutput struct {
	Seeds       []RecordSeed
	Accounts    *accounttree.Tree
	Facts       []Fact
	Diagnostics []Diagnostic
}

func (o *HierarchicalOutput) Source() domain.Source       { return domain.SourceHierarchical }
func (o *HierarchicalOutput) Registry() *accounttree.Tree { return o.Accounts }
func (o *HierarchicalOutput) AllFacts() []Fact            { return o.Facts }
func (o *HierarchicalOutput) isParserOutput()             {}

// Parser converts one decoded document into a ParserOutput.
type Parser interface {
	Format() domain.Source
	Parse(ctx context.Context, doc any) (ParserOutput, error)
}

// Detect identifies the source format from the document shape.
func Detect(doc any) (domain.Source, error) {
	root, ok := doc.(map[string]any)
	if !ok {
		return "", fmt.Errorf("Detect: top-level value is %T, want object: %w", doc, ErrUnknownFormat)
	}
	if _, ok := root["data"].([]any); ok {
		return domain.SourceHierarchical, nil
	}
	for _, key := range []string{"Rows", "Columns", "Header"} {
		if _, ok := root[key]; ok {
			return domain.SourceTabular, nil
		}
	}
	return "", fmt.Errorf("Detect: %w", ErrUnknownFormat)
}

// Options configures the parsers ParseBytes selects. The zero value uses
// DefaultCurrency and DefaultTypeRules.
type Options struct {
	DefaultCurrency string
	TypeRules       []TypeRule
}

// ForSource returns a fresh parser for the given source.
func (o Options) ForSource(src domain.Source) (Parser, error) {
	switch src {
	case domain.SourceTabular:
		p := NewTabularParser()
		if o.DefaultCurrency != "" {
			p.DefaultCurrency = o.DefaultCurrency
		}
		if o.TypeRules != nil {
			p.Rules = o.TypeRules
		}
		return p, nil
	case domain.SourceHierarchical:
		p := NewHierarchicalParser()
		if o.DefaultCurrency != "" {
			p.DefaultCurrency = o.DefaultCurrency
		}
		return p, nil
	}
	return nil, fmt.Errorf("ForSource: %q: %w", src, ErrUnknownFormat)
}

// ForSource returns a parser with default options.
func ForSource(src domain.Source) (Parser, error) {
	return Options{}.ForSource(src)
}

// ParseFile reads and parses the document at path.
func ParseFile(ctx context.Context, path string) (ParserOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return ParseBytes(ctx, data, filepath.Base(path))
}

// ParseReader reads the whole stream and parses it.
func ParseReader(ctx context.Context, r io.Reader, name string) (ParserOutput, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}
	return ParseBytes(ctx, data, name)
}

// ParseBytes decodes a JSON document, detects its format and parses it
// with default options.
func ParseBytes(ctx context.Context, data []byte, name string) (ParserOutput, error) {
	return Options{}.ParseBytes(ctx, data, name)
}

// ParseBytes decodes a JSON document, detects its format and parses it.
func (o Options) ParseBytes(ctx context.Context, data []byte, name string) (ParserOutput, error) {
	doc, err := Decode(data)
	if err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}
	src, err := Detect(doc)
	if err != nil {
		return nil, &ParseError{Path: name, Err: err}
	}
	p, err := o.ForSource(src)
	if err != nil {
		return nil, &ParseError{Path: name, Format: src, Err: err}
	}
	out, err := p.Parse(ctx, doc)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			if pe.Path == "" {
				pe.Path = name
			}
			return nil, pe
		}
		return nil, &ParseError{Path: name, Format: src, Err: err}
	}
	return out, nil
}

// Decode unmarshals JSON keeping numbers as json.Number so amounts convert
// to decimals without float rounding.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("Decode: unmarshal JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("Decode: trailing data after JSON value")
	}
	return doc, nil
}
