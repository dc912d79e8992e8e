// Package normalize maps parser output onto the canonical ledger model
// (FinancialRecord, Account, AccountValue), validates it, and merges tuples
// describing the same period from several sources.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/conflict"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/dvloznov/finance-ingest/internal/parser"
	"github.com/dvloznov/finance-ingest/internal/validation"
	"github.com/shopspring/decimal"
)

// CodeSuspectedRollup is the issue raised for parser roll-up diagnostics.
const CodeSuspectedRollup = parser.DiagSuspectedRollup

// ErrNothingToMerge is returned by ResolveAndMerge for empty input.
var ErrNothingToMerge = errors.New("nothing to merge")

// NormalizationError means the parser output holds no period bounds at all,
// so no record can be built.
type NormalizationError struct {
	Source domain.Source
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s document: %s", e.Source, e.Reason)
}

// Result is one normalized tuple: a record, the accounts it references, its
// account values and the validation outcome.
type Result struct {
	Record     *domain.FinancialRecord `json:"record"`
	Accounts   []domain.Account        `json:"accounts"`
	Values     []domain.AccountValue   `json:"values"`
	Validation domain.ValidationResult `json:"validation"`
}

// Normalizer builds canonical tuples. It is safe for concurrent use.
type Normalizer struct {
	validator *validation.Validator
	resolver  *conflict.Resolver
	types     map[string]domain.AccountType
	now       func() time.Time
}

// Option customizes a Normalizer.
type Option func(*Normalizer)

// WithTypeTable replaces the source type lookup table.
func WithTypeTable(table map[string]domain.AccountType) Option {
	return func(n *Normalizer) { n.types = table }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New returns a Normalizer. Nil collaborators fall back to defaults.
func New(v *validation.Validator, r *conflict.Resolver, opts ...Option) *Normalizer {
	if v == nil {
		v = validation.New(validation.DefaultConfig())
	}
	if r == nil {
		r = conflict.NewResolver(nil, v.Config().Tolerance)
	}
	n := &Normalizer{
		validator: v,
		resolver:  r,
		types:     DefaultTypeTable,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// slice is the source-independent view of one record's worth of parser
// output.
type slice struct {
	key      string
	period   domain.Period
	recordID string
	currency string
	// totals are set for sources that pre-aggregate; otherwise totals come
	// from the facts.
	totals      *[2]decimal.Decimal
	facts       []parser.Fact
	diagnostics []parser.Diagnostic
	fragment    any
}

// auditPayload is stored as the record's raw data.
type auditPayload struct {
	SourceFile   string    `json:"source_file,omitempty"`
	Source       string    `json:"source"`
	PeriodKey    string    `json:"period_key"`
	NormalizedAt time.Time `json:"normalized_at"`
	Document     any       `json:"document,omitempty"`
}

// Normalize converts a parse result into one tuple. A single-period
// document yields that period's record; a multi-period document yields one
// record spanning all of its periods. Use NormalizePeriods for one tuple
// per period.
func (n *Normalizer) Normalize(ctx context.Context, out parser.ParserOutput, sourceFile string) (Result, error) {
	slices, err := n.slices(out)
	if err != nil {
		return Result{}, fmt.Errorf("Normalize: %w", err)
	}
	s := slices[0]
	if len(slices) > 1 {
		s = n.span(out, slices)
	}
	return n.build(ctx, out.Source(), out.Registry(), s, sourceFile), nil
}

// NormalizePeriods converts a parse result into one tuple per period, in
// document order.
func (n *Normalizer) NormalizePeriods(ctx context.Context, out parser.ParserOutput, sourceFile string) ([]Result, error) {
	slices, err := n.slices(out)
	if err != nil {
		return nil, fmt.Errorf("NormalizePeriods: %w", err)
	}
	results := make([]Result, 0, len(slices))
	for _, s := range slices {
		results = append(results, n.build(ctx, out.Source(), out.Registry(), s, sourceFile))
	}
	return results, nil
}

func (n *Normalizer) slices(out parser.ParserOutput) ([]slice, error) {
	if out == nil {
		return nil, &NormalizationError{Reason: "no parser output"}
	}
	switch o := out.(type) {
	case *parser.TabularOutput:
		return tabularSlices(o)
	case *parser.HierarchicalOutput:
		return hierarchicalSlices(o)
	}
	return nil, &NormalizationError{Source: out.Source(), Reason: fmt.Sprintf("unsupported parser output %T", out)}
}

func tabularSlices(o *parser.TabularOutput) ([]slice, error) {
	if len(o.Periods) == 0 {
		return nil, &NormalizationError{Source: domain.SourceTabular, Reason: "no money columns with period dates"}
	}
	byKey := groupFacts(o.Facts)
	out := make([]slice, 0, len(o.Periods))
	seen := make(map[string]bool, len(o.Periods))
	for _, p := range o.Periods {
		key := p.Key("")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, slice{
			key:      key,
			period:   p,
			recordID: domain.RecordID(domain.SourceTabular, key),
			currency: o.Currency,
			facts:    byKey[key],
			fragment: map[string]any{"Header": o.Header, "Period": p},
		})
	}
	return out, nil
}

func hierarchicalSlices(o *parser.HierarchicalOutput) ([]slice, error) {
	if len(o.Seeds) == 0 {
		return nil, &NormalizationError{Source: domain.SourceHierarchical, Reason: "no period records with usable dates"}
	}
	byKey := groupFacts(o.Facts)
	diags := make(map[string][]parser.Diagnostic)
	for _, d := range o.Diagnostics {
		diags[d.PeriodKey] = append(diags[d.PeriodKey], d)
	}

	out := make([]slice, 0, len(o.Seeds))
	for _, seed := range o.Seeds {
		id := seed.ID
		if id == "" {
			id = domain.RecordID(domain.SourceHierarchical, seed.PeriodKey)
		}
		out = append(out, slice{
			key:         seed.PeriodKey,
			period:      seed.Period,
			recordID:    id,
			currency:    seed.Currency,
			totals:      &[2]decimal.Decimal{seed.Revenue, seed.Expenses},
			facts:       byKey[seed.PeriodKey],
			diagnostics: diags[seed.PeriodKey],
			fragment:    seed.Raw,
		})
	}
	return out, nil
}

// span folds several slices into one covering the earliest start to the
// latest end.
func (n *Normalizer) span(out parser.ParserOutput, slices []slice) slice {
	period := slices[0].period
	var facts []parser.Fact
	var diags []parser.Diagnostic
	var totals *[2]decimal.Decimal
	for _, s := range slices {
		if s.period.Start.Before(period.Start) {
			period.Start = s.period.Start
		}
		if s.period.End.After(period.End) {
			period.End = s.period.End
		}
		facts = append(facts, s.facts...)
		diags = append(diags, s.diagnostics...)
		if s.totals != nil {
			if totals == nil {
				totals = &[2]decimal.Decimal{}
			}
			totals[0] = totals[0].Add(s.totals[0])
			totals[1] = totals[1].Add(s.totals[1])
		}
	}
	period.Label = ""
	key := period.Key("")

	var fragment any
	switch o := out.(type) {
	case *parser.TabularOutput:
		fragment = map[string]any{"Header": o.Header, "Columns": o.Columns}
	case *parser.HierarchicalOutput:
		raws := make([]any, 0, len(o.Seeds))
		for _, seed := range o.Seeds {
			raws = append(raws, seed.Raw)
		}
		fragment = map[string]any{"data": raws}
	}

	return slice{
		key:         key,
		period:      period,
		recordID:    domain.RecordID(out.Source(), key),
		currency:    slices[0].currency,
		totals:      totals,
		facts:       facts,
		diagnostics: diags,
		fragment:    fragment,
	}
}

func groupFacts(facts []parser.Fact) map[string][]parser.Fact {
	byKey := make(map[string][]parser.Fact)
	for _, f := range facts {
		byKey[f.PeriodKey] = append(byKey[f.PeriodKey], f)
	}
	return byKey
}

// CanonicalAccountID maps a parser account id onto the canonical one.
// Ids taken from the document, and ids derived beneath one, are prefixed
// with the source, so "1" in a tabular report and "1" in a hierarchical
// statement stay distinct. Purely name-derived ids are shared across sources.
func CanonicalAccountID(src domain.Source, registry *accounttree.Tree, id string) string {
	if id == "" {
		return ""
	}
	for _, cur := range append([]string{id}, registry.Ancestors(id)...) {
		if node, ok := registry.Get(cur); ok && node.Explicit {
			return string(src) + ":" + id
		}
	}
	return id
}

func (n *Normalizer) build(ctx context.Context, src domain.Source, registry *accounttree.Tree, s slice, sourceFile string) Result {
	now := n.now().UTC()

	nodes := registry.Nodes()
	accounts := make([]domain.Account, 0, len(nodes))
	types := make(map[string]domain.AccountType, len(nodes))
	for _, node := range nodes {
		t := canonicalType(n.types, node)
		types[node.ID] = t
		accounts = append(accounts, domain.Account{
			AccountID:       CanonicalAccountID(src, registry, node.ID),
			Name:            node.Name,
			AccountType:     t,
			ParentAccountID: CanonicalAccountID(src, registry, node.ParentID),
			Source:          src,
			Description:     node.SourceType,
			IsActive:        true,
		})
	}

	sums := make(map[string]decimal.Decimal)
	var order []string
	for _, f := range s.facts {
		if _, ok := sums[f.AccountID]; !ok {
			order = append(order, f.AccountID)
		}
		sums[f.AccountID] = sums[f.AccountID].Add(f.Amount)
	}

	revenue, expenses := decimal.Zero, decimal.Zero
	values := make([]domain.AccountValue, 0, len(order))
	for _, id := range order {
		v := sums[id]
		switch types[id] {
		case domain.AccountTypeRevenue:
			revenue = revenue.Add(v)
		case domain.AccountTypeExpense:
			expenses = expenses.Add(v)
		}
		if v.IsZero() {
			continue
		}
		values = append(values, domain.AccountValue{
			AccountID:         CanonicalAccountID(src, registry, id),
			FinancialRecordID: s.recordID,
			Value:             v,
			CreatedAt:         now,
		})
	}
	if s.totals != nil {
		revenue, expenses = s.totals[0], s.totals[1]
	}

	raw, err := json.Marshal(auditPayload{
		SourceFile:   sourceFile,
		Source:       string(src),
		PeriodKey:    s.key,
		NormalizedAt: now,
		Document:     s.fragment,
	})
	if err != nil {
		// The fragment came from a JSON decoder; drop it rather than fail.
		raw, _ = json.Marshal(auditPayload{SourceFile: sourceFile, Source: string(src), PeriodKey: s.key, NormalizedAt: now})
	}

	record := &domain.FinancialRecord{
		ID:          s.recordID,
		Source:      src,
		PeriodStart: s.period.Start,
		PeriodEnd:   s.period.End,
		Currency:    strings.ToUpper(strings.TrimSpace(s.currency)),
		Revenue:     revenue,
		Expenses:    expenses,
		NetProfit:   revenue.Sub(expenses),
		RawData:     raw,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res := n.validator.Validate(record, accounts, values)
	if len(s.diagnostics) > 0 {
		issues := append([]domain.ValidationIssue(nil), res.Issues...)
		for _, d := range s.diagnostics {
			issues = append(issues, domain.ValidationIssue{
				Severity:   domain.SeverityInfo,
				Code:       d.Code,
				Message:    d.Message,
				Field:      "account_id",
				Value:      CanonicalAccountID(src, registry, d.AccountID),
				Suggestion: "confirm whether the parent value already includes its line items",
			})
		}
		res = domain.NewValidationResult(issues)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("source", string(src)).
		Str("record_id", record.ID).
		Str("period_key", s.key).
		Int("accounts", len(accounts)).
		Int("values", len(values)).
		Float64("quality_score", res.QualityScore).
		Bool("is_valid", res.IsValid).
		Msg("normalized record")

	return Result{Record: record, Accounts: accounts, Values: values, Validation: res}
}
