// Package conflict decides which source's record wins when several sources
// describe the same accounting period, and reports every disagreement as a
// validation issue.
package conflict

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
)

// Issue codes.
const (
	CodeRevenueConflict  = "REVENUE_CONFLICT"
	CodeExpensesConflict = "EXPENSES_CONFLICT"
	CodeCurrencyConflict = "CURRENCY_CONFLICT"
)

var (
	// ErrNoRecords is returned when there is nothing to resolve.
	ErrNoRecords = errors.New("no records to resolve")
	// ErrPeriodMismatch is returned when candidates cover different periods.
	ErrPeriodMismatch = errors.New("records cover different periods")
)

// PriorityTable ranks sources; the higher number wins. Sources missing from
// the table rank 0.
type PriorityTable map[domain.Source]int

// DefaultPriorities prefers the tabular report over the hierarchical feed.
func DefaultPriorities() PriorityTable {
	return PriorityTable{
		domain.SourceTabular:      2,
		domain.SourceHierarchical: 1,
	}
}

// Priority returns the rank of src.
func (p PriorityTable) Priority(src domain.Source) int {
	return p[src]
}

// ParsePriorities reads "source=rank" pairs separated by commas, e.g.
// "tabular=2,hierarchical=1".
func ParsePriorities(s string) (PriorityTable, error) {
	table := PriorityTable{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rank, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("ParsePriorities: %q: want source=rank", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(rank))
		if err != nil {
			return nil, fmt.Errorf("ParsePriorities: %q: %w", pair, err)
		}
		table[domain.Source(strings.TrimSpace(name))] = n
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("ParsePriorities: empty priority table")
	}
	return table, nil
}

// Resolver picks winners using a priority table and a numeric tolerance.
type Resolver struct {
	priorities PriorityTable
	tolerance  decimal.Decimal
}

// NewResolver returns a resolver. A nil table means DefaultPriorities and a
// zero tolerance means 0.01.
func NewResolver(priorities PriorityTable, tolerance decimal.Decimal) *Resolver {
	if priorities == nil {
		priorities = DefaultPriorities()
	}
	if tolerance.IsZero() {
		tolerance = decimal.New(1, -2)
	}
	return &Resolver{priorities: priorities, tolerance: tolerance}
}

// Priorities returns the resolver's table.
func (r *Resolver) Priorities() PriorityTable {
	return r.priorities
}

// Rank orders records by descending source priority. Equal priorities keep
// their input order. The input slice is not modified.
func (r *Resolver) Rank(records []*domain.FinancialRecord) []*domain.FinancialRecord {
	ranked := slices.Clone(records)
	slices.SortStableFunc(ranked, func(a, b *domain.FinancialRecord) int {
		return r.priorities.Priority(b.Source) - r.priorities.Priority(a.Source)
	})
	return ranked
}

// Resolve returns the highest-priority record and one issue per field on
// which another candidate disagrees with it. A single candidate is returned
// unchanged with no issues.
func (r *Resolver) Resolve(records []*domain.FinancialRecord) (*domain.FinancialRecord, []domain.ValidationIssue, error) {
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("Resolve: %w", ErrNoRecords)
	}
	for i, rec := range records {
		if rec == nil {
			return nil, nil, fmt.Errorf("Resolve: record %d is nil: %w", i, ErrNoRecords)
		}
	}
	for _, rec := range records[1:] {
		if !rec.SamePeriod(records[0]) {
			return nil, nil, fmt.Errorf("Resolve: %s vs %s: %w",
				periodString(records[0]), periodString(rec), ErrPeriodMismatch)
		}
	}

	ranked := r.Rank(records)
	winner := ranked[0]

	var issues []domain.ValidationIssue
	for _, other := range ranked[1:] {
		if !winner.Revenue.Sub(other.Revenue).Abs().LessThanOrEqual(r.tolerance) {
			issues = append(issues, r.amountConflict(CodeRevenueConflict, "revenue", winner, other, winner.Revenue, other.Revenue))
		}
		if !winner.Expenses.Sub(other.Expenses).Abs().LessThanOrEqual(r.tolerance) {
			issues = append(issues, r.amountConflict(CodeExpensesConflict, "expenses", winner, other, winner.Expenses, other.Expenses))
		}
		if winner.Currency != other.Currency {
			issues = append(issues, domain.ValidationIssue{
				Severity: domain.SeverityError,
				Code:     CodeCurrencyConflict,
				Message: fmt.Sprintf("currency conflict: %s reports %s, %s reports %s; kept %s from %s",
					winner.Source, winner.Currency, other.Source, other.Currency, winner.Currency, winner.Source),
				Field:      "currency",
				Value:      other.Currency,
				Suggestion: "totals are not comparable across currencies; check both documents",
			})
		}
	}
	return winner, issues, nil
}

func (r *Resolver) amountConflict(code, field string, winner, other *domain.FinancialRecord, kept, dropped decimal.Decimal) domain.ValidationIssue {
	return domain.ValidationIssue{
		Severity: domain.SeverityWarning,
		Code:     code,
		Message: fmt.Sprintf("%s conflict: %s reports %s, %s reports %s; kept %s from %s",
			field, winner.Source, kept.StringFixed(2), other.Source, dropped.StringFixed(2), kept.StringFixed(2), winner.Source),
		Field:      field,
		Value:      dropped.StringFixed(2),
		Suggestion: fmt.Sprintf("review the %s document for this period", other.Source),
	}
}

func periodString(r *domain.FinancialRecord) string {
	return domain.PeriodKey(r.PeriodStart, r.PeriodEnd, "")
}
