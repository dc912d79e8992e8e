package conflict

import (
	"testing"
	"time"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(src domain.Source, revenue, expenses, currency string) *domain.FinancialRecord {
	rev := decimal.RequireFromString(revenue)
	exp := decimal.RequireFromString(expenses)
	return &domain.FinancialRecord{
		ID:          string(src) + "-rec",
		Source:      src,
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Currency:    currency,
		Revenue:     rev,
		Expenses:    exp,
		NetProfit:   rev.Sub(exp),
	}
}

func TestResolve_SingleRecordIsIdentity(t *testing.T) {
	rec := record(domain.SourceHierarchical, "100", "40", "USD")
	winner, issues, err := NewResolver(nil, decimal.Zero).Resolve([]*domain.FinancialRecord{rec})

	require.NoError(t, err)
	assert.Same(t, rec, winner)
	assert.Empty(t, issues)
}

func TestResolve_PriorityWins(t *testing.T) {
	hier := record(domain.SourceHierarchical, "100", "40", "USD")
	tab := record(domain.SourceTabular, "120", "40", "USD")

	winner, issues, err := NewResolver(nil, decimal.Zero).Resolve([]*domain.FinancialRecord{hier, tab})

	require.NoError(t, err)
	assert.Same(t, tab, winner)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeRevenueConflict, issues[0].Code)
	assert.Equal(t, domain.SeverityWarning, issues[0].Severity)
	assert.Contains(t, issues[0].Message, "120.00")
	assert.Contains(t, issues[0].Message, "100.00")
	assert.Contains(t, issues[0].Message, "kept 120.00 from tabular")
}

func TestResolve_CustomPriorities(t *testing.T) {
	hier := record(domain.SourceHierarchical, "100", "40", "USD")
	tab := record(domain.SourceTabular, "100", "45", "USD")

	table := PriorityTable{domain.SourceHierarchical: 5, domain.SourceTabular: 1}
	winner, issues, err := NewResolver(table, decimal.Zero).Resolve([]*domain.FinancialRecord{tab, hier})

	require.NoError(t, err)
	assert.Same(t, hier, winner)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeExpensesConflict, issues[0].Code)
}

func TestResolve_WithinToleranceAgrees(t *testing.T) {
	a := record(domain.SourceTabular, "100.00", "40.00", "USD")
	b := record(domain.SourceHierarchical, "100.01", "39.99", "USD")

	_, issues, err := NewResolver(nil, decimal.Zero).Resolve([]*domain.FinancialRecord{a, b})
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestResolve_CurrencyConflictIsError(t *testing.T) {
	a := record(domain.SourceTabular, "100", "40", "USD")
	b := record(domain.SourceHierarchical, "100", "40", "EUR")

	_, issues, err := NewResolver(nil, decimal.Zero).Resolve([]*domain.FinancialRecord{a, b})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, CodeCurrencyConflict, issues[0].Code)
	assert.Equal(t, domain.SeverityError, issues[0].Severity)
}

func TestResolve_Errors(t *testing.T) {
	r := NewResolver(nil, decimal.Zero)

	_, _, err := r.Resolve(nil)
	assert.ErrorIs(t, err, ErrNoRecords)

	a := record(domain.SourceTabular, "1", "1", "USD")
	b := record(domain.SourceHierarchical, "1", "1", "USD")
	b.PeriodEnd = b.PeriodEnd.AddDate(0, 1, 0)
	_, _, err = r.Resolve([]*domain.FinancialRecord{a, b})
	assert.ErrorIs(t, err, ErrPeriodMismatch)
}

func TestRank_StableForEqualPriority(t *testing.T) {
	a := record("alpha", "1", "1", "USD")
	b := record("beta", "1", "1", "USD")
	c := record(domain.SourceTabular, "1", "1", "USD")

	ranked := NewResolver(nil, decimal.Zero).Rank([]*domain.FinancialRecord{a, b, c})
	require.Len(t, ranked, 3)
	assert.Same(t, c, ranked[0])
	assert.Same(t, a, ranked[1])
	assert.Same(t, b, ranked[2])
}

func TestParsePriorities(t *testing.T) {
	table, err := ParsePriorities(" tabular=3, hierarchical = 7 ,")
	require.NoError(t, err)
	assert.Equal(t, 3, table.Priority(domain.SourceTabular))
	assert.Equal(t, 7, table.Priority(domain.SourceHierarchical))
	assert.Equal(t, 0, table.Priority("other"))

	_, err = ParsePriorities("tabular")
	assert.Error(t, err)
	_, err = ParsePriorities("tabular=high")
	assert.Error(t, err)
	_, err = ParsePriorities("")
	assert.Error(t, err)
}
