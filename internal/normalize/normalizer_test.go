package normalize

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/conflict"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/dvloznov/finance-ingest/internal/parser"
	"github.com/dvloznov/finance-ingest/internal/validation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioA = `{
  "Header": {"ReportName": "ProfitAndLoss", "Currency": "USD"},
  "Columns": {"Column": [
    {"ColTitle": "", "ColType": "Account"},
    {"ColTitle": "Jan 2024", "ColType": "Money", "MetaData": [
      {"Name": "StartDate", "Value": "2024-01-01"},
      {"Name": "EndDate", "Value": "2024-01-31"}
    ]}
  ]},
  "Rows": {"Row": [
    {"ColData": [{"value": "Service Revenue", "id": "1"}, {"value": "10000.00"}]},
    {
      "Header": {"ColData": [{"value": "Expenses"}]},
      "Rows": {"Row": [
        {"ColData": [{"value": "Office Rent", "id": "7"}, {"value": "2000.00"}]}
      ]}
    }
  ]}
}`

const twoMonths = `{
  "Header": {"Currency": "usd"},
  "Columns": {"Column": [
    {"ColType": "Account"},
    {"ColTitle": "Jan", "ColType": "Money", "MetaData": [
      {"Name": "StartDate", "Value": "2024-01-01"}, {"Name": "EndDate", "Value": "2024-01-31"}]},
    {"ColTitle": "Feb", "ColType": "Money", "MetaData": [
      {"Name": "StartDate", "Value": "2024-02-01"}, {"Name": "EndDate", "Value": "2024-02-29"}]}
  ]},
  "Rows": {"Row": [
    {"ColData": [{"value": "Sales"}, {"value": "500"}, {"value": "700"}]},
    {"ColData": [{"value": "Payroll"}, {"value": "300"}, {"value": "0"}]}
  ]}
}`

func hierarchical(start, end, currency string, revenue, opex float64) string {
	doc := map[string]any{
		"data": []any{map[string]any{
			"period_start":           start,
			"period_end":             end,
			"currency":               currency,
			"revenue":                []any{map[string]any{"name": "Sales", "value": revenue}},
			"cost_of_goods_sold":     []any{},
			"operating_expenses":     []any{map[string]any{"name": "Rent", "value": opex}},
			"non_operating_expenses": []any{},
			"non_operating_revenue":  []any{},
		}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return string(b)
}

const rollup = `{"data": [{
  "period_start": "2024-01-01", "period_end": "2024-01-31",
  "revenue": [{"name": "Product", "value": 30, "line_items": [
    {"name": "Online", "value": 20}, {"name": "Retail", "value": 10}]}],
  "operating_expenses": [{"name": "Rent", "value": -12.5}, {"name": "Bonus", "value": 0}]
}]}`

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testContext() context.Context {
	return logger.WithContext(context.Background(), logger.Nop())
}

func testNormalizer() *Normalizer {
	cfg := validation.DefaultConfig()
	cfg.Now = func() time.Time { return fixedNow }
	v := validation.New(cfg)
	return New(v, conflict.NewResolver(conflict.DefaultPriorities(), cfg.Tolerance), WithClock(func() time.Time { return fixedNow }))
}

func parse(t *testing.T, doc string) parser.ParserOutput {
	t.Helper()
	out, err := parser.ParseBytes(testContext(), []byte(doc), "test.json")
	require.NoError(t, err)
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertReconciles(t *testing.T, res Result) {
	t.Helper()
	types := make(map[string]domain.AccountType)
	for _, a := range res.Accounts {
		types[a.AccountID] = a.AccountType
	}
	rev, exp := decimal.Zero, decimal.Zero
	for _, v := range res.Values {
		assert.Equal(t, res.Record.ID, v.FinancialRecordID)
		switch types[v.AccountID] {
		case domain.AccountTypeRevenue:
			rev = rev.Add(v.Value)
		case domain.AccountTypeExpense:
			exp = exp.Add(v.Value)
		}
	}
	tol := dec("0.01")
	assert.True(t, rev.Sub(res.Record.Revenue).Abs().LessThanOrEqual(tol), "revenue %s vs values %s", res.Record.Revenue, rev)
	assert.True(t, exp.Sub(res.Record.Expenses).Abs().LessThanOrEqual(tol), "expenses %s vs values %s", res.Record.Expenses, exp)
	assert.True(t, res.Record.NetProfit.Equal(res.Record.Revenue.Sub(res.Record.Expenses)))
}

func TestNormalize_ScenarioA(t *testing.T) {
	res, err := testNormalizer().Normalize(testContext(), parse(t, scenarioA), "pnl.json")
	require.NoError(t, err)

	rec := res.Record
	assert.Equal(t, domain.SourceTabular, rec.Source)
	assert.True(t, rec.Revenue.Equal(dec("10000")))
	assert.True(t, rec.Expenses.Equal(dec("2000")))
	assert.True(t, rec.NetProfit.Equal(dec("8000")))
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, 1.0, res.Validation.QualityScore, "issues: %+v", res.Validation.Issues)
	assert.True(t, res.Validation.IsValid)

	assert.Len(t, res.Accounts, 3)
	assert.Len(t, res.Values, 2)
	assertReconciles(t, res)

	var audit map[string]any
	require.NoError(t, json.Unmarshal(rec.RawData, &audit))
	assert.Equal(t, "pnl.json", audit["source_file"])
	assert.Equal(t, "2024-01-01_2024-01-31", audit["period_key"])
	assert.NotEmpty(t, audit["normalized_at"])
	assert.NotNil(t, audit["document"])
}

func TestNormalize_DocumentIDsCarrySource(t *testing.T) {
	n := testNormalizer()
	tab, err := n.Normalize(testContext(), parse(t, scenarioA), "")
	require.NoError(t, err)

	ids := make([]string, 0, len(tab.Accounts))
	for _, a := range tab.Accounts {
		ids = append(ids, a.AccountID)
	}
	assert.Equal(t, []string{"tabular:1", "expenses", "tabular:7"}, ids)
	assert.Equal(t, "expenses", tab.Accounts[2].ParentAccountID)
	for _, v := range tab.Values {
		assert.Contains(t, []string{"tabular:1", "tabular:7"}, v.AccountID)
	}
	assert.True(t, tab.Validation.IsValid)

	hier, err := n.Normalize(testContext(), parse(t, `{"data": [{
	  "period_start": "2024-02-01", "period_end": "2024-02-29",
	  "revenue": [{"id": "7", "name": "Sales", "value": 500}],
	  "operating_expenses": [{"id": "1", "name": "Rent", "value": 300, "line_items": [{"name": "Office", "value": 300}]}]
	}]}`), "")
	require.NoError(t, err)

	names := make(map[string]string)
	for _, a := range hier.Accounts {
		names[a.AccountID] = a.Name
	}
	assert.Equal(t, map[string]string{
		"hierarchical:7":        "Sales",
		"hierarchical:1":        "Rent",
		"hierarchical:1:office": "Office",
	}, names)
	assertReconciles(t, hier)
}

func TestCanonicalAccountID(t *testing.T) {
	tree := accounttree.New()
	tree.Add(accounttree.Node{ID: "9", Name: "Payroll", Explicit: true})
	tree.Add(accounttree.Node{ID: "9:bonus", Name: "Bonus", ParentID: "9"})
	tree.Add(accounttree.Node{ID: "sales", Name: "Sales"})

	tests := []struct {
		id   string
		want string
	}{
		{"9", "tabular:9"},
		{"9:bonus", "tabular:9:bonus"},
		{"sales", "sales"},
		{"unknown", "unknown"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalAccountID(domain.SourceTabular, tree, tt.id))
		})
	}
}

func TestNormalize_ScenarioB(t *testing.T) {
	res, err := testNormalizer().Normalize(testContext(), parse(t, hierarchical("2024-01-01", "2024-01-31", "USD", 100, 40)), "")
	require.NoError(t, err)

	assert.Equal(t, domain.SourceHierarchical, res.Record.Source)
	assert.True(t, res.Record.Revenue.Equal(dec("100")))
	assert.True(t, res.Record.Expenses.Equal(dec("40")))
	assert.True(t, res.Record.NetProfit.Equal(dec("60")))
	assert.True(t, res.Validation.IsValid)
	assertReconciles(t, res)

	for _, a := range res.Accounts {
		assert.Equal(t, domain.SourceHierarchical, a.Source)
		assert.True(t, a.IsActive)
	}
}

func TestNormalize_ScenarioC_InvalidRange(t *testing.T) {
	res, err := testNormalizer().Normalize(testContext(), parse(t, hierarchical("2024-02-01", "2024-01-01", "USD", 100, 40)), "")
	require.NoError(t, err)

	assert.False(t, res.Validation.IsValid)
	assert.True(t, res.Validation.HasCode(validation.CodeInvalidDateRange))
}

func TestNormalize_ScenarioD_Currency(t *testing.T) {
	n := testNormalizer()

	res, err := n.Normalize(testContext(), parse(t, hierarchical("2024-01-01", "2024-01-31", "us", 100, 40)), "")
	require.NoError(t, err)
	assert.False(t, res.Validation.IsValid)
	assert.True(t, res.Validation.HasCode(validation.CodeInvalidCurrencyFormat))

	res, err = n.Normalize(testContext(), parse(t, hierarchical("2024-01-01", "2024-01-31", "xyz", 100, 40)), "")
	require.NoError(t, err)
	assert.True(t, res.Validation.IsValid)
	assert.True(t, res.Validation.HasCode(validation.CodeUncommonCurrency))
	assert.Equal(t, "XYZ", res.Record.Currency)
}

func TestNormalize_Idempotent(t *testing.T) {
	n := testNormalizer()
	for _, doc := range []string{scenarioA, hierarchical("2024-01-01", "2024-01-31", "USD", 100, 40)} {
		first, err := n.Normalize(testContext(), parse(t, doc), "a.json")
		require.NoError(t, err)
		second, err := n.Normalize(testContext(), parse(t, doc), "a.json")
		require.NoError(t, err)

		assert.Equal(t, first.Record.ID, second.Record.ID)
		assert.True(t, first.Record.Revenue.Equal(second.Record.Revenue))
		assert.True(t, first.Record.Expenses.Equal(second.Record.Expenses))
		assert.True(t, first.Record.NetProfit.Equal(second.Record.NetProfit))
	}
}

func TestNormalize_RollupAndNegativeValues(t *testing.T) {
	res, err := testNormalizer().Normalize(testContext(), parse(t, rollup), "")
	require.NoError(t, err)

	// Product and both children are counted: 30 + 20 + 10.
	assert.True(t, res.Record.Revenue.Equal(dec("60")))
	assert.True(t, res.Record.Expenses.Equal(dec("12.5")))
	assertReconciles(t, res)

	assert.Equal(t, 1, res.Validation.CountCode(CodeSuspectedRollup))
	assert.Equal(t, 1, res.Validation.CountCode(validation.CodeMissingAccountValues), "zero-value Bonus has no value row")
	assert.True(t, res.Validation.IsValid)
	assert.Equal(t, 0.9, res.Validation.QualityScore)

	for _, v := range res.Values {
		assert.False(t, v.Value.IsZero())
		assert.False(t, v.Value.IsNegative())
	}
}

func TestNormalizePeriods_MultiColumn(t *testing.T) {
	n := testNormalizer()
	out := parse(t, twoMonths)

	results, err := n.NormalizePeriods(testContext(), out, "")
	require.NoError(t, err)
	require.Len(t, results, 2)

	jan, feb := results[0], results[1]
	assert.True(t, jan.Record.Revenue.Equal(dec("500")))
	assert.True(t, jan.Record.Expenses.Equal(dec("300")))
	assert.True(t, feb.Record.Revenue.Equal(dec("700")))
	assert.True(t, feb.Record.Expenses.IsZero())
	assert.NotEqual(t, jan.Record.ID, feb.Record.ID)
	assert.Len(t, feb.Values, 1, "zero-valued facts are discarded")
	assertReconciles(t, jan)
	assertReconciles(t, feb)

	span, err := n.Normalize(testContext(), out, "")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", span.Record.PeriodStart.Format(domain.DateLayout))
	assert.Equal(t, "2024-02-29", span.Record.PeriodEnd.Format(domain.DateLayout))
	assert.True(t, span.Record.Revenue.Equal(dec("1200")))
	assert.True(t, span.Record.Expenses.Equal(dec("300")))
	assertReconciles(t, span)
}

func TestNormalize_NoPeriods(t *testing.T) {
	n := testNormalizer()

	_, err := n.Normalize(testContext(), parse(t, `{"Header": {}, "Rows": {"Row": []}}`), "")
	var nerr *NormalizationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, domain.SourceTabular, nerr.Source)

	_, err = n.NormalizePeriods(testContext(), parse(t, `{"data": []}`), "")
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, domain.SourceHierarchical, nerr.Source)
}

func TestResolveAndMerge_ConflictPriority(t *testing.T) {
	n := testNormalizer()
	tab, err := n.Normalize(testContext(), parse(t, scenarioA), "")
	require.NoError(t, err)
	hier, err := n.Normalize(testContext(), parse(t, hierarchical("2024-01-01", "2024-01-31", "USD", 9000, 2000)), "")
	require.NoError(t, err)

	merged, err := n.ResolveAndMerge(testContext(), []Result{hier, tab})
	require.NoError(t, err)

	assert.Equal(t, domain.SourceTabular, merged.Record.Source)
	assert.True(t, merged.Record.Revenue.Equal(dec("10000")))
	assert.Equal(t, 1, merged.Validation.CountCode(conflict.CodeRevenueConflict))
	assert.Zero(t, merged.Validation.CountCode(conflict.CodeExpensesConflict))

	assert.Len(t, merged.Accounts, 5)
	assert.Len(t, merged.Values, len(tab.Values))
	for _, v := range merged.Values {
		assert.Equal(t, tab.Record.ID, v.FinancialRecordID)
	}

	// min(0.85 conflicts, 0.95 merged) - 0.1 per conflict.
	assert.Equal(t, 0.75, merged.Validation.QualityScore)
	assert.True(t, merged.Validation.IsValid)
}

func TestResolveAndMerge_KeepsHigherPriorityAccount(t *testing.T) {
	n := testNormalizer()
	base := Result{
		Record: &domain.FinancialRecord{
			ID: "t", Source: domain.SourceTabular, Currency: "USD",
			PeriodStart: fixedNow.AddDate(-1, 0, 0), PeriodEnd: fixedNow.AddDate(-1, 1, 0),
		},
		Accounts: []domain.Account{{AccountID: "shared", Name: "Tabular copy", AccountType: domain.AccountTypeExpense, Source: domain.SourceTabular}},
	}
	other := Result{
		Record: &domain.FinancialRecord{
			ID: "h", Source: domain.SourceHierarchical, Currency: "USD",
			PeriodStart: base.Record.PeriodStart, PeriodEnd: base.Record.PeriodEnd,
		},
		Accounts: []domain.Account{{AccountID: "shared", Name: "Hierarchical copy", AccountType: domain.AccountTypeExpense, Source: domain.SourceHierarchical}},
		Values:   []domain.AccountValue{{AccountID: "shared", FinancialRecordID: "h", Value: dec("5")}},
	}

	merged, err := n.ResolveAndMerge(testContext(), []Result{other, base})
	require.NoError(t, err)
	require.Len(t, merged.Accounts, 1)
	assert.Equal(t, "Tabular copy", merged.Accounts[0].Name)
	assert.Empty(t, merged.Values, "values come from the winner only")
}

func TestResolveAndMerge_Errors(t *testing.T) {
	n := testNormalizer()

	_, err := n.ResolveAndMerge(testContext(), nil)
	assert.ErrorIs(t, err, ErrNothingToMerge)

	jan, err := n.Normalize(testContext(), parse(t, hierarchical("2024-01-01", "2024-01-31", "USD", 1, 1)), "")
	require.NoError(t, err)
	feb, err := n.Normalize(testContext(), parse(t, scenarioA), "")
	require.NoError(t, err)
	feb.Record.PeriodEnd = feb.Record.PeriodEnd.AddDate(0, 0, 1)

	_, err = n.ResolveAndMerge(testContext(), []Result{jan, feb})
	assert.ErrorIs(t, err, conflict.ErrPeriodMismatch)
}

func TestResolveAndMerge_Single(t *testing.T) {
	n := testNormalizer()
	res, err := n.Normalize(testContext(), parse(t, scenarioA), "")
	require.NoError(t, err)

	merged, err := n.ResolveAndMerge(testContext(), []Result{res})
	require.NoError(t, err)
	assert.Same(t, res.Record, merged.Record)
	assert.Empty(t, merged.Validation.Issues)
}

func TestCanonicalType(t *testing.T) {
	tests := []struct {
		node accounttree.Node
		want domain.AccountType
	}{
		{accounttree.Node{SourceType: "operating_revenue"}, domain.AccountTypeRevenue},
		{accounttree.Node{SourceType: "Cost_Of_Goods_Sold"}, domain.AccountTypeExpense},
		{accounttree.Node{SourceType: "mystery"}, domain.AccountTypeExpense},
		{accounttree.Node{InferredType: domain.AccountTypeLiability}, domain.AccountTypeLiability},
		{accounttree.Node{InferredType: "bogus"}, domain.AccountTypeExpense},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonicalType(DefaultTypeTable, tt.node))
	}
}
