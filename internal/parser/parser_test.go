package parser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() context.Context {
	return logger.WithContext(context.Background(), logger.Nop())
}

func decode(t *testing.T, s string) any {
	t.Helper()
	doc, err := Decode([]byte(s))
	require.NoError(t, err)
	return doc
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func factsFor(facts []Fact, accountID string) []Fact {
	var out []Fact
	for _, f := range facts {
		if f.AccountID == accountID {
			out = append(out, f)
		}
	}
	return out
}

func TestTabularParser_ScenarioA(t *testing.T) {
	out, err := NewTabularParser().ParseTabular(testContext(), decode(t, tabularScenarioA))
	require.NoError(t, err)

	assert.Equal(t, "USD", out.Currency)
	assert.Equal(t, "ProfitAndLoss", out.ReportName)
	require.Len(t, out.Periods, 1)
	assert.Equal(t, "2024-01-01_2024-01-31", out.Periods[0].Key(""))
	assert.Equal(t, "Jan 2024", out.Periods[0].Label)

	nodes := out.Accounts.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "1", nodes[0].ID)
	assert.Equal(t, domain.AccountTypeRevenue, nodes[0].InferredType)
	assert.Equal(t, "expenses", nodes[1].ID)
	assert.Equal(t, domain.AccountTypeExpense, nodes[1].InferredType)
	assert.Equal(t, "7", nodes[2].ID)
	assert.Equal(t, "expenses", nodes[2].ParentID)
	assert.Equal(t, 1, nodes[2].Depth)
	assert.Equal(t, domain.AccountTypeExpense, nodes[2].InferredType)

	require.Len(t, out.Facts, 2)
	assert.True(t, out.Facts[0].Amount.Equal(dec("10000")))
	assert.Equal(t, "1", out.Facts[0].AccountID)
	assert.True(t, out.Facts[1].Amount.Equal(dec("2000")))
	assert.Equal(t, "7", out.Facts[1].AccountID)
}

func TestTabularParser_MultiplePeriodsAndSkips(t *testing.T) {
	out, err := NewTabularParser().ParseTabular(testContext(), decode(t, tabularTwoMonths))
	require.NoError(t, err)

	assert.Equal(t, "eur", out.Currency)
	require.Len(t, out.Periods, 2)
	jan := out.Periods[0].Key("")
	feb := out.Periods[1].Key("")
	assert.Equal(t, "2024-02-01_2024-02-29", feb)

	ids := make([]string, 0)
	for _, n := range out.Accounts.Nodes() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"income", "income:subscription_sales", "income:consulting", "accounts_payable"}, ids)

	subs, _ := out.Accounts.Get("income:subscription_sales")
	assert.Equal(t, domain.AccountTypeRevenue, subs.InferredType)
	consulting, _ := out.Accounts.Get("income:consulting")
	assert.Equal(t, domain.AccountTypeExpense, consulting.InferredType)
	payable, _ := out.Accounts.Get("accounts_payable")
	assert.Equal(t, domain.AccountTypeLiability, payable.InferredType)

	sales := factsFor(out.Facts, "income:subscription_sales")
	require.Len(t, sales, 2)
	assert.Equal(t, jan, sales[0].PeriodKey)
	assert.True(t, sales[0].Amount.Equal(dec("500")))
	assert.Equal(t, feb, sales[1].PeriodKey)
	assert.True(t, sales[1].Amount.Equal(dec("600")))

	cons := factsFor(out.Facts, "income:consulting")
	require.Len(t, cons, 1)
	assert.Equal(t, feb, cons[0].PeriodKey)

	pay := factsFor(out.Facts, "accounts_payable")
	require.Len(t, pay, 1)
	assert.True(t, pay[0].Amount.Equal(dec("-25")))

	assert.Len(t, out.Facts, 4)
}

func TestTabularParser_MalformedRootIsEmpty(t *testing.T) {
	out, err := NewTabularParser().ParseTabular(testContext(), map[string]interface{}{"Header": "oops"})
	require.NoError(t, err)
	assert.Empty(t, out.Periods)
	assert.Zero(t, out.Accounts.Len())
	assert.Empty(t, out.Facts)
	assert.Equal(t, DefaultCurrency, out.Currency)
}

func TestTabularParser_NonObjectRoot(t *testing.T) {
	_, err := NewTabularParser().ParseTabular(testContext(), []interface{}{})
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.SourceTabular, pe.Format)
}

func TestTabularParser_ReuseDoesNotLeakState(t *testing.T) {
	p := NewTabularParser()
	first, err := p.ParseTabular(testContext(), decode(t, tabularScenarioA))
	require.NoError(t, err)
	second, err := p.ParseTabular(testContext(), decode(t, tabularScenarioA))
	require.NoError(t, err)

	assert.Equal(t, first.Accounts.Len(), second.Accounts.Len())
	assert.Len(t, second.Facts, len(first.Facts))
}

func TestInferAccountType(t *testing.T) {
	tests := []struct {
		name  string
		depth int
		want  domain.AccountType
	}{
		{"Notes Payable", 1, domain.AccountTypeLiability},
		{"Loan from bank", 1, domain.AccountTypeLiability},
		{"Subscription Revenue", 1, domain.AccountTypeRevenue},
		{"Service Income", 2, domain.AccountTypeRevenue},
		{"Payroll", 1, domain.AccountTypeExpense},
		{"Cost of Goods Sold", 0, domain.AccountTypeExpense},
		{"Petty Cash", 1, domain.AccountTypeAsset},
		{"Equipment", 1, domain.AccountTypeAsset},
		{"Miscellaneous", 0, domain.AccountTypeExpense},
		{"Miscellaneous", 3, domain.AccountTypeExpense},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferAccountType(DefaultTypeRules, tt.name, tt.depth))
		})
	}
}

func TestInferAccountType_IncomeFallback(t *testing.T) {
	// With an empty rule table only the fallback applies.
	assert.Equal(t, domain.AccountTypeRevenue, InferAccountType([]TypeRule{}, " INCOME ", 0))
	assert.Equal(t, domain.AccountTypeExpense, InferAccountType([]TypeRule{}, "Income", 1))

	custom := []TypeRule{{Keywords: []string{"sales"}, Type: domain.AccountTypeRevenue}}
	assert.Equal(t, domain.AccountTypeRevenue, InferAccountType(custom, "Income", 0))
	assert.Equal(t, domain.AccountTypeExpense, InferAccountType(custom, "Other Income", 0))
	assert.Equal(t, domain.AccountTypeExpense, InferAccountType(custom, "Income", 2))

	p := &TabularParser{Rules: custom}
	out, err := p.ParseTabular(testContext(), decode(t, `{
	  "Columns": {"Column": [
	    {"ColType": "Account"},
	    {"ColType": "Money", "MetaData": [{"Name": "StartDate", "Value": "2024-01-01"}, {"Name": "EndDate", "Value": "2024-01-31"}]}
	  ]},
	  "Rows": {"Row": [{"ColData": [{"value": "Income"}, {"value": "5"}]}]}
	}`))
	require.NoError(t, err)
	node, ok := out.Accounts.Get("income")
	require.True(t, ok)
	assert.Equal(t, domain.AccountTypeRevenue, node.InferredType)
}

func TestHierarchicalParser_ScenarioB(t *testing.T) {
	out, err := NewHierarchicalParser().ParseHierarchical(testContext(), decode(t, hierarchicalScenarioB))
	require.NoError(t, err)

	require.Len(t, out.Seeds, 1)
	seed := out.Seeds[0]
	assert.Equal(t, "USD", seed.Currency)
	assert.Equal(t, "2024-01-01_2024-01-31", seed.PeriodKey)
	assert.True(t, seed.Revenue.Equal(dec("100")))
	assert.True(t, seed.Expenses.Equal(dec("40")))
	assert.Equal(t, domain.RecordID(domain.SourceHierarchical, seed.PeriodKey), seed.ID)

	sales, ok := out.Accounts.Get("revenue:sales")
	require.True(t, ok)
	assert.Equal(t, domain.AccountTypeRevenue, sales.InferredType)
	assert.Equal(t, BucketRevenue, sales.SourceType)

	rent, ok := out.Accounts.Get("operating_expenses:rent")
	require.True(t, ok)
	assert.Equal(t, domain.AccountTypeExpense, rent.InferredType)

	assert.Len(t, out.Facts, 2)
	assert.Empty(t, out.Diagnostics)
}

func TestHierarchicalParser_NestedItems(t *testing.T) {
	out, err := NewHierarchicalParser().ParseHierarchical(testContext(), decode(t, hierarchicalNested))
	require.NoError(t, err)

	require.Len(t, out.Seeds, 1, "records without usable dates are dropped")
	seed := out.Seeds[0]
	assert.Equal(t, "42", seed.SourceRecordID)
	assert.Equal(t, "2024-03-01_2024-03-31#42", seed.PeriodKey)
	assert.Equal(t, "gbp", seed.Currency)

	assert.True(t, seed.BucketTotals[BucketRevenue].Equal(dec("600")))
	assert.True(t, seed.BucketTotals[BucketCostOfGoodsSold].Equal(dec("80")))
	assert.True(t, seed.BucketTotals[BucketOperatingExpenses].Equal(dec("120")))
	assert.True(t, seed.Revenue.Equal(dec("607.5")))
	assert.True(t, seed.Expenses.Equal(dec("205")))

	online, ok := out.Accounts.Get("revenue:product:online")
	require.True(t, ok)
	assert.Equal(t, "revenue:product", online.ParentID)
	assert.Equal(t, 1, online.Depth)

	salaries, ok := out.Accounts.Get("operating_expenses:salaries")
	require.True(t, ok)
	assert.Empty(t, salaries.ParentID, "children of unnamed items move to the nearest registered ancestor")

	assert.True(t, out.Accounts.Has("operating_expenses:bonus"), "zero-value items keep their account")
	assert.Empty(t, factsFor(out.Facts, "operating_expenses:bonus"))
	assert.False(t, out.Accounts.Has("operating_expenses:misc"))

	cogs := factsFor(out.Facts, "cogs-1")
	require.Len(t, cogs, 1)
	assert.True(t, cogs[0].Amount.Equal(dec("80")), "facts carry absolute values")

	assert.Equal(t, 8, out.Accounts.Len())
	assert.Len(t, out.Facts, 7)

	require.Len(t, out.Diagnostics, 1)
	assert.Equal(t, DiagSuspectedRollup, out.Diagnostics[0].Code)
	assert.Equal(t, "revenue:product", out.Diagnostics[0].AccountID)
}

func TestHierarchicalParser_DocumentIDPerBucket(t *testing.T) {
	out, err := NewHierarchicalParser().ParseHierarchical(testContext(), decode(t, `{"data": [{
	  "period_start": "2024-01-01", "period_end": "2024-01-31",
	  "revenue": [{"id": "5", "name": "Sales", "value": 100}],
	  "operating_expenses": [{"id": "5", "name": "Rent", "value": 40}]
	}]}`))
	require.NoError(t, err)

	sales, ok := out.Accounts.Get("5")
	require.True(t, ok)
	assert.Equal(t, "Sales", sales.Name)
	assert.True(t, sales.Explicit)

	rent, ok := out.Accounts.Get("operating_expenses:5")
	require.True(t, ok)
	assert.Equal(t, "Rent", rent.Name)
	assert.Equal(t, domain.AccountTypeExpense, rent.InferredType)
	assert.True(t, rent.Explicit)
	require.Len(t, factsFor(out.Facts, "operating_expenses:5"), 1)

	derived, ok := out.Accounts.Get("revenue:sales")
	assert.False(t, ok, "%+v", derived)
}

func TestHierarchicalParser_MissingData(t *testing.T) {
	out, err := NewHierarchicalParser().ParseHierarchical(testContext(), map[string]interface{}{})
	require.NoError(t, err)
	assert.Empty(t, out.Seeds)
	assert.Zero(t, out.Accounts.Len())
}

func TestDetect(t *testing.T) {
	src, err := Detect(decode(t, tabularScenarioA))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceTabular, src)

	src, err = Detect(decode(t, hierarchicalScenarioB))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceHierarchical, src)

	_, err = Detect(decode(t, `{"foo": 1}`))
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Detect(decode(t, `[1, 2]`))
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pnl.json")
	require.NoError(t, os.WriteFile(path, []byte(hierarchicalScenarioB), 0o600))

	out, err := ParseFile(testContext(), path)
	require.NoError(t, err)
	h, ok := out.(*HierarchicalOutput)
	require.True(t, ok)
	assert.Len(t, h.Seeds, 1)
}

func TestParseFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ParseFile(testContext(), filepath.Join(dir, "missing.json"))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"data": [`), 0o600))
	_, err = ParseFile(testContext(), bad)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad.json", pe.Path)

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"hello": "world"}`), 0o600))
	_, err = ParseFile(testContext(), unknown)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParseReader(t *testing.T) {
	out, err := ParseReader(testContext(), strings.NewReader(tabularScenarioA), "stream")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceTabular, out.Source())
	assert.Len(t, out.AllFacts(), 2)
}

func TestDecode_TrailingData(t *testing.T) {
	_, err := Decode([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "office_rent", slug("  Office   Rent "))
	assert.Equal(t, "r_d_costs", slug("R&D - Costs"))
	assert.Equal(t, "", slug("---"))
}
