package bigquery

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *domain.FinancialRecord {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &domain.FinancialRecord{
		ID:          "rec-1",
		Source:      domain.SourceTabular,
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Currency:    "USD",
		Revenue:     decimal.RequireFromString("10000.25"),
		Expenses:    decimal.RequireFromString("2000.125"),
		NetProfit:   decimal.RequireFromString("8000.125"),
		RawData:     json.RawMessage(`{"filename":"jan.json"}`),
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestRecordRow_RoundTrip(t *testing.T) {
	rec := sampleRecord()
	v := domain.NewValidationResult([]domain.ValidationIssue{
		{Severity: domain.SeverityWarning, Code: "FUTURE_PERIOD", Message: "period ends in the future"},
	})

	row, err := NewRecordRow(rec, v)
	require.NoError(t, err)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 1}, row.PeriodStart)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 31}, row.PeriodEnd)
	assert.Equal(t, "tabular", row.Source)
	assert.True(t, row.RawData.Valid)
	assert.True(t, row.Issues.Valid)

	got, gotV, err := row.Record()
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Source, got.Source)
	assert.True(t, rec.PeriodStart.Equal(got.PeriodStart))
	assert.True(t, rec.PeriodEnd.Equal(got.PeriodEnd))
	assert.True(t, rec.Revenue.Equal(got.Revenue), got.Revenue.String())
	assert.True(t, rec.Expenses.Equal(got.Expenses), got.Expenses.String())
	assert.True(t, rec.NetProfit.Equal(got.NetProfit), got.NetProfit.String())
	assert.JSONEq(t, string(rec.RawData), string(got.RawData))

	assert.Equal(t, v.IsValid, gotV.IsValid)
	assert.Equal(t, v.QualityScore, gotV.QualityScore)
	require.Len(t, gotV.Issues, 1)
	assert.Equal(t, "FUTURE_PERIOD", gotV.Issues[0].Code)
	assert.Equal(t, domain.SeverityWarning, gotV.Issues[0].Severity)
}

func TestRecordRow_NoRawData(t *testing.T) {
	rec := sampleRecord()
	rec.RawData = nil

	row, err := NewRecordRow(rec, domain.NewValidationResult(nil))
	require.NoError(t, err)
	assert.False(t, row.RawData.Valid)
	assert.JSONEq(t, `[]`, row.Issues.JSONVal)

	got, v, err := row.Record()
	require.NoError(t, err)
	assert.Nil(t, got.RawData)
	assert.Empty(t, v.Issues)
}

func TestRecordRow_InvalidIssues(t *testing.T) {
	row, err := NewRecordRow(sampleRecord(), domain.NewValidationResult(nil))
	require.NoError(t, err)
	row.Issues.JSONVal = "{not json"

	_, _, err = row.Record()
	assert.Error(t, err)
}

func TestFromNumeric(t *testing.T) {
	tests := []struct {
		name string
		in   *big.Rat
		want string
	}{
		{"nil", nil, "0"},
		{"integer", big.NewRat(150, 1), "150"},
		{"fraction", big.NewRat(1, 4), "0.25"},
		{"negative", big.NewRat(-5, 2), "-2.5"},
		{"nine places", big.NewRat(1, 1_000_000_000), "0.000000001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fromNumeric(tt.in)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), got.String())
		})
	}
}

func TestNewAccountRow(t *testing.T) {
	root := NewAccountRow(domain.Account{
		AccountID:   "acc-revenue",
		Name:        "Revenue",
		AccountType: domain.AccountTypeRevenue,
		Source:      domain.SourceHierarchical,
		IsActive:    true,
	})
	assert.False(t, root.ParentAccountID.Valid)
	assert.False(t, root.Description.Valid)
	assert.Equal(t, "revenue", root.AccountType)

	child := NewAccountRow(domain.Account{
		AccountID:       "acc-sales",
		Name:            "Sales",
		AccountType:     domain.AccountTypeRevenue,
		ParentAccountID: "acc-revenue",
		Description:     "product sales",
	})
	assert.Equal(t, "acc-revenue", child.ParentAccountID.StringVal)
	assert.True(t, child.ParentAccountID.Valid)
	assert.Equal(t, "product sales", child.Description.StringVal)
}

func TestNewAccountValueRow(t *testing.T) {
	row := NewAccountValueRow("rec-1", domain.AccountValue{
		AccountID:         "acc-sales",
		FinancialRecordID: "ignored",
		Value:             decimal.RequireFromString("12.5"),
	})
	assert.Equal(t, "rec-1", row.FinancialRecordID)
	assert.Equal(t, 0, row.Value.Cmp(big.NewRat(25, 2)))
}
