package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/shopspring/decimal"
)

// numericScale is the fractional precision of BigQuery NUMERIC.
const numericScale = 9

// RecordRow mirrors the financial_records table.
type RecordRow struct {
	ID          string     `bigquery:"id"`           // REQUIRED
	Source      string     `bigquery:"source"`       // REQUIRED
	PeriodStart civil.Date `bigquery:"period_start"` // REQUIRED DATE
	PeriodEnd   civil.Date `bigquery:"period_end"`   // REQUIRED DATE
	Currency    string     `bigquery:"currency"`     // REQUIRED

	Revenue   *big.Rat `bigquery:"revenue"`    // REQUIRED NUMERIC
	Expenses  *big.Rat `bigquery:"expenses"`   // REQUIRED NUMERIC
	NetProfit *big.Rat `bigquery:"net_profit"` // REQUIRED NUMERIC

	RawData bigquery.NullJSON `bigquery:"raw_data"` // NULLABLE JSON

	IsValid      bool              `bigquery:"is_valid"`
	QualityScore float64           `bigquery:"quality_score"`
	Issues       bigquery.NullJSON `bigquery:"issues"` // NULLABLE JSON

	CreatedTS time.Time `bigquery:"created_ts"`
	UpdatedTS time.Time `bigquery:"updated_ts"`
}

// AccountRow mirrors the accounts table.
type AccountRow struct {
	AccountID       string              `bigquery:"account_id"` // REQUIRED
	Name            string              `bigquery:"name"`
	AccountType     string              `bigquery:"account_type"`
	ParentAccountID bigquery.NullString `bigquery:"parent_account_id"`
	Source          string              `bigquery:"source"`
	Description     bigquery.NullString `bigquery:"description"`
	IsActive        bool                `bigquery:"is_active"`
}

// AccountValueRow mirrors the account_values table.
type AccountValueRow struct {
	AccountID         string    `bigquery:"account_id"`
	FinancialRecordID string    `bigquery:"financial_record_id"`
	Value             *big.Rat  `bigquery:"value"` // NUMERIC
	CreatedTS         time.Time `bigquery:"created_ts"`
}

// NewRecordRow converts a record and its validation outcome into a row.
func NewRecordRow(rec *domain.FinancialRecord, v domain.ValidationResult) (*RecordRow, error) {
	issues, err := json.Marshal(v.Issues)
	if err != nil {
		return nil, fmt.Errorf("NewRecordRow: encode issues: %w", err)
	}
	row := &RecordRow{
		ID:           rec.ID,
		Source:       string(rec.Source),
		PeriodStart:  civil.DateOf(rec.PeriodStart),
		PeriodEnd:    civil.DateOf(rec.PeriodEnd),
		Currency:     rec.Currency,
		Revenue:      rec.Revenue.Rat(),
		Expenses:     rec.Expenses.Rat(),
		NetProfit:    rec.NetProfit.Rat(),
		IsValid:      v.IsValid,
		QualityScore: v.QualityScore,
		Issues:       bigquery.NullJSON{JSONVal: string(issues), Valid: true},
		CreatedTS:    rec.CreatedAt,
		UpdatedTS:    rec.UpdatedAt,
	}
	if len(rec.RawData) > 0 {
		row.RawData = bigquery.NullJSON{JSONVal: string(rec.RawData), Valid: true}
	}
	return row, nil
}

// Record converts the row back into a domain record and validation result.
func (r *RecordRow) Record() (*domain.FinancialRecord, domain.ValidationResult, error) {
	var v domain.ValidationResult
	rec := &domain.FinancialRecord{
		ID:          r.ID,
		Source:      domain.Source(r.Source),
		PeriodStart: r.PeriodStart.In(time.UTC),
		PeriodEnd:   r.PeriodEnd.In(time.UTC),
		Currency:    r.Currency,
		CreatedAt:   r.CreatedTS,
		UpdatedAt:   r.UpdatedTS,
	}
	var err error
	if rec.Revenue, err = fromNumeric(r.Revenue); err != nil {
		return nil, v, fmt.Errorf("Record: revenue: %w", err)
	}
	if rec.Expenses, err = fromNumeric(r.Expenses); err != nil {
		return nil, v, fmt.Errorf("Record: expenses: %w", err)
	}
	if rec.NetProfit, err = fromNumeric(r.NetProfit); err != nil {
		return nil, v, fmt.Errorf("Record: net_profit: %w", err)
	}
	if r.RawData.Valid {
		rec.RawData = json.RawMessage(r.RawData.JSONVal)
	}

	v.IsValid = r.IsValid
	v.QualityScore = r.QualityScore
	if r.Issues.Valid && r.Issues.JSONVal != "" {
		if err := json.Unmarshal([]byte(r.Issues.JSONVal), &v.Issues); err != nil {
			return nil, v, fmt.Errorf("Record: issues: %w", err)
		}
	}
	return rec, v, nil
}

// NewAccountRow converts an account into a row.
func NewAccountRow(a domain.Account) AccountRow {
	return AccountRow{
		AccountID:       a.AccountID,
		Name:            a.Name,
		AccountType:     string(a.AccountType),
		ParentAccountID: nullString(a.ParentAccountID),
		Source:          string(a.Source),
		Description:     nullString(a.Description),
		IsActive:        a.IsActive,
	}
}

// NewAccountValueRow converts an account value into a row for recordID.
func NewAccountValueRow(recordID string, v domain.AccountValue) AccountValueRow {
	return AccountValueRow{
		AccountID:         v.AccountID,
		FinancialRecordID: recordID,
		Value:             v.Value.Rat(),
		CreatedTS:         v.CreatedAt,
	}
}

func fromNumeric(r *big.Rat) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(r.FloatString(numericScale))
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}
