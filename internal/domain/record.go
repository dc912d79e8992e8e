package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DateLayout is the date format used by both source formats and by period keys.
const DateLayout = "2006-01-02"

// ErrRecordNotFound is returned by repositories for unknown records.
var ErrRecordNotFound = errors.New("financial record not found")

// Source identifies which external document format a record came from.
type Source string

const (
	// SourceTabular is the columnar report format (money columns + nested rows).
	SourceTabular Source = "tabular"
	// SourceHierarchical is the nested category format (per-period buckets of line items).
	SourceHierarchical Source = "hierarchical"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	return s == SourceTabular || s == SourceHierarchical
}

// Period is one reporting interval. End must be after Start.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label,omitempty"`
}

// Valid reports whether the period satisfies End > Start.
func (p Period) Valid() bool {
	return p.End.After(p.Start)
}

// Key returns the deterministic period key used to correlate facts with the
// record they belong to, e.g. "2024-01-01_2024-01-31" or
// "2024-01-01_2024-01-31#123" when a source record id is known.
func (p Period) Key(sourceRecordID string) string {
	return PeriodKey(p.Start, p.End, sourceRecordID)
}

// PeriodKey builds a period key from raw bounds.
func PeriodKey(start, end time.Time, sourceRecordID string) string {
	key := start.Format(DateLayout) + "_" + end.Format(DateLayout)
	if sourceRecordID != "" {
		key += "#" + sourceRecordID
	}
	return key
}

var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("finance-ingest/financial-record"))

// RecordID derives a stable record id (UUIDv5) from the source and period key,
// so re-ingesting the same period yields the same id.
func RecordID(source Source, periodKey string) string {
	return uuid.NewSHA1(recordNamespace, []byte(string(source)+"|"+periodKey)).String()
}

// FinancialRecord is the canonical, source-agnostic representation of one
// period's financials from one source.
type FinancialRecord struct {
	ID          string          `json:"id"`
	Source      Source          `json:"source"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Currency    string          `json:"currency"`
	Revenue     decimal.Decimal `json:"revenue"`
	Expenses    decimal.Decimal `json:"expenses"`
	NetProfit   decimal.Decimal `json:"net_profit"`

	// RawData is an opaque audit payload: the original document fragment,
	// the source filename and the normalization timestamp.
	RawData json.RawMessage `json:"raw_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Period returns the record's period bounds.
func (r *FinancialRecord) Period() Period {
	return Period{Start: r.PeriodStart, End: r.PeriodEnd}
}

// SamePeriod reports whether two records cover exactly the same interval.
func (r *FinancialRecord) SamePeriod(other *FinancialRecord) bool {
	return r.PeriodStart.Equal(other.PeriodStart) && r.PeriodEnd.Equal(other.PeriodEnd)
}

// UpsertKey is the idempotency key storage layers use for records.
func (r *FinancialRecord) UpsertKey() string {
	return string(r.Source) + "|" + PeriodKey(r.PeriodStart, r.PeriodEnd, "")
}
