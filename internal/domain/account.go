package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is one of the five canonical account classes.
type AccountType string

const (
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
)

// Valid reports whether t is a canonical account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeRevenue, AccountTypeExpense, AccountTypeAsset, AccountTypeLiability, AccountTypeEquity:
		return true
	}
	return false
}

// Account is a canonical ledger account. ParentAccountID is empty for roots.
type Account struct {
	AccountID       string      `json:"account_id"`
	Name            string      `json:"name"`
	AccountType     AccountType `json:"account_type"`
	ParentAccountID string      `json:"parent_account_id,omitempty"`
	Source          Source      `json:"source"`
	Description     string      `json:"description,omitempty"`
	IsActive        bool        `json:"is_active"`
}

// AccountValue is one fact-table row: the value of an account for a record.
// Sign is carried by the account type, not the value.
type AccountValue struct {
	AccountID         string          `json:"account_id"`
	FinancialRecordID string          `json:"financial_record_id"`
	Value             decimal.Decimal `json:"value"`
	CreatedAt         time.Time       `json:"created_at"`
}
