package parser

import (
	"strings"

	"github.com/dvloznov/finance-ingest/internal/domain"
)

// TypeRule maps a set of name keywords onto an account type. A rule matches
// when any keyword occurs in the lowercased account name.
type TypeRule struct {
	Keywords []string
	Type     domain.AccountType
}

// Matches reports whether the rule applies to name.
func (r TypeRule) Matches(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range r.Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DefaultTypeRules is evaluated top to bottom; the first match wins.
var DefaultTypeRules = []TypeRule{
	{Keywords: []string{"payable", "loan", "debt", "accrued"}, Type: domain.AccountTypeLiability},
	{Keywords: []string{"income", "revenue", "sales", "service", "subscription"}, Type: domain.AccountTypeRevenue},
	{Keywords: []string{"expense", "cost", "payroll", "rent", "marketing", "travel", "insurance", "legal"}, Type: domain.AccountTypeExpense},
	{Keywords: []string{"cash", "bank", "receivable", "inventory", "equipment"}, Type: domain.AccountTypeAsset},
}

// InferAccountType classifies an account by name. When no rule matches, a
// top-level row named "income" is Revenue and everything else is Expense.
// DefaultTypeRules already lists "income", so the fallback only decides for
// injected rule tables that leave it out.
func InferAccountType(rules []TypeRule, name string, depth int) domain.AccountType {
	for _, r := range rules {
		if r.Matches(name) {
			return r.Type
		}
	}
	if depth == 0 && strings.EqualFold(strings.TrimSpace(name), "income") {
		return domain.AccountTypeRevenue
	}
	return domain.AccountTypeExpense
}
