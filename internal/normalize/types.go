package normalize

import (
	"strings"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/domain"
)

// DefaultTypeTable maps source type vocabularies onto canonical account
// types. Keys are lowercase.
var DefaultTypeTable = map[string]domain.AccountType{
	"revenue":                domain.AccountTypeRevenue,
	"operating_revenue":      domain.AccountTypeRevenue,
	"non_operating_revenue":  domain.AccountTypeRevenue,
	"other_income":           domain.AccountTypeRevenue,
	"income":                 domain.AccountTypeRevenue,
	"sales":                  domain.AccountTypeRevenue,
	"expense":                domain.AccountTypeExpense,
	"expenses":               domain.AccountTypeExpense,
	"cost_of_goods_sold":     domain.AccountTypeExpense,
	"cogs":                   domain.AccountTypeExpense,
	"operating_expenses":     domain.AccountTypeExpense,
	"non_operating_expenses": domain.AccountTypeExpense,
	"other_expense":          domain.AccountTypeExpense,
	"asset":                  domain.AccountTypeAsset,
	"assets":                 domain.AccountTypeAsset,
	"liability":              domain.AccountTypeLiability,
	"liabilities":            domain.AccountTypeLiability,
	"equity":                 domain.AccountTypeEquity,
}

// canonicalType resolves a node's type: the source vocabulary when the node
// carries one, otherwise the type the parser inferred. Anything unknown is
// Expense.
func canonicalType(table map[string]domain.AccountType, n accounttree.Node) domain.AccountType {
	if n.SourceType != "" {
		if t, ok := table[strings.ToLower(strings.TrimSpace(n.SourceType))]; ok {
			return t
		}
		return domain.AccountTypeExpense
	}
	if n.InferredType.Valid() {
		return n.InferredType
	}
	return domain.AccountTypeExpense
}
