package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/shopspring/decimal"
)

// Issue codes.
const (
	CodeMissingRecord         = "MISSING_RECORD"
	CodeNegativeRevenue       = "NEGATIVE_REVENUE"
	CodeNegativeExpenses      = "NEGATIVE_EXPENSES"
	CodeRevenueExceedsLimit   = "REVENUE_EXCEEDS_LIMIT"
	CodeExpensesExceedLimit   = "EXPENSES_EXCEED_LIMIT"
	CodeInvalidDateRange      = "INVALID_DATE_RANGE"
	CodeFuturePeriodEnd       = "FUTURE_PERIOD_END"
	CodeOldPeriodStart        = "OLD_PERIOD_START"
	CodeBalanceMismatch       = "BALANCE_MISMATCH"
	CodeInvalidCurrencyFormat = "INVALID_CURRENCY_FORMAT"
	CodeUncommonCurrency      = "UNCOMMON_CURRENCY"
	CodeCircularReference     = "CIRCULAR_REFERENCE"
	CodeMissingParentAccount  = "MISSING_PARENT_ACCOUNT"
	CodeAccountTypeMismatch   = "ACCOUNT_TYPE_MISMATCH"
	CodeRevenueTotalMismatch  = "REVENUE_TOTAL_MISMATCH"
	CodeExpenseTotalMismatch  = "EXPENSE_TOTAL_MISMATCH"
	CodeMissingAccountValues  = "MISSING_ACCOUNT_VALUES"
)

var currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)

// DefaultRules returns the standard checks in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "amounts", Check: checkAmounts},
		{Name: "dates", Check: checkDates},
		{Name: "balance", Check: checkBalance},
		{Name: "currency", Check: checkCurrency},
		{Name: "hierarchy", Check: checkHierarchy},
		{Name: "reconciliation", Check: checkReconciliation},
	}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func checkAmounts(v *Validator, in Input) []domain.ValidationIssue {
	var issues []domain.ValidationIssue
	r := in.Record

	if r.Revenue.IsNegative() {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityWarning,
			Code:       CodeNegativeRevenue,
			Message:    fmt.Sprintf("revenue is negative (%s)", money(r.Revenue)),
			Field:      "revenue",
			Value:      money(r.Revenue),
			Suggestion: "confirm the period contains refunds or reversals",
		})
	}
	if r.Expenses.IsNegative() {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityWarning,
			Code:       CodeNegativeExpenses,
			Message:    fmt.Sprintf("expenses are negative (%s)", money(r.Expenses)),
			Field:      "expenses",
			Value:      money(r.Expenses),
			Suggestion: "confirm the period contains credits or reversals",
		})
	}

	ceiling := v.cfg.AmountCeiling
	if r.Revenue.Abs().GreaterThan(ceiling) {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityWarning,
			Code:       CodeRevenueExceedsLimit,
			Message:    fmt.Sprintf("revenue %s exceeds the ceiling of %s", money(r.Revenue), money(ceiling)),
			Field:      "revenue",
			Value:      money(r.Revenue),
			Suggestion: "check the document for unit or scale errors",
		})
	}
	if r.Expenses.Abs().GreaterThan(ceiling) {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityWarning,
			Code:       CodeExpensesExceedLimit,
			Message:    fmt.Sprintf("expenses %s exceed the ceiling of %s", money(r.Expenses), money(ceiling)),
			Field:      "expenses",
			Value:      money(r.Expenses),
			Suggestion: "check the document for unit or scale errors",
		})
	}
	return issues
}

func checkDates(v *Validator, in Input) []domain.ValidationIssue {
	var issues []domain.ValidationIssue
	r := in.Record
	now := v.cfg.Now()

	if !r.PeriodEnd.After(r.PeriodStart) {
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityError,
			Code:     CodeInvalidDateRange,
			Message: fmt.Sprintf("period end %s is not after period start %s",
				r.PeriodEnd.Format(domain.DateLayout), r.PeriodStart.Format(domain.DateLayout)),
			Field: "period_end",
			Value: r.PeriodEnd.Format(domain.DateLayout),
		})
	}
	if r.PeriodEnd.After(now) {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityWarning,
			Code:       CodeFuturePeriodEnd,
			Message:    fmt.Sprintf("period end %s is in the future", r.PeriodEnd.Format(domain.DateLayout)),
			Field:      "period_end",
			Value:      r.PeriodEnd.Format(domain.DateLayout),
			Suggestion: "figures for an open period may still change",
		})
	}
	if r.PeriodStart.Before(now.AddDate(-v.cfg.MaxAgeYears, 0, 0)) {
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityInfo,
			Code:     CodeOldPeriodStart,
			Message: fmt.Sprintf("period start %s is more than %d years ago",
				r.PeriodStart.Format(domain.DateLayout), v.cfg.MaxAgeYears),
			Field: "period_start",
			Value: r.PeriodStart.Format(domain.DateLayout),
		})
	}
	return issues
}

func checkBalance(v *Validator, in Input) []domain.ValidationIssue {
	r := in.Record
	want := r.Revenue.Sub(r.Expenses)
	if r.NetProfit.Sub(want).Abs().LessThanOrEqual(v.cfg.Tolerance) {
		return nil
	}
	return []domain.ValidationIssue{{
		Severity:   domain.SeverityError,
		Code:       CodeBalanceMismatch,
		Message:    fmt.Sprintf("balance equation mismatch: net profit %s, revenue - expenses %s", money(r.NetProfit), money(want)),
		Field:      "net_profit",
		Value:      money(r.NetProfit),
		Suggestion: fmt.Sprintf("net profit should be %s", money(want)),
	}}
}

func checkCurrency(v *Validator, in Input) []domain.ValidationIssue {
	cur := in.Record.Currency
	if !currencyPattern.MatchString(cur) {
		return []domain.ValidationIssue{{
			Severity:   domain.SeverityError,
			Code:       CodeInvalidCurrencyFormat,
			Message:    fmt.Sprintf("currency %q is not a 3-letter code", cur),
			Field:      "currency",
			Value:      cur,
			Suggestion: "use an ISO 4217 code such as USD",
		}}
	}
	if !v.common[strings.ToUpper(cur)] {
		return []domain.ValidationIssue{{
			Severity: domain.SeverityInfo,
			Code:     CodeUncommonCurrency,
			Message:  fmt.Sprintf("currency %s is uncommon", strings.ToUpper(cur)),
			Field:    "currency",
			Value:    cur,
		}}
	}
	return nil
}

func buildTree(accounts []domain.Account) *accounttree.Tree {
	tree := accounttree.New()
	for _, a := range accounts {
		tree.Add(accounttree.Node{
			ID:           a.AccountID,
			Name:         a.Name,
			InferredType: a.AccountType,
			ParentID:     a.ParentAccountID,
		})
	}
	return tree
}

func checkHierarchy(v *Validator, in Input) []domain.ValidationIssue {
	var issues []domain.ValidationIssue
	tree := buildTree(in.Accounts)

	for _, cycle := range tree.Cycles() {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityError,
			Code:       CodeCircularReference,
			Message:    fmt.Sprintf("circular reference in account hierarchy: %s", strings.Join(cycle, " -> ")+" -> "+cycle[0]),
			Field:      "parent_account_id",
			Value:      cycle,
			Suggestion: "break the cycle by clearing one parent_account_id",
		})
	}

	for _, id := range tree.MissingParents() {
		n, _ := tree.Get(id)
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityError,
			Code:     CodeMissingParentAccount,
			Message:  fmt.Sprintf("account %q references unknown parent %q", id, n.ParentID),
			Field:    "parent_account_id",
			Value:    n.ParentID,
		})
	}

	for _, n := range tree.Nodes() {
		if n.ParentID == "" || n.ParentID == n.ID {
			continue
		}
		parent, ok := tree.Get(n.ParentID)
		if !ok || parent.InferredType == n.InferredType {
			continue
		}
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityWarning,
			Code:     CodeAccountTypeMismatch,
			Message: fmt.Sprintf("account %q is %s but its parent %q is %s",
				n.ID, n.InferredType, parent.ID, parent.InferredType),
			Field: "account_type",
			Value: string(n.InferredType),
		})
	}
	return issues
}

func checkReconciliation(v *Validator, in Input) []domain.ValidationIssue {
	var issues []domain.ValidationIssue
	r := in.Record

	types := make(map[string]domain.AccountType, len(in.Accounts))
	for _, a := range in.Accounts {
		if _, ok := types[a.AccountID]; !ok {
			types[a.AccountID] = a.AccountType
		}
	}

	revenue, expenses := decimal.Zero, decimal.Zero
	valued := make(map[string]bool, len(in.Values))
	for _, val := range in.Values {
		if val.FinancialRecordID != r.ID {
			continue
		}
		valued[val.AccountID] = true
		switch types[val.AccountID] {
		case domain.AccountTypeRevenue:
			revenue = revenue.Add(val.Value)
		case domain.AccountTypeExpense:
			expenses = expenses.Add(val.Value)
		}
	}

	if revenue.Sub(r.Revenue).Abs().GreaterThan(v.cfg.Tolerance) {
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityError,
			Code:     CodeRevenueTotalMismatch,
			Message:  fmt.Sprintf("revenue total mismatch: record %s, account values %s", money(r.Revenue), money(revenue)),
			Field:    "revenue",
			Value:    money(revenue),
		})
	}
	if expenses.Sub(r.Expenses).Abs().GreaterThan(v.cfg.Tolerance) {
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityError,
			Code:     CodeExpenseTotalMismatch,
			Message:  fmt.Sprintf("expense total mismatch: record %s, account values %s", money(r.Expenses), money(expenses)),
			Field:    "expenses",
			Value:    money(expenses),
		})
	}

	tree := buildTree(in.Accounts)
	var missing []string
	for _, n := range tree.Nodes() {
		if tree.IsLeaf(n.ID) && !valued[n.ID] {
			missing = append(missing, n.ID)
		}
	}
	if len(missing) > 0 {
		issues = append(issues, domain.ValidationIssue{
			Severity: domain.SeverityInfo,
			Code:     CodeMissingAccountValues,
			Message:  fmt.Sprintf("%d account(s) have no value for this period", len(missing)),
			Field:    "account_values",
			Value:    missing,
		})
	}
	return issues
}
