// Package validation runs an ordered battery of checks against a canonical
// record and its accounts and values. Checks are pure and never fail; they
// only append issues.
package validation

import (
	"time"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultCommonCurrencies are the currencies that do not raise UNCOMMON_CURRENCY.
var DefaultCommonCurrencies = []string{
	"USD", "EUR", "GBP", "JPY", "CAD", "AUD", "CHF", "CNY", "HKD", "NZD",
	"SEK", "NOK", "DKK", "SGD", "INR", "MXN", "BRL", "ZAR", "KRW", "PLN",
}

// Config holds validation thresholds. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// Tolerance is the absolute slack for balance and reconciliation checks.
	Tolerance decimal.Decimal
	// AmountCeiling is the absolute revenue or expense value above which a
	// record is flagged.
	AmountCeiling decimal.Decimal
	// MaxAgeYears is how far back period_start may lie before OLD_PERIOD_START.
	MaxAgeYears      int
	CommonCurrencies []string
	// Now is the validation clock.
	Now func() time.Time
}

// DefaultConfig returns the standard thresholds with a wall clock.
func DefaultConfig() Config {
	return Config{
		Tolerance:        decimal.New(1, -2),
		AmountCeiling:    decimal.New(1, 9),
		MaxAgeYears:      10,
		CommonCurrencies: DefaultCommonCurrencies,
		Now:              time.Now,
	}
}

// Input is everything a rule may look at.
type Input struct {
	Record   *domain.FinancialRecord
	Accounts []domain.Account
	Values   []domain.AccountValue
}

// Rule is one named check.
type Rule struct {
	Name  string
	Check func(v *Validator, in Input) []domain.ValidationIssue
}

// Validator applies its rules in order.
type Validator struct {
	cfg    Config
	common map[string]bool
	rules  []Rule
}

// New builds a validator with DefaultRules.
func New(cfg Config) *Validator {
	return NewWithRules(cfg, DefaultRules())
}

// NewWithRules builds a validator with a custom rule list.
func NewWithRules(cfg Config, rules []Rule) *Validator {
	def := DefaultConfig()
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.AmountCeiling.IsZero() {
		cfg.AmountCeiling = def.AmountCeiling
	}
	if cfg.MaxAgeYears == 0 {
		cfg.MaxAgeYears = def.MaxAgeYears
	}
	if cfg.CommonCurrencies == nil {
		cfg.CommonCurrencies = def.CommonCurrencies
	}

	common := make(map[string]bool, len(cfg.CommonCurrencies))
	for _, c := range cfg.CommonCurrencies {
		common[c] = true
	}
	return &Validator{cfg: cfg, common: common, rules: rules}
}

// Config returns the effective configuration.
func (v *Validator) Config() Config {
	return v.cfg
}

// Validate runs every rule and scores the result. A nil record yields a
// single Critical issue.
func (v *Validator) Validate(record *domain.FinancialRecord, accounts []domain.Account, values []domain.AccountValue) domain.ValidationResult {
	if record == nil {
		return domain.NewValidationResult([]domain.ValidationIssue{{
			Severity: domain.SeverityCritical,
			Code:     CodeMissingRecord,
			Message:  "no financial record to validate",
		}})
	}

	in := Input{Record: record, Accounts: accounts, Values: values}
	var issues []domain.ValidationIssue
	for _, r := range v.rules {
		issues = append(issues, r.Check(v, in)...)
	}
	return domain.NewValidationResult(issues)
}
