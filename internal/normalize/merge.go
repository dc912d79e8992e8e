package normalize

import (
	"context"
	"fmt"
	"math"

	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/logger"
)

// conflictPenalty is subtracted from the combined score per conflict.
const conflictPenalty = 0.1

// ResolveAndMerge folds tuples describing the same period from different
// sources into one. The conflict resolver picks the winning record; accounts
// are the union by id with the higher-priority copy kept; values come from
// the winner only. The merged tuple is re-validated and the conflict issues
// are prepended to its issues.
func (n *Normalizer) ResolveAndMerge(ctx context.Context, results []Result) (Result, error) {
	if len(results) == 0 {
		return Result{}, fmt.Errorf("ResolveAndMerge: %w", ErrNothingToMerge)
	}
	if len(results) == 1 {
		return results[0], nil
	}

	records := make([]*domain.FinancialRecord, 0, len(results))
	byRecord := make(map[*domain.FinancialRecord]Result, len(results))
	for i, r := range results {
		if r.Record == nil {
			return Result{}, fmt.Errorf("ResolveAndMerge: tuple %d has no record: %w", i, ErrNothingToMerge)
		}
		records = append(records, r.Record)
		byRecord[r.Record] = r
	}

	winner, conflicts, err := n.resolver.Resolve(records)
	if err != nil {
		return Result{}, fmt.Errorf("ResolveAndMerge: %w", err)
	}

	seen := make(map[string]bool)
	var accounts []domain.Account
	for _, rec := range n.resolver.Rank(records) {
		for _, a := range byRecord[rec].Accounts {
			if seen[a.AccountID] {
				continue
			}
			seen[a.AccountID] = true
			accounts = append(accounts, a)
		}
	}

	merged := *winner
	merged.UpdatedAt = n.now().UTC()

	winning := byRecord[winner].Values
	values := make([]domain.AccountValue, 0, len(winning))
	for _, v := range winning {
		v.FinancialRecordID = merged.ID
		values = append(values, v)
	}

	own := n.validator.Validate(&merged, accounts, values)

	issues := make([]domain.ValidationIssue, 0, len(conflicts)+len(own.Issues))
	issues = append(issues, conflicts...)
	issues = append(issues, own.Issues...)

	score := math.Min(domain.QualityScore(conflicts), own.QualityScore) - conflictPenalty*float64(len(conflicts))

	res := domain.ValidationResult{
		IsValid:      !domain.HasBlocking(issues),
		QualityScore: domain.RoundScore(score),
		Issues:       issues,
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("record_id", merged.ID).
		Str("winner", string(merged.Source)).
		Int("candidates", len(results)).
		Int("conflicts", len(conflicts)).
		Float64("quality_score", res.QualityScore).
		Msg("merged sources")

	return Result{Record: &merged, Accounts: accounts, Values: values, Validation: res}, nil
}
