package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Bucket names of the hierarchical format.
const (
	BucketRevenue              = "revenue"
	BucketCostOfGoodsSold      = "cost_of_goods_sold"
	BucketOperatingExpenses    = "operating_expenses"
	BucketNonOperatingExpenses = "non_operating_expenses"
	BucketNonOperatingRevenue  = "non_operating_revenue"
)

// DiagSuspectedRollup flags a parent item whose value equals the sum of its
// children, which means both levels are counted in the bucket total.
const DiagSuspectedRollup = "SUSPECTED_ROLLUP"

// Bucket is one line-item list of a period record and the account type its
// items carry.
type Bucket struct {
	Name string
	Type domain.AccountType
}

// Buckets lists the five buckets in the order they are walked.
var Buckets = []Bucket{
	{Name: BucketRevenue, Type: domain.AccountTypeRevenue},
	{Name: BucketCostOfGoodsSold, Type: domain.AccountTypeExpense},
	{Name: BucketOperatingExpenses, Type: domain.AccountTypeExpense},
	{Name: BucketNonOperatingExpenses, Type: domain.AccountTypeExpense},
	{Name: BucketNonOperatingRevenue, Type: domain.AccountTypeRevenue},
}

// HierarchicalParser reads {"data": [periodRecord, ...]} documents where
// each record holds five buckets of arbitrarily nested line items.
type HierarchicalParser struct {
	DefaultCurrency string
}

// NewHierarchicalParser returns a parser with the default currency.
func NewHierarchicalParser() *HierarchicalParser {
	return &HierarchicalParser{DefaultCurrency: DefaultCurrency}
}

func (p *HierarchicalParser) Format() domain.Source { return domain.SourceHierarchical }

func (p *HierarchicalParser) Parse(ctx context.Context, doc any) (ParserOutput, error) {
	return p.ParseHierarchical(ctx, doc)
}

type itemFrame struct {
	item     map[string]interface{}
	parentID string
	depth    int
}

// ParseHierarchical parses doc into a HierarchicalOutput. Records without
// usable period bounds are dropped with a warning.
func (p *HierarchicalParser) ParseHierarchical(ctx context.Context, doc any) (*HierarchicalOutput, error) {
	root, ok := doc.(map[string]interface{})
	if !ok {
		return nil, &ParseError{
			Format: domain.SourceHierarchical,
			Err:    fmt.Errorf("ParseHierarchical: top-level value is %T, want object", doc),
		}
	}
	log := logger.FromContext(ctx).With().Str("parser", string(domain.SourceHierarchical)).Logger()

	out := &HierarchicalOutput{Accounts: accounttree.New()}
	seen := make(map[string]bool)

	for i, r := range getSliceField(root, "data") {
		rec, ok := r.(map[string]interface{})
		if !ok {
			log.Warn().Int("record", i).Msgf("dropping record of type %T", r)
			continue
		}
		start, err := getDateField(rec, "period_start")
		if err != nil {
			log.Warn().Err(err).Int("record", i).Msg("dropping record without usable period_start")
			continue
		}
		end, err := getDateField(rec, "period_end")
		if err != nil {
			log.Warn().Err(err).Int("record", i).Msg("dropping record without usable period_end")
			continue
		}

		sourceID := getIDField(rec, "id")
		period := domain.Period{Start: start, End: end}
		key := period.Key(sourceID)
		if seen[key] {
			log.Warn().Int("record", i).Str("period_key", key).Msg("dropping duplicate period record")
			continue
		}
		seen[key] = true

		currency := p.defaultCurrency()
		if cur, err := getOptionalStringField(rec, "currency"); err == nil && cur != nil {
			currency = *cur
		}

		seed := RecordSeed{
			ID:             domain.RecordID(domain.SourceHierarchical, key),
			SourceRecordID: sourceID,
			Period:         period,
			PeriodKey:      key,
			Currency:       currency,
			BucketTotals:   make(map[string]decimal.Decimal, len(Buckets)),
			Raw:            rec,
		}
		for _, b := range Buckets {
			seed.BucketTotals[b.Name] = p.walkBucket(b, getSliceField(rec, b.Name), key, out, log)
		}
		seed.Revenue = seed.BucketTotals[BucketRevenue].Add(seed.BucketTotals[BucketNonOperatingRevenue])
		seed.Expenses = seed.BucketTotals[BucketCostOfGoodsSold].
			Add(seed.BucketTotals[BucketOperatingExpenses]).
			Add(seed.BucketTotals[BucketNonOperatingExpenses])

		out.Seeds = append(out.Seeds, seed)
	}

	log.Debug().
		Int("records", len(out.Seeds)).
		Int("accounts", out.Accounts.Len()).
		Int("facts", len(out.Facts)).
		Msg("parsed hierarchical document")

	return out, nil
}

// walkBucket registers the bucket's items and emits their facts. It returns
// the bucket total, the sum of absolute values of every fact emitted.
func (p *HierarchicalParser) walkBucket(b Bucket, items []interface{}, periodKey string, out *HierarchicalOutput, log zerolog.Logger) decimal.Decimal {
	total := decimal.Zero
	stack := pushItems(nil, items, "", 0)

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children := getSliceField(f.item, "line_items")
		name, value, ok := itemNameValue(f.item)
		if !ok {
			log.Debug().Str("bucket", b.Name).Str("name", name).Msg("skipping unnamed or non-numeric line item")
			stack = pushItems(stack, children, f.parentID, f.depth+1)
			continue
		}

		id := getIDField(f.item, "id")
		explicit := id != ""
		if !explicit {
			id = deriveItemID(f.parentID, b.Name, name)
		} else if prev, ok := out.Accounts.Get(id); ok && prev.SourceType != b.Name {
			// The same document id in another bucket is a different account.
			id = joinID(b.Name, id)
		}
		out.Accounts.Add(accounttree.Node{
			ID:           id,
			Name:         name,
			InferredType: b.Type,
			SourceType:   b.Name,
			ParentID:     f.parentID,
			Depth:        f.depth,
			Explicit:     explicit,
		})

		if !value.IsZero() {
			abs := value.Abs()
			out.Facts = append(out.Facts, Fact{AccountID: id, PeriodKey: periodKey, Amount: abs})
			total = total.Add(abs)

			if sum, n := childrenSum(children); n > 0 && sum.Equal(abs) {
				out.Diagnostics = append(out.Diagnostics, Diagnostic{
					Code:      DiagSuspectedRollup,
					AccountID: id,
					PeriodKey: periodKey,
					Message: fmt.Sprintf("line item %q (%s) equals the sum of its %d children; both levels are counted in %s",
						name, abs.StringFixed(2), n, b.Name),
				})
			}
		}

		stack = pushItems(stack, children, id, f.depth+1)
	}
	return total
}

func (p *HierarchicalParser) defaultCurrency() string {
	if p.DefaultCurrency == "" {
		return DefaultCurrency
	}
	return p.DefaultCurrency
}

func pushItems(stack []itemFrame, items []interface{}, parentID string, depth int) []itemFrame {
	for i := len(items) - 1; i >= 0; i-- {
		item, ok := items[i].(map[string]interface{})
		if !ok {
			continue
		}
		stack = append(stack, itemFrame{item: item, parentID: parentID, depth: depth})
	}
	return stack
}

// itemNameValue returns the trimmed name and numeric value of a line item;
// ok is false when either is unusable.
func itemNameValue(item map[string]interface{}) (string, decimal.Decimal, bool) {
	name, err := getStringField(item, "name", false)
	if err != nil {
		return "", decimal.Zero, false
	}
	name = strings.TrimSpace(name)
	value, numeric := toDecimal(item["value"])
	return name, value, name != "" && numeric
}

// childrenSum adds the absolute values of the usable direct children.
func childrenSum(children []interface{}) (decimal.Decimal, int) {
	sum := decimal.Zero
	n := 0
	for _, c := range children {
		item, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if _, v, ok := itemNameValue(item); ok {
			sum = sum.Add(v.Abs())
			n++
		}
	}
	return sum, n
}

// deriveItemID nests under the parent id when there is one; top-level items
// are namespaced by bucket.
func deriveItemID(parentID, bucket, name string) string {
	s := slug(name)
	if s == "" {
		s = strings.ToLower(name)
	}
	if parentID != "" {
		return joinID(parentID, s)
	}
	return joinID(bucket, s)
}
