package parser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-ingest/internal/accounttree"
	"github.com/dvloznov/finance-ingest/internal/domain"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/rs/zerolog"
)

// totalLabel marks report total rows, which never become accounts.
const totalLabel = "TOTAL"

// TabularParser reads columnar reports: a Header with currency metadata,
// Columns where every Money column carries start and end dates, and a nested
// Rows tree of group rows and account rows.
//
// A TabularParser holds configuration only; every Parse call builds its own
// registry and fact buffer, so one instance may be reused and shared.
type TabularParser struct {
	Rules           []TypeRule
	DefaultCurrency string
}

// NewTabularParser returns a parser using DefaultTypeRules.
func NewTabularParser() *TabularParser {
	return &TabularParser{Rules: DefaultTypeRules, DefaultCurrency: DefaultCurrency}
}

func (p *TabularParser) Format() domain.Source { return domain.SourceTabular }

func (p *TabularParser) Parse(ctx context.Context, doc any) (ParserOutput, error) {
	return p.ParseTabular(ctx, doc)
}

// rowFrame is one pending row on the walk worklist.
type rowFrame struct {
	row      map[string]interface{}
	parentID string
	depth    int
}

// ParseTabular parses doc into a TabularOutput. A root that is not an object
// is a ParseError; an object missing the expected sections parses to an
// empty result.
func (p *TabularParser) ParseTabular(ctx context.Context, doc any) (*TabularOutput, error) {
	root, ok := doc.(map[string]interface{})
	if !ok {
		return nil, &ParseError{
			Format: domain.SourceTabular,
			Err:    fmt.Errorf("ParseTabular: top-level value is %T, want object", doc),
		}
	}
	log := logger.FromContext(ctx).With().Str("parser", string(domain.SourceTabular)).Logger()

	out := &TabularOutput{
		Currency: p.defaultCurrency(),
		Accounts: accounttree.New(),
	}

	header := getMapField(root, "Header")
	out.Header = header
	if cur, err := getOptionalStringField(header, "Currency"); err == nil && cur != nil {
		out.Currency = *cur
	}
	if name, err := getOptionalStringField(header, "ReportName"); err == nil && name != nil {
		out.ReportName = *name
	}

	columns := getSliceField(getMapField(root, "Columns"), "Column")
	out.Columns = columns
	colPeriod := p.readPeriods(columns, out, log)

	rows := getSliceField(getMapField(root, "Rows"), "Row")
	if len(rows) == 0 {
		log.Debug().Msg("document has no rows")
	}

	stack := make([]rowFrame, 0, len(rows))
	stack = pushRows(stack, rows, "", 0)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		nested, isGroup := f.row["Rows"].(map[string]interface{})
		cells := getSliceField(f.row, "ColData")
		if isGroup {
			if hc := getSliceField(getMapField(f.row, "Header"), "ColData"); len(hc) > 0 {
				cells = hc
			}
		}

		name, explicitID := labelCell(cells)
		childParent := f.parentID

		if name == "" || strings.EqualFold(name, totalLabel) {
			log.Debug().Str("label", name).Int("depth", f.depth).Msg("skipping unlabeled or total row")
		} else {
			id := explicitID
			if id == "" {
				id = deriveTabularID(f.parentID, name)
			}
			added := out.Accounts.Add(accounttree.Node{
				ID:           id,
				Name:         name,
				InferredType: InferAccountType(p.rules(), name, f.depth),
				ParentID:     f.parentID,
				Depth:        f.depth,
				Explicit:     explicitID != "",
			})
			if !added {
				log.Debug().Str("account_id", id).Msg("account already registered, keeping first definition")
			}
			childParent = id

			if !isGroup {
				out.Facts = appendCellFacts(out.Facts, id, cells, colPeriod, out.Periods, log)
			}
		}

		if isGroup {
			stack = pushRows(stack, getSliceField(nested, "Row"), childParent, f.depth+1)
		}
	}

	log.Debug().
		Int("periods", len(out.Periods)).
		Int("accounts", out.Accounts.Len()).
		Int("facts", len(out.Facts)).
		Msg("parsed tabular document")

	return out, nil
}

// readPeriods turns money columns into periods and returns the mapping from
// column index to period index.
func (p *TabularParser) readPeriods(columns []interface{}, out *TabularOutput, log zerolog.Logger) map[int]int {
	colPeriod := make(map[int]int)
	for j, c := range columns {
		col, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		colType, _ := getStringField(col, "ColType", false)
		if !strings.EqualFold(colType, "Money") {
			continue
		}
		title, _ := getStringField(col, "ColTitle", false)
		start, end, err := columnDates(col)
		if err != nil {
			log.Debug().Err(err).Int("column", j).Str("title", title).Msg("skipping money column without dates")
			continue
		}
		colPeriod[j] = len(out.Periods)
		out.Periods = append(out.Periods, domain.Period{Start: start, End: end, Label: strings.TrimSpace(title)})
	}
	return colPeriod
}

func (p *TabularParser) rules() []TypeRule {
	if p.Rules == nil {
		return DefaultTypeRules
	}
	return p.Rules
}

func (p *TabularParser) defaultCurrency() string {
	if p.DefaultCurrency == "" {
		return DefaultCurrency
	}
	return p.DefaultCurrency
}

// pushRows pushes rows in reverse so they pop in document order.
func pushRows(stack []rowFrame, rows []interface{}, parentID string, depth int) []rowFrame {
	for i := len(rows) - 1; i >= 0; i-- {
		row, ok := rows[i].(map[string]interface{})
		if !ok {
			continue
		}
		stack = append(stack, rowFrame{row: row, parentID: parentID, depth: depth})
	}
	return stack
}

// columnDates reads the period bounds of a money column, either from a
// MetaData name/value list or from plain start/end keys.
func columnDates(col map[string]interface{}) (start, end time.Time, err error) {
	var startStr, endStr string
	for _, m := range getSliceField(col, "MetaData") {
		entry, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := getStringField(entry, "Name", false)
		value, _ := getStringField(entry, "Value", false)
		switch strings.ToLower(name) {
		case "startdate", "start_date":
			startStr = value
		case "enddate", "end_date":
			endStr = value
		}
	}
	if startStr == "" {
		startStr, _ = getStringField(col, "start_date", false)
	}
	if endStr == "" {
		endStr, _ = getStringField(col, "end_date", false)
	}
	if startStr == "" || endStr == "" {
		return start, end, fmt.Errorf("columnDates: missing start or end date")
	}
	if start, err = parseDate(startStr); err != nil {
		return start, end, fmt.Errorf("columnDates: start: %w", err)
	}
	if end, err = parseDate(endStr); err != nil {
		return start, end, fmt.Errorf("columnDates: end: %w", err)
	}
	return start, end, nil
}

// labelCell returns the trimmed label and optional id of a row's first cell.
func labelCell(cells []interface{}) (name, id string) {
	if len(cells) == 0 {
		return "", ""
	}
	switch c := cells[0].(type) {
	case map[string]interface{}:
		v, _ := getStringField(c, "value", false)
		return strings.TrimSpace(v), getIDField(c, "id")
	case string:
		return strings.TrimSpace(c), ""
	}
	return "", ""
}

func cellValue(cell interface{}) interface{} {
	if m, ok := cell.(map[string]interface{}); ok {
		return m["value"]
	}
	return cell
}

func appendCellFacts(facts []Fact, accountID string, cells []interface{}, colPeriod map[int]int, periods []domain.Period, log zerolog.Logger) []Fact {
	for j := 1; j < len(cells); j++ {
		pi, ok := colPeriod[j]
		if !ok {
			continue
		}
		amount, ok := toDecimal(cellValue(cells[j]))
		if !ok {
			log.Debug().Str("account_id", accountID).Int("column", j).Msg("skipping empty or non-numeric cell")
			continue
		}
		facts = append(facts, Fact{
			AccountID: accountID,
			PeriodKey: periods[pi].Key(""),
			Amount:    amount,
		})
	}
	return facts
}

func deriveTabularID(parentID, name string) string {
	s := slug(name)
	if s == "" {
		s = strings.ToLower(strings.TrimSpace(name))
	}
	return joinID(parentID, s)
}
