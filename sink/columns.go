// Package sink persists harvest results: timestamped CSV/JSON snapshots, an
// append-only CSV ledger guarded by a lock file, and an optional Postgres
// table.
package sink

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"marketplace-harvest/record"
)

// PriorityColumns lead every snapshot table, in this order, when present.
var PriorityColumns = []string{
	"id", "question", "slug", "conditionId", "description", "category",
	"volumeNum", "volume", "liquidityNum", "liquidity", "volume24hr",
	"active", "closed", "archived", "startDate", "endDate",
}

// EventProperties are lifted from a record's first event as event_<name>.
var EventProperties = []string{
	"id", "ticker", "slug", "title", "description", "liquidity", "volume",
	"competitive", "volume24hr", "enableOrderBook", "liquidityClob", "negRisk",
	"negRiskMarketID", "commentCount", "countryName", "electionType", "disqusThread",
}

var tokenProperties = []string{"id", "outcome", "price", "winner"}

// Table is a flattened, column-ordered view of a set of records.
type Table struct {
	Header []string
	Rows   [][]string
	// nested marks columns holding JSON-encoded lists or objects.
	nested map[string]bool
}

type flatRow struct {
	cells  map[string]string
	nested map[string]bool
}

// Flatten builds the table for recs: priority columns, the remaining
// top-level fields sorted, event_* columns, then token_<i>_* columns.
func Flatten(recs []record.Record) Table {
	flat := make([]flatRow, len(recs))
	present := map[string]bool{}
	nested := map[string]bool{}
	for i, r := range recs {
		flat[i] = flattenOne(r)
		for k := range flat[i].cells {
			present[k] = true
		}
		for k := range flat[i].nested {
			nested[k] = true
		}
	}

	header := make([]string, 0, len(present))
	used := map[string]bool{}
	take := func(col string) {
		if present[col] && !used[col] {
			used[col] = true
			header = append(header, col)
		}
	}
	for _, c := range PriorityColumns {
		take(c)
	}
	var rest, tokens []string
	for c := range present {
		switch {
		case used[c], strings.HasPrefix(c, "event_"):
		case strings.HasPrefix(c, "token_"):
			tokens = append(tokens, c)
		default:
			rest = append(rest, c)
		}
	}
	sort.Strings(rest)
	for _, c := range rest {
		take(c)
	}
	for _, p := range EventProperties {
		take("event_" + p)
	}
	slices.SortFunc(tokens, compareTokenColumns)
	for _, c := range tokens {
		take(c)
	}

	t := Table{Header: header, Rows: make([][]string, len(flat)), nested: nested}
	for i, fr := range flat {
		row := make([]string, len(header))
		for j, c := range header {
			row[j] = fr.cells[c]
		}
		t.Rows[i] = row
	}
	return t
}

// Scalar returns the table without its JSON-encoded composite columns.
func (t Table) Scalar() Table {
	keep := make([]int, 0, len(t.Header))
	out := Table{nested: map[string]bool{}}
	for i, c := range t.Header {
		if !t.nested[c] {
			keep = append(keep, i)
			out.Header = append(out.Header, c)
		}
	}
	out.Rows = make([][]string, len(t.Rows))
	for i, row := range t.Rows {
		r := make([]string, len(keep))
		for j, k := range keep {
			r[j] = row[k]
		}
		out.Rows[i] = r
	}
	return out
}

// HasNested reports whether any column holds composite values.
func (t Table) HasNested() bool { return len(t.nested) > 0 }

func flattenOne(r record.Record) flatRow {
	fr := flatRow{cells: map[string]string{}, nested: map[string]bool{}}
	put := func(col string, v any) {
		s, composite := cell(v)
		fr.cells[col] = s
		if composite {
			fr.nested[col] = true
		}
	}
	for _, k := range r.Keys() {
		if k == record.FieldEvents || k == record.FieldTokens {
			continue
		}
		v, _ := r.Field(k)
		put(k, v)
	}
	if len(r.Events) > 0 {
		ev := r.Events[0]
		for _, p := range EventProperties {
			if v, ok := ev.Field(p); ok {
				put("event_"+p, v)
			}
		}
	}
	for i, tok := range r.Tokens {
		for _, p := range tokenProperties {
			key := p
			if p == "id" {
				key = "token_id"
			}
			v, ok := tok.Field(key)
			if !ok && p == "id" {
				v, ok = tok.Field(record.FieldID)
			}
			if ok {
				put(fmt.Sprintf("token_%d_%s", i, p), v)
			}
		}
	}
	return fr
}

// cell renders a decoded value. Lists and objects become compact JSON.
func cell(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, false
	case json.Number:
		return t.String(), false
	case bool:
		return strconv.FormatBool(t), false
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), false
	case record.Record:
		b, _ := json.Marshal(t)
		return string(b), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t), true
		}
		return string(b), true
	}
}

// compareTokenColumns orders token_<i>_<field> by index, then field position.
func compareTokenColumns(a, b string) int {
	ai, af := splitToken(a)
	bi, bf := splitToken(b)
	if ai != bi {
		return ai - bi
	}
	return slices.Index(tokenProperties, af) - slices.Index(tokenProperties, bf)
}

func splitToken(col string) (int, string) {
	rest := strings.TrimPrefix(col, "token_")
	idx, field, _ := strings.Cut(rest, "_")
	n, _ := strconv.Atoi(idx)
	return n, field
}
