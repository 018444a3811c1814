package harvest

import (
	"cmp"
	"slices"

	"marketplace-harvest/record"
)

// Ranked is a record with the key it was ranked by.
type Ranked struct {
	Record record.Record
	Key    float64
}

// Rank orders recs by the first coercible field of chain, highest first, and
// keeps at most limit of them. Ties keep their input order. Records with no
// usable field rank as 0.
func Rank(recs []record.Record, limit int, chain ...string) []Ranked {
	if limit <= 0 || len(recs) == 0 {
		return []Ranked{}
	}
	if len(chain) == 0 {
		chain = DefaultRankFields
	}
	out := make([]Ranked, len(recs))
	for i, r := range recs {
		out[i] = Ranked{Record: r, Key: record.RankKey(r, chain...)}
	}
	slices.SortStableFunc(out, func(a, b Ranked) int { return cmp.Compare(b.Key, a.Key) })
	return out[:min(limit, len(out))]
}

// Records strips the keys.
func Records(ranked []Ranked) []record.Record {
	out := make([]record.Record, len(ranked))
	for i, r := range ranked {
		out[i] = r.Record
	}
	return out
}
