package sink

import (
	"strings"
	"time"

	"marketplace-harvest/harvest"
	"marketplace-harvest/record"
)

// Entry is one ranked market as stored by the ledger and Postgres sinks.
type Entry struct {
	Rank     int
	RankKey  float64
	Record   record.Record
	RunID    string
	Strategy string
	SeenAt   time.Time
}

// Entries converts a harvest result into sink entries, ranks starting at 1.
func Entries(res harvest.Result, seenAt time.Time) []Entry {
	out := make([]Entry, len(res.Ranked))
	for i, r := range res.Ranked {
		out[i] = Entry{
			Rank:     i + 1,
			RankKey:  r.Key,
			Record:   r.Record,
			RunID:    res.RunID,
			Strategy: res.Strategy,
			SeenAt:   seenAt.UTC(),
		}
	}
	return out
}

func (e Entry) endDate() *time.Time {
	return parseTimePtrRFC3339(e.Record.Text("endDate"))
}

func parseTimePtrRFC3339(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
