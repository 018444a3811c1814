package harvest

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-harvest/record"
)

func TestDeduplicator_FirstWins(t *testing.T) {
	d := Merge(
		mustRecords(t, `[{"id":"a","question":"first"},{"id":"b"},{"id":"a","question":"second"}]`),
		mustRecords(t, `[{"id":"b","question":"later"},{"id":"c"},{"question":"no id"},{"id":null}]`),
	)

	require.Equal(t, 3, d.Len())
	var ids []string
	for _, r := range d.Records() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	a, ok := d.Get("a")
	require.True(t, ok)
	assert.Equal(t, "first", a.Headline())
	b, _ := d.Get("b")
	assert.Nil(t, b.Question)

	assert.Equal(t, 2, d.Duplicates())
	assert.Equal(t, 2, d.Dropped())
	_, ok = d.Get("zzz")
	assert.False(t, ok)
}

func TestDeduplicator_AddReportsAdmitted(t *testing.T) {
	d := NewDeduplicator()
	assert.Equal(t, 2, d.Add(record.Record{ID: "1"}, record.Record{ID: "2"}))
	assert.Equal(t, 1, d.Add(record.Record{ID: "2"}, record.Record{ID: "3"}, record.Record{}))
}

func TestDeduplicator_RandomBatches(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		var batches [][]record.Record
		total := 0
		distinct := map[string]bool{}
		for b := r.Intn(6); b >= 0; b-- {
			batch := make([]record.Record, r.Intn(40))
			for i := range batch {
				id := fmt.Sprint(r.Intn(60))
				batch[i] = record.Record{ID: id}
				distinct[id] = true
			}
			total += len(batch)
			batches = append(batches, batch)
		}

		d := Merge(batches...)
		seen := map[string]bool{}
		for _, rec := range d.Records() {
			assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
			seen[rec.ID] = true
		}
		assert.LessOrEqual(t, d.Len(), total)
		assert.Equal(t, len(distinct), d.Len())
		assert.Equal(t, total, d.Len()+d.Duplicates())
	}
}
