package harvest

import "marketplace-harvest/record"

// Deduplicator is the working set of a harvest: records keyed by id in
// insertion order. The first record seen for an id wins. It is not safe for
// concurrent use; the harvester only touches it between wave barriers.
type Deduplicator struct {
	index      map[string]int
	records    []record.Record
	duplicates int
	dropped    int
}

// NewDeduplicator returns an empty working set.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{index: make(map[string]int)}
}

// Merge builds a Deduplicator over batches in order.
func Merge(batches ...[]record.Record) *Deduplicator {
	d := NewDeduplicator()
	for _, b := range batches {
		d.Add(b...)
	}
	return d
}

// Add admits records whose id is unseen and returns how many were admitted.
// Records without an id are dropped.
func (d *Deduplicator) Add(recs ...record.Record) int {
	admitted := 0
	for _, r := range recs {
		if !r.HasID() {
			d.dropped++
			continue
		}
		if _, ok := d.index[r.ID]; ok {
			d.duplicates++
			continue
		}
		d.index[r.ID] = len(d.records)
		d.records = append(d.records, r)
		admitted++
	}
	return admitted
}

func (d *Deduplicator) Get(id string) (record.Record, bool) {
	i, ok := d.index[id]
	if !ok {
		return record.Record{}, false
	}
	return d.records[i], true
}

// Records returns the working set in insertion order. The slice is shared;
// callers must not modify it.
func (d *Deduplicator) Records() []record.Record { return d.records }

func (d *Deduplicator) Len() int        { return len(d.records) }
func (d *Deduplicator) Duplicates() int { return d.duplicates }
func (d *Deduplicator) Dropped() int    { return d.dropped }
