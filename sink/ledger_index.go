package sink

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
)

// idIndex is the set of market ids already in a ledger, mirrored one id per
// line in a sidecar file so reopening does not rescan the CSV.
type idIndex struct {
	path string
	ids  map[string]struct{}
}

// loadIDIndex reads the sidecar at path. It is rebuilt from the ledger CSV
// when missing or older than the CSV.
func loadIDIndex(csvPath, path string) (*idIndex, error) {
	x := &idIndex{path: path, ids: make(map[string]struct{})}
	csvInfo, csvErr := os.Stat(csvPath)
	idsInfo, idsErr := os.Stat(path)
	if idsErr == nil && (csvErr != nil || !csvInfo.ModTime().After(idsInfo.ModTime())) {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		x.addLines(b)
		return x, nil
	}
	if csvErr == nil {
		if err := x.scan(csvPath); err != nil {
			return nil, err
		}
	}
	return x, x.flush()
}

func (x *idIndex) Len() int { return len(x.ids) }

func (x *idIndex) Has(id string) bool {
	_, ok := x.ids[id]
	return ok
}

// Add appends ids to the sidecar and only then to the in-memory set.
func (x *idIndex) Add(ids []string) error {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	if err := writeSynced(x.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, buf.Bytes()); err != nil {
		return err
	}
	for _, id := range ids {
		x.ids[id] = struct{}{}
	}
	return nil
}

func (x *idIndex) addLines(b []byte) {
	for _, line := range strings.Split(string(b), "\n") {
		if id := strings.TrimSpace(line); id != "" {
			x.ids[id] = struct{}{}
		}
	}
}

// scan collects the market_id column of a ledger CSV. Rows too short to
// carry the column are skipped.
func (x *idIndex) scan(csvPath string) error {
	f, err := os.Open(csvPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", csvPath)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	if head, _ := br.Peek(len(utf8BOM)); bytes.Equal(head, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s header", csvPath)
	}
	col := slices.Index(header, "market_id")
	if col < 0 {
		return errors.Newf("%s has no market_id column", csvPath)
	}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "scan %s", csvPath)
		}
		if col >= len(row) {
			continue
		}
		if id := strings.TrimSpace(row[col]); id != "" {
			x.ids[id] = struct{}{}
		}
	}
}

// flush rewrites the sidecar with the ids in sorted order.
func (x *idIndex) flush() error {
	var buf bytes.Buffer
	for _, id := range slices.Sorted(maps.Keys(x.ids)) {
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	return writeSynced(x.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, buf.Bytes())
}
