package sink

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marketplace-harvest/record"
)

const timestampLayout = "20060102_150405"

// Snapshot names the files written by one export.
type Snapshot struct {
	CSVPath  string
	JSONPath string
	Rows     int
	// Reduced is set when the CSV fell back to scalar columns only.
	Reduced bool
}

// Exporter writes timestamped CSV and JSON snapshots into Dir.
type Exporter struct {
	Dir   string
	Label string

	now    func() time.Time
	create func(path string) (io.WriteCloser, error)
	log    *zap.SugaredLogger
}

func NewExporter(dir, label string, log *zap.SugaredLogger) *Exporter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Exporter{
		Dir:    dir,
		Label:  sanitizeLabel(label),
		now:    time.Now,
		create: func(p string) (io.WriteCloser, error) { return os.Create(p) },
		log:    log,
	}
}

// ExportTop writes Top_<n>_<label>_<timestamp>.{csv,json}.
func (e *Exporter) ExportTop(recs []record.Record) (Snapshot, error) {
	return e.export(fmt.Sprintf("Top_%d_%s", len(recs), e.Label), recs)
}

// ExportRaw writes the whole pre-ranking working set for later inspection.
func (e *Exporter) ExportRaw(recs []record.Record) (Snapshot, error) {
	return e.export(fmt.Sprintf("All_%d_%s_raw", len(recs), e.Label), recs)
}

// ExportMarket writes a single market looked up by the market command.
func (e *Exporter) ExportMarket(rec record.Record) (Snapshot, error) {
	id := sanitizeLabel(rec.ID)
	if id == "" {
		id = "unknown"
	}
	return e.export("market_"+id, []record.Record{rec})
}

func (e *Exporter) export(base string, recs []record.Record) (Snapshot, error) {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return Snapshot{}, errors.Wrapf(err, "create output dir %s", e.Dir)
	}
	stem := filepath.Join(e.Dir, base+"_"+e.now().Format(timestampLayout))
	snap := Snapshot{CSVPath: stem + ".csv", JSONPath: stem + ".json", Rows: len(recs)}

	if err := e.writeJSON(snap.JSONPath, recs); err != nil {
		return snap, errors.Wrap(err, "json snapshot")
	}

	table := Flatten(recs)
	err := e.writeCSV(snap.CSVPath, table)
	if err == nil {
		e.log.Infow("snapshot saved", "csv", snap.CSVPath, "json", snap.JSONPath, "rows", snap.Rows)
		return snap, nil
	}
	e.log.Warnw("csv snapshot failed; retrying with scalar columns only", "path", snap.CSVPath, "error", err)
	_ = os.Remove(snap.CSVPath)

	snap.Reduced = true
	if rerr := e.writeCSV(snap.CSVPath, table.Scalar()); rerr != nil {
		_ = os.Remove(snap.CSVPath)
		return snap, errors.WithSecondaryError(errors.Wrap(rerr, "reduced csv snapshot"), err)
	}
	e.log.Infow("snapshot saved with reduced schema", "csv", snap.CSVPath, "json", snap.JSONPath, "rows", snap.Rows)
	return snap, nil
}

func (e *Exporter) writeJSON(path string, recs []record.Record) error {
	if recs == nil {
		recs = []record.Record{}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	f, err := e.create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (e *Exporter) writeCSV(path string, t Table) error {
	f, err := e.create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	w := csv.NewWriter(bw)
	if err := w.Write(t.Header); err != nil {
		f.Close()
		return err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeLabel(s string) string {
	return unsafeLabel.ReplaceAllString(s, "_")
}
