package sink

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestExporter(t *testing.T) *Exporter {
	t.Helper()
	e := NewExporter(filepath.Join(t.TempDir(), "out"), "election markets", zaptest.NewLogger(t).Sugar())
	e.now = func() time.Time { return time.Date(2024, 11, 5, 18, 30, 0, 0, time.UTC) }
	return e
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExportTop_WritesCSVAndJSON(t *testing.T) {
	e := newTestExporter(t)
	recs := decode(t, `[{"id":"1","question":"Q1","volumeNum":10,"outcomes":["Yes","No"]},{"id":"2","question":"Q2","volumeNum":5}]`)

	snap, err := e.ExportTop(recs)
	require.NoError(t, err)
	assert.False(t, snap.Reduced)
	assert.Equal(t, 2, snap.Rows)
	assert.Equal(t, "Top_2_election_markets_20241105_183000.csv", filepath.Base(snap.CSVPath))
	assert.Equal(t, "Top_2_election_markets_20241105_183000.json", filepath.Base(snap.JSONPath))

	rows := readCSV(t, snap.CSVPath)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "question", "volumeNum", "outcomes"}, rows[0])
	assert.Equal(t, []string{"1", "Q1", "10", `["Yes","No"]`}, rows[1])

	b, err := os.ReadFile(snap.JSONPath)
	require.NoError(t, err)
	var back []map[string]any
	require.NoError(t, json.Unmarshal(b, &back))
	require.Len(t, back, 2)
	assert.Equal(t, []any{"Yes", "No"}, back[0]["outcomes"])
}

func TestExportRawAndMarket(t *testing.T) {
	e := newTestExporter(t)
	recs := decode(t, `[{"id":"a/b"},{"id":"c"},{"id":"d"}]`)

	raw, err := e.ExportRaw(recs)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(raw.CSVPath), "All_3_election_markets_raw_"))

	one, err := e.ExportMarket(recs[0])
	require.NoError(t, err)
	assert.Equal(t, "market_a_b_20241105_183000.json", filepath.Base(one.JSONPath))
}

func TestExportTop_EmptyResult(t *testing.T) {
	e := newTestExporter(t)
	snap, err := e.ExportTop(nil)
	require.NoError(t, err)
	b, err := os.ReadFile(snap.JSONPath)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(b))
}

// rejectingFile fails any write containing one of the given characters.
type rejectingFile struct {
	io.WriteCloser
	reject string
}

func (f rejectingFile) Write(p []byte) (int, error) {
	if bytes.ContainsAny(p, f.reject) {
		return 0, errors.New("disk rejected composite value")
	}
	return f.WriteCloser.Write(p)
}

func TestExport_FallsBackToScalarColumns(t *testing.T) {
	e := newTestExporter(t)
	e.create = func(p string) (io.WriteCloser, error) {
		f, err := os.Create(p)
		if err != nil || filepath.Ext(p) != ".csv" {
			return f, err
		}
		return rejectingFile{WriteCloser: f, reject: "[{"}, nil
	}
	recs := decode(t, `[{"id":"1","question":"Q1","outcomes":["Yes","No"]}]`)

	snap, err := e.ExportTop(recs)
	require.NoError(t, err)
	assert.True(t, snap.Reduced)
	assert.Equal(t, [][]string{{"id", "question"}, {"1", "Q1"}}, readCSV(t, snap.CSVPath))
	assert.FileExists(t, snap.JSONPath)
}

func TestExport_SecondFailureIsReturned(t *testing.T) {
	e := newTestExporter(t)
	e.create = func(p string) (io.WriteCloser, error) {
		if filepath.Ext(p) == ".csv" {
			return nil, errors.New("read-only filesystem")
		}
		return os.Create(p)
	}

	snap, err := e.ExportTop(decode(t, `[{"id":"1"}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reduced csv snapshot")
	assert.NoFileExists(t, snap.CSVPath)
	assert.FileExists(t, snap.JSONPath)
}
