package sink

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marketplace-harvest/record"
)

// DefaultLockTTL is how old a lock file must be before it is considered stale.
const DefaultLockTTL = 10 * time.Minute

// ErrLockHeld means another live writer owns the ledger.
var ErrLockHeld = errors.New("ledger locked by another writer")

// LedgerColumns is the fixed ledger schema.
var LedgerColumns = []string{
	"market_id", "question", "slug", "condition_id", "category", "rank", "rank_key",
	"closed", "end_date", "run_id", "strategy", "first_seen",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Ledger is an append-only CSV of every market ever ranked. A sidecar
// <csv>.ids file indexes the ids already written so repeated runs append only
// new markets; <csv>.lock keeps concurrent writers out.
type Ledger struct {
	path     string
	lockPath string
	ttl      time.Duration

	index *idIndex
	log   *zap.SugaredLogger

	heartbeat time.Duration
	stop      chan struct{}
	done      sync.WaitGroup
}

// OpenLedger makes sure the CSV has a header and loads the id index.
func OpenLedger(path string, ttl time.Duration, log *zap.SugaredLogger) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("ledger path is empty")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	l := &Ledger{
		path:      path,
		lockPath:  path + ".lock",
		ttl:       ttl,
		log:       log,
		heartbeat: max(time.Millisecond, min(60*time.Second, ttl/4)),
	}
	if err := l.writeHeader(); err != nil {
		return nil, errors.Wrap(err, "ledger header")
	}
	index, err := loadIDIndex(path, path+".ids")
	if err != nil {
		return nil, errors.Wrap(err, "ledger id index")
	}
	l.index = index
	return l, nil
}

func (l *Ledger) Path() string { return l.path }

// Len is the number of distinct ids in the ledger.
func (l *Ledger) Len() int { return l.index.Len() }

func (l *Ledger) Has(id string) bool { return l.index.Has(id) }

// Lock takes the cross-process lock and keeps it fresh until Unlock. A lock
// older than the TTL is treated as abandoned and taken over.
func (l *Ledger) Lock() error {
	for {
		f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, `{"pid":%d,"time":%d}`+"\n", os.Getpid(), time.Now().Unix())
			_ = f.Close()
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return errors.Wrap(err, "create lock file")
		}
		fi, err := os.Stat(l.lockPath)
		if err != nil {
			continue
		}
		if age := time.Since(fi.ModTime()); age < l.ttl {
			return errors.WithHintf(ErrLockHeld, "%s is %s old (ttl %s)", l.lockPath, age.Round(time.Second), l.ttl)
		}
		l.log.Warnw("removing stale ledger lock", "path", l.lockPath)
		_ = os.Remove(l.lockPath)
	}

	l.stop = make(chan struct{})
	l.done.Add(1)
	go l.keepAlive(l.stop)
	return nil
}

// Unlock stops the heartbeat and removes the lock file.
func (l *Ledger) Unlock() {
	if l.stop == nil {
		return
	}
	close(l.stop)
	l.done.Wait()
	l.stop = nil
	_ = os.Remove(l.lockPath)
}

func (l *Ledger) keepAlive(stop <-chan struct{}) {
	defer l.done.Done()
	t := time.NewTicker(l.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			now := time.Now()
			_ = os.Chtimes(l.lockPath, now, now)
		}
	}
}

// Append writes the entries whose ids are not yet in the ledger and returns
// them. The CSV is synced before the id index is extended.
func (l *Ledger) Append(entries []Entry) ([]Entry, error) {
	fresh := make([]Entry, 0, len(entries))
	ids := make([]string, 0, len(entries))
	batch := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		id := strings.TrimSpace(e.Record.ID)
		if id == "" || l.index.Has(id) {
			continue
		}
		if _, ok := batch[id]; ok {
			continue
		}
		batch[id] = struct{}{}
		fresh = append(fresh, e)
		ids = append(ids, id)
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if err := l.appendRows(fresh); err != nil {
		return nil, errors.Wrap(err, "ledger append")
	}
	if err := l.index.Add(ids); err != nil {
		return nil, errors.Wrap(err, "ledger ids append")
	}
	return fresh, nil
}

func ledgerRow(e Entry) []string {
	r := e.Record
	closed := ""
	if r.Closed != nil {
		closed = strconv.FormatBool(*r.Closed)
	}
	return []string{
		r.ID,
		r.Headline(),
		r.Text(record.FieldSlug),
		r.Text(record.FieldConditionID),
		r.Text(record.FieldCategory),
		strconv.Itoa(e.Rank),
		strconv.FormatFloat(e.RankKey, 'f', -1, 64),
		closed,
		r.Text("endDate"),
		e.RunID,
		e.Strategy,
		e.SeenAt.Format(time.RFC3339),
	}
}

// writeHeader starts an empty or missing ledger with a BOM and the column row.
func (l *Ledger) writeHeader() error {
	if fi, err := os.Stat(l.path); err == nil && fi.Size() > 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	_ = w.Write(LedgerColumns)
	w.Flush()
	return writeSynced(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, buf.Bytes())
}

func (l *Ledger) appendRows(entries []Entry) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, e := range entries {
		if err := w.Write(ledgerRow(e)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return writeSynced(l.path, os.O_APPEND|os.O_WRONLY, buf.Bytes())
}

// writeSynced writes b to path in one call and fsyncs before closing.
func writeSynced(path string, flag int, b []byte) error {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	return f.Close()
}
