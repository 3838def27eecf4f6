// Package journal owns every append-only output of the monitor: the CSV
// change log and its daily copies, the full-state file, the digest log,
// the memo log and the optional SQLite history.
package journal

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/koga2020a/sftp-watch/internal/logging"
)

const timeLayout = "2006-01-02 15:04:05"

// KindMemo is the record kind of operator annotations.
const KindMemo = "MEMO"

// Record is one row of the structured change log. Subject is the path of
// a change or the text of a memo.
type Record struct {
	Time    time.Time
	Kind    string
	Subject string
	Fields  []string
}

// Row returns the CSV row: timestamp, kind, subject, fields...
func (r Record) Row() []string {
	row := make([]string, 0, 3+len(r.Fields))
	row = append(row, r.Time.Format(timeLayout), r.Kind, r.Subject)
	return append(row, r.Fields...)
}

// Paths locates every output file. An empty path disables that output.
type Paths struct {
	ChangeLog string
	DailyDir  string
	StateFile string
	DigestLog string
	MemoLog   string
}

// Journal serializes writes to the output files. Each write is a single
// open-append-close, so two writers never interleave within a record.
type Journal struct {
	mu      gosync.Mutex
	paths   Paths
	history *Store
}

// New returns a Journal writing to paths. history may be nil.
func New(paths Paths, history *Store) *Journal {
	return &Journal{paths: paths, history: history}
}

// AppendRecords writes records to the change log, the daily log of each
// record's date and the history store.
func (j *Journal) AppendRecords(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var errs []error
	if j.paths.ChangeLog != "" {
		errs = append(errs, appendCSV(j.paths.ChangeLog, recs))
	}
	if j.paths.DailyDir != "" {
		byDay := make(map[string][]Record)
		var days []string
		for _, r := range recs {
			day := r.Time.Format("20060102")
			if _, ok := byDay[day]; !ok {
				days = append(days, day)
			}
			byDay[day] = append(byDay[day], r)
		}
		for _, day := range days {
			errs = append(errs, appendCSV(filepath.Join(j.paths.DailyDir, "log-"+day+".csv"), byDay[day]))
		}
	}
	if j.history != nil {
		errs = append(errs, j.history.Append(recs))
	}
	return errors.Join(errs...)
}

// WriteState replaces the state file with v encoded as JSON. The file is
// written to a temp name and renamed, so readers never see a partial state.
func (j *Journal) WriteState(v any) error {
	if j.paths.StateFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	dir := filepath.Dir(j.paths.StateFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(j.paths.StateFile)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), j.paths.StateFile); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// ReadState decodes the state file into v.
func ReadState(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode state %s: %w", path, err)
	}
	return nil
}

// AppendDigest appends one change block to the digest log.
func (j *Journal) AppendDigest(header string, lines []string) error {
	if j.paths.DigestLog == "" {
		return nil
	}
	var b strings.Builder
	b.WriteString("\n" + digestSeparator + "\n")
	b.WriteString(header + "\n")
	for _, line := range lines {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")

	j.mu.Lock()
	defer j.mu.Unlock()
	return appendFile(j.paths.DigestLog, []byte(b.String()))
}

const digestSeparator = "------------------"

// AppendMemo records an annotation in the memo log and as a MEMO record.
func (j *Journal) AppendMemo(ts time.Time, text string) error {
	var errs []error
	if j.paths.MemoLog != "" {
		line := fmt.Sprintf("[%s] %s\n", ts.Format(timeLayout), text)
		j.mu.Lock()
		errs = append(errs, appendFile(j.paths.MemoLog, []byte(line)))
		j.mu.Unlock()
	}
	errs = append(errs, j.AppendRecords([]Record{{Time: ts, Kind: KindMemo, Subject: text}}))

	err := errors.Join(errs...)
	if err == nil {
		logging.Sub("journal").Debug("memo recorded", "time", ts.Format(timeLayout))
	}
	return err
}

func appendCSV(path string, recs []Record) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, r := range recs {
		if err := w.Write(r.Row()); err != nil {
			return fmt.Errorf("encode csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	return appendFile(path, buf.Bytes())
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
