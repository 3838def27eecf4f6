package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/koga2020a/sftp-watch/internal/logging"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    ts      INTEGER NOT NULL,
    kind    TEXT NOT NULL,
    subject TEXT NOT NULL,
    fields  TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_records_ts ON records(ts);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the SQLite history of every journal record.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the history database at path.
func OpenStore(path string) (*Store, error) {
	l := logging.Sub("history")
	l.Info("opening history database", "path", path)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
		l.Debug(pragma)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	l := logging.Sub("history")
	var version int
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		// meta table doesn't exist or no row: fresh database
		if _, execErr := db.Exec(schema); execErr != nil {
			return fmt.Errorf("create schema: %w", execErr)
		}
		_, execErr := db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
		if execErr != nil {
			return fmt.Errorf("set schema version: %w", execErr)
		}
		l.Info("schema created", "version", schemaVersion)
		return nil
	}

	if version > schemaVersion {
		return fmt.Errorf("history schema version %d is newer than supported %d", version, schemaVersion)
	}
	l.Debug("schema up to date", slog.Int("version", version))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts records in one transaction.
func (s *Store) Append(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare("INSERT INTO records (ts, kind, subject, fields) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		fields := r.Fields
		if fields == nil {
			fields = []string{}
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode fields: %w", err)
		}
		if _, err := stmt.Exec(r.Time.Unix(), r.Kind, r.Subject, string(data)); err != nil {
			return fmt.Errorf("insert %s %s: %w", r.Kind, r.Subject, err)
		}
	}
	return tx.Commit()
}

// Query filters history records. Zero fields do not filter.
type Query struct {
	Since  time.Time
	Kind   string
	Prefix string // subject prefix
	Limit  int
}

// Query returns matching records, oldest first.
func (s *Store) Query(q Query) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.Unix())
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, strings.ToUpper(q.Kind))
	}
	if q.Prefix != "" {
		where = append(where, "substr(subject, 1, ?) = ?")
		args = append(args, len(q.Prefix), q.Prefix)
	}

	query := "SELECT id, ts, kind, subject, fields FROM records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Limit > 0 {
		// newest N, still returned oldest first
		query = "SELECT * FROM (" + query + " ORDER BY ts DESC, id DESC LIMIT ?)"
		args = append(args, q.Limit)
	}
	query = "SELECT ts, kind, subject, fields FROM (" + query + ") ORDER BY ts, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			ts     int64
			r      Record
			fields string
		)
		if err := rows.Scan(&ts, &r.Kind, &r.Subject, &fields); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
		r.Time = time.Unix(ts, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
