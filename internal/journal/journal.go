// Package journal persists scheduler run history to a local sqlite file.
//
// The journal is append-only from the daemon's point of view; old rows are
// pruned in the background so the file stays bounded.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"zeitschaltuhr/pkg/logx"
)

var ErrDisabled = errors.New("journal disabled")

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	defaultPath = "./zeitschaltuhr.db"
	defaultKeep = 1000

	// pruneEvery bounds how often appends trigger a prune sweep.
	pruneEvery = 100
)

type Config struct {
	Enabled bool
	Path    string
	// Keep bounds how many records survive pruning. 0 means the default.
	Keep        int
	BusyTimeout time.Duration
}

// Record is one scheduler run outcome.
type Record struct {
	Entry    string
	Kind     string
	Due      time.Time
	Started  time.Time
	Duration time.Duration
	Detail   string
}

// Store is the sqlite-backed run journal. A nil Store is safe to use; all
// methods report ErrDisabled.
type Store struct {
	db   *sql.DB
	log  logx.Logger
	path string
	keep int

	appends atomic.Uint64
}

// Path is the resolved database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Open initializes the journal. It returns (nil, nil) when the journal is
// disabled so callers can keep a plain nil check.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	keep := cfg.Keep
	if keep <= 0 {
		keep = defaultKeep
	}

	st := &Store{db: db, log: log, path: path, keep: keep}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts one run record. Every pruneEvery appends it also trims
// the table down to the configured keep count.
func (s *Store) Append(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(entry, kind, due, started, took_ms, detail)
		 VALUES(?,?,?,?,?,?)`,
		r.Entry, r.Kind,
		r.Due.Format(time.RFC3339Nano), r.Started.Format(time.RFC3339Nano),
		r.Duration.Milliseconds(), nullStr(r.Detail),
	)
	if err == nil && s.appends.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// Recent returns up to limit records, newest first. An empty entry name
// matches every entry.
func (s *Store) Recent(ctx context.Context, entry string, limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(entry) == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT entry, kind, due, started, took_ms, detail
			 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT entry, kind, due, started, took_ms, detail
			 FROM runs WHERE entry = ? ORDER BY id DESC LIMIT ?`, entry, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r       Record
			due     string
			started string
			tookMS  int64
			detail  sql.NullString
		)
		if err := rows.Scan(&r.Entry, &r.Kind, &due, &started, &tookMS, &detail); err != nil {
			return nil, err
		}
		if r.Due, err = time.Parse(time.RFC3339Nano, due); err != nil {
			return nil, fmt.Errorf("journal: bad due %q: %w", due, err)
		}
		if r.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("journal: bad started %q: %w", started, err)
		}
		r.Duration = time.Duration(tookMS) * time.Millisecond
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune deletes everything older than the newest keep records.
func (s *Store) prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)`,
		s.keep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
