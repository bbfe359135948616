package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores events in a single table.
type SQLite struct {
	db        *sql.DB
	mu        sync.Mutex
	insert    *sql.Stmt
	closeOnce sync.Once
	closeErr  error
}

// Purpose: Open (or create) the SQLite audit database.
// Key aspects: Runs a bounded integrity preflight first and quarantines a
// damaged file so startup continues with a fresh database; prunes rows past
// retention on open.
// Upstream: audit.Open.
// Downstream: preflightSQLite, ensureSchema.
func OpenSQLite(path string, busyTimeout time.Duration, retentionDays int) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("audit: sqlite path is empty")
	}
	if busyTimeout <= 0 {
		busyTimeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	if err := preflightSQLite(path, 2*busyTimeout); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(fmt.Sprintf(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=%d`, busyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	stmt, err := db.Prepare(`insert into events(ts, session, host, port, ctag, command, lines, kind, error, elapsed_ms) values(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: prepare: %w", err)
	}
	s := &SQLite{db: db, insert: stmt}
	if retentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).UnixNano()
		if res, err := db.Exec(`delete from events where ts < ?`, cutoff); err != nil {
			log.Printf("Audit: sqlite cleanup: %v", err)
		} else if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("Audit: pruned %d sqlite events older than %d days", n, retentionDays)
		}
	}
	return s, nil
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists events (
		id integer primary key autoincrement,
		ts integer not null,
		session text,
		host text,
		port integer,
		ctag text,
		command text,
		lines text,
		kind text,
		error text,
		elapsed_ms integer
	);
	create index if not exists idx_events_ts on events(ts);
	create index if not exists idx_events_host_ts on events(host, ts);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("audit: schema: %w", err)
	}
	return nil
}

func (s *SQLite) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	lines, err := json.Marshal(ev.Lines)
	if err != nil {
		return fmt.Errorf("audit: encode lines: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return ErrClosed
	}
	if _, err := s.insert.Exec(ev.Time.UTC().UnixNano(), ev.Session, ev.Host, ev.Port, ev.CTAG, ev.Command, string(lines), ev.Kind, ev.Err, ev.ElapsedMS); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Recent returns the newest limit events, newest first.
func (s *SQLite) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`select ts, session, host, port, ctag, command, lines, kind, error, elapsed_ms from events order by ts desc, id desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ts    int64
			ev    Event
			lines string
		)
		if err := rows.Scan(&ts, &ev.Session, &ev.Host, &ev.Port, &ev.CTAG, &ev.Command, &lines, &ev.Kind, &ev.Err, &ev.ElapsedMS); err != nil {
			return nil, fmt.Errorf("audit: scan recent: %w", err)
		}
		ev.Time = time.Unix(0, ts).UTC()
		if lines != "" {
			if err := json.Unmarshal([]byte(lines), &ev.Lines); err != nil {
				return nil, fmt.Errorf("audit: decode lines: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate recent: %w", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.insert != nil {
			_ = s.insert.Close()
			s.insert = nil
		}
		s.mu.Unlock()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// preflightSQLite runs a bounded WAL checkpoint and quick_check on an existing
// database. A failing file (and its sidecars) is renamed aside.
func preflightSQLite(path string, timeout time.Duration) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("audit: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	checkErr := func() error {
		if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
			return err
		}
		var status string
		if err := db.QueryRowContext(ctx, "pragma quick_check").Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
		return nil
	}()
	_ = db.Close()
	if checkErr == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("audit: preflight timed out after %s", timeout)
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Rename(p, p+".bad-"+ts); err != nil {
			return fmt.Errorf("audit: quarantine %s: %w", p, err)
		}
	}
	log.Printf("Audit: sqlite preflight failed (%v); quarantined %s to %s.bad-%s", checkErr, path, path, ts)
	return nil
}
