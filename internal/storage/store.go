package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrCursorRegression is returned when a save would move a cursor to an older slot.
var ErrCursorRegression = errors.New("cursor would move backwards")

// Store wraps SQLite-backed persistence for cursors, reports, and dedupe keys.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  account     TEXT PRIMARY KEY,
  signature   TEXT NOT NULL,
  slot        INTEGER NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS reports (
  id          TEXT PRIMARY KEY,
  account     TEXT NOT NULL,
  signature   TEXT,
  kind        TEXT NOT NULL,
  message     TEXT NOT NULL,
  snippet     TEXT,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS reports_account_idx ON reports(account, created_at);

CREATE TABLE IF NOT EXISTS dedupe (
  key         TEXT PRIMARY KEY,
  expires_at  TIMESTAMP NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Cursor is the persisted position of one watched account.
type Cursor struct {
	Account   string
	Signature string
	Slot      uint64
	UpdatedAt time.Time
}

// SaveCursor stores the last fully delivered signature for an account. The
// read and write run in one transaction and a lower slot is rejected.
func (s *Store) SaveCursor(ctx context.Context, account, signature string, slot uint64) error {
	if account == "" || signature == "" {
		return errors.New("account and signature required")
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var current uint64
		err := tx.QueryRowContext(ctx, `SELECT slot FROM cursors WHERE account = ?;`, account).Scan(&current)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("read cursor: %w", err)
		case slot < current:
			return fmt.Errorf("%w: account %s slot %d < %d", ErrCursorRegression, account, slot, current)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO cursors (account, signature, slot, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(account) DO UPDATE SET
  signature=excluded.signature,
  slot=excluded.slot,
  updated_at=CURRENT_TIMESTAMP;
`, account, signature, slot)
		if err != nil {
			return fmt.Errorf("upsert cursor: %w", err)
		}
		return nil
	})
}

// GetCursor retrieves the cursor for an account.
func (s *Store) GetCursor(ctx context.Context, account string) (c Cursor, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT account, signature, slot, updated_at FROM cursors WHERE account = ?;
`, account)
	switch err = row.Scan(&c.Account, &c.Signature, &c.Slot, &c.UpdatedAt); err {
	case nil:
		return c, true, nil
	case sql.ErrNoRows:
		return Cursor{}, false, nil
	default:
		return Cursor{}, false, fmt.Errorf("get cursor: %w", err)
	}
}

// ListCursors returns every stored cursor ordered by account.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT account, signature, slot, updated_at FROM cursors ORDER BY account;
`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Account, &c.Signature, &c.Slot, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCursor forgets an account's position so the next run uses its start setting.
func (s *Store) DeleteCursor(ctx context.Context, account string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE account = ?;`, account); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

// MarkDedupe sets or refreshes a dedupe key until expiresAt.
func (s *Store) MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error {
	if key == "" {
		return errors.New("key required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dedupe (key, expires_at)
VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at;
`, key, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("mark dedupe: %w", err)
	}
	return nil
}

// IsDuplicate returns true if the key exists and is not expired; expired entries are pruned.
func (s *Store) IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}

	var expires time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT expires_at FROM dedupe WHERE key = ?;
`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedupe: %w", err)
	}

	if expires.After(now.UTC()) {
		return true, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedupe WHERE key = ?;`, key); err != nil {
		return false, fmt.Errorf("prune dedupe: %w", err)
	}
	return false, nil
}

// Report is an operator-facing record of a skipped transaction or a stopped account.
type Report struct {
	ID        string
	Account   string
	Signature string
	Kind      string
	Message   string
	Snippet   string
	CreatedAt time.Time
}

// InsertReport stores a report; the primary key rejects a second insert of the same id.
func (s *Store) InsertReport(ctx context.Context, r Report) error {
	if r.ID == "" || r.Account == "" || r.Kind == "" {
		return errors.New("report id, account and kind required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reports (id, account, signature, kind, message, snippet, created_at)
VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, r.ID, r.Account, r.Signature, r.Kind, r.Message, r.Snippet, nullTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// ListReports returns the most recent reports, optionally for one account.
func (s *Store) ListReports(ctx context.Context, account string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account, COALESCE(signature, ''), kind, message, COALESCE(snippet, ''), created_at
FROM reports
WHERE (? = '' OR account = ?)
ORDER BY created_at DESC, id
LIMIT ?;
`, account, account, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.ID, &r.Account, &r.Signature, &r.Kind, &r.Message, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
