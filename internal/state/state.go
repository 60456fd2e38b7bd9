// Package state keeps the upload ledger: the content hash last pushed to
// the CalDAV server for each (calendar, uid) pair. An event whose hash has
// not changed since the previous run is not uploaded again.
//
// The ledger is a single SQLite file in WAL mode so that a watch loop and
// a one-shot upload can share it.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	_ "modernc.org/sqlite"
)

// Ledger records uploaded event hashes.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and initializes the schema.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS uploads (
		calendar    TEXT NOT NULL,
		uid         TEXT NOT NULL,
		hash        TEXT NOT NULL,
		uploaded_at TEXT NOT NULL,
		PRIMARY KEY (calendar, uid)
	);
	`)
	return err
}

// Hash returns the hash recorded for uid, or "" when the event was never
// uploaded.
func (l *Ledger) Hash(ctx context.Context, calendar, uid string) (string, error) {
	var hash string
	err := l.db.QueryRowContext(ctx,
		`SELECT hash FROM uploads WHERE calendar = ? AND uid = ?`,
		calendar, uid,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query hash: %w", err)
	}
	return hash, nil
}

// Record stores hash as the uploaded content of uid.
func (l *Ledger) Record(ctx context.Context, calendar, uid, hash string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO uploads (calendar, uid, hash, uploaded_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(calendar, uid) DO UPDATE SET
			   hash = excluded.hash, uploaded_at = excluded.uploaded_at`,
			calendar, uid, hash, now,
		)
		return err
	})
}

// Forget drops every entry of calendar whose uid is not in keep. It
// returns the number of removed rows.
func (l *Ledger) Forget(ctx context.Context, calendar string, keep []string) (int64, error) {
	query := `DELETE FROM uploads WHERE calendar = ?`
	args := []any{calendar}
	if len(keep) > 0 {
		query += ` AND uid NOT IN (?` + strings.Repeat(",?", len(keep)-1) + `)`
		for _, uid := range keep {
			args = append(args, uid)
		}
	}
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := l.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// retryOnContention retries fn on transient SQLite errors (BUSY, LOCKED,
// IOERR_SHORT_READ) with exponential backoff and jitter.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.MaxJitter(50*time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(isTransientSQLiteErr),
		retry.LastErrorOnly(true),
	)
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
