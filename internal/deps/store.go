package deps

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andybalholm/brotli"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS scripts (
	locator    TEXT PRIMARY KEY,
	digest     TEXT NOT NULL,
	size       INTEGER NOT NULL,
	body       BLOB NOT NULL,
	fetched_at INTEGER NOT NULL
)`

// Store persists fetched dependency sources in SQLite. Bodies are
// brotli-compressed and checked against their SHA-256 digest on read.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the store at path. ":memory:" gives a
// private in-memory store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening dependency store %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dependency store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the stored source for locator. A corrupt row is deleted and
// reported as a miss.
func (s *Store) Get(ctx context.Context, locator string) (string, bool, error) {
	var digest string
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT digest, body FROM scripts WHERE locator = ?`, locator).Scan(&digest, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s from store: %w", locator, err)
	}
	src, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	if err != nil || sha256Hex(src) != digest {
		_ = s.Delete(ctx, locator)
		return "", false, nil
	}
	return string(src), true, nil
}

// Put stores src under locator, replacing any previous entry.
func (s *Store) Put(ctx context.Context, locator, src string) error {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write([]byte(src)); err != nil {
		return fmt.Errorf("compressing %s: %w", locator, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compressing %s: %w", locator, err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scripts (locator, digest, size, body, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(locator) DO UPDATE SET
			digest = excluded.digest, size = excluded.size,
			body = excluded.body, fetched_at = excluded.fetched_at`,
		locator, sha256Hex([]byte(src)), len(src), buf.Bytes(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("writing %s to store: %w", locator, err)
	}
	return nil
}

// Delete removes locator from the store.
func (s *Store) Delete(ctx context.Context, locator string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE locator = ?`, locator)
	return err
}

// Len returns the number of stored scripts.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scripts`).Scan(&n)
	return n, err
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
