package nonce

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS nonces (
	signer     TEXT    NOT NULL,
	nonce      TEXT    NOT NULL,
	expires_at INTEGER NOT NULL,
	in_flight  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (signer, nonce)
);
CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces (expires_at);
`

// SQLiteStore persists nonce records so replay protection survives a
// restart.
type SQLiteStore struct {
	db *sql.DB
}

// Verify that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (and if needed creates) the nonce database at
// path. Use ":memory:" for an ephemeral database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open nonce database: %w", err)
	}
	// A single writer keeps TryInsert transactions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create nonce schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) TryInsert(signer, nonce string, expiresAt, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingExpiry int64
	var inFlight bool
	err = tx.QueryRow(
		`SELECT expires_at, in_flight FROM nonces WHERE signer = ? AND nonce = ?`,
		signer, nonce,
	).Scan(&existingExpiry, &inFlight)
	switch {
	case err == nil:
		if inFlight || now.UnixMilli() < existingExpiry {
			return false, nil
		}
		_, err = tx.Exec(
			`UPDATE nonces SET expires_at = ?, in_flight = 1 WHERE signer = ? AND nonce = ?`,
			expiresAt.UnixMilli(), signer, nonce,
		)
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			`INSERT INTO nonces (signer, nonce, expires_at, in_flight) VALUES (?, ?, ?, 1)`,
			signer, nonce, expiresAt.UnixMilli(),
		)
	default:
		return false, err
	}
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) ClearInFlight(signer, nonce string) error {
	_, err := s.db.Exec(
		`UPDATE nonces SET in_flight = 0 WHERE signer = ? AND nonce = ?`,
		signer, nonce,
	)
	return err
}

func (s *SQLiteStore) DeleteExpired(now time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM nonces WHERE in_flight = 0 AND expires_at <= ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	return int(removed), err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
