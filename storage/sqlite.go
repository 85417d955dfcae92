package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is a persistent Storage implementation backed by a single SQLite
// database file. The database is held with exclusive locking, so a second
// open of the same file fails with ErrAlreadyOpen instead of risking two
// writers.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens (creating if necessary) SQLite-backed storage at the given
// path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open database: %w", err)
	}

	// The exclusive lock is per connection; a pool with more than one
	// connection would contend with itself.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout=250",
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=TRUNCATE",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			if isBusy(err) {
				return fmt.Errorf("%w: %s", ErrAlreadyOpen, s.path)
			}
			return fmt.Errorf("storage: pragma failed: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS vectors (
			id INTEGER PRIMARY KEY,
			document_id TEXT NOT NULL,
			embedding BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data BLOB NOT NULL
		);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyOpen, s.path)
		}
		return fmt.Errorf("storage: schema creation failed: %w", err)
	}

	// With locking_mode=EXCLUSIVE the file lock is taken on the first write
	// and held until the connection closes. Rewriting user_version forces
	// that first write now, so a concurrent holder surfaces at open time
	// rather than on the first record mutation.
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("storage: read user_version: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyOpen, s.path)
		}
		return fmt.Errorf("storage: acquire exclusive lock: %w", err)
	}

	return nil
}

// PutRecord inserts or overwrites a record.
func (s *SQLite) PutRecord(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vectors (id, document_id, embedding) VALUES (?, ?, ?)",
		int64(rec.ID), rec.DocumentID, encodeFloat32Slice(rec.Vector))
	if err != nil {
		return fmt.Errorf("storage: put record %d: %w", rec.ID, err)
	}
	return nil
}

// DeleteRecord removes a record by id.
func (s *SQLite) DeleteRecord(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", int64(id))
	if err != nil {
		return fmt.Errorf("storage: delete record %d: %w", id, err)
	}
	return nil
}

// Records returns all stored records in ascending id order.
func (s *SQLite) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_id, embedding FROM vectors ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("storage: load records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			id       int64
			docID    string
			embBytes []byte
		)
		if err := rows.Scan(&id, &docID, &embBytes); err != nil {
			return nil, fmt.Errorf("storage: scan record: %w", err)
		}
		records = append(records, Record{
			ID:         uint64(id),
			DocumentID: docID,
			Vector:     decodeFloat32Slice(embBytes),
		})
	}

	return records, rows.Err()
}

// PutSnapshot replaces the stored graph snapshot.
func (s *SQLite) PutSnapshot(ctx context.Context, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshot (id, data) VALUES (1, ?)", data)
	if err != nil {
		return fmt.Errorf("storage: put snapshot: %w", err)
	}
	return nil
}

// Snapshot returns the stored graph snapshot, or nil if none exists.
func (s *SQLite) Snapshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM snapshot WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}
	return data, nil
}

// Close closes the database connection, releasing the exclusive lock.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// isBusy reports whether err indicates the SQLite file lock is held
// elsewhere (SQLITE_BUSY / SQLITE_LOCKED).
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// encodeFloat32Slice converts []float32 to little-endian []byte.
func encodeFloat32Slice(f []float32) []byte {
	buf := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeFloat32Slice converts little-endian []byte to []float32.
func decodeFloat32Slice(b []byte) []float32 {
	f := make([]float32, len(b)/4)
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return f
}
