package store

import (
	"context"
	"database/sql"
	"time"
)

// GetImportedFileHash returns the recorded content hash for a bank file path.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.q.QueryRowContext(ctx, `SELECT sha256 FROM imported_files WHERE path = $1`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash of an imported bank file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO imported_files (path, sha256, imported_at) VALUES ($1, $2, $3)
		 ON CONFLICT (path) DO UPDATE SET sha256 = excluded.sha256, imported_at = excluded.imported_at`,
		path, hash, toMillis(time.Now()),
	)
	return err
}
