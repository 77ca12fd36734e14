package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/taskgraph/internal/storage"
)

// Index implements storage.Index on top of SQLite.
type Index struct {
	db *sql.DB
}

func NewIndex(dbConn *sql.DB) *Index {
	return &Index{db: dbConn}
}

func (r *Index) PutChecksum(rec storage.ArtifactRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO artifacts (algorithm, digest, path, size, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(algorithm, digest) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			stored_at = excluded.stored_at
	`, rec.Algorithm, rec.Digest, rec.Path, rec.Size, rec.StoredAt.UTC().Format(time.RFC3339Nano))

	return err
}

func (r *Index) GetChecksum(algorithm, digest string) (storage.ArtifactRecord, error) {
	row := r.db.QueryRow(
		`SELECT algorithm, digest, path, size, stored_at FROM artifacts WHERE algorithm = ? AND digest = ?`,
		algorithm, digest,
	)

	rec, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ArtifactRecord{}, storage.ErrNotFound
	}

	return rec, err
}

// ListArtifacts returns every artifact, oldest first.
func (r *Index) ListArtifacts() ([]storage.ArtifactRecord, error) {
	rows, err := r.db.Query(`SELECT algorithm, digest, path, size, stored_at FROM artifacts ORDER BY stored_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []storage.ArtifactRecord

	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}

		artifacts = append(artifacts, rec)
	}

	return artifacts, rows.Err()
}

func (r *Index) DeleteArtifact(algorithm, digest string) error {
	_, err := r.db.Exec(`DELETE FROM artifacts WHERE algorithm = ? AND digest = ?`, algorithm, digest)

	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (storage.ArtifactRecord, error) {
	var (
		rec      storage.ArtifactRecord
		storedAt string
	)

	if err := s.Scan(&rec.Algorithm, &rec.Digest, &rec.Path, &rec.Size, &storedAt); err != nil {
		return storage.ArtifactRecord{}, err
	}

	rec.StoredAt = parseTime(storedAt)

	return rec, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
