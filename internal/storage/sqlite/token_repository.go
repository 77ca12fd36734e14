package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/taskgraph/internal/storage"
)

func (r *Index) PutToken(rec storage.TokenRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO tokens (url, etag, last_modified, algorithm, digest, path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			algorithm = excluded.algorithm,
			digest = excluded.digest,
			path = excluded.path,
			updated_at = excluded.updated_at
	`, rec.URL, rec.ETag, rec.LastModified, rec.Algorithm, rec.Digest, rec.Path, rec.UpdatedAt.UTC().Format(time.RFC3339Nano))

	return err
}

func (r *Index) GetToken(url string) (storage.TokenRecord, error) {
	var (
		rec          storage.TokenRecord
		etag         sql.NullString
		lastModified sql.NullString
		updatedAt    string
	)

	err := r.db.QueryRow(
		`SELECT url, etag, last_modified, algorithm, digest, path, updated_at FROM tokens WHERE url = ?`, url,
	).Scan(&rec.URL, &etag, &lastModified, &rec.Algorithm, &rec.Digest, &rec.Path, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TokenRecord{}, storage.ErrNotFound
	}

	if err != nil {
		return storage.TokenRecord{}, err
	}

	rec.ETag = etag.String
	rec.LastModified = lastModified.String
	rec.UpdatedAt = parseTime(updatedAt)

	return rec, nil
}

func (r *Index) DeleteToken(url string) error {
	_, err := r.db.Exec(`DELETE FROM tokens WHERE url = ?`, url)

	return err
}
