package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/taskgraph/internal/storage"
	"github.com/italolelis/taskgraph/internal/telemetry"
)

// InstrumentedIndex wraps Index with telemetry.
type InstrumentedIndex struct {
	index     *Index
	telemetry *telemetry.Telemetry
}

func NewInstrumentedIndex(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedIndex {
	return &InstrumentedIndex{
		index:     NewIndex(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedIndex) PutChecksum(rec storage.ArtifactRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "put_checksum", func(context.Context) error {
		return r.index.PutChecksum(rec)
	})
}

func (r *InstrumentedIndex) GetChecksum(algorithm, digest string) (storage.ArtifactRecord, error) {
	var rec storage.ArtifactRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_checksum", func(context.Context) error {
		var err error
		rec, err = r.index.GetChecksum(algorithm, digest)

		return err
	})

	return rec, err
}

func (r *InstrumentedIndex) ListArtifacts() ([]storage.ArtifactRecord, error) {
	var result []storage.ArtifactRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "list_artifacts", func(context.Context) error {
		var err error
		result, err = r.index.ListArtifacts()

		return err
	})

	return result, err
}

func (r *InstrumentedIndex) DeleteArtifact(algorithm, digest string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_artifact", func(context.Context) error {
		return r.index.DeleteArtifact(algorithm, digest)
	})
}

func (r *InstrumentedIndex) PutToken(rec storage.TokenRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "put_token", func(context.Context) error {
		return r.index.PutToken(rec)
	})
}

func (r *InstrumentedIndex) GetToken(url string) (storage.TokenRecord, error) {
	var rec storage.TokenRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_token", func(context.Context) error {
		var err error
		rec, err = r.index.GetToken(url)

		return err
	})

	return rec, err
}

func (r *InstrumentedIndex) DeleteToken(url string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_token", func(context.Context) error {
		return r.index.DeleteToken(url)
	})
}
