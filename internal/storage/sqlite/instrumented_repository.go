package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/italolelis/update_agent/internal/storage"
	"github.com/italolelis/update_agent/internal/telemetry"
)

// InstrumentedKeyValueRepository wraps KeyValueRepository with telemetry.
type InstrumentedKeyValueRepository struct {
	repo      *KeyValueRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedKeyValueRepository creates a new instrumented key-value repository.
func NewInstrumentedKeyValueRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedKeyValueRepository {
	return &InstrumentedKeyValueRepository{
		repo:      NewKeyValueRepository(dbConn),
		telemetry: tel,
	}
}

// Read retrieves a value with telemetry. A missing key is not counted as a failed operation.
func (r *InstrumentedKeyValueRepository) Read(key string) ([]byte, error) {
	var result []byte

	var notFound bool

	err := r.telemetry.InstrumentDBOperation(context.Background(), "read", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Read(key)
		if errors.Is(err, storage.ErrNotFound) {
			notFound = true

			return nil
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	if notFound {
		return nil, storage.ErrNotFound
	}

	return result, nil
}

// Write stores a value with telemetry.
func (r *InstrumentedKeyValueRepository) Write(key string, value []byte) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "write", func(ctx context.Context) error {
		return r.repo.Write(key, value)
	})
}

// Remove deletes a key with telemetry.
func (r *InstrumentedKeyValueRepository) Remove(key string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "remove", func(ctx context.Context) error {
		return r.repo.Remove(key)
	})
}

// WriteTransaction runs fn in a transaction with telemetry.
func (r *InstrumentedKeyValueRepository) WriteTransaction(fn func(tx storage.Transaction) error) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "write_transaction", func(ctx context.Context) error {
		return r.repo.WriteTransaction(fn)
	})
}
