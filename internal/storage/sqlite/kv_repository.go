package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/update_agent/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// KeyValueRepository implements storage.KeyValueStore on top of the kv table.
type KeyValueRepository struct {
	db *sql.DB
}

func NewKeyValueRepository(dbConn *sql.DB) *KeyValueRepository {
	return &KeyValueRepository{db: dbConn}
}

func (r *KeyValueRepository) Read(key string) ([]byte, error) {
	return read(r.db, key)
}

func (r *KeyValueRepository) Write(key string, value []byte) error {
	return write(r.db, key, value)
}

func (r *KeyValueRepository) Remove(key string) error {
	return remove(r.db, key)
}

// WriteTransaction runs fn inside a database transaction, committing only when fn succeeds.
func (r *KeyValueRepository) WriteTransaction(fn func(tx storage.Transaction) error) error {
	sqlTx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&transaction{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type transaction struct {
	tx *sql.Tx
}

func (t *transaction) Read(key string) ([]byte, error) {
	return read(t.tx, key)
}

func (t *transaction) Write(key string, value []byte) error {
	return write(t.tx, key, value)
}

func (t *transaction) Remove(key string) error {
	return remove(t.tx, key)
}

func read(q querier, key string) ([]byte, error) {
	var value []byte

	err := q.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}

	return value, nil
}

func write(q querier, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	_, err := q.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}

	return nil
}

func remove(q querier, key string) error {
	if _, err := q.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}

	return nil
}
