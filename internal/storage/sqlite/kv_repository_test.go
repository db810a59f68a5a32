package sqlite_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/update_agent/internal/storage"
	"github.com/italolelis/update_agent/internal/storage/sqlite"
)

func newStore(t *testing.T) storage.KeyValueStore {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "state", "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// A nil telemetry is a valid, no-op instrumentation.
	return sqlite.NewInstrumentedKeyValueRepository(db, nil)
}

func TestKeyValueRepository_ReadWriteRemove(t *testing.T) {
	store := newStore(t)

	_, err := store.Read("artifact-name")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Write("artifact-name", []byte("release-1")))
	require.NoError(t, store.Write("artifact-name", []byte("release-2")))

	value, err := store.Read("artifact-name")
	require.NoError(t, err)
	assert.Equal(t, "release-2", string(value))

	require.NoError(t, store.Write("empty", nil))
	value, err = store.Read("empty")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, store.Remove("artifact-name"))
	require.NoError(t, store.Remove("artifact-name"), "removing a missing key is not an error")

	_, err = store.Read("artifact-name")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeyValueRepository_WriteTransaction(t *testing.T) {
	tests := []struct {
		name      string
		fnErr     error
		wantValue string
	}{
		{name: "commit", wantValue: "new"},
		{name: "rollback", fnErr: errors.New("abort"), wantValue: "old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			require.NoError(t, store.Write("artifact-name", []byte("old")))
			require.NoError(t, store.Write("artifact-group", []byte("group")))

			err := store.WriteTransaction(func(tx storage.Transaction) error {
				current, err := tx.Read("artifact-name")
				require.NoError(t, err)
				assert.Equal(t, "old", string(current))

				require.NoError(t, tx.Write("artifact-name", []byte("new")))
				require.NoError(t, tx.Remove("artifact-group"))

				return tt.fnErr
			})

			if tt.fnErr != nil {
				assert.ErrorIs(t, err, tt.fnErr)
			} else {
				require.NoError(t, err)
			}

			value, err := store.Read("artifact-name")
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, string(value))

			_, err = store.Read("artifact-group")
			if tt.fnErr != nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, storage.ErrNotFound)
			}
		})
	}
}
