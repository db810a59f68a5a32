package storage

import "errors"

// ErrNotFound is returned by Read when the key does not exist.
var ErrNotFound = errors.New("key not found")

type KeyValueReadRepository interface {
	Read(key string) ([]byte, error)
}

type KeyValueWriteRepository interface {
	Write(key string, value []byte) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
}

// Transaction is the view of the store handed to WriteTransaction callbacks.
type Transaction interface {
	KeyValueReadRepository
	KeyValueWriteRepository
}

// KeyValueStore is the persistent store holding device state such as the current
// artifact name and provides.
type KeyValueStore interface {
	Transaction
	// WriteTransaction runs fn atomically. Returning an error from fn rolls back
	// every write made through the Transaction.
	WriteTransaction(fn func(tx Transaction) error) error
}
