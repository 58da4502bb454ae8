package vault

import (
	"context"
	"fmt"

	interr "github.com/jrsteele09/go-auth-client/internal/errors"
)

// Keys under which the session manager persists a session.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUser         = "user"
	KeyRole         = "role"
)

// SessionKeys lists every key owned by a session, in write order.
var SessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyRole}

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = interr.ErrNotFound
	// ErrStorage matches every StorageError via errors.Is.
	ErrStorage = interr.ErrStorage
)

// Vault is durable, process-independent storage for credential strings.
// It stores whatever it is given and performs no validation.
type Vault interface {
	// Get returns the stored value or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error
	Delete(ctx context.Context, key string) error
}

// Batcher is implemented by vaults that can apply several writes atomically.
type Batcher interface {
	Apply(ctx context.Context, sets map[string]string, deletes []string) error
}

// StorageError wraps a failure of the underlying storage layer.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vault %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError wraps err unless it is nil or already a StorageError.
func NewStorageError(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(*StorageError); ok {
		return se
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
