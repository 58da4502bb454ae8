package vaultfakes

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-client/vault"
)

var _ vault.Vault = (*FakeVault)(nil)
var _ vault.Batcher = (*FakeVault)(nil)

// FakeVault is an in-memory vault. Setting one of the Fail* errors makes the
// matching operation return it wrapped in a StorageError.
type FakeVault struct {
	values map[string]string
	lock   sync.RWMutex

	FailGet    error
	FailSet    error
	FailDelete error
	// FailSetKey restricts FailSet to a single key when not empty.
	FailSetKey string

	Writes int
}

func NewFakeVault() *FakeVault {
	return &FakeVault{
		values: make(map[string]string),
	}
}

func (v *FakeVault) Get(_ context.Context, key string) (string, error) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	if v.FailGet != nil {
		return "", vault.NewStorageError("get", key, v.FailGet)
	}
	value, ok := v.values[key]
	if !ok {
		return "", vault.ErrNotFound
	}
	return value, nil
}

func (v *FakeVault) Set(_ context.Context, key, value string) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	if err := v.setErr(key); err != nil {
		return err
	}
	v.values[key] = value
	v.Writes++
	return nil
}

func (v *FakeVault) Delete(_ context.Context, key string) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.FailDelete != nil {
		return vault.NewStorageError("delete", key, v.FailDelete)
	}
	delete(v.values, key)
	v.Writes++
	return nil
}

// Apply validates every write before touching the map, so a failure leaves
// the contents unchanged.
func (v *FakeVault) Apply(_ context.Context, sets map[string]string, deletes []string) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	for key := range sets {
		if err := v.setErr(key); err != nil {
			return err
		}
	}
	if len(deletes) > 0 && v.FailDelete != nil {
		return vault.NewStorageError("delete", deletes[0], v.FailDelete)
	}
	for key, value := range sets {
		v.values[key] = value
	}
	for _, key := range deletes {
		delete(v.values, key)
	}
	v.Writes++
	return nil
}

// Len returns the number of stored keys.
func (v *FakeVault) Len() int {
	v.lock.RLock()
	defer v.lock.RUnlock()
	return len(v.values)
}

// Value returns the raw stored value, bypassing failure injection.
func (v *FakeVault) Value(key string) (string, bool) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	value, ok := v.values[key]
	return value, ok
}

func (v *FakeVault) setErr(key string) error {
	if v.FailSet == nil {
		return nil
	}
	if v.FailSetKey != "" && v.FailSetKey != key {
		return nil
	}
	return vault.NewStorageError("set", key, v.FailSet)
}

// WithoutBatching hides the Batcher implementation of v so callers take
// their sequential write path.
func WithoutBatching(v vault.Vault) vault.Vault {
	return struct{ vault.Vault }{v}
}
