package redisvault

import (
	"context"
	"strings"

	"github.com/jrsteele09/go-auth-client/vault"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var _ vault.Vault = (*Store)(nil)
var _ vault.Batcher = (*Store)(nil)

// Store is a credential vault kept in Redis under a per-installation prefix.
// Values are sealed before they leave the process.
type Store struct {
	rdb    redis.UniversalClient
	sealer *vault.Sealer
	prefix string
}

// New wraps an existing redis client.
func New(rdb redis.UniversalClient, sealer *vault.Sealer, prefix string) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("[redisvault.New] redis client is required")
	}
	if sealer == nil {
		return nil, errors.New("[redisvault.New] sealer is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "authclient"
	}
	return &Store{rdb: rdb, sealer: sealer, prefix: prefix}, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	sealed, err := s.rdb.Get(ctx, s.redisKey(key)).Result()
	if err == redis.Nil {
		return "", vault.ErrNotFound
	}
	if err != nil {
		return "", vault.NewStorageError("get", key, err)
	}
	value, err := s.sealer.Open(key, sealed)
	if err != nil {
		return "", vault.NewStorageError("get", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return vault.NewStorageError("set", key, err)
	}
	if err := s.rdb.Set(ctx, s.redisKey(key), sealed, 0).Err(); err != nil {
		return vault.NewStorageError("set", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return vault.NewStorageError("delete", key, err)
	}
	return nil
}

// Apply runs every write inside a MULTI/EXEC block.
func (s *Store) Apply(ctx context.Context, sets map[string]string, deletes []string) error {
	sealed := make(map[string]string, len(sets))
	for key, value := range sets {
		v, err := s.sealer.Seal(key, value)
		if err != nil {
			return vault.NewStorageError("set", key, err)
		}
		sealed[key] = v
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, value := range sealed {
			pipe.Set(ctx, s.redisKey(key), value, 0)
		}
		if len(deletes) > 0 {
			keys := make([]string, 0, len(deletes))
			for _, key := range deletes {
				keys = append(keys, s.redisKey(key))
			}
			pipe.Del(ctx, keys...)
		}
		return nil
	})
	if err != nil {
		return vault.NewStorageError("apply", "", err)
	}
	return nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + ":" + key
}
