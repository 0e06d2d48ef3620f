/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// localSize is the number of entries kept in the in-process TinyLFU tier.
const localSize = 10000

// Cache stores JSON encoded values under string keys.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the cached value into dst and reports whether the key was
	// present.
	Get(ctx context.Context, key string, dst interface{}) (bool, error)

	Delete(ctx context.Context, key string) error

	// Once returns the cached value for key, calling load to fill it on a
	// miss. Concurrent misses for the same key share one load.
	Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func() (interface{}, error)) error
}

// RedisCache is a two tier cache: a local TinyLFU in front of Redis.
type RedisCache struct {
	cache *cache.Cache
}

// New builds a cache over client. A nil client keeps entries in process only.
func New(client redis.UniversalClient) *RedisCache {
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(localSize, time.Minute),
	}
	if client != nil {
		opts.Redis = client
	}
	return &RedisCache{cache: cache.New(opts)}
}

func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: raw,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	var raw []byte
	err := r.cache.Get(ctx, key, &raw)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, dst)
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Once(ctx context.Context, key string, dst interface{}, ttl time.Duration, load func() (interface{}, error)) error {
	var raw []byte
	err := r.cache.Once(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: &raw,
		TTL:   ttl,
		Do: func(*cache.Item) (interface{}, error) {
			v, err := load()
			if err != nil {
				return nil, err
			}
			return json.Marshal(v)
		},
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
