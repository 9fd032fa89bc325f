// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackend is the shared L2 level. Entries are stored as JSON under
// their cache key; each tag keeps a set "tag:<name>:keys" of member keys
// and a "tag:<name>:invalidated_at" marker holding unix nanoseconds.
type RedisBackend struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisBackend wraps an existing client
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		logger: log.New(os.Stdout, "[QE_REDIS] ", log.LstdFlags),
	}
}

// DialRedis parses a redis:// URL, pings the server and returns a backend
func DialRedis(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	b := NewRedisBackend(client)
	b.logger.Printf("Connected to Redis: %s (db=%d)", opts.Addr, opts.DB)
	return b, nil
}

func tagKeysKey(tag string) string {
	return "tag:" + tag + ":keys"
}

func tagInvalidatedKey(tag string) string {
	return "tag:" + tag + ":invalidated_at"
}

// Get loads and decodes an entry
func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, &Error{Op: "get", Key: key, Cause: err}
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, &Error{Op: "decode", Key: key, Cause: err}
	}
	return &entry, nil
}

// Set encodes the entry and stores it with a Redis expiry of retention
func (b *RedisBackend) Set(ctx context.Context, entry *Entry, retention time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return &Error{Op: "encode", Key: entry.Key, Cause: err}
	}
	if err := b.client.Set(ctx, entry.Key, raw, retention).Err(); err != nil {
		return &Error{Op: "set", Key: entry.Key, Cause: err}
	}
	return nil
}

// Delete removes keys
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return &Error{Op: "delete", Key: keys[0], Cause: err}
	}
	return nil
}

// AddToTagIndex adds key to the tag set and refreshes the set's expiry.
// A later, shorter retention can expire the set early; the invalidation
// marker still guards reads of any entry the index lost track of.
func (b *RedisBackend) AddToTagIndex(ctx context.Context, tag, key string, retention time.Duration) error {
	setKey := tagKeysKey(tag)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, setKey, key)
		pipe.Expire(ctx, setKey, retention)
		return nil
	})
	if err != nil {
		return &Error{Op: "tag-index", Key: setKey, Cause: err}
	}
	return nil
}

// TagMembers lists the keys in the tag set
func (b *RedisBackend) TagMembers(ctx context.Context, tag string) ([]string, error) {
	keys, err := b.client.SMembers(ctx, tagKeysKey(tag)).Result()
	if err != nil {
		return nil, &Error{Op: "tag-members", Key: tagKeysKey(tag), Cause: err}
	}
	return keys, nil
}

// MarkTagInvalidated writes the marker and drops the tag set in one
// transaction
func (b *RedisBackend) MarkTagInvalidated(ctx context.Context, tag string, at time.Time) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tagInvalidatedKey(tag), strconv.FormatInt(at.UnixNano(), 10), 0)
		pipe.Del(ctx, tagKeysKey(tag))
		return nil
	})
	if err != nil {
		return &Error{Op: "invalidate", Key: tagInvalidatedKey(tag), Cause: err}
	}
	return nil
}

// TagInvalidatedAt reads the marker; zero time when unset
func (b *RedisBackend) TagInvalidatedAt(ctx context.Context, tag string) (time.Time, error) {
	raw, err := b.client.Get(ctx, tagInvalidatedKey(tag)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &Error{Op: "tag-marker", Key: tagInvalidatedKey(tag), Cause: err}
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, &Error{Op: "tag-marker", Key: tagInvalidatedKey(tag), Cause: err}
	}
	return time.Unix(0, nanos), nil
}

// Ping checks connectivity, for health reporting
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client
func (b *RedisBackend) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	b.logger.Printf("Disconnected from Redis")
	return nil
}
