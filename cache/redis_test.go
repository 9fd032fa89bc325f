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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisBackend(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	backend, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	return mr, backend
}

func TestRedisBackend_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	mr, b := newMiniRedisBackend(t)

	entry := &Entry{
		Key:        "qe:v1:abc",
		Value:      []byte(`{"records":[]}`),
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		TTLSeconds: 60,
		Tags:       []string{"metric:m"},
	}
	require.NoError(t, b.Set(ctx, entry, 90*time.Second))
	assert.True(t, mr.Exists("qe:v1:abc"))
	assert.Equal(t, 90*time.Second, mr.TTL("qe:v1:abc"))

	got, err := b.Get(ctx, "qe:v1:abc")
	require.NoError(t, err)
	assert.Equal(t, entry.Value, got.Value)
	assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, []string{"metric:m"}, got.Tags)

	require.NoError(t, b.Delete(ctx, "qe:v1:abc"))
	_, err = b.Get(ctx, "qe:v1:abc")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.NoError(t, b.Delete(ctx))
}

func TestRedisBackend_RetentionExpiry(t *testing.T) {
	ctx := context.Background()
	mr, b := newMiniRedisBackend(t)

	require.NoError(t, b.Set(ctx, &Entry{Key: "k", TTLSeconds: 1}, 2*time.Second))
	mr.FastForward(3 * time.Second)

	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisBackend_TagIndex(t *testing.T) {
	ctx := context.Background()
	mr, b := newMiniRedisBackend(t)

	require.NoError(t, b.AddToTagIndex(ctx, "metric:m", "k1", time.Minute))
	require.NoError(t, b.AddToTagIndex(ctx, "metric:m", "k2", time.Minute))

	members, err := b.TagMembers(ctx, "metric:m")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, members)
	assert.True(t, mr.Exists("tag:metric:m:keys"))

	at := time.Now()
	require.NoError(t, b.MarkTagInvalidated(ctx, "metric:m", at))
	assert.False(t, mr.Exists("tag:metric:m:keys"), "index dropped with the marker")

	got, err := b.TagInvalidatedAt(ctx, "metric:m")
	require.NoError(t, err)
	assert.Equal(t, at.UnixNano(), got.UnixNano())

	never, err := b.TagInvalidatedAt(ctx, "metric:other")
	require.NoError(t, err)
	assert.True(t, never.IsZero())
}

func TestRedisBackend_StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, l2 := newMiniRedisBackend(t)

	writer := NewStore(WithL2(l2), WithLogger(quietLogger()))
	reader := NewStore(WithL2(l2), WithLogger(quietLogger()))

	require.NoError(t, writer.Set(ctx, "qe:v1:k", []byte("v"), time.Minute, []string{"metric:m"}, time.Minute))

	entry, err := reader.Get(ctx, "qe:v1:k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), entry.Value)

	removed, err := reader.Invalidate(ctx, "metric:m")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = l2.Get(ctx, "qe:v1:k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisBackend_UnavailableIsCacheError(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackend(client)
	mr.Close()

	_, err := b.Get(ctx, "k")
	var cacheErr *Error
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "get", cacheErr.Op)

	store := NewStore(WithL2(b), WithLogger(quietLogger()))
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss, "an unreachable L2 is treated as a miss")
	assert.Equal(t, int64(1), store.Stats().Errors)
}

func TestDialRedis_InvalidURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "not-a-url://")
	assert.Error(t, err)
}
