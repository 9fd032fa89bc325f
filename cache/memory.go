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
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

type memoryItem struct {
	entry     *Entry
	expiresAt time.Time
}

type memoryShard struct {
	mu      sync.RWMutex
	items   map[string]*memoryItem
	tags    map[string]map[string]struct{} // tag -> keys hashed to this shard by tag
	invalid map[string]time.Time           // tag -> last invalidation
}

// MemoryBackend is an in-process Backend striped across independently
// locked shards. Keys and tags are hashed separately so a tag index update
// never holds the lock of the shard owning the entry.
type MemoryBackend struct {
	shards      []*memoryShard
	maxPerShard int
	clock       func() time.Time
	evictions   atomic.Int64
}

// MemoryOption configures a MemoryBackend
type MemoryOption func(*MemoryBackend)

// WithShards sets the number of lock stripes (default 16).
func WithShards(n int) MemoryOption {
	return func(m *MemoryBackend) {
		if n > 0 {
			m.shards = newShards(n)
		}
	}
}

// WithMaxEntries caps the total number of entries; the entry closest to
// expiry in the target shard is evicted when its stripe is full.
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryBackend) {
		m.maxPerShard = n
	}
}

// WithMemoryClock overrides time.Now, for tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		m.clock = clock
	}
}

func newShards(n int) []*memoryShard {
	shards := make([]*memoryShard, n)
	for i := range shards {
		shards[i] = &memoryShard{
			items:   make(map[string]*memoryItem),
			tags:    make(map[string]map[string]struct{}),
			invalid: make(map[string]time.Time),
		}
	}
	return shards
}

// NewMemoryBackend creates an in-process backend
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		shards: newShards(16),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxPerShard > 0 {
		m.maxPerShard = (m.maxPerShard + len(m.shards) - 1) / len(m.shards)
	}
	return m
}

func (m *MemoryBackend) shardFor(s string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// Get returns the entry or ErrCacheMiss once its retention has passed
func (m *MemoryBackend) Get(ctx context.Context, key string) (*Entry, error) {
	sh := m.shardFor(key)
	sh.mu.RLock()
	item, ok := sh.items[key]
	sh.mu.RUnlock()

	if !ok || !m.clock().Before(item.expiresAt) {
		return nil, ErrCacheMiss
	}
	return item.entry, nil
}

// Set stores the entry for the given retention
func (m *MemoryBackend) Set(ctx context.Context, entry *Entry, retention time.Duration) error {
	sh := m.shardFor(entry.Key)
	now := m.clock()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.items[entry.Key]; !exists && m.maxPerShard > 0 && len(sh.items) >= m.maxPerShard {
		m.evictSoonestLocked(sh, now)
	}
	sh.items[entry.Key] = &memoryItem{entry: entry, expiresAt: now.Add(retention)}
	return nil
}

// evictSoonestLocked drops one expired entry, or failing that the one
// closest to expiry. Caller holds sh.mu.
func (m *MemoryBackend) evictSoonestLocked(sh *memoryShard, now time.Time) {
	var victim string
	var soonest time.Time
	for k, item := range sh.items {
		if !now.Before(item.expiresAt) {
			victim = k
			break
		}
		if victim == "" || item.expiresAt.Before(soonest) {
			victim, soonest = k, item.expiresAt
		}
	}
	if victim != "" {
		delete(sh.items, victim)
		m.evictions.Add(1)
	}
}

// Delete removes keys; missing keys are ignored
func (m *MemoryBackend) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		sh := m.shardFor(key)
		sh.mu.Lock()
		delete(sh.items, key)
		sh.mu.Unlock()
	}
	return nil
}

// AddToTagIndex records key under tag. Index entries are pruned on
// invalidation and by Cleanup, so retention is not tracked per member.
func (m *MemoryBackend) AddToTagIndex(ctx context.Context, tag, key string, retention time.Duration) error {
	sh := m.shardFor(tag)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	members, ok := sh.tags[tag]
	if !ok {
		members = make(map[string]struct{})
		sh.tags[tag] = members
	}
	members[key] = struct{}{}
	return nil
}

// TagMembers lists the keys indexed under tag
func (m *MemoryBackend) TagMembers(ctx context.Context, tag string) ([]string, error) {
	sh := m.shardFor(tag)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	keys := make([]string, 0, len(sh.tags[tag]))
	for k := range sh.tags[tag] {
		keys = append(keys, k)
	}
	return keys, nil
}

// MarkTagInvalidated records the invalidation and drops the tag index
func (m *MemoryBackend) MarkTagInvalidated(ctx context.Context, tag string, at time.Time) error {
	sh := m.shardFor(tag)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if prev, ok := sh.invalid[tag]; !ok || at.After(prev) {
		sh.invalid[tag] = at
	}
	delete(sh.tags, tag)
	return nil
}

// TagInvalidatedAt returns the last invalidation time of tag
func (m *MemoryBackend) TagInvalidatedAt(ctx context.Context, tag string) (time.Time, error) {
	sh := m.shardFor(tag)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.invalid[tag], nil
}

// Cleanup removes entries past their retention and prunes tag indexes of
// keys that no longer exist. Returns the number of entries removed.
func (m *MemoryBackend) Cleanup() int {
	now := m.clock()
	evicted := 0

	for _, sh := range m.shards {
		sh.mu.Lock()
		for k, item := range sh.items {
			if !now.Before(item.expiresAt) {
				delete(sh.items, k)
				evicted++
			}
		}
		sh.mu.Unlock()
	}

	for _, sh := range m.shards {
		sh.mu.RLock()
		snapshot := make(map[string][]string, len(sh.tags))
		for tag, members := range sh.tags {
			for k := range members {
				snapshot[tag] = append(snapshot[tag], k)
			}
		}
		sh.mu.RUnlock()

		for tag, keys := range snapshot {
			for _, k := range keys {
				if m.has(k) {
					continue
				}
				sh.mu.Lock()
				if members, ok := sh.tags[tag]; ok {
					delete(members, k)
					if len(members) == 0 {
						delete(sh.tags, tag)
					}
				}
				sh.mu.Unlock()
			}
		}
	}

	m.evictions.Add(int64(evicted))
	return evicted
}

func (m *MemoryBackend) has(key string) bool {
	sh := m.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.items[key]
	return ok
}

// Len returns the number of stored entries, expired ones included
func (m *MemoryBackend) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// Evictions returns the number of entries dropped by capacity or Cleanup
func (m *MemoryBackend) Evictions() int64 {
	return m.evictions.Load()
}

// Close is a no-op
func (m *MemoryBackend) Close() error {
	return nil
}
