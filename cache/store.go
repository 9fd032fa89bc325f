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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

// ComputeFunc produces the entry for a missing key. It runs at most once
// concurrently per key.
type ComputeFunc func(ctx context.Context) (*Entry, error)

// Stats is a point-in-time snapshot of store counters
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	StaleHits int64   `json:"stale_hits"`
	L2Hits    int64   `json:"l2_hits"`
	Errors    int64   `json:"errors"`
	Evictions int64   `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Store is the two-level cache. L1 is always an in-process MemoryBackend;
// L2 is optional and shared between engine instances.
type Store struct {
	l1       *MemoryBackend
	l2       Backend
	l1MaxAge time.Duration
	group    singleflight.Group
	clock    func() time.Time
	log      *logger.Logger

	hits, misses, staleHits, l2Hits, errs atomic.Int64
}

// Option configures a Store
type Option func(*Store)

// WithL2 attaches a shared backend
func WithL2(b Backend) Option {
	return func(s *Store) {
		s.l2 = b
	}
}

// WithL1 replaces the default in-process level
func WithL1(m *MemoryBackend) Option {
	return func(s *Store) {
		s.l1 = m
	}
}

// WithL1MaxAge bounds how long an entry may sit in L1. Invalidations made
// by other instances only reach this instance's L1 through L2, so a short
// bound limits how long a local copy can outlive them.
func WithL1MaxAge(d time.Duration) Option {
	return func(s *Store) {
		s.l1MaxAge = d
	}
}

// WithClock overrides time.Now, for tests
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger sets the component logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// NewStore creates a store
func NewStore(opts ...Option) *Store {
	s := &Store{
		clock: time.Now,
		log:   logger.New("cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.l1 == nil {
		s.l1 = NewMemoryBackend(WithMemoryClock(s.clock))
	}
	return s
}

// Get returns a valid entry: inside its TTL and not invalidated by any of
// its tags since it was written. Anything else is ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	entry, fromL2 := s.lookup(ctx, key)
	if entry == nil || !entry.Fresh(s.clock()) || s.invalidated(ctx, entry, fromL2) {
		s.misses.Add(1)
		return nil, ErrCacheMiss
	}
	s.hits.Add(1)
	if fromL2 {
		s.l2Hits.Add(1)
	}
	return entry, nil
}

// GetStale returns an entry whose TTL may have passed but which is still
// inside its stale-if-error window and not tag-invalidated.
func (s *Store) GetStale(ctx context.Context, key string) (*Entry, error) {
	entry, fromL2 := s.lookup(ctx, key)
	if entry == nil || !entry.WithinStaleWindow(s.clock()) || s.invalidated(ctx, entry, fromL2) {
		return nil, ErrCacheMiss
	}
	s.staleHits.Add(1)
	return entry, nil
}

// lookup reads L1 then L2, promoting L2 hits into L1
func (s *Store) lookup(ctx context.Context, key string) (*Entry, bool) {
	if entry, err := s.l1.Get(ctx, key); err == nil {
		return entry, false
	}
	if s.l2 == nil {
		return nil, false
	}

	entry, err := s.l2.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.backendError("get", key, err)
		}
		return nil, false
	}

	if remaining := entry.retention() - entry.Age(s.clock()); remaining > 0 {
		s.writeL1(ctx, entry, remaining)
	}
	return entry, true
}

// invalidated checks the entry's tags against recorded invalidations. L2
// markers are consulted only for entries that came from L2.
func (s *Store) invalidated(ctx context.Context, entry *Entry, fromL2 bool) bool {
	for _, tag := range entry.Tags {
		at, _ := s.l1.TagInvalidatedAt(ctx, tag)
		if fromL2 && s.l2 != nil {
			remote, err := s.l2.TagInvalidatedAt(ctx, tag)
			if err != nil {
				s.backendError("tag-marker", tag, err)
			} else if remote.After(at) {
				at = remote
			}
		}
		if !at.IsZero() && !at.Before(entry.CreatedAt) {
			return true
		}
	}
	return false
}

// Set writes value under key on both levels. A ttl under one second is
// rejected. An L2 failure is returned as *Error after L1 has been written.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string, staleIfError time.Duration) error {
	return s.SetAt(ctx, key, value, s.clock(), ttl, tags, staleIfError)
}

// SetAt is Set for a value that reflects source data as of createdAt. A
// tag invalidated at or after createdAt rejects the entry on read, so a
// computation that overlapped an invalidation never serves as fresh.
func (s *Store) SetAt(ctx context.Context, key string, value []byte, createdAt time.Time, ttl time.Duration, tags []string, staleIfError time.Duration) error {
	ttlSeconds := int(ttl / time.Second)
	if ttlSeconds <= 0 {
		return ErrInvalidTTL
	}
	if staleIfError < 0 {
		staleIfError = 0
	}

	entry := &Entry{
		Key:                 key,
		Value:               value,
		CreatedAt:           createdAt,
		TTLSeconds:          ttlSeconds,
		StaleIfErrorSeconds: int(staleIfError / time.Second),
		Tags:                append([]string(nil), tags...),
	}
	retention := entry.retention()

	var l2Err error
	if s.l2 != nil {
		if err := s.l2.Set(ctx, entry, retention); err != nil {
			l2Err = s.backendError("set", key, err)
		} else {
			for _, tag := range entry.Tags {
				if err := s.l2.AddToTagIndex(ctx, tag, key, retention); err != nil {
					l2Err = s.backendError("tag-index", tag, err)
				}
			}
		}
	}

	s.writeL1(ctx, entry, retention)
	return l2Err
}

func (s *Store) writeL1(ctx context.Context, entry *Entry, retention time.Duration) {
	if s.l1MaxAge > 0 && retention > s.l1MaxAge {
		retention = s.l1MaxAge
	}
	_ = s.l1.Set(ctx, entry, retention)
	for _, tag := range entry.Tags {
		_ = s.l1.AddToTagIndex(ctx, tag, entry.Key, retention)
	}
}

// Invalidate marks tag invalidated now and deletes every key in its index
// on both levels. Entries whose index membership was lost are still
// rejected on read by the invalidation marker.
func (s *Store) Invalidate(ctx context.Context, tag string) (int, error) {
	now := s.clock()

	keys, _ := s.l1.TagMembers(ctx, tag)
	_ = s.l1.MarkTagInvalidated(ctx, tag, now)
	_ = s.l1.Delete(ctx, keys...)
	removed := len(keys)

	if s.l2 == nil {
		s.log.Info("", "tag invalidated", map[string]interface{}{"tag": tag, "keys": removed})
		return removed, nil
	}

	remote, err := s.l2.TagMembers(ctx, tag)
	if err != nil {
		return removed, s.backendError("tag-members", tag, err)
	}
	if err := s.l2.MarkTagInvalidated(ctx, tag, now); err != nil {
		return removed, s.backendError("invalidate", tag, err)
	}
	if err := s.l2.Delete(ctx, remote...); err != nil {
		return removed, s.backendError("delete", tag, err)
	}
	_ = s.l1.Delete(ctx, remote...)

	if len(remote) > removed {
		removed = len(remote)
	}
	s.log.Info("", "tag invalidated", map[string]interface{}{"tag": tag, "keys": removed})
	return removed, nil
}

// SingleFlightGet returns the valid entry for key, or runs compute with at
// most one execution in flight per key. Concurrent callers for the same
// key wait and receive the same entry or error; shared reports whether the
// result was delivered to more than one caller. compute is responsible for
// writing the entry if it should be cached.
//
// compute runs on a context that keeps ctx's values and deadline but not
// its cancellation, so one caller going away does not fail the others.
// Each caller stops waiting when its own ctx is done.
func (s *Store) SingleFlightGet(ctx context.Context, key string, compute ComputeFunc) (*Entry, bool, error) {
	if entry, err := s.Get(ctx, key); err == nil {
		return entry, false, nil
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		flightCtx, cancel := flightContext(ctx)
		defer cancel()
		// a flight that finished between our miss and DoChan may have filled it
		if entry, err := s.l1.Get(flightCtx, key); err == nil && entry.Fresh(s.clock()) && !s.invalidated(flightCtx, entry, false) {
			return entry, nil
		}
		return compute(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		entry, _ := res.Val.(*Entry)
		return entry, res.Shared, nil
	case <-ctx.Done():
		return nil, false, fmt.Errorf("%w: %w", ErrWaitAbandoned, ctx.Err())
	}
}

// flightContext detaches ctx from its cancellation while keeping the
// deadline it carries
func flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

// Stats returns a snapshot of the counters
func (s *Store) Stats() Stats {
	st := Stats{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		StaleHits: s.staleHits.Load(),
		L2Hits:    s.l2Hits.Load(),
		Errors:    s.errs.Load(),
		Evictions: s.l1.Evictions(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRatio = float64(st.Hits) / float64(total)
	}
	return st
}

// Cleanup sweeps expired L1 entries; L2 expires entries on its own
func (s *Store) Cleanup() int {
	return s.l1.Cleanup()
}

// RunJanitor calls Cleanup every interval until ctx is done
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				s.log.Debug("", "expired entries swept", map[string]interface{}{"evicted": n})
			}
		}
	}
}

// HasL2 reports whether a shared level is attached
func (s *Store) HasL2() bool {
	return s.l2 != nil
}

// Close releases the L2 backend
func (s *Store) Close() error {
	if s.l2 != nil {
		return s.l2.Close()
	}
	return nil
}

func (s *Store) backendError(op, key string, err error) error {
	s.errs.Add(1)
	var cacheErr *Error
	if !errors.As(err, &cacheErr) {
		cacheErr = &Error{Op: op, Key: key, Cause: err}
	}
	s.log.Warn("", "cache backend error, treating as miss", map[string]interface{}{
		"op":    op,
		"key":   key,
		"error": cacheErr.Error(),
	})
	return cacheErr
}
