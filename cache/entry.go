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
	"time"
)

// ErrCacheMiss is returned when a key is absent, expired or invalidated
var ErrCacheMiss = errors.New("cache miss")

// ErrWaitAbandoned is returned by SingleFlightGet to a caller whose context
// ended before the shared computation finished. It wraps the context error.
var ErrWaitAbandoned = errors.New("stopped waiting for cache computation")

// ErrInvalidTTL is returned by Set when the TTL is below one second
var ErrInvalidTTL = errors.New("cache ttl must be at least one second")

// Entry is a cached value together with its freshness policy
type Entry struct {
	Key                 string    `json:"key"`
	Value               []byte    `json:"value"`
	CreatedAt           time.Time `json:"created_at"`
	TTLSeconds          int       `json:"ttl_seconds"`
	StaleIfErrorSeconds int       `json:"stale_if_error_seconds,omitempty"`
	Tags                []string  `json:"tags,omitempty"`
}

// Age is how long ago the entry was written.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Fresh reports whether the TTL has not yet elapsed. It ignores tags.
func (e *Entry) Fresh(now time.Time) bool {
	return e.Age(now) < time.Duration(e.TTLSeconds)*time.Second
}

// WithinStaleWindow reports whether an expired entry may still be served
// under stale-if-error.
func (e *Entry) WithinStaleWindow(now time.Time) bool {
	return e.Age(now) < e.retention()
}

// retention is how long a backend must keep the entry around
func (e *Entry) retention() time.Duration {
	return time.Duration(e.TTLSeconds+e.StaleIfErrorSeconds) * time.Second
}

// Error is a non-fatal backend failure. Callers treat it as a miss.
type Error struct {
	Op    string
	Key   string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Backend is one storage level. Get returns ErrCacheMiss for absent keys;
// a backend never applies TTL semantics itself beyond dropping entries
// whose retention has passed.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, entry *Entry, retention time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	AddToTagIndex(ctx context.Context, tag, key string, retention time.Duration) error
	TagMembers(ctx context.Context, tag string) ([]string, error)
	// MarkTagInvalidated records the invalidation time and drops the
	// tag's key index.
	MarkTagInvalidated(ctx context.Context, tag string, at time.Time) error
	// TagInvalidatedAt returns the zero time for tags never invalidated.
	TagInvalidatedAt(ctx context.Context, tag string) (time.Time, error)

	Close() error
}
