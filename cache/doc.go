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

// Package cache implements the engine's two-level result cache.
//
// L1 is a sharded in-process map; L2 is an optional Redis backend shared
// between engine instances. Entries carry a TTL, an optional
// stale-if-error window and a set of tags. Invalidating a tag records a
// marker time, so an entry written before the marker is rejected on read
// even when its index membership was lost.
//
// SingleFlightGet collapses concurrent misses on one key into a single
// computation.
package cache
