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

// Package stream is the websocket feed adapter.
//
// Execute takes a bounded snapshot so a realtime widget can be served
// through the same plan/execute path as the other sources. Subscribe
// returns a Subscription for callers that want the live sequence:
//
//	sub, err := adapter.Subscribe(ctx, payload)
//	if err != nil {
//		return err
//	}
//	defer sub.Close()
//	for u := range sub.Updates(ctx) {
//		render(u.Rows)
//	}
package stream
