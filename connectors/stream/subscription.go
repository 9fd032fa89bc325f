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

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

// ErrSubscriptionClosed is returned by Err after Close
var ErrSubscriptionClosed = errors.New("subscription closed")

// Update is one frame pushed by the feed
type Update struct {
	Rows     []base.Row
	Received time.Time
}

// Subscription is a live handle on one topic. Nothing is read from the feed
// until Updates is first called. Close stops delivery before it returns.
type Subscription struct {
	topic  string
	conn   *websocket.Conn
	logger *log.Logger

	startOnce sync.Once
	frames    chan Update
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	pending  *Update
	lastPump chan struct{}
	err      error
}

func newSubscription(topic string, conn *websocket.Conn, logger *log.Logger) *Subscription {
	return &Subscription{
		topic:  topic,
		conn:   conn,
		logger: logger,
		frames: make(chan Update, 16),
		done:   make(chan struct{}),
	}
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string {
	return s.topic
}

// Updates returns a sequence of updates that ends when ctx is done, the feed
// fails or the subscription is closed. Calling it again after an earlier
// sequence ended resumes from the next undelivered update. A new sequence
// starts delivering once the previous one has ended.
func (s *Subscription) Updates(ctx context.Context) <-chan Update {
	out := make(chan Update)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		return out
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.readLoop()
	})
	s.wg.Add(1)
	prev, mine := s.lastPump, make(chan struct{})
	s.lastPump = mine
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(out)
		defer close(mine)

		// the previous sequence may still hold an update it will stash
		if prev != nil {
			select {
			case <-prev:
			case <-s.done:
				return
			}
		}
		for {
			u, ok := s.next(ctx)
			if !ok {
				return
			}
			select {
			case out <- u:
			case <-ctx.Done():
				s.stash(u)
				return
			case <-s.done:
				return
			}
		}
	}()
	return out
}

// next takes a stashed update first, then waits for the reader
func (s *Subscription) next(ctx context.Context) (Update, bool) {
	s.mu.Lock()
	if p := s.pending; p != nil {
		s.pending = nil
		s.mu.Unlock()
		return *p, true
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return Update{}, false
	case <-s.done:
		return Update{}, false
	case u, ok := <-s.frames:
		return u, ok
	}
}

func (s *Subscription) stash(u Update) {
	s.mu.Lock()
	s.pending = &u
	s.mu.Unlock()
}

func (s *Subscription) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		rows, err := decodeFrame(message)
		if err != nil {
			s.logger.Printf("Dropping malformed frame on %s: %v", s.topic, err)
			continue
		}

		select {
		case s.frames <- Update{Rows: rows, Received: time.Now()}:
		case <-s.done:
			return
		}
	}
}

// decodeFrame accepts a single object, an array of objects or an envelope
// with a rows array
func decodeFrame(message []byte) ([]base.Row, error) {
	var raw interface{}
	if err := json.Unmarshal(message, &raw); err != nil {
		return nil, err
	}
	switch v := raw.(type) {
	case []interface{}:
		return decodeList(v), nil
	case map[string]interface{}:
		if list, ok := v["rows"].([]interface{}); ok {
			return decodeList(list), nil
		}
		return []base.Row{v}, nil
	default:
		return nil, errors.New("frame is not a JSON object or array")
	}
}

func decodeList(list []interface{}) []base.Row {
	rows := make([]base.Row, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

// Err reports why the feed stopped, or ErrSubscriptionClosed after Close
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrSubscriptionClosed
	}
	return nil
}

// Close releases the subscription. When it returns no goroutine of this
// subscription is running and no further update will be delivered.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"), deadline)
		err = s.conn.Close()

		s.wg.Wait()
		s.logger.Printf("Unsubscribed from %s", s.topic)
	})
	return err
}
