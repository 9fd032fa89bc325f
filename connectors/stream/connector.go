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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

const (
	// DefaultTimeout bounds a snapshot read
	DefaultTimeout = time.Second
	// DefaultSnapshotSize is the number of updates a snapshot collects
	DefaultSnapshotSize = 1
	// DefaultHandshakeTimeout bounds the websocket upgrade
	DefaultHandshakeTimeout = 5 * time.Second
)

// subscribeMessage is the first frame sent on a new connection
type subscribeMessage struct {
	Action  string         `json:"action"`
	Topic   string         `json:"topic"`
	Fields  []string       `json:"fields,omitempty"`
	Filters []filterClause `json:"filters,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

type filterClause struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// Adapter reads from a websocket feed. Execute takes a bounded snapshot of
// a topic; Subscribe hands back a live Subscription.
type Adapter struct {
	config       *base.AdapterConfig
	url          string
	dialer       *websocket.Dialer
	headers      http.Header
	snapshotSize int
	logger       *log.Logger
}

// NewAdapter creates an unconnected stream adapter
func NewAdapter() *Adapter {
	return &Adapter{
		dialer:       &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout},
		headers:      http.Header{},
		snapshotSize: DefaultSnapshotSize,
		logger:       log.New(os.Stdout, "[QE_STREAM] ", log.LstdFlags),
	}
}

// Connect validates the feed URL. Connections are opened per subscription.
// Recognized options: allow_private_ips (bool), snapshot_size (int), token.
func (a *Adapter) Connect(ctx context.Context, config *base.AdapterConfig) error {
	a.config = config

	opts := base.StreamEndpoint()
	if allow, ok := config.Options["allow_private_ips"].(bool); ok {
		opts.AllowPrivateIPs = allow
	}
	if _, err := base.ValidateEndpoint(config.ConnectionURL, opts); err != nil {
		return base.NewSourceError(config.Name, base.KindSourceUnavailable, "SSRF protection", err)
	}
	a.url = config.ConnectionURL

	if n, ok := config.Options["snapshot_size"].(int); ok && n > 0 {
		a.snapshotSize = n
	}
	if token, ok := config.Credentials["token"]; ok && token != "" {
		a.headers.Set("Authorization", "Bearer "+token)
	}

	a.logger.Printf("Configured stream source: %s (snapshot_size=%d)", config.Name, a.snapshotSize)
	return nil
}

// Subscribe opens a connection and subscribes to the payload's topic
func (a *Adapter) Subscribe(ctx context.Context, payload *base.Payload) (*Subscription, error) {
	if a.url == "" {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "stream url not configured", nil)
	}
	msg, err := buildSubscribe(payload)
	if err != nil {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "invalid payload", err)
	}

	conn, resp, err := a.dialer.DialContext(ctx, a.url, a.headers)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, a.classifyDial(ctx, resp, err)
	}

	if err := conn.WriteJSON(msg); err != nil {
		_ = conn.Close()
		return nil, base.ClassifyError(a.Name(), err)
	}

	a.logger.Printf("Subscribed to %s", payload.Target)
	return newSubscription(payload.Target, conn, a.logger), nil
}

func (a *Adapter) classifyDial(ctx context.Context, resp *http.Response, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return base.NewSourceError(a.Name(), base.KindSourceTimeout, "handshake exceeded its deadline", err)
	}
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
		kind := base.KindSourceUnavailable
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway:
			kind = base.KindTransientNetwork
		case http.StatusGatewayTimeout:
			kind = base.KindSourceTimeout
		}
		return base.NewSourceError(a.Name(), kind, fmt.Sprintf("handshake rejected: HTTP %d", resp.StatusCode), err)
	}
	return base.ClassifyError(a.Name(), err)
}

func buildSubscribe(payload *base.Payload) (*subscribeMessage, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil payload")
	}
	if !strings.EqualFold(string(payload.Operation), string(base.OpSubscribe)) {
		return nil, fmt.Errorf("stream sources only serve SUBSCRIBE, got %q", payload.Operation)
	}
	if err := base.ValidateIdentifier(payload.Target); err != nil {
		return nil, fmt.Errorf("topic: %w", err)
	}

	msg := &subscribeMessage{
		Action: "subscribe",
		Topic:  payload.Target,
		Fields: payload.Fields,
		Limit:  payload.Limit,
	}
	for _, pr := range payload.Predicates {
		value, ok := payload.Params[pr.Param]
		if !ok {
			return nil, fmt.Errorf("predicate on %s references unbound parameter %q", pr.Field, pr.Param)
		}
		if !base.IsValidComparison(pr.Op) {
			return nil, fmt.Errorf("unsupported comparison %q on %s", pr.Op, pr.Field)
		}
		msg.Filters = append(msg.Filters, filterClause{Field: pr.Field, Op: pr.Op, Value: value})
	}
	return msg, nil
}

// Execute subscribes, collects snapshot_size updates within timeout and
// unsubscribes. Receiving nothing before the timeout is a source timeout.
func (a *Adapter) Execute(ctx context.Context, payload *base.Payload, timeout time.Duration) ([]base.Row, error) {
	if timeout <= 0 && a.config != nil {
		timeout = a.config.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	snapCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub, err := a.Subscribe(snapCtx, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Close() }()

	start := time.Now()
	rows := make([]base.Row, 0)
	received := 0
	for u := range sub.Updates(snapCtx) {
		rows = append(rows, u.Rows...)
		received++
		if received >= a.snapshotSize {
			break
		}
	}

	if received == 0 {
		if errors.Is(snapCtx.Err(), context.DeadlineExceeded) {
			return nil, base.NewSourceError(a.Name(), base.KindSourceTimeout, "no update before deadline", snapCtx.Err())
		}
		if err := sub.Err(); err != nil {
			return nil, base.ClassifyError(a.Name(), err)
		}
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "feed ended without data", nil)
	}

	a.logger.Printf("Snapshot of %s: %d rows from %d updates in %v", payload.Target, len(rows), received, time.Since(start))
	return rows, nil
}

// HealthCheck opens and immediately closes a connection
func (a *Adapter) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	if a.url == "" {
		return &base.HealthStatus{
			Healthy:   false,
			Error:     "stream url not configured",
			Timestamp: time.Now(),
		}, nil
	}

	start := time.Now()
	conn, resp, err := a.dialer.DialContext(ctx, a.url, a.headers)
	latency := time.Since(start)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return &base.HealthStatus{
			Healthy:   false,
			Latency:   latency,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, nil
	}
	_ = conn.Close()

	return &base.HealthStatus{
		Healthy:   true,
		Latency:   latency,
		Timestamp: time.Now(),
	}, nil
}

// Close is a no-op; connections belong to their subscriptions
func (a *Adapter) Close() error {
	return nil
}

// Name returns the configured adapter name
func (a *Adapter) Name() string {
	if a.config == nil || a.config.Name == "" {
		return "stream"
	}
	return a.config.Name
}

// Kind returns base.SourceStream
func (a *Adapter) Kind() base.SourceKind {
	return base.SourceStream
}

// Capabilities reports cancellable, parallel-safe snapshots
func (a *Adapter) Capabilities() base.Capabilities {
	return base.Capabilities{SupportsCancel: true, SupportsParallel: true}
}
