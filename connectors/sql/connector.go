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

package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/HAK978/Query-Engine-Agent/connectors/base"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum connection lifetime
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultTimeout is the default statement timeout
	DefaultTimeout = 2 * time.Second
)

// Adapter executes SELECT payloads against a relational database. It renders
// the payload for the configured dialect and binds every literal as a
// positional argument.
type Adapter struct {
	config    *base.AdapterConfig
	db        *sql.DB
	dialect   Dialect
	aggregate string
	logger    *log.Logger
}

// NewAdapter creates an unconnected SQL adapter
func NewAdapter() *Adapter {
	return &Adapter{
		dialect:   Postgres,
		aggregate: "AVG",
		logger:    log.New(os.Stdout, "[QE_SQL] ", log.LstdFlags),
	}
}

// NewWithDB wraps an already open handle. Used by tests and by callers that
// own the pool.
func NewWithDB(config *base.AdapterConfig, db *sql.DB, dialect Dialect) *Adapter {
	a := NewAdapter()
	a.config = config
	a.db = db
	a.dialect = dialect
	a.aggregate = config.Option("aggregate", "AVG")
	return a
}

// Connect opens the pool for config.ConnectionURL and pings it. The driver
// comes from the "driver" option (postgres or mysql).
func (a *Adapter) Connect(ctx context.Context, config *base.AdapterConfig) error {
	a.config = config

	dialect, err := DialectFor(config.Option("driver", "postgres"))
	if err != nil {
		return base.NewSourceError(config.Name, base.KindSourceUnavailable, "unsupported driver", err)
	}
	a.dialect = dialect
	a.aggregate = config.Option("aggregate", "AVG")

	db, err := sql.Open(dialect.Driver, config.ConnectionURL)
	if err != nil {
		return base.NewSourceError(config.Name, base.KindSourceUnavailable, "failed to open connection", err)
	}

	maxOpenConns := DefaultMaxOpenConns
	maxIdleConns := DefaultMaxIdleConns
	if val, ok := config.Options["max_open_conns"].(int); ok && val > 0 {
		maxOpenConns = val
	}
	if val, ok := config.Options["max_idle_conns"].(int); ok && val > 0 {
		maxIdleConns = val
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return classify(pingCtx, config.Name, err)
	}

	a.db = db
	a.logger.Printf("Connected to %s: %s (max_open=%d, max_idle=%d)",
		dialect.Name, config.Name, maxOpenConns, maxIdleConns)
	return nil
}

// Execute renders the payload and runs it within timeout. The effective
// timeout never exceeds the context deadline.
func (a *Adapter) Execute(ctx context.Context, payload *base.Payload, timeout time.Duration) ([]base.Row, error) {
	if a.db == nil {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "database not connected", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, a.Name(), err)
	}

	statement, args, err := a.dialect.Render(payload, a.aggregate)
	if err != nil {
		return nil, base.NewSourceError(a.Name(), base.KindSourceUnavailable, "invalid payload", err)
	}

	if timeout <= 0 && a.config != nil {
		timeout = a.config.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rows, err := a.db.QueryContext(queryCtx, statement, args...)
	if err != nil {
		return nil, classify(queryCtx, a.Name(), err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classify(queryCtx, a.Name(), err)
	}
	numeric := numericColumns(rows, len(columns))

	results := make([]base.Row, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, classify(queryCtx, a.Name(), err)
		}

		row := make(base.Row, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i], numeric[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(queryCtx, a.Name(), err)
	}

	a.logger.Printf("Query executed: %s (%d rows in %v)", payload.Describe(), len(results), time.Since(start))
	return results, nil
}

// numericColumns marks DECIMAL/NUMERIC columns, which drivers hand back as
// text
func numericColumns(rows *sql.Rows, n int) []bool {
	types, err := rows.ColumnTypes()
	if err != nil {
		return make([]bool, n)
	}
	out := make([]bool, len(types))
	for i, t := range types {
		switch strings.ToUpper(t.DatabaseTypeName()) {
		case "NUMERIC", "DECIMAL":
			out[i] = true
		}
	}
	return out
}

func normalize(val interface{}, numeric bool) interface{} {
	b, ok := val.([]byte)
	if !ok {
		return val
	}
	if numeric {
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return f
		}
	}
	return string(b)
}

// classify maps driver errors onto the recovery taxonomy
func classify(ctx context.Context, source string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return base.NewSourceError(source, base.KindSourceTimeout, "statement exceeded its deadline", err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return base.NewSourceError(source, base.KindTransientNetwork, "bad connection", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", pqErr.Code == "57P01", pqErr.Code == "57P03":
			return base.NewSourceError(source, base.KindSourceUnavailable, "connection exception", err)
		case pqErr.Code == "57014":
			return base.NewSourceError(source, base.KindSourceTimeout, "statement canceled", err)
		case pqErr.Code.Class() == "40", pqErr.Code == "53300":
			return base.NewSourceError(source, base.KindTransientNetwork, "transient database condition", err)
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1040, 1205, 1213:
			return base.NewSourceError(source, base.KindTransientNetwork, "transient database condition", err)
		case 1045, 1049:
			return base.NewSourceError(source, base.KindSourceUnavailable, "access denied", err)
		}
	}

	return base.ClassifyError(source, err)
}

// HealthCheck pings the pool and reports its statistics
func (a *Adapter) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	if a.db == nil {
		return &base.HealthStatus{
			Healthy:   false,
			Timestamp: time.Now(),
			Error:     "database not connected",
		}, nil
	}

	start := time.Now()
	err := a.db.PingContext(ctx)
	latency := time.Since(start)
	if err != nil {
		return &base.HealthStatus{
			Healthy:   false,
			Latency:   latency,
			Timestamp: time.Now(),
			Error:     err.Error(),
		}, nil
	}

	stats := a.db.Stats()
	return &base.HealthStatus{
		Healthy: true,
		Latency: latency,
		Details: map[string]string{
			"dialect":          a.dialect.Name,
			"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
			"in_use":           fmt.Sprintf("%d", stats.InUse),
			"idle":             fmt.Sprintf("%d", stats.Idle),
		},
		Timestamp: time.Now(),
	}, nil
}

// Close releases the pool
func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Close(); err != nil {
		return base.NewSourceError(a.Name(), base.KindSourceUnavailable, "failed to close connection", err)
	}
	a.logger.Printf("Disconnected from %s: %s", a.dialect.Name, a.Name())
	return nil
}

// Name returns the configured adapter name
func (a *Adapter) Name() string {
	if a.config == nil || a.config.Name == "" {
		return "sql"
	}
	return a.config.Name
}

// Kind returns base.SourceSQL
func (a *Adapter) Kind() base.SourceKind {
	return base.SourceSQL
}

// Capabilities reports that statements honor context cancellation and may
// run in parallel on the pool
func (a *Adapter) Capabilities() base.Capabilities {
	return base.Capabilities{SupportsCancel: true, SupportsParallel: true}
}
