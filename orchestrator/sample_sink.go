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

package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

// LogSink writes every sample as a debug log line
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a sink on top of the engine logger
func NewLogSink(l *logger.Logger) *LogSink {
	return &LogSink{log: l}
}

// Record implements SampleSink
func (s *LogSink) Record(_ context.Context, sample PerformanceSample) {
	fields := map[string]interface{}{
		"stage":       sample.Stage,
		"duration_ms": sample.DurationMs,
		"outcome":     sample.Outcome,
	}
	if sample.Source != "" {
		fields["source"] = sample.Source
		fields["attempt"] = sample.Attempt
	}
	s.log.Debug(sample.RequestID, "stage sample", fields)
}

// MultiSink fans a sample out to several sinks
type MultiSink []SampleSink

// Record implements SampleSink
func (m MultiSink) Record(ctx context.Context, sample PerformanceSample) {
	for _, s := range m {
		s.Record(ctx, sample)
	}
}

// PostgresSink persists samples into the performance_samples table. Record
// never blocks: samples are queued and written in batches by a single
// background worker, and dropped when the queue is full.
type PostgresSink struct {
	db           *sql.DB
	batchWriter  *SampleBatchWriter
	queue        chan PerformanceSample
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
	dropped      atomic.Int64
	log          *logger.Logger
}

// OpenPostgresSink connects to the sample database at dsn
func OpenPostgresSink(dsn string, batchSize int, flushInterval time.Duration) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample database: %w", err)
	}
	sink, err := NewPostgresSink(db, batchSize, flushInterval)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSink creates the sample table if needed and starts the writer
func NewPostgresSink(db *sql.DB, batchSize int, flushInterval time.Duration) (*PostgresSink, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if err := createSampleTables(db); err != nil {
		return nil, fmt.Errorf("failed to create sample tables: %w", err)
	}

	s := &PostgresSink{
		db:           db,
		batchWriter:  NewSampleBatchWriter(db, batchSize),
		queue:        make(chan PerformanceSample, 10000),
		shutdownChan: make(chan struct{}),
		log:          logger.New("sample-sink"),
	}
	s.batchWriter.log = s.log

	s.wg.Add(1)
	go s.processQueue(flushInterval)
	return s, nil
}

// Record implements SampleSink
func (s *PostgresSink) Record(_ context.Context, sample PerformanceSample) {
	select {
	case s.queue <- sample:
	default:
		if s.dropped.Add(1)%1000 == 1 {
			s.log.Warn(sample.RequestID, "sample queue full, dropping samples", map[string]interface{}{
				"dropped_total": s.dropped.Load(),
			})
		}
	}
}

// Dropped is the number of samples lost to a full queue
func (s *PostgresSink) Dropped() int64 {
	return s.dropped.Load()
}

// IsHealthy pings the sample database
func (s *PostgresSink) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// Close drains the queue, writes the last batch and closes the database
func (s *PostgresSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.shutdownChan)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *PostgresSink) processQueue(flushInterval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case sample := <-s.queue:
			s.batchWriter.Add(sample)
		case <-ticker.C:
			s.batchWriter.Flush()
		case <-s.shutdownChan:
			for {
				select {
				case sample := <-s.queue:
					s.batchWriter.Add(sample)
				default:
					s.batchWriter.Flush()
					return
				}
			}
		}
	}
}

// SampleBatchWriter buffers samples and inserts them in one transaction
type SampleBatchWriter struct {
	db        *sql.DB
	batchSize int
	samples   []PerformanceSample
	mu        sync.Mutex
	log       *logger.Logger
}

// NewSampleBatchWriter creates a writer that flushes every batchSize samples
func NewSampleBatchWriter(db *sql.DB, batchSize int) *SampleBatchWriter {
	return &SampleBatchWriter{
		db:        db,
		batchSize: batchSize,
		samples:   make([]PerformanceSample, 0, batchSize),
		log:       logger.New("sample-sink"),
	}
}

// Add buffers a sample, flushing when the batch is full
func (b *SampleBatchWriter) Add(sample PerformanceSample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, sample)
	if len(b.samples) >= b.batchSize {
		b.flush()
	}
}

// Flush writes whatever is buffered
func (b *SampleBatchWriter) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flush()
}

func (b *SampleBatchWriter) flush() {
	if len(b.samples) == 0 {
		return
	}
	if err := b.Write(b.samples); err != nil {
		b.log.Error("", "failed to write sample batch", map[string]interface{}{
			"error": err.Error(),
			"count": len(b.samples),
		})
	}
	b.samples = b.samples[:0]
}

// Write inserts samples in a single transaction
func (b *SampleBatchWriter) Write(samples []PerformanceSample) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO performance_samples (
			request_id, stage, duration_ms, outcome, source, attempt, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range samples {
		if _, err := stmt.Exec(s.RequestID, s.Stage, s.DurationMs, s.Outcome, s.Source, s.Attempt, s.At); err != nil {
			return fmt.Errorf("insert sample %s/%s: %w", s.RequestID, s.Stage, err)
		}
	}
	return tx.Commit()
}

func createSampleTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS performance_samples (
		id BIGSERIAL PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		stage VARCHAR(50) NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL,
		outcome VARCHAR(50) NOT NULL,
		source VARCHAR(50),
		attempt INTEGER,
		recorded_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_performance_samples_request_id ON performance_samples(request_id);
	CREATE INDEX IF NOT EXISTS idx_performance_samples_stage ON performance_samples(stage, recorded_at);
	`

	_, err := db.Exec(query)
	return err
}
