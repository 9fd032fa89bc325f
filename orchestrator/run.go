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
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/HAK978/Query-Engine-Agent/cache"
	"github.com/HAK978/Query-Engine-Agent/config"
	"github.com/HAK978/Query-Engine-Agent/connectors/base"
	httpconnector "github.com/HAK978/Query-Engine-Agent/connectors/http"
	sqlconnector "github.com/HAK978/Query-Engine-Agent/connectors/sql"
	"github.com/HAK978/Query-Engine-Agent/connectors/stream"
	"github.com/HAK978/Query-Engine-Agent/shared/logger"
)

// Service owns everything with a lifecycle: adapters, cache store, sample
// sinks and the janitor goroutine.
type Service struct {
	Engine *Engine
	Server *Server

	store    *cache.Store
	pgSink   *PostgresSink
	stopJob  context.CancelFunc
	jobs     sync.WaitGroup
	log      *logger.Logger
	closeErr error
	once     sync.Once
}

// Build connects every configured source and assembles the engine. A
// source or shared cache that cannot be reached at start is logged and
// left out; requests then take the fallback paths.
func Build(ctx context.Context, cfg *config.Config) (*Service, error) {
	svc := &Service{log: logger.New("service")}
	svc.log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	adapters := svc.connectSources(ctx, cfg)

	var opts []EngineOption
	opts = append(opts, WithAdapters(adapters...))

	if cfg.Cache.Enabled {
		svc.store = svc.buildCache(ctx, cfg)
		opts = append(opts, WithCache(svc.store))
	}

	sinks := MultiSink{NewLogSink(logger.New("performance"))}
	if cfg.Audit.DSN != "" {
		pg, err := OpenPostgresSink(cfg.Audit.DSN, cfg.Audit.BatchSize,
			time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond)
		if err != nil {
			svc.log.Warn("", "performance sample database unavailable, samples go to the log only", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			svc.pgSink = pg
			sinks = append(sinks, pg)
		}
	}
	opts = append(opts, WithSampleSink(sinks))

	engine, err := NewEngine(cfg, opts...)
	if err != nil {
		for _, a := range adapters {
			_ = a.Close()
		}
		svc.Close()
		return nil, err
	}
	svc.Engine = engine
	svc.Server = NewServer(engine, cfg)

	if svc.store != nil && cfg.Cache.JanitorIntervalSeconds > 0 {
		jobCtx, cancel := context.WithCancel(context.Background())
		svc.stopJob = cancel
		svc.jobs.Add(1)
		go func() {
			defer svc.jobs.Done()
			svc.store.RunJanitor(jobCtx, time.Duration(cfg.Cache.JanitorIntervalSeconds)*time.Second)
		}()
	}
	return svc, nil
}

func (svc *Service) connectSources(ctx context.Context, cfg *config.Config) []base.SourceAdapter {
	var adapters []base.SourceAdapter

	if src := cfg.Sources.SQL; src.Enabled {
		a := sqlconnector.NewAdapter()
		err := a.Connect(ctx, &base.AdapterConfig{
			Name:          "sql",
			Kind:          base.SourceSQL,
			ConnectionURL: src.DSN,
			Timeout:       time.Duration(src.TimeoutMs) * time.Millisecond,
			Options: map[string]interface{}{
				"driver":         src.Driver,
				"max_open_conns": src.MaxOpenConns,
				"max_idle_conns": src.MaxIdleConns,
			},
		})
		adapters = svc.keep(adapters, a, err)
	}

	if src := cfg.Sources.API; src.Enabled {
		a := httpconnector.NewAdapter()
		err := a.Connect(ctx, &base.AdapterConfig{
			Name:          "api",
			Kind:          base.SourceAPI,
			ConnectionURL: src.BaseURL,
			Timeout:       time.Duration(src.TimeoutMs) * time.Millisecond,
			Options: map[string]interface{}{
				"headers":           src.Headers,
				"allow_private_ips": src.AllowPrivateIPs,
				"allowed_hosts":     src.AllowedHosts,
			},
		})
		adapters = svc.keep(adapters, a, err)
	}

	if src := cfg.Sources.Stream; src.Enabled {
		a := stream.NewAdapter()
		err := a.Connect(ctx, &base.AdapterConfig{
			Name:          "stream",
			Kind:          base.SourceStream,
			ConnectionURL: src.URL,
			Timeout:       time.Duration(src.TimeoutMs) * time.Millisecond,
			Options: map[string]interface{}{
				"allow_private_ips": src.AllowPrivateIPs,
				"snapshot_size":     src.SnapshotSize,
			},
		})
		adapters = svc.keep(adapters, a, err)
	}
	return adapters
}

func (svc *Service) keep(adapters []base.SourceAdapter, a base.SourceAdapter, err error) []base.SourceAdapter {
	if err != nil {
		svc.log.Error("", "source unavailable at startup", map[string]interface{}{
			"source": string(a.Kind()),
			"error":  err.Error(),
		})
		return adapters
	}
	return append(adapters, a)
}

func (svc *Service) buildCache(ctx context.Context, cfg *config.Config) *cache.Store {
	l1 := cache.NewMemoryBackend(
		cache.WithShards(cfg.Cache.L1Shards),
		cache.WithMaxEntries(cfg.Cache.L1MaxEntries),
	)
	opts := []cache.Option{
		cache.WithL1(l1),
		cache.WithLogger(logger.New("cache")),
	}

	if cfg.Cache.RedisURL != "" {
		l2, err := cache.DialRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			svc.log.Warn("", "shared cache unavailable, running with the in-process cache only", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			opts = append(opts, cache.WithL2(l2))
			if cfg.Cache.L1MaxAgeSeconds > 0 {
				opts = append(opts, cache.WithL1MaxAge(time.Duration(cfg.Cache.L1MaxAgeSeconds)*time.Second))
			}
		}
	}
	return cache.NewStore(opts...)
}

// Close stops background work and releases every resource. It is safe to
// call more than once.
func (svc *Service) Close() error {
	svc.once.Do(func() {
		if svc.stopJob != nil {
			svc.stopJob()
		}
		svc.jobs.Wait()

		var errs []error
		if svc.Engine != nil {
			errs = append(errs, svc.Engine.Close())
		}
		if svc.store != nil {
			errs = append(errs, svc.store.Close())
		}
		if svc.pgSink != nil {
			errs = append(errs, svc.pgSink.Close())
		}
		svc.closeErr = errors.Join(errs...)
	})
	return svc.closeErr
}

// Run starts the query engine service and blocks until SIGINT or SIGTERM
func Run() {
	log.Println("Starting query engine...")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize query engine: %v", err)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           svc.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// one request never outlives its deadline by much
		WriteTimeout: cfg.RequestTimeout() + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Query engine %s listening on port %d", cfg.AgentID, cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("Server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down query engine...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
	if err := svc.Close(); err != nil {
		log.Printf("Error releasing resources: %v", err)
	}
	log.Println("Query engine stopped")
}
