package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/server/monitor"
	"github.com/nicktill/tinyohlc/pkg/storage"
	"github.com/nicktill/tinyohlc/pkg/storage/badger"
)

const (
	sweepMaxRetries = 3
	sweepRetryDelay = 5 * time.Second
	gcDiscardRatio  = 0.5
)

// Sweeper applies retention to every instrument
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// RunSweep applies retention every interval until ctx is done. Failed
// sweeps retry with exponential backoff before waiting for the next tick.
func RunSweep(ctx context.Context, sweeper Sweeper, mon *monitor.SweepMonitor, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = config.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runWithRetry := func() {
		for attempt := 0; attempt <= sweepMaxRetries; attempt++ {
			if attempt > 0 {
				delay := sweepRetryDelay * time.Duration(1<<(attempt-1))
				logger.Info("retrying sweep", zap.Duration("delay", delay), zap.Int("attempt", attempt+1))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			start := time.Now()
			n, err := sweeper.Sweep(ctx)
			if err == nil {
				mon.RecordSuccess(n)
				logger.Debug("sweep completed",
					zap.Int("evicted", n),
					zap.Duration("took", time.Since(start).Round(time.Millisecond)),
				)
				return
			}
			if ctx.Err() != nil {
				return
			}

			mon.RecordFailure(err)
			logger.Warn("sweep failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if status := mon.Status(); status.ConsecutiveErrors > monitor.MaxConsecutiveFailures {
				logger.Error("retention sweep keeps failing", zap.Int("consecutive_errors", status.ConsecutiveErrors))
			}
		}
		logger.Error("sweep failed after retries, will retry on next schedule", zap.Int("attempts", sweepMaxRetries+1))
	}

	logger.Info("sweep scheduler started", zap.Duration("interval", interval))
	runWithRetry()

	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-ctx.Done():
			logger.Info("stopping sweep scheduler")
			return
		}
	}
}

// RunBadgerGC reclaims value log space periodically. Stores other than
// badger need no collection and return immediately.
func RunBadgerGC(ctx context.Context, store storage.Storage, interval time.Duration, logger *zap.Logger) {
	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		logger.Debug("storage is not badger, skipping GC")
		return
	}

	if interval <= 0 {
		interval = config.BadgerGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("badger GC scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// One rewrite per tick keeps GC from hogging the disk
			err := badgerStore.RunGC(gcDiscardRatio)
			switch {
			case err == nil:
				logger.Info("badger GC reclaimed space", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			case errors.Is(err, badgerdb.ErrNoRewrite):
				logger.Debug("badger GC found nothing to rewrite")
			default:
				logger.Warn("badger GC failed", zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("stopping badger GC scheduler")
			return
		}
	}
}

// Run serves HTTP and runs every background task until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Server.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(taskCtx)
			s.logger.Debug("background task exited", zap.String("task", name))
		}()
	}

	spawn("stream-hub", s.Hub.Run)
	spawn("sweep", func(ctx context.Context) {
		RunSweep(ctx, s.Engine, s.SweepMonitor, s.cfg.Storage.SweepInterval, s.logger.Named("sweep"))
	})
	spawn("badger-gc", func(ctx context.Context) {
		RunBadgerGC(ctx, s.Store, s.cfg.Storage.GCInterval, s.logger.Named("gc"))
	})
	if s.consumer != nil {
		spawn("kafka", func(ctx context.Context) {
			if err := s.consumer.Run(ctx); err != nil {
				s.logger.Error("kafka consumer stopped", zap.Error(err))
			}
		})
	}
	if s.bridge != nil {
		spawn("redis", func(ctx context.Context) {
			if err := s.bridge.Run(ctx); err != nil {
				s.logger.Error("redis bridge stopped", zap.Error(err))
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = err
		}
	}

	s.logger.Info("shutting down")
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.ShutdownTimeout
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	cancel()
	// Closing the bus ends stream sessions and the redis bridge
	s.Bus.Close()
	wg.Wait()

	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
