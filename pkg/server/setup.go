package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/export"
	"github.com/nicktill/tinyohlc/pkg/ingest"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/notify/redisbridge"
	"github.com/nicktill/tinyohlc/pkg/query"
	"github.com/nicktill/tinyohlc/pkg/server/monitor"
	"github.com/nicktill/tinyohlc/pkg/source/kafka"
	"github.com/nicktill/tinyohlc/pkg/storage"
	"github.com/nicktill/tinyohlc/pkg/storage/badger"
	"github.com/nicktill/tinyohlc/pkg/storage/memory"
)

// Server wires storage, the engine, the bus and the HTTP surface together.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	Store          storage.Storage
	Bus            *notify.Bus
	Engine         *engine.Engine
	StorageMonitor *monitor.StorageMonitor
	SweepMonitor   *monitor.SweepMonitor
	Ingest         *ingest.Handler
	Query          *query.Handler
	Hub            *ingest.StreamHub
	Export         *export.Handler
	Router         *mux.Router

	consumer    *kafka.Consumer
	bridge      *redisbridge.Bridge
	redisClient *redis.Client
}

// New builds a server from cfg. Nothing runs until Run is called.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := InitializeStorage(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		Store:  store,
		Bus:    notify.NewBus(cfg.Notify, logger),
	}
	s.Engine = engine.New(store, s.Bus, cfg.Engine, logger)
	s.StorageMonitor = InitializeStorageMonitor(cfg.Storage, store)
	s.SweepMonitor = monitor.NewSweepMonitor(staleAfter(cfg.Storage))
	s.Ingest, s.Query, s.Hub = InitializeHandlers(s.Engine, s.Bus, s.StorageMonitor, cfg.Server, logger)
	s.Export = export.NewHandler(s.Engine, logger)
	s.Export.SetLimiter(s.Ingest.Cardinality())

	s.Router = mux.NewRouter()
	SetupRoutes(s.Router, s, cfg.Server.Port)

	if cfg.Kafka.Enabled {
		s.consumer = kafka.NewConsumer(kafka.NewReader(cfg.Kafka), s.Engine, logger)
		logger.Info("kafka tick source enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}
	if cfg.Redis.Enabled {
		s.redisClient = redisbridge.NewClient(cfg.Redis)
		s.bridge = redisbridge.New(s.Bus, s.redisClient, cfg.Redis, logger)
		logger.Info("redis notification bridge enabled", zap.String("addr", cfg.Redis.Addr))
	}

	return s, nil
}

// InitializeStorage opens the configured backend.
func InitializeStorage(cfg config.StorageConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Backend {
	case "badger":
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		logger.Info("initializing badger storage",
			zap.String("path", cfg.Path),
			zap.Int64("max_memory_mb", cfg.MaxMemoryMB),
		)
		store, err := badger.New(badger.Config{
			Path:        cfg.Path,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory", "":
		logger.Info("initializing in-memory storage")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// InitializeStorageMonitor measures the data directory for badger and the
// store's own size estimate otherwise.
func InitializeStorageMonitor(cfg config.StorageConfig, store storage.Storage) *monitor.StorageMonitor {
	limit := cfg.MaxStorageGB * 1024 * 1024 * 1024
	if cfg.Backend == "badger" {
		return monitor.NewStorageMonitor(cfg.Path, limit)
	}
	return monitor.NewUsageMonitor(func() (int64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), config.IngestStatsTimeout)
		defer cancel()
		stats, err := store.Stats(ctx)
		if err != nil {
			return 0, err
		}
		return int64(stats.SizeBytes), nil
	}, limit)
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(
	eng *engine.Engine,
	bus *notify.Bus,
	storageMonitor *monitor.StorageMonitor,
	cfg config.ServerConfig,
	logger *zap.Logger,
) (*ingest.Handler, *query.Handler, *ingest.StreamHub) {
	ingestHandler := ingest.NewHandler(eng, logger)
	ingestHandler.SetStorageChecker(storageMonitor)
	ingestHandler.SetMaxTicks(cfg.MaxTicksPerCall)

	queryHandler := query.NewHandler(eng, logger)
	hub := ingest.NewStreamHub(bus, eng, logger)

	return ingestHandler, queryHandler, hub
}

// Close releases the bus, external clients and storage.
func (s *Server) Close() error {
	s.Bus.Close()

	var errs []error
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka reader: %w", err))
		}
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis client: %w", err))
		}
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	return errors.Join(errs...)
}

// staleAfter gives the sweep a few missed intervals before health degrades
func staleAfter(cfg config.StorageConfig) time.Duration {
	return 5 * cfg.SweepInterval
}
