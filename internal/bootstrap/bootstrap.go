// Package bootstrap builds the pieces every binary shares from a Config.
package bootstrap

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"servicex/internal/config"
	"servicex/internal/coordinator"
	"servicex/internal/models"
	"servicex/internal/state"
	"servicex/internal/store"
)

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	return zc.Build()
}

// Stores holds the two collections and whatever must be closed with them.
type Stores struct {
	Requests store.Collection[models.Request]
	Paths    store.Collection[models.Path]
	closer   io.Closer
}

func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// OpenStores opens the configured backend. The memory backend is process-local
// and only useful for development.
func OpenStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Stores, error) {
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store, state is lost on restart")
		return &Stores{
			Requests: store.NewMemoryCollection[models.Request](),
			Paths:    store.NewMemoryCollection[models.Path](),
		}, nil

	case config.StoreDynamo:
		db, err := store.NewDynamoClient(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		log.Info("using dynamodb store",
			zap.String("region", cfg.AWSRegion),
			zap.String("endpoint", cfg.DynamoEndpoint),
			zap.String("requests_table", cfg.RequestsTable()),
			zap.String("paths_table", cfg.PathsTable()))
		return &Stores{
			Requests: store.NewDynamoCollection[models.Request](db, cfg.RequestsTable(), cfg.CounterRetries),
			Paths:    store.NewDynamoCollection[models.Path](db, cfg.PathsTable(), cfg.CounterRetries),
		}, nil

	case config.StorePostgres:
		db, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		requests, err := store.NewPostgresCollection[models.Request](ctx, db, cfg.RequestsTable(), cfg.CounterRetries)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		paths, err := store.NewPostgresCollection[models.Path](ctx, db, cfg.PathsTable(), cfg.CounterRetries)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("using postgres store")
		return &Stores{Requests: requests, Paths: paths, closer: db}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// NewCoordinator builds a Coordinator over s. pub may be nil.
func NewCoordinator(cfg *config.Config, s *Stores, pub state.Publisher, log *zap.Logger) (*coordinator.Coordinator, error) {
	return coordinator.New(s.Requests, s.Paths, coordinator.Config{
		Watermarks:     state.Watermarks{High: cfg.HighWatermark, Low: cfg.LowWatermark},
		Attempts:       cfg.CounterRetries,
		MaxPathRetries: cfg.MaxPathRetries,
		Publisher:      pub,
	}, log)
}
