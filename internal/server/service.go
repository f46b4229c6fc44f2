// Package server exposes the engine over HTTP and manages index lifecycle
// from the loaded configuration.
package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/summa-search/summa/internal/config"
	"github.com/summa-search/summa/internal/consumer"
	"github.com/summa-search/summa/internal/holder"
	"github.com/summa-search/summa/internal/registry"
	"github.com/summa-search/summa/internal/schema"
)

// Service owns the registry, per-index updaters and their consumers.
type Service struct {
	cfg      *config.Server
	registry *registry.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	updaters map[string]*holder.Updater
}

// NewService opens every configured index, restores aliases and attaches
// configured consumers. Indices that fail to open are logged and skipped
// so one corrupt index does not take the server down.
func NewService(cfg *config.Server, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:      cfg,
		registry: registry.New(logger),
		updaters: make(map[string]*holder.Updater),
		logger:   logger,
	}

	for name, engine := range cfg.Core.Indices {
		h, err := holder.Open(name, engine, s.holderOptions())
		if err != nil {
			logger.Error("failed to open index", zap.String("index_name", name), zap.Error(err))
			continue
		}
		if err := s.install(h); err != nil {
			return nil, err
		}
		logger.Info("index loaded", zap.String("index_name", name))
	}
	for alias, target := range cfg.Core.Aliases {
		if err := s.registry.SetAlias(alias, target); err != nil {
			logger.Warn("skipping alias", zap.String("alias", alias), zap.Error(err))
		}
	}
	for name, kafkaConfig := range cfg.Consumers {
		if err := s.attachConsumer(context.Background(), name, kafkaConfig); err != nil {
			logger.Error("failed to attach consumer", zap.String("consumer_name", name), zap.Error(err))
		}
	}
	return s, nil
}

func (s *Service) holderOptions() holder.Options {
	return holder.Options{Core: s.cfg.Core, Logger: s.logger}
}

func (s *Service) install(h *holder.Holder) error {
	if err := s.registry.Add(h); err != nil {
		return err
	}
	s.mu.Lock()
	s.updaters[h.Name()] = holder.NewUpdater(h, s.cfg.Core.AutocommitIntervalMs, s.logger)
	s.mu.Unlock()
	return nil
}

// Registry exposes the index registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Updater returns the updater of a named index.
func (s *Service) Updater(name string) (*holder.Updater, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updater, ok := s.updaters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", registry.ErrMissingIndex, name)
	}
	return updater, nil
}

// CreateIndex creates a file-backed index under the data path (or a
// memory index when persistent is false) and registers it.
func (s *Service) CreateIndex(name string, fields []schema.FieldDef, attrs schema.Attributes, persistent bool) (*holder.Holder, error) {
	indexSchema, err := schema.NewSchema(fields)
	if err != nil {
		return nil, err
	}
	var engine config.IndexEngineConfig
	if persistent {
		engine = config.IndexEngineConfig{File: &config.FileEngineConfig{
			Path: filepath.Join(s.cfg.DataPath, name),
		}}
	} else {
		engine = config.IndexEngineConfig{Memory: &config.MemoryEngineConfig{Schema: fields}}
	}

	h, err := holder.Create(name, engine, indexSchema, attrs, s.holderOptions())
	if err != nil {
		return nil, err
	}
	if err := s.install(h); err != nil {
		return nil, err
	}
	s.cfg.Core.Indices[name] = engine
	s.logger.Info("index created", zap.String("index_name", name))
	return h, nil
}

// DeleteIndex stops ingestion, removes the index from the registry and
// deletes its storage.
func (s *Service) DeleteIndex(ctx context.Context, name string) error {
	h, err := s.registry.Delete(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	updater, ok := s.updaters[name]
	delete(s.updaters, name)
	delete(s.cfg.Core.Indices, name)
	s.mu.Unlock()
	if ok {
		if err := updater.Stop(ctx); err != nil {
			s.logger.Warn("updater stop failed during delete", zap.Error(err))
		}
	}
	return h.Delete()
}

// attachConsumer builds a Kafka source and binds it to the index updater.
func (s *Service) attachConsumer(ctx context.Context, name string, kafkaConfig consumer.KafkaConfig) error {
	updater, err := s.Updater(kafkaConfig.IndexName)
	if err != nil {
		return err
	}
	source, err := consumer.NewKafkaSource(name, kafkaConfig, s.logger)
	if err != nil {
		return err
	}
	thread := consumer.NewThread(source, s.logger)
	if err := thread.OnCreate(ctx); err != nil {
		s.logger.Warn("consumer on-create failed", zap.String("consumer_name", name), zap.Error(err))
	}
	return updater.AttachConsumer(thread)
}

// CreateConsumer validates and attaches a consumer at runtime.
func (s *Service) CreateConsumer(ctx context.Context, name string, kafkaConfig consumer.KafkaConfig) error {
	if err := kafkaConfig.Validate(); err != nil {
		return err
	}
	return s.attachConsumer(ctx, name, kafkaConfig)
}

// DeleteConsumer detaches a consumer from whichever index it feeds.
func (s *Service) DeleteConsumer(ctx context.Context, name string) error {
	s.mu.Lock()
	updaters := make([]*holder.Updater, 0, len(s.updaters))
	for _, updater := range s.updaters {
		updaters = append(updaters, updater)
	}
	s.mu.Unlock()
	for _, updater := range updaters {
		for _, attached := range updater.Consumers() {
			if attached == name {
				return updater.DeleteConsumer(ctx, name)
			}
		}
	}
	return fmt.Errorf("%w: %q", holder.ErrMissingConsumer, name)
}

// Stop shuts down every updater with a final commit.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	updaters := make(map[string]*holder.Updater, len(s.updaters))
	for name, updater := range s.updaters {
		updaters[name] = updater
	}
	s.mu.Unlock()
	var firstErr error
	for name, updater := range updaters {
		if err := updater.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop updater %q: %w", name, err)
		}
	}
	return firstErr
}
