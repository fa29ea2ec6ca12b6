package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/database"
	"github.com/kadirpekel/geoassist/pkg/docstore"
	"github.com/kadirpekel/geoassist/pkg/embedders"
	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/observability"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
	"github.com/kadirpekel/geoassist/pkg/tables"
	"github.com/kadirpekel/geoassist/pkg/tools"
	"github.com/kadirpekel/geoassist/pkg/utils"
	"github.com/kadirpekel/geoassist/pkg/vectordb"
)

// services holds everything a running command needs: database access, the
// table catalog, document stores, LLM providers, and telemetry. Build with
// buildServices and release with Close.
type services struct {
	runner      *sqltemplate.Runner
	registry    *tables.Registry
	fields      *docstore.FieldDefinitionStore
	info        *docstore.SupplementalInfoStore
	llms        *llms.Registry
	chat        llms.Provider
	parsing     llms.Provider
	embedder    embedders.Embedder
	toolsets    []*tools.Toolset
	counter     *utils.TokenCounter
	tracer      *observability.Tracer
	closeStores func()
	dbOpened    bool
	log         *slog.Logger
}

// buildServices wires the full service graph from configuration. On error,
// anything already built is released before returning.
func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	s := &services{log: logger.With("bootstrap")}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	tracer, err := observability.InitTracing(ctx, cfg.Observability.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.tracer = tracer

	db, err := database.Connect(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	s.dbOpened = true

	var runnerOpts []sqltemplate.Option
	if cfg.SQL.TemplatesDir != "" {
		runnerOpts = append(runnerOpts, sqltemplate.WithOverrideDir(cfg.SQL.TemplatesDir))
	}
	runner, err := sqltemplate.NewRunner(db, runnerOpts...)
	if err != nil {
		return nil, err
	}
	s.runner = runner
	if cfg.SQL.Watch {
		if err := runner.Watch(); err != nil {
			s.log.Warn("Template watching unavailable", "error", err)
		}
	}

	s.registry = tables.NewRegistry(runner, tables.Config{
		TileservURL:    cfg.Tileserv.URL,
		BaseSchema:     cfg.Database.BaseSchema,
		GeometryColumn: cfg.Map.GeometryColumn,
		Timeout:        cfg.Tileserv.Timeout.Duration(),
	})
	if err := s.registry.Sync(ctx); err != nil {
		s.log.Warn("Initial table sync failed, starting with an empty catalog", "error", err)
	}

	embedder, err := embedders.New(&cfg.Embedder)
	if err != nil {
		return nil, err
	}
	s.embedder = embedder

	s.fields, s.info, s.closeStores, err = buildStores(ctx, cfg, embedder)
	if err != nil {
		return nil, err
	}

	s.llms = llms.NewRegistry()
	s.chat, err = s.llms.CreateFromConfig("chat", &cfg.LLM, cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	s.parsing, err = s.llms.CreateFromConfig("parsing", &cfg.LLM, cfg.LLM.ParsingModelName())
	if err != nil {
		return nil, err
	}

	s.toolsets, err = tools.FromConfig(cfg.Tools)
	if err != nil {
		return nil, err
	}

	if counter, err := utils.NewTokenCounter(cfg.LLM.Model); err != nil {
		s.log.Warn("Token counting unavailable, history trimming disabled", "error", err)
	} else {
		s.counter = counter
	}

	ok = true
	return s, nil
}

// buildStores opens the two vector indexes and wraps them in document
// stores. The returned closer releases the indexes; the stores themselves
// hold no other resources.
func buildStores(ctx context.Context, cfg *config.Config, embedder embedders.Embedder) (*docstore.FieldDefinitionStore, *docstore.SupplementalInfoStore, func(), error) {
	log := logger.With("bootstrap")

	fieldsPath := docstore.Config{Root: cfg.Stores.Root, Name: docstore.FieldDefinitionsName, Version: cfg.Stores.FieldDefsVersion}.Path()
	fieldsIndex, err := vectordb.New(&cfg.VectorStore, fieldsPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open field definition index: %w", err)
	}

	infoPath := docstore.Config{Root: cfg.Stores.Root, Name: docstore.SupplementalInfoName, Version: cfg.Stores.InfoVersion}.Path()
	infoIndex, err := vectordb.New(&cfg.VectorStore, infoPath)
	if err != nil {
		_ = fieldsIndex.Close()
		return nil, nil, nil, fmt.Errorf("failed to open supplemental info index: %w", err)
	}

	closer := func() {
		if err := fieldsIndex.Close(); err != nil {
			log.Warn("Failed to close field definition index", "error", err)
		}
		if err := infoIndex.Close(); err != nil {
			log.Warn("Failed to close supplemental info index", "error", err)
		}
	}

	fields, err := docstore.NewFieldDefinitionStore(ctx, cfg.Stores.Root, cfg.Stores.FieldDefsVersion, fieldsIndex, embedder)
	if err != nil {
		closer()
		return nil, nil, nil, err
	}
	info, err := docstore.NewSupplementalInfoStore(ctx, cfg.Stores.Root, cfg.Stores.InfoVersion, infoIndex, embedder)
	if err != nil {
		closer()
		return nil, nil, nil, err
	}
	return fields, info, closer, nil
}

// Close releases services in reverse dependency order. Safe to call on a
// partially built value.
func (s *services) Close() {
	for _, ts := range s.toolsets {
		if err := ts.Close(); err != nil {
			s.log.Warn("Failed to close toolset", "toolset", ts.Name(), "error", err)
		}
	}
	if s.llms != nil {
		if err := s.llms.Close(); err != nil {
			s.log.Warn("Failed to close LLM providers", "error", err)
		}
	}
	if s.embedder != nil {
		if err := s.embedder.Close(); err != nil {
			s.log.Warn("Failed to close embedder", "error", err)
		}
	}
	if s.closeStores != nil {
		s.closeStores()
	}
	if s.runner != nil {
		if err := s.runner.Close(); err != nil {
			s.log.Warn("Failed to close template runner", "error", err)
		}
	}
	if s.dbOpened {
		if err := database.CloseAll(); err != nil {
			s.log.Warn("Failed to close database pools", "error", err)
		}
	}
	if s.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.log.Warn("Failed to flush traces", "error", err)
		}
	}
}
