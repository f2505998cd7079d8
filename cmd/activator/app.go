package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/DotmacTech/isp-management-main-sub004/internal/activation"
	"github.com/DotmacTech/isp-management-main-sub004/internal/api"
	"github.com/DotmacTech/isp-management-main-sub004/internal/config"
	"github.com/DotmacTech/isp-management-main-sub004/internal/database"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/activities"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/memstore"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/workflows"
	"github.com/DotmacTech/isp-management-main-sub004/internal/provisioning"
)

// app is the wired process: store, engine and activation service.
// db is nil when running on the memory driver.
type app struct {
	cfg     *config.Settings
	db      *sqlx.DB
	engine  *flowengine.Engine
	service *activation.Service
}

// openStore returns the activation store for the configured driver.
func openStore(ctx context.Context, cfg *config.Settings) (flowengine.Store, *sqlx.DB, error) {
	if cfg.DatabaseDriver == database.DriverMemory {
		store, err := memstore.New()
		if err != nil {
			return nil, nil, err
		}
		log.Warn().Msg("Using in-memory store, activations are lost on exit")
		return store, nil, nil
	}

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		database.Close(db)
		return nil, nil, err
	}
	return flowengine.NewSQLStore(db), db, nil
}

func newApp(ctx context.Context, cfg *config.Settings) (*app, error) {
	store, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	catalog := workflows.NewCatalog()
	if cfg.WorkflowsFile != "" {
		catalog, err = workflows.LoadFile(cfg.WorkflowsFile)
		if err != nil {
			database.Close(db)
			return nil, err
		}
		log.Info().
			Str("file", cfg.WorkflowsFile).
			Strs("service_types", catalog.ServiceTypes()).
			Msg("Loaded workflow catalog")
	}

	collab := provisioning.StubCollaborators()
	if cfg.GatewayURL != "" {
		collab = provisioning.NewGateway(cfg.GatewayURL, cfg.GatewayTimeout).Collaborators()
		log.Info().Str("url", cfg.GatewayURL).Msg("Using provisioning gateway")
	} else {
		log.Warn().Msg("No provisioning gateway configured, using stub collaborators")
	}

	registry := activities.Register(flowengine.NewRegistryBuilder(), activities.NewHandlers(collab)).Build()
	prereqs := activation.EligibilityGate(collab.Eligibility)
	engine := flowengine.NewEngine(store, registry, cfg.EngineConfig(),
		flowengine.WithPrerequisiteChecker(prereqs),
		flowengine.WithPaymentVerifier(activation.PaymentGate(collab.Billing)),
	)

	return &app{
		cfg:     cfg,
		db:      db,
		engine:  engine,
		service: activation.NewService(store, engine, catalog, prereqs, collab.Notifier),
	}, nil
}

// pinger returns the database for health checks, or nil on the memory driver.
func (a *app) pinger() api.Pinger {
	if a.db == nil {
		return nil
	}
	return a.db
}

func (a *app) Close() error {
	if err := database.Close(a.db); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
