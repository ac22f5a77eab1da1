package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/caf/pkg/catalog"
	"github.com/ethpandaops/caf/pkg/conditions"
	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/runselect"
)

// conditionsStores holds the run folders store and the gain strategy
// store, which may be the same.
type conditionsStores struct {
	tdaq    conditions.Store
	trigger conditions.Store
	stops   []func() error
}

func (c *conditionsStores) stop() {
	for _, stop := range c.stops {
		if err := stop(); err != nil {
			log.WithError(err).Warn("Failed to close conditions store")
		}
	}
}

// openConditions connects to the configured conditions databases, or
// loads snapshot files into memory when any are given.
func openConditions(
	ctx context.Context, cfg *config.Config, snapshots []string,
) (*conditionsStores, error) {
	if len(snapshots) > 0 {
		mem := conditions.NewMemoryStore()

		for _, path := range snapshots {
			snap, err := conditions.LoadSnapshotFile(path)
			if err != nil {
				return nil, err
			}

			objs, err := snap.Objects()
			if err != nil {
				return nil, fmt.Errorf("snapshot %s: %w", path, err)
			}

			mem.Put(objs...)
		}

		return &conditionsStores{tdaq: mem, trigger: mem}, nil
	}

	if err := cfg.ValidateConditions(); err != nil {
		return nil, err
	}

	stores := &conditionsStores{}

	tdaq := conditions.NewSQLStore(log, &cfg.Conditions.TDAQ)
	if err := tdaq.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting tdaq conditions store: %w", err)
	}

	stores.tdaq = tdaq
	stores.trigger = tdaq
	stores.stops = append(stores.stops, tdaq.Stop)

	if triggerCfg := cfg.Conditions.TriggerDatabase(); triggerCfg != &cfg.Conditions.TDAQ {
		trigger := conditions.NewSQLStore(log, triggerCfg)
		if err := trigger.Start(ctx); err != nil {
			stores.stop()

			return nil, fmt.Errorf("starting trigger conditions store: %w", err)
		}

		stores.trigger = trigger
		stores.stops = append(stores.stops, trigger.Stop)
	}

	return stores, nil
}

func (c *conditionsStores) selector(cfg *config.Config) runselect.Selector {
	return runselect.NewSelector(log, c.tdaq, c.trigger, &cfg.Conditions)
}

// openCatalog starts the run catalog.
func openCatalog(ctx context.Context, cfg *config.Config) (catalog.Catalog, error) {
	cat := catalog.NewCatalog(log, &cfg.Catalog.Database)
	if err := cat.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting catalog: %w", err)
	}

	return cat, nil
}
