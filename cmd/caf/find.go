package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/caf/pkg/catalog"
	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/locator"
	"github.com/ethpandaops/caf/pkg/runselect"
)

var (
	findListeners  []string
	findLowerBound uint32
	findRecreate   bool
	findDryRun     bool
	findSnapshots  []string
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Find calibration runs and record them in the catalog",
	Long: `For every enabled listener, select the matching runs from the conditions
database, resolve their raw files and record them in the catalog. Runs
without files are skipped.`,
	RunE: runFind,
}

func init() {
	rootCmd.AddCommand(findCmd)
	findCmd.Flags().StringSliceVar(&findListeners, "listener", nil,
		"Limit to listeners with these names (comma-separated or repeated flag)")
	findCmd.Flags().Uint32Var(&findLowerBound, "lower-bound", 0,
		"Override the first run number searched by every listener")
	findCmd.Flags().BoolVar(&findRecreate, "recreate", false,
		"Drop and recreate the catalog before searching")
	findCmd.Flags().BoolVar(&findDryRun, "dry-run", false,
		"Print the discovered runs without recording them")
	findCmd.Flags().StringSliceVar(&findSnapshots, "snapshot", nil,
		"Read conditions from snapshot files instead of the database")
}

// discovery is the per-listener output of the find command.
type discovery struct {
	Listener string                `json:"listener"`
	Runs     []runselect.RunRecord `json:"runs"`
	Skipped  []uint32              `json:"skipped,omitempty"`
}

func runFind(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	listeners := filterListeners(cfg.EnabledListeners(), findListeners)
	if len(listeners) == 0 {
		return errors.New("no enabled listeners match")
	}

	ctx, cancel := signalContext()
	defer cancel()

	stores, err := openConditions(ctx, cfg, findSnapshots)
	if err != nil {
		return err
	}
	defer stores.stop()

	loc, err := locator.New(log, &cfg.Locator)
	if err != nil {
		return fmt.Errorf("creating file locator: %w", err)
	}

	var cat catalog.Catalog

	if !findDryRun {
		cat, err = openCatalog(ctx, cfg)
		if err != nil {
			return err
		}

		defer func() {
			if err := cat.Stop(); err != nil {
				log.WithError(err).Warn("Failed to close catalog")
			}
		}()

		if findRecreate {
			if err := cat.Reset(ctx); err != nil {
				return err
			}
		}
	}

	selector := stores.selector(cfg)
	results := make([]discovery, 0, len(listeners))

	for i := range listeners {
		result, err := processListener(ctx, &listeners[i], selector, loc, cat)
		if err != nil {
			return fmt.Errorf("listener %q: %w", listeners[i].Name, err)
		}

		results = append(results, *result)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(results)
}

// processListener selects the runs of one listener and records those with
// files. A nil catalog only reports the runs.
func processListener(
	ctx context.Context,
	l *config.ListenerConfig,
	selector runselect.Selector,
	loc locator.Locator,
	cat catalog.Catalog,
) (*discovery, error) {
	constraints, err := l.Constraints()
	if err != nil {
		return nil, err
	}

	lowerBound := l.InitialRun
	if findLowerBound > 0 {
		lowerBound = findLowerBound
	}

	logger := log.WithFields(logrus.Fields{
		"listener":    l.Name,
		"lower_bound": lowerBound,
	})

	runs, err := selector.SelectRuns(ctx, lowerBound, constraints)
	if err != nil {
		return nil, fmt.Errorf("selecting runs: %w", err)
	}

	logger.WithField("runs", len(runs)).Info("Runs selected")

	result := &discovery{
		Listener: l.Name,
		Runs:     make([]runselect.RunRecord, 0, len(runs)),
	}

	for _, run := range runs {
		files, err := loc.Files(ctx, run.RunNumber)
		if err != nil {
			return nil, fmt.Errorf("locating files of run %d: %w", run.RunNumber, err)
		}

		if len(files) == 0 {
			logger.WithField("run", run.RunNumber).Warn("Could not find files for run")

			result.Skipped = append(result.Skipped, run.RunNumber)

			continue
		}

		if cat != nil {
			if err := cat.RecordDiscovery(ctx, l.Name, run, files); err != nil {
				return nil, err
			}
		}

		result.Runs = append(result.Runs, run)
	}

	return result, nil
}

func filterListeners(listeners []config.ListenerConfig, names []string) []config.ListenerConfig {
	if len(names) == 0 {
		return listeners
	}

	out := make([]config.ListenerConfig, 0, len(listeners))

	for _, l := range listeners {
		if slices.Contains(names, l.Name) {
			out = append(out, l)
		}
	}

	return out
}
