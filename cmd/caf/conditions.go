package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/caf/pkg/conditions"
)

var conditionsCmd = &cobra.Command{
	Use:   "conditions",
	Short: "Manage the conditions database",
}

var conditionsImportCmd = &cobra.Command{
	Use:   "import <snapshot>...",
	Short: "Import conditions snapshot files",
	Long: `Load YAML or JSON conditions snapshots into the configured conditions
databases. Gain strategy objects go to the trigger database when one is
configured. Objects with an existing folder, channel and since are replaced.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConditionsImport,
}

func init() {
	rootCmd.AddCommand(conditionsCmd)
	conditionsCmd.AddCommand(conditionsImportCmd)
}

func runConditionsImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.ValidateConditions(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	tdaq := conditions.NewSQLStore(log, &cfg.Conditions.TDAQ)
	if err := tdaq.Start(ctx); err != nil {
		return fmt.Errorf("starting tdaq conditions store: %w", err)
	}
	defer func() { _ = tdaq.Stop() }()

	trigger := tdaq

	if triggerCfg := cfg.Conditions.TriggerDatabase(); triggerCfg != &cfg.Conditions.TDAQ {
		trigger = conditions.NewSQLStore(log, triggerCfg)
		if err := trigger.Start(ctx); err != nil {
			return fmt.Errorf("starting trigger conditions store: %w", err)
		}
		defer func() { _ = trigger.Stop() }()
	}

	gainFolder := cfg.Conditions.Folders.GainStrategy

	for _, path := range args {
		snap, err := conditions.LoadSnapshotFile(path)
		if err != nil {
			return err
		}

		objs, err := snap.Objects()
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", path, err)
		}

		var runObjs, gainObjs []conditions.Object

		for _, obj := range objs {
			if obj.Folder == gainFolder {
				gainObjs = append(gainObjs, obj)
			} else {
				runObjs = append(runObjs, obj)
			}
		}

		if err := tdaq.Put(ctx, runObjs...); err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}

		if err := trigger.Put(ctx, gainObjs...); err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}

		log.WithFields(logrus.Fields{
			"file":    path,
			"objects": len(runObjs),
			"gains":   len(gainObjs),
		}).Info("Snapshot imported")
	}

	return nil
}
