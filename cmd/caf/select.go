package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/selection"
)

var (
	selectRun        uint32
	selectRunType    string
	selectPartitions []string
	selectRecording  bool
	selectCleanStop  bool
	selectMinEvents  int64
	selectWhere      []string
	selectSnapshots  []string
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Print the runs matching ad-hoc criteria",
	Long: `Select runs from the conditions database without touching the catalog.
Extra criteria are given as --where Field=value, Field__gt=value or
Field__in=[a,b]; values are parsed as YAML scalars or lists.`,
	RunE: runSelect,
}

func init() {
	rootCmd.AddCommand(selectCmd)
	selectCmd.Flags().Uint32VarP(&selectRun, "run", "r", 266000, "Run number to start from")
	selectCmd.Flags().StringVar(&selectRunType, "run-type", "cismono", "Run type")
	selectCmd.Flags().StringSliceVarP(&selectPartitions, "partitions", "p",
		[]string{"TileL1CaloCombined"}, "Partition names")
	selectCmd.Flags().BoolVar(&selectRecording, "recording-enabled", true, "Require recording enabled")
	selectCmd.Flags().BoolVar(&selectCleanStop, "clean-stop", true, "Require a clean stop")
	selectCmd.Flags().Int64Var(&selectMinEvents, "min-events", 0, "Minimum recorded events")
	selectCmd.Flags().StringArrayVar(&selectWhere, "where", nil,
		"Extra criterion as Field[__gt|__in]=value (repeatable)")
	selectCmd.Flags().StringSliceVar(&selectSnapshots, "snapshot", nil,
		"Read conditions from snapshot files instead of the database")
}

func runSelect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	listener := config.ListenerConfig{
		Name:          "select",
		RunType:       selectRunType,
		DAQPartitions: selectPartitions,
		MinEvents:     selectMinEvents,
		RecordingOnly: &selectRecording,
		CleanStop:     &selectCleanStop,
	}

	constraints, err := listener.Constraints()
	if err != nil {
		return err
	}

	extra, err := parseWhere(selectWhere)
	if err != nil {
		return err
	}

	constraints = append(constraints, extra...)

	ctx, cancel := signalContext()
	defer cancel()

	stores, err := openConditions(ctx, cfg, selectSnapshots)
	if err != nil {
		return err
	}
	defer stores.stop()

	runs, err := stores.selector(cfg).SelectRuns(ctx, selectRun, constraints)
	if err != nil {
		return fmt.Errorf("selecting runs: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(runs)
}

// parseWhere converts Field[__op]=value arguments into constraints.
func parseWhere(args []string) (selection.Constraints, error) {
	if len(args) == 0 {
		return nil, nil
	}

	raw := make(map[string]any, len(args))

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid criterion %q: must be Field=value", arg)
		}

		var decoded any
		if err := yaml.Unmarshal([]byte(value), &decoded); err != nil {
			return nil, fmt.Errorf("invalid value in criterion %q: %w", arg, err)
		}

		raw[key] = decoded
	}

	return selection.Parse(raw)
}
