package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/caf/pkg/locator"
)

var (
	filesRuns  []uint
	filesPaths []string
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the raw data files of runs",
	Long: `Resolve the raw data files of the given runs through the configured
locator and print them as JSON keyed by run number.`,
	RunE: runFiles,
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.Flags().UintSliceVarP(&filesRuns, "runs", "r", nil, "Run number(s)")
	filesCmd.Flags().StringSliceVarP(&filesPaths, "paths", "p", nil,
		"Base paths to search instead of the configured ones")

	_ = filesCmd.MarkFlagRequired("runs")
}

func runFiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	runs, err := runNumbers(filesRuns)
	if err != nil {
		return err
	}

	locCfg := cfg.Locator
	if len(filesPaths) > 0 {
		locCfg.Paths = filesPaths
	}

	loc, err := locator.New(log, &locCfg)
	if err != nil {
		return fmt.Errorf("creating file locator: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	result := make(map[string][]string, len(runs))

	for _, run := range runs {
		files, err := loc.Files(ctx, run)
		if err != nil {
			return fmt.Errorf("locating files of run %d: %w", run, err)
		}

		if files == nil {
			files = []string{}
		}

		result[strconv.FormatUint(uint64(run), 10)] = files
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(result)
}

// runNumbers converts --runs values, rejecting ones that do not fit a run
// number.
func runNumbers(values []uint) ([]uint32, error) {
	if len(values) == 0 {
		return nil, errors.New("at least one run is required")
	}

	out := make([]uint32, 0, len(values))

	for _, v := range values {
		if uint64(v) > math.MaxUint32 {
			return nil, fmt.Errorf("run %d out of range", v)
		}

		out = append(out, uint32(v))
	}

	return out, nil
}
