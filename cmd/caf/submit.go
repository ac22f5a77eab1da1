package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/caf/pkg/catalog"
	"github.com/ethpandaops/caf/pkg/launcher"
)

var (
	submitBackend  string
	submitAnalysis string
	submitQuiet    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [folder...]",
	Short: "Run prepared jobs",
	Long: `Run the launcher script of the given job folders. Without folders, every
PREPARED job in the catalog (optionally of one analysis) is run and its
status updated to SUBMITTED, then DONE or FAILED.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVarP(&submitBackend, "type", "t", "",
		"Submit engine: local or bsub (defaults to jobs.backend)")
	submitCmd.Flags().StringVarP(&submitAnalysis, "analysis", "a", "",
		"Only submit jobs of this analysis")
	submitCmd.Flags().BoolVarP(&submitQuiet, "quiet", "q", false,
		"Do not stream job output to the console")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend := cfg.Jobs.Backend
	if submitBackend != "" {
		backend = submitBackend
	}

	var console io.Writer
	if !submitQuiet {
		console = os.Stdout
	}

	l, err := launcher.New(log, backend, console)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if len(args) > 0 {
		for _, folder := range args {
			if _, err := l.Submit(ctx, folder); err != nil {
				return err
			}
		}

		return nil
	}

	cat, err := openCatalog(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := cat.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close catalog")
		}
	}()

	return submitPrepared(ctx, cat, l, submitAnalysis)
}

// submitPrepared runs every PREPARED job and records the outcome. It keeps
// going after a failed job and reports the number of failures.
func submitPrepared(
	ctx context.Context,
	cat catalog.Catalog,
	l launcher.Launcher,
	analysis string,
) error {
	jobs, err := cat.ListJobs(ctx, catalog.JobFilter{
		Analysis: analysis,
		Status:   catalog.JobStatusPrepared,
	})
	if err != nil {
		return err
	}

	failed := 0

	for _, job := range jobs {
		logger := log.WithFields(logrus.Fields{
			"job":      job.ID,
			"analysis": job.Analysis,
			"folder":   job.Folder,
		})

		if err := cat.SetJobStatus(ctx, job.ID, catalog.JobStatusSubmitted); err != nil {
			return err
		}

		status := catalog.JobStatusDone

		if _, err := l.Submit(ctx, job.Folder); err != nil {
			logger.WithError(err).Error("Job failed")

			status = catalog.JobStatusFailed
			failed++
		}

		if err := cat.SetJobStatus(context.WithoutCancel(ctx), job.ID, status); err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
	}

	if len(jobs) == 0 {
		log.Info("No prepared jobs to submit")
	}

	return nil
}
