package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/caf/pkg/catalog"
	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/jobopts"
)

var (
	prepareAnalyses []string
	prepareRun      uint32
	prepareOutput   string
	prepareFiles    []string
	prepareDryRun   bool
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Prepare job folders for catalogued runs",
	Long: `Render the job options and launcher script of every configured analysis
for each catalogued run that has no job for it yet, and record the jobs as
PREPARED. With --files, a single job folder is rendered for --run without
using the catalog.`,
	RunE: runPrepare,
}

func init() {
	rootCmd.AddCommand(prepareCmd)
	prepareCmd.Flags().StringSliceVarP(&prepareAnalyses, "analysis", "a", nil,
		"Limit to these analyses (comma-separated or repeated flag)")
	prepareCmd.Flags().Uint32VarP(&prepareRun, "run", "r", 0, "Prepare only the selected run")
	prepareCmd.Flags().StringVarP(&prepareOutput, "output", "o", "",
		"Output directory (defaults to jobs.output_dir)")
	prepareCmd.Flags().StringSliceVarP(&prepareFiles, "files", "f", nil,
		"Input files; renders one folder for --run without the catalog")
	prepareCmd.Flags().BoolVarP(&prepareDryRun, "dry-run", "d", false,
		"Render job folders without recording jobs in the catalog")
}

func runPrepare(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	analyses, err := selectAnalyses(cfg, prepareAnalyses)
	if err != nil {
		return err
	}

	outputDir := cfg.Jobs.OutputDir
	if prepareOutput != "" {
		outputDir = prepareOutput
	}

	if len(prepareFiles) > 0 {
		if prepareRun == 0 || len(analyses) != 1 {
			return errors.New("--files requires --run and exactly one analysis")
		}

		res, err := jobopts.Render(
			jobOptions(cfg, &analyses[0]),
			prepareFiles,
			jobFolder(outputDir, analyses[0].Name, prepareRun),
		)
		if err != nil {
			return err
		}

		log.WithField("folder", res.Folder).Info("Job prepared")

		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()

	cat, err := openCatalog(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if err := cat.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close catalog")
		}
	}()

	for i := range analyses {
		if err := prepareAnalysis(ctx, cfg, cat, &analyses[i], outputDir); err != nil {
			return fmt.Errorf("analysis %q: %w", analyses[i].Name, err)
		}
	}

	return nil
}

// prepareAnalysis renders a job folder for each run without a job of the
// analysis.
func prepareAnalysis(
	ctx context.Context,
	cfg *config.Config,
	cat catalog.Catalog,
	analysis *config.AnalysisConfig,
	outputDir string,
) error {
	runs, err := cat.RunsWithoutJob(ctx, analysis.Name)
	if err != nil {
		return err
	}

	prepared := 0

	for _, run := range runs {
		if prepareRun != 0 && run.RunNumber != prepareRun {
			continue
		}

		files := make([]string, 0, len(run.Files))
		for _, f := range run.Files {
			files = append(files, f.Name)
		}

		folder := jobFolder(outputDir, analysis.Name, run.RunNumber)
		logger := log.WithFields(logrus.Fields{
			"analysis": analysis.Name,
			"run":      run.RunNumber,
		})

		if prepareDryRun {
			if _, err := jobopts.Render(jobOptions(cfg, analysis), files, folder); err != nil {
				return err
			}

			logger.WithField("folder", folder).Info("Job rendered (dry run)")

			prepared++

			continue
		}

		job, err := cat.CreateJob(ctx, run.RunNumber, analysis.Name, folder)
		if err != nil {
			return err
		}

		if _, err := jobopts.Render(jobOptions(cfg, analysis), files, folder); err != nil {
			if serr := cat.SetJobStatus(ctx, job.ID, catalog.JobStatusFailed); serr != nil {
				logger.WithError(serr).Warn("Failed to mark job as failed")
			}

			return err
		}

		if err := cat.SetJobStatus(ctx, job.ID, catalog.JobStatusPrepared); err != nil {
			return err
		}

		logger.WithField("folder", folder).Info("Job prepared")

		prepared++
	}

	log.WithFields(logrus.Fields{
		"analysis": analysis.Name,
		"jobs":     prepared,
	}).Info("Analysis prepared")

	return nil
}

func selectAnalyses(cfg *config.Config, names []string) ([]config.AnalysisConfig, error) {
	if len(cfg.Analyses) == 0 {
		return nil, errors.New("no analyses configured")
	}

	if len(names) == 0 {
		return cfg.Analyses, nil
	}

	out := make([]config.AnalysisConfig, 0, len(names))

	for _, name := range names {
		a, ok := cfg.GetAnalysis(name)
		if !ok {
			return nil, fmt.Errorf("unknown analysis %q", name)
		}

		if !slices.ContainsFunc(out, func(x config.AnalysisConfig) bool { return x.Name == name }) {
			out = append(out, *a)
		}
	}

	return out, nil
}

func jobOptions(cfg *config.Config, analysis *config.AnalysisConfig) jobopts.Options {
	return jobopts.Options{
		TemplateDir: cfg.Jobs.TemplateDir,
		Template:    analysis.Template,
		PostExec:    analysis.PostExec,
		ASetup:      analysis.ASetup,
		FilePrefix:  cfg.Jobs.FilePrefix,
	}
}

func jobFolder(outputDir, analysis string, run uint32) string {
	return filepath.Join(outputDir, analysis, fmt.Sprintf("%08d", run))
}
