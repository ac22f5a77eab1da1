package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/caf/pkg/api"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the catalog API server",
	Long:  `Serve the run catalog as a read-only JSON API.`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.API == nil {
		return errors.New("api section is required in config")
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

	srv := api.NewServer(log, cfg.API, cat)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
