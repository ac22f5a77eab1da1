package locator

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/caf/pkg/config"
)

// Locator resolves the raw data files of a run.
type Locator interface {
	// Files returns the full paths of every file recorded for the run,
	// searched under each configured base path in order. A run without
	// files yields an empty slice and no error.
	Files(ctx context.Context, run uint32) ([]string, error)
}

// New creates the Locator selected by cfg.Backend.
func New(log logrus.FieldLogger, cfg *config.LocatorConfig) (Locator, error) {
	switch cfg.Backend {
	case config.LocatorEOS:
		return NewEOS(log, cfg.EOS.Command, cfg.Paths), nil
	case config.LocatorLocal:
		return NewLocal(log, cfg.Paths), nil
	case config.LocatorS3:
		if cfg.S3 == nil {
			return nil, errors.New("s3 backend requires s3 settings")
		}

		return NewS3(log, cfg.S3, cfg.Paths), nil
	default:
		return nil, fmt.Errorf("unknown locator backend %q", cfg.Backend)
	}
}

// RunDir returns the directory holding the datasets of a run under base.
func RunDir(base string, run uint32) string {
	return path.Join(base, fmt.Sprintf("%08d", run))
}
