package locator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Locator = (*localLocator)(nil)

type localLocator struct {
	log   logrus.FieldLogger
	paths []string
}

// NewLocal creates a Locator reading a mounted directory tree with the
// same layout as EOS.
func NewLocal(log logrus.FieldLogger, paths []string) Locator {
	return &localLocator{
		log:   log.WithField("component", "locator-local"),
		paths: paths,
	}
}

// Files implements Locator.
func (l *localLocator) Files(ctx context.Context, run uint32) ([]string, error) {
	var files []string

	for _, base := range l.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		runDir := filepath.Join(base, fmt.Sprintf("%08d", run))

		datasets, err := os.ReadDir(runDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, fmt.Errorf("reading %s: %w", runDir, err)
		}

		for _, dataset := range datasets {
			if !dataset.IsDir() {
				continue
			}

			datasetDir := filepath.Join(runDir, dataset.Name())

			entries, err := os.ReadDir(datasetDir)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", datasetDir, err)
			}

			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}

				files = append(files, filepath.Join(datasetDir, entry.Name()))
			}
		}
	}

	l.log.WithFields(logrus.Fields{
		"run":   run,
		"files": len(files),
	}).Debug("Located run files")

	return files, nil
}
