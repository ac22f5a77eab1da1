package locator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentListings bounds the eos processes run at once.
const maxConcurrentListings = 4

// Compile-time interface check.
var _ Locator = (*eosLocator)(nil)

type eosLocator struct {
	log     logrus.FieldLogger
	command string
	paths   []string
}

// NewEOS creates a Locator listing files through the EOS command-line
// client.
func NewEOS(log logrus.FieldLogger, command string, paths []string) Locator {
	return &eosLocator{
		log:     log.WithField("component", "locator-eos"),
		command: command,
		paths:   paths,
	}
}

// Files implements Locator. Base paths are listed concurrently; the result
// keeps the configured path order.
func (l *eosLocator) Files(ctx context.Context, run uint32) ([]string, error) {
	perPath := make([][]string, len(l.paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentListings)

	for i, base := range l.paths {
		i, base := i, base
		g.Go(func() error {
			files, err := l.filesUnder(gctx, RunDir(base, run))
			if err != nil {
				return err
			}

			perPath[i] = files

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var files []string
	for _, f := range perPath {
		files = append(files, f...)
	}

	l.log.WithFields(logrus.Fields{
		"run":   run,
		"files": len(files),
	}).Debug("Located run files")

	return files, nil
}

// filesUnder lists <runDir>/<dataset>/<file>. A run directory that cannot
// be listed holds no files for the run.
func (l *eosLocator) filesUnder(ctx context.Context, runDir string) ([]string, error) {
	datasets, err := l.list(ctx, runDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		l.log.WithError(err).WithField("path", runDir).Debug("Run directory not listed")

		return nil, nil
	}

	var files []string

	for _, dataset := range datasets {
		datasetDir := path.Join(runDir, dataset)

		names, err := l.list(ctx, datasetDir)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", datasetDir, err)
		}

		for _, name := range names {
			files = append(files, path.Join(datasetDir, name))
		}
	}

	return files, nil
}

// list runs "eos ls" on dir and returns the non-empty output lines.
func (l *eosLocator) list(ctx context.Context, dir string) ([]string, error) {
	//nolint:gosec // Command args are controlled by the application.
	cmd := exec.CommandContext(ctx, l.command, "ls", dir)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("eos ls: %w (stderr: %s)", err,
				strings.TrimSpace(string(exitErr.Stderr)))
		}

		return nil, fmt.Errorf("eos ls: %w", err)
	}

	var names []string

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			names = append(names, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading eos ls output: %w", err)
	}

	return names, nil
}
