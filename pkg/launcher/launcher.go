package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/caf/pkg/jobopts"
)

// LogFile is the file in the job folder receiving the launcher output.
const LogFile = "log.out"

// Backend names.
const (
	BackendLocal = "local"
	BackendBsub  = "bsub"
)

// ErrUnsupportedBackend is returned for job backends that are not
// implemented.
var ErrUnsupportedBackend = errors.New("unsupported launcher backend")

// Launcher runs prepared job folders.
type Launcher interface {
	// Submit runs the launcher script of folder and blocks until it exits.
	Submit(ctx context.Context, folder string) (*Result, error)
}

// Result describes a finished job.
type Result struct {
	Folder   string
	LogFile  string
	Duration time.Duration
	LogBytes int64
}

// New creates the Launcher for backend. Console receives the job output
// line by line, prefixed with the folder name; nil disables it.
func New(log logrus.FieldLogger, backend string, console io.Writer) (Launcher, error) {
	switch backend {
	case "", BackendLocal:
		return &localLauncher{
			log:     log.WithField("component", "launcher"),
			console: console,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
}

// Compile-time interface check.
var _ Launcher = (*localLauncher)(nil)

type localLauncher struct {
	log     logrus.FieldLogger
	console io.Writer
}

// Submit implements Launcher.
func (l *localLauncher) Submit(ctx context.Context, folder string) (*Result, error) {
	dir, err := filepath.Abs(folder)
	if err != nil {
		return nil, fmt.Errorf("resolving job folder: %w", err)
	}

	script := filepath.Join(dir, jobopts.LauncherFile)
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("checking launcher script: %w", err)
	}

	logPath := filepath.Join(dir, LogFile)

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating job log: %w", err)
	}
	defer logFile.Close()

	var (
		out     io.Writer = logFile
		console *prefixedWriter
	)

	if l.console != nil {
		console = &prefixedWriter{
			prefix: fmt.Sprintf("[%s] ", filepath.Base(dir)),
			writer: l.console,
		}
		out = io.MultiWriter(logFile, console)
	}

	log := l.log.WithField("folder", dir)
	log.Info("Starting job")

	//nolint:gosec // Script path is derived from the job folder.
	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if console != nil {
		if err := console.Flush(); err != nil {
			log.WithError(err).Warn("Failed to flush console output")
		}
	}

	result := &Result{
		Folder:   dir,
		LogFile:  logPath,
		Duration: elapsed,
	}

	if info, err := logFile.Stat(); err == nil {
		result.LogBytes = info.Size()
	}

	fields := logrus.Fields{
		"duration": units.HumanDuration(elapsed),
		"log_size": units.HumanSize(float64(result.LogBytes)),
	}

	if runErr != nil {
		log.WithFields(fields).WithError(runErr).Error("Job failed")

		return result, fmt.Errorf("running %s: %w", script, runErr)
	}

	log.WithFields(fields).Info("Job finished")

	return result, nil
}
