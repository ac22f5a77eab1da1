package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ethpandaops/caf/pkg/config"
	"github.com/ethpandaops/caf/pkg/database"
	"github.com/ethpandaops/caf/pkg/runselect"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// RunFilter narrows ListRuns.
type RunFilter struct {
	Listener string
	RunType  string
	MinRun   uint32
	Limit    int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Analysis string
	Status   string
}

// Catalog persists discovered runs, their files and the listeners that
// found them. Create operations are idempotent: uniqueness is enforced by
// the database, so concurrent callers cannot create duplicates.
type Catalog interface {
	Start(ctx context.Context) error
	Stop() error
	// Reset drops and recreates every catalog table.
	Reset(ctx context.Context) error

	// Discovery.
	EnsureListener(ctx context.Context, name string) (*Listener, error)
	EnsureRun(
		ctx context.Context, rec runselect.RunRecord, files []string,
	) (*Run, bool, error)
	Link(ctx context.Context, listener *Listener, run *Run) error
	RecordDiscovery(
		ctx context.Context,
		listenerName string,
		rec runselect.RunRecord,
		files []string,
	) error

	// Reads.
	GetRun(ctx context.Context, runNumber uint32) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	ListListeners(ctx context.Context) ([]Listener, error)
	ListFiles(ctx context.Context, runNumber uint32) ([]File, error)
	RunsForListener(ctx context.Context, name string) ([]Run, error)

	// Jobs.
	CreateJob(
		ctx context.Context, runNumber uint32, analysis, folder string,
	) (*Job, error)
	GetJob(ctx context.Context, id uint) (*Job, error)
	SetJobStatus(ctx context.Context, id uint, status string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	RunsWithoutJob(ctx context.Context, analysis string) ([]Run, error)
}

// Compile-time interface check.
var _ Catalog = (*catalog)(nil)

type catalog struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewCatalog creates a Catalog backed by the configured database driver.
func NewCatalog(log logrus.FieldLogger, cfg *config.DatabaseConfig) Catalog {
	return &catalog{
		log: log.WithField("component", "catalog"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (c *catalog) Start(ctx context.Context) error {
	db, err := database.Open(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("opening catalog database: %w", err)
	}

	c.db = db

	if err := c.db.SetupJoinTable(&Run{}, "Listeners", &RunListener{}); err != nil {
		return fmt.Errorf("setting up run listeners table: %w", err)
	}

	if err := c.migrate(ctx); err != nil {
		return err
	}

	c.log.WithField("driver", c.cfg.Driver).Info("Catalog database connected")

	return nil
}

// Stop closes the underlying database connection.
func (c *catalog) Stop() error {
	return database.Close(c.db)
}

// Reset drops and recreates every catalog table.
func (c *catalog) Reset(ctx context.Context) error {
	if err := c.db.WithContext(ctx).Migrator().DropTable(
		&Job{},
		&RunListener{},
		&File{},
		&Run{},
		&Listener{},
	); err != nil {
		return fmt.Errorf("dropping catalog tables: %w", err)
	}

	if err := c.migrate(ctx); err != nil {
		return err
	}

	c.log.Warn("Catalog recreated")

	return nil
}

func (c *catalog) migrate(ctx context.Context) error {
	if err := c.db.WithContext(ctx).AutoMigrate(
		&Listener{},
		&Run{},
		&File{},
		&RunListener{},
		&Job{},
	); err != nil {
		return fmt.Errorf("running catalog migrations: %w", err)
	}

	return nil
}

// --- Discovery ---

// EnsureListener returns the listener with the given name, creating it on
// first reference.
func (c *catalog) EnsureListener(
	ctx context.Context, name string,
) (*Listener, error) {
	if name == "" {
		return nil, errors.New("listener name is required")
	}

	listener := &Listener{Name: name}

	res := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).
		Create(listener)
	if res.Error != nil {
		return nil, fmt.Errorf("creating listener %q: %w", name, res.Error)
	}

	if res.RowsAffected > 0 {
		c.log.WithField("listener", name).Debug("Listener created")

		return listener, nil
	}

	var existing Listener
	if err := c.db.WithContext(ctx).
		Where("name = ?", name).
		First(&existing).Error; err != nil {
		return nil, fmt.Errorf("getting listener %q: %w", name, notFound(err))
	}

	return &existing, nil
}

// EnsureRun stores a run and its files unless a run with the same number
// already exists, in which case the stored run is returned unchanged and
// files are ignored. The bool result reports whether the run was created.
func (c *catalog) EnsureRun(
	ctx context.Context, rec runselect.RunRecord, files []string,
) (*Run, bool, error) {
	var (
		run     = runFromRecord(rec)
		created bool
	)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_number"}},
				DoNothing: true,
			}).
			Create(run)
		if res.Error != nil {
			return fmt.Errorf("creating run %d: %w", rec.RunNumber, res.Error)
		}

		if res.RowsAffected == 0 {
			var existing Run
			if err := tx.Where("run_number = ?", rec.RunNumber).
				First(&existing).Error; err != nil {
				return fmt.Errorf("getting run %d: %w", rec.RunNumber, notFound(err))
			}

			run = &existing

			return nil
		}

		created = true

		if len(files) == 0 {
			return nil
		}

		rows := make([]File, 0, len(files))
		for _, name := range files {
			rows = append(rows, File{Name: name, RunID: run.ID})
		}

		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("creating files of run %d: %w", rec.RunNumber, err)
		}

		run.Files = rows

		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		c.log.WithFields(logrus.Fields{
			"run":   rec.RunNumber,
			"files": len(files),
		}).Info("Run stored")
	}

	return run, created, nil
}

// Link records that the listener discovered the run. Linking an already
// linked pair is a no-op.
func (c *catalog) Link(
	ctx context.Context, listener *Listener, run *Run,
) error {
	if listener == nil || listener.ID == 0 || run == nil || run.ID == 0 {
		return errors.New("link requires a stored listener and run")
	}

	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&RunListener{RunID: run.ID, ListenerID: listener.ID}).Error; err != nil {
		return fmt.Errorf(
			"linking run %d to listener %q: %w", run.RunNumber, listener.Name, err,
		)
	}

	return nil
}

// RecordDiscovery ensures the listener and the run with its files exist
// and links them.
func (c *catalog) RecordDiscovery(
	ctx context.Context,
	listenerName string,
	rec runselect.RunRecord,
	files []string,
) error {
	listener, err := c.EnsureListener(ctx, listenerName)
	if err != nil {
		return err
	}

	run, _, err := c.EnsureRun(ctx, rec, files)
	if err != nil {
		return err
	}

	return c.Link(ctx, listener, run)
}

// --- Reads ---

// GetRun returns a run with its files and listeners.
func (c *catalog) GetRun(
	ctx context.Context, runNumber uint32,
) (*Run, error) {
	var run Run
	if err := c.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB {
			return db.Order("files.id ASC")
		}).
		Preload("Listeners", func(db *gorm.DB) *gorm.DB {
			return db.Order("listeners.name ASC")
		}).
		Where("run_number = ?", runNumber).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run %d: %w", runNumber, notFound(err))
	}

	return &run, nil
}

// ListRuns returns runs ascending by run number.
func (c *catalog) ListRuns(
	ctx context.Context, filter RunFilter,
) ([]Run, error) {
	q := c.db.WithContext(ctx).Model(&Run{})

	if filter.Listener != "" {
		q = q.Joins("JOIN run_listeners ON run_listeners.run_id = runs.id").
			Joins("JOIN listeners ON listeners.id = run_listeners.listener_id").
			Where("listeners.name = ?", filter.Listener)
	}

	if filter.RunType != "" {
		q = q.Where("runs.run_type = ?", filter.RunType)
	}

	if filter.MinRun > 0 {
		q = q.Where("runs.run_number >= ?", filter.MinRun)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var runs []Run
	if err := q.Order("runs.run_number ASC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListListeners returns all listeners ordered by name.
func (c *catalog) ListListeners(ctx context.Context) ([]Listener, error) {
	var listeners []Listener
	if err := c.db.WithContext(ctx).
		Order("name ASC").
		Find(&listeners).Error; err != nil {
		return nil, fmt.Errorf("listing listeners: %w", err)
	}

	return listeners, nil
}

// ListFiles returns the files of a run in insertion order.
func (c *catalog) ListFiles(
	ctx context.Context, runNumber uint32,
) ([]File, error) {
	var files []File
	if err := c.db.WithContext(ctx).
		Joins("JOIN runs ON runs.id = files.run_id").
		Where("runs.run_number = ?", runNumber).
		Order("files.id ASC").
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("listing files of run %d: %w", runNumber, err)
	}

	return files, nil
}

// RunsForListener returns the runs discovered by the named listener.
func (c *catalog) RunsForListener(
	ctx context.Context, name string,
) ([]Run, error) {
	var listener Listener
	if err := c.db.WithContext(ctx).
		Where("name = ?", name).
		First(&listener).Error; err != nil {
		return nil, fmt.Errorf("getting listener %q: %w", name, notFound(err))
	}

	return c.ListRuns(ctx, RunFilter{Listener: name})
}

// --- Jobs ---

// CreateJob registers a NEW job of the analysis for a run. An existing job
// for the same run and analysis is returned instead.
func (c *catalog) CreateJob(
	ctx context.Context, runNumber uint32, analysis, folder string,
) (*Job, error) {
	var run Run
	if err := c.db.WithContext(ctx).
		Where("run_number = ?", runNumber).
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting run %d: %w", runNumber, notFound(err))
	}

	now := time.Now().UTC()
	job := &Job{
		RunID:     run.ID,
		Analysis:  analysis,
		Folder:    folder,
		Status:    JobStatusNew,
		StartedAt: now,
		UpdatedAt: now,
	}

	res := c.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "analysis"}},
			DoNothing: true,
		}).
		Create(job)
	if res.Error != nil {
		return nil, fmt.Errorf("creating job: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		var existing Job
		if err := c.db.WithContext(ctx).
			Where("run_id = ? AND analysis = ?", run.ID, analysis).
			First(&existing).Error; err != nil {
			return nil, fmt.Errorf("getting job: %w", notFound(err))
		}

		job = &existing
	}

	job.Run = &run

	return job, nil
}

// GetJob returns a job with its run.
func (c *catalog) GetJob(ctx context.Context, id uint) (*Job, error) {
	var job Job
	if err := c.db.WithContext(ctx).
		Preload("Run").
		First(&job, id).Error; err != nil {
		return nil, fmt.Errorf("getting job %d: %w", id, notFound(err))
	}

	return &job, nil
}

// SetJobStatus updates the status of a job.
func (c *catalog) SetJobStatus(
	ctx context.Context, id uint, status string,
) error {
	if !validJobStatus(status) {
		return fmt.Errorf("invalid job status %q", status)
	}

	res := c.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating job %d: %w", id, res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("updating job %d: %w", id, ErrNotFound)
	}

	return nil
}

// ListJobs returns jobs ordered by id.
func (c *catalog) ListJobs(
	ctx context.Context, filter JobFilter,
) ([]Job, error) {
	q := c.db.WithContext(ctx).Preload("Run")

	if filter.Analysis != "" {
		q = q.Where("analysis = ?", filter.Analysis)
	}

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var jobs []Job
	if err := q.Order("id ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	return jobs, nil
}

// RunsWithoutJob returns the runs, with files, that have no job for the
// analysis yet.
func (c *catalog) RunsWithoutJob(
	ctx context.Context, analysis string,
) ([]Run, error) {
	var runs []Run
	if err := c.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB {
			return db.Order("files.id ASC")
		}).
		Where(
			"NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.run_id = runs.id AND jobs.analysis = ?)",
			analysis,
		).
		Order("run_number ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs without %s job: %w", analysis, err)
	}

	return runs, nil
}

func runFromRecord(rec runselect.RunRecord) *Run {
	return &Run{
		RunNumber:        rec.RunNumber,
		SORTime:          rec.SORTime,
		EORTime:          rec.EORTime,
		RecordedEvents:   rec.RecordedEvents,
		EFEvents:         rec.EFEvents,
		RunType:          rec.RunType,
		PartitionName:    rec.PartitionName,
		CleanStop:        rec.CleanStop,
		RecordingEnabled: rec.RecordingEnabled,
		GainStrategy:     rec.GainStrategy,
		DetectorMask:     rec.DetectorMask,
	}
}

func validJobStatus(status string) bool {
	switch status {
	case JobStatusNew, JobStatusPrepared, JobStatusSubmitted,
		JobStatusFailed, JobStatusDone:
		return true
	default:
		return false
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}
