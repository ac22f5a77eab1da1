package catalog

import (
	"time"
)

// Job status constants.
const (
	JobStatusNew       = "NEW"
	JobStatusPrepared  = "PREPARED"
	JobStatusSubmitted = "SUBMITTED"
	JobStatusFailed    = "FAILED"
	JobStatusDone      = "DONE"
)

// Listener is a named search profile that discovers runs.
type Listener struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is a discovered calibration run. Rows are never updated after
// creation.
type Run struct {
	ID               uint       `gorm:"primaryKey" json:"-"`
	RunNumber        uint32     `gorm:"uniqueIndex;not null" json:"run_number"`
	SORTime          int64      `json:"sor_time"`
	EORTime          int64      `json:"eor_time"`
	RecordedEvents   int64      `json:"recorded_events"`
	EFEvents         int64      `json:"ef_events"`
	RunType          string     `gorm:"size:255;index" json:"run_type"`
	PartitionName    string     `gorm:"size:255" json:"partition_name"`
	CleanStop        bool       `json:"clean_stop"`
	RecordingEnabled bool       `json:"recording_enabled"`
	GainStrategy     *string    `gorm:"size:255" json:"gain_strategy"`
	DetectorMask     string     `gorm:"size:255" json:"detector_mask"`
	CreatedAt        time.Time  `json:"created_at"`
	Files            []File     `gorm:"constraint:OnDelete:CASCADE" json:"files,omitempty"`
	Listeners        []Listener `gorm:"many2many:run_listeners" json:"listeners,omitempty"`
}

// File is a raw data file of a run.
type File struct {
	ID    uint   `gorm:"primaryKey" json:"-"`
	Name  string `gorm:"size:512;not null" json:"name"`
	RunID uint   `gorm:"index;not null" json:"-"`
}

// RunListener links a listener to a run it discovered. The composite
// primary key allows at most one link per pair.
type RunListener struct {
	RunID      uint      `gorm:"primaryKey;autoIncrement:false"`
	ListenerID uint      `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt  time.Time `json:"created_at"`
}

// Job tracks the processing of a run by an analysis.
type Job struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     uint      `gorm:"not null;uniqueIndex:idx_jobs_run_analysis,priority:1" json:"-"`
	Run       *Run      `json:"run,omitempty"`
	Analysis  string    `gorm:"size:255;not null;uniqueIndex:idx_jobs_run_analysis,priority:2" json:"analysis"`
	Folder    string    `gorm:"size:1024" json:"folder"`
	Status    string    `gorm:"size:32;not null;index" json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
