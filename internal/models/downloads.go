package models

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a download task.
type TaskStatus string

const (
	TaskQueued      TaskStatus = "QUEUED"
	TaskDownloading TaskStatus = "DOWNLOADING"
	TaskCompleted   TaskStatus = "COMPLETED"
	TaskFailed      TaskStatus = "FAILED"
	TaskCancelled   TaskStatus = "CANCELLED"
)

// TaskStatuses lists every status in display order.
var TaskStatuses = []TaskStatus{TaskQueued, TaskDownloading, TaskCompleted, TaskFailed, TaskCancelled}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskDownloading, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// ParseTaskStatus validates a status coming from user input.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid task status %q", raw)
	}
	return s, nil
}

// Strategy decides which chapters the monitor queues for a profile.
type Strategy string

const (
	StrategyNewOnly   Strategy = "NEW_ONLY"
	StrategyAllUnread Strategy = "ALL_UNREAD"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyNewOnly, StrategyAllUnread:
		return true
	}
	return false
}

func ParseStrategy(raw string) (Strategy, error) {
	s := Strategy(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid download strategy %q", raw)
	}
	return s, nil
}

// DefaultStrategy is used for lazily created profiles.
func DefaultStrategy() Strategy { return StrategyNewOnly }

// Trigger records what created a task.
type Trigger string

const (
	TriggerMonitor Trigger = "MONITOR"
	TriggerManual  Trigger = "MANUAL"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerMonitor, TriggerManual:
		return true
	}
	return false
}

// DownloadProfile controls whether and how new chapters of a title are queued.
type DownloadProfile struct {
	ID                 int64      `json:"id"`
	LibraryTitleID     int64      `json:"library_title_id"`
	Enabled            bool       `json:"enabled"`
	AutoDownload       bool       `json:"auto_download"`
	Strategy           Strategy   `json:"strategy"`
	PreferredVariantID *int64     `json:"preferred_variant_id"`
	StartFrom          *time.Time `json:"start_from"`
	LastCheckedAt      *time.Time `json:"last_checked_at"`
	LastSuccessAt      *time.Time `json:"last_success_at"`
	LastError          *string    `json:"last_error"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DownloadProfileUpdate is a partial update. Unset fields are left alone.
type DownloadProfileUpdate struct {
	Enabled            *bool               `json:"enabled"`
	AutoDownload       *bool               `json:"auto_download"`
	Strategy           *Strategy           `json:"strategy"`
	PreferredVariantID Nullable[int64]     `json:"preferred_variant_id"`
	StartFrom          Nullable[time.Time] `json:"start_from"`
}

// DownloadTask is one queued or in-progress attempt to download a chapter.
type DownloadTask struct {
	ID              int64      `json:"id"`
	LibraryTitleID  int64      `json:"library_title_id"`
	VariantID       *int64     `json:"variant_id"`
	ChapterID       int64      `json:"chapter_id"`
	SourceID        string     `json:"source_id"`
	ChapterURL      string     `json:"chapter_url"`
	TitleName       string     `json:"title_name"`
	ChapterName     string     `json:"chapter_name"`
	Status          TaskStatus `json:"status"`
	Trigger         Trigger    `json:"trigger"`
	Priority        int        `json:"priority"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	AvailableAt     time.Time  `json:"available_at"`
	DownloadedPages int        `json:"downloaded_pages"`
	TotalPages      int        `json:"total_pages"`
	OutputDir       *string    `json:"output_dir"`
	Error           *string    `json:"error"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	ClaimedBy       *string    `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewTask holds the fields needed to insert a task.
type NewTask struct {
	LibraryTitleID int64
	VariantID      int64
	ChapterID      int64
	SourceID       string
	ChapterURL     string
	TitleName      string
	ChapterName    string
	Trigger        Trigger
	Priority       int
	MaxAttempts    int
	AvailableAt    time.Time
}

// TaskProgress is the per-page progress committed by the worker.
type TaskProgress struct {
	DownloadedPages int
	TotalPages      int
	OutputDir       string
}

// ProfileFilter narrows ListProfiles.
type ProfileFilter struct {
	Enabled *bool
	TitleID *int64
	Offset  int
	Limit   int
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status  *TaskStatus
	TitleID *int64
	Offset  int
	Limit   int
}

type DownloadOverview struct {
	MonitoredTitles int `json:"monitored_titles"`
	Queued          int `json:"queued"`
	Downloading     int `json:"downloading"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Cancelled       int `json:"cancelled"`
}

// MonitoredTitleStats is one row of the dashboard's title table.
type MonitoredTitleStats struct {
	LibraryTitleID     int64      `json:"library_title_id"`
	Title              string     `json:"title"`
	ThumbnailURL       string     `json:"thumbnail_url"`
	Enabled            bool       `json:"enabled"`
	AutoDownload       bool       `json:"auto_download"`
	Strategy           Strategy   `json:"strategy"`
	PreferredVariantID *int64     `json:"preferred_variant_id"`
	LastCheckedAt      *time.Time `json:"last_checked_at"`
	LastSuccessAt      *time.Time `json:"last_success_at"`
	LastError          *string    `json:"last_error"`
	TotalChapters      int        `json:"total_chapters"`
	DownloadedChapters int        `json:"downloaded_chapters"`
	QueuedTasks        int        `json:"queued_tasks"`
	DownloadingTasks   int        `json:"downloading_tasks"`
	FailedTasks        int        `json:"failed_tasks"`
	LastDownloadedAt   *time.Time `json:"last_downloaded_at"`
}

type DownloadDashboard struct {
	Overview        DownloadOverview      `json:"overview"`
	MonitoredTitles []MonitoredTitleStats `json:"monitored_titles"`
	ActiveTasks     []DownloadTask        `json:"active_tasks"`
	RecentTasks     []DownloadTask        `json:"recent_tasks"`
}

type EnqueueResult struct {
	Task    DownloadTask `json:"task"`
	Created bool         `json:"created"`
}

type EnqueueMissingResult struct {
	Queued int `json:"queued"`
}

type MonitorRunResult struct {
	CheckedTitles int `json:"checked_titles"`
	EnqueuedTasks int `json:"enqueued_tasks"`
}

type WorkerRunResult struct {
	ProcessedTasks int `json:"processed_tasks"`
}
