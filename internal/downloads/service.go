// Package downloads implements chapter monitoring and the persistent
// download queue: the monitor loop, the enqueue guard, the worker loop and
// the operational entry points used by the API and the CLI.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/vrsandeep/mangarr-go/internal/catalog"
	"github.com/vrsandeep/mangarr-go/internal/config"
	"github.com/vrsandeep/mangarr-go/internal/models"
	"github.com/vrsandeep/mangarr-go/internal/storage"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrBrokenReference = errors.New("broken reference")
	ErrInvalidInput    = errors.New("invalid input")
)

const (
	PriorityMonitor        = 60
	PriorityEnqueueMissing = 80
	PriorityManual         = 100

	maxErrorLength = 500
)

// Options tune the monitor and the worker.
type Options struct {
	MaxAttempts     int
	PageRetryCount  int
	RequestTimeout  time.Duration
	TaskBackoff     Backoff
	PageBackoff     Backoff
	StaleClaimAfter time.Duration
	WriteArchive    bool
	WorkerBatchSize int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     4,
		PageRetryCount:  2,
		RequestTimeout:  30 * time.Second,
		TaskBackoff:     Backoff{Base: 30 * time.Second, Max: 30 * time.Minute},
		PageBackoff:     Backoff{Base: 500 * time.Millisecond, Max: 5 * time.Second},
		StaleClaimAfter: 30 * time.Minute,
		WorkerBatchSize: 3,
	}
}

// OptionsFromConfig builds Options from the downloads section of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	d := cfg.Downloads
	opts := DefaultOptions()
	opts.MaxAttempts = d.MaxAttempts
	opts.PageRetryCount = d.PageRetryCount
	opts.RequestTimeout = time.Duration(d.RequestTimeoutSeconds) * time.Second
	opts.TaskBackoff = Backoff{
		Base: time.Duration(d.RetryBaseSeconds) * time.Second,
		Max:  time.Duration(d.RetryMaxSeconds) * time.Second,
	}
	opts.StaleClaimAfter = time.Duration(d.StaleClaimMinutes) * time.Minute
	opts.WriteArchive = d.WriteArchive
	opts.WorkerBatchSize = d.WorkerBatchSize
	return opts
}

// Notifier receives progress updates, typically the websocket hub.
type Notifier interface {
	BroadcastJSON(v any)
}

// Service owns the monitor, worker and enqueue locks. Create one per process
// and share it between the scheduler jobs and the API.
type Service struct {
	st      *store.Store
	catalog catalog.Client
	files   *storage.Storage
	client  *http.Client
	opts    Options
	notify  Notifier

	instanceID string
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	monitorMu sync.Mutex
	workerMu  sync.Mutex
	enqueueMu sync.Mutex
}

// NewService wires the download core. notify may be nil.
func NewService(st *store.Store, cat catalog.Client, files *storage.Storage, opts Options, notify Notifier) *Service {
	return &Service{
		st:      st,
		catalog: cat,
		files:   files,
		client:  &http.Client{Timeout: opts.RequestTimeout},
		opts:    opts,
		notify:  notify,

		instanceID: uuid.NewString(),
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepContext,
	}
}

// InstanceID identifies this process in task claims.
func (s *Service) InstanceID() string { return s.instanceID }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) broadcast(u models.ProgressUpdate) {
	if s.notify == nil {
		return
	}
	if u.TotalPages > 0 {
		u.Progress = float64(u.DownloadedPages) / float64(u.TotalPages) * 100
	}
	s.notify.BroadcastJSON(u)
}

// mapStoreErr turns a missing row into ErrNotFound for callers of the
// service.
func mapStoreErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func errorText(err error) string {
	return truncateError(err.Error())
}
