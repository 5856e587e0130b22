package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/catalog"
	"github.com/vrsandeep/mangarr-go/internal/catalog/bridge"
	"github.com/vrsandeep/mangarr-go/internal/catalog/mockcatalog"
	"github.com/vrsandeep/mangarr-go/internal/config"
	"github.com/vrsandeep/mangarr-go/internal/downloads"
	"github.com/vrsandeep/mangarr-go/internal/jobs"
	"github.com/vrsandeep/mangarr-go/internal/storage"
	"github.com/vrsandeep/mangarr-go/internal/store"
)

const (
	MonitorJob = "downloads-monitor"
	WorkerJob  = "downloads-worker"

	mockSourceID   = "mock"
	mockImageBase  = "https://placehold.co/800x1200"
	mockTitleCount = 5
)

// Services bundles the download service with the resources it owns.
type Services struct {
	Store     *store.Store
	Downloads *downloads.Service

	closers []func() error
}

// NewCatalog builds the catalog client selected by the configuration.
// The returned close function releases the bridge connection.
func NewCatalog(cfg config.Catalog) (catalog.Client, func() error, error) {
	var (
		client  catalog.Client
		closeFn = func() error { return nil }
	)
	switch cfg.Backend {
	case config.CatalogBridge:
		b := bridge.New(cfg.BridgeURL)
		client, closeFn = b, b.Close
	case config.CatalogMock:
		log.Printf("Catalog: using mock catalog with %d generated titles", mockTitleCount)
		client = mockcatalog.Seeded(mockSourceID, mockImageBase, mockTitleCount, 12, 8)
	default:
		return nil, nil, fmt.Errorf("unknown catalog backend '%s'", cfg.Backend)
	}
	if cfg.CallTimeoutSeconds > 0 {
		client = catalog.WithTimeout(client, time.Duration(cfg.CallTimeoutSeconds)*time.Second)
	}
	return client, closeFn, nil
}

// NewServices wires the store, catalog, storage and download service for app.
// Progress goes to the app's websocket hub, which the caller must run.
func NewServices(a *App) (*Services, error) {
	return NewServicesWithNotifier(a, a.WsHub())
}

// NewServicesWithNotifier is NewServices with an explicit progress sink.
// notify may be nil.
func NewServicesWithNotifier(a *App, notify downloads.Notifier) (*Services, error) {
	cfg := a.Config()
	st := store.New(a.DB())

	cat, closeCatalog, err := NewCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	files, err := storage.NewDisk(cfg.Downloads.RootDir)
	if err != nil {
		closeCatalog()
		return nil, fmt.Errorf("failed to prepare download directory: %w", err)
	}

	svc := downloads.NewService(st, cat, files, downloads.OptionsFromConfig(cfg), notify)
	return &Services{Store: st, Downloads: svc, closers: []func() error{closeCatalog}}, nil
}

// Jobs returns the periodic monitor and worker jobs.
func (s *Services) Jobs(cfg *config.Config) []jobs.Job {
	d := cfg.Downloads
	monitorLimit := d.MonitorBatchSize
	if monitorLimit > downloads.MaxMonitorLimit {
		monitorLimit = downloads.MaxMonitorLimit
	}
	return []jobs.Job{
		{
			Name:     MonitorJob,
			Interval: time.Duration(d.MonitorIntervalSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				_, err := s.Downloads.RunMonitorOnce(ctx, monitorLimit)
				return err
			},
		},
		{
			Name:     WorkerJob,
			Interval: time.Duration(d.WorkerIntervalSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				_, err := s.Downloads.RunWorkerOnce(ctx, 0)
				return err
			},
		},
	}
}

// Close releases what NewServices opened. The database stays with App.
func (s *Services) Close() {
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			log.Printf("Warning: failed to close service resource: %v", err)
		}
	}
}
