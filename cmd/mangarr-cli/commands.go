package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
	"github.com/vrsandeep/mangarr-go/internal/core"
	"github.com/vrsandeep/mangarr-go/internal/downloads"
	"github.com/vrsandeep/mangarr-go/internal/models"
)

var (
	sourceID string
	titleURL string

	monitorLimit int
	workerBatch  int

	taskStatus  string
	taskTitleID int64
	taskLimit   int

	enableProfile  bool
	disableProfile bool
	autoDownload   string
	strategy       string
	startFrom      string
	variantID      int64

	priority         int
	missingVariantID int64
	includeAll       bool

	importFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "source, s",
			Usage:       "catalog source id",
			Destination: &sourceID,
		},
		cli.StringFlag{
			Name:        "url, u",
			Usage:       "title url within the source",
			Destination: &titleURL,
		},
	}
	monitorFlags = []cli.Flag{
		cli.IntFlag{
			Name:        "limit, l",
			Usage:       "maximum number of profiles to check",
			Value:       25,
			Destination: &monitorLimit,
		},
	}
	workerFlags = []cli.Flag{
		cli.IntFlag{
			Name:        "batch, b",
			Usage:       "maximum number of tasks to process (default: configured worker batch size)",
			Destination: &workerBatch,
		},
	}
	taskFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "status",
			Usage:       "only tasks in this status",
			Destination: &taskStatus,
		},
		cli.Int64Flag{
			Name:        "title",
			Usage:       "only tasks of this library title",
			Destination: &taskTitleID,
		},
		cli.IntFlag{
			Name:        "limit, l",
			Value:       downloads.DefaultListLimit,
			Destination: &taskLimit,
		},
	}
	profileFlags = []cli.Flag{
		cli.BoolFlag{
			Name:        "enable",
			Usage:       "enable monitoring",
			Destination: &enableProfile,
		},
		cli.BoolFlag{
			Name:        "disable",
			Usage:       "disable monitoring",
			Destination: &disableProfile,
		},
		cli.StringFlag{
			Name:        "auto-download",
			Usage:       "true or false",
			Destination: &autoDownload,
		},
		cli.StringFlag{
			Name:        "strategy",
			Usage:       "NEW_ONLY or ALL_UNREAD",
			Destination: &strategy,
		},
		cli.StringFlag{
			Name:        "start-from",
			Usage:       "RFC3339 time; chapters published earlier are skipped ('none' clears it)",
			Destination: &startFrom,
		},
		cli.Int64Flag{
			Name:        "variant",
			Usage:       "preferred variant id (0 clears it)",
			Value:       -1,
			Destination: &variantID,
		},
	}
	enqueueFlags = []cli.Flag{
		cli.IntFlag{
			Name:        "priority, p",
			Usage:       "lower runs sooner",
			Value:       downloads.PriorityManual,
			Destination: &priority,
		},
	}
	enqueueMissingFlags = []cli.Flag{
		cli.Int64Flag{
			Name:        "variant",
			Usage:       "variant to download from (default: preferred)",
			Destination: &missingVariantID,
		},
		cli.BoolFlag{
			Name:        "all",
			Usage:       "include chapters that were already read",
			Destination: &includeAll,
		},
	}
)

// withService opens the application, runs fn and releases everything.
// SIGINT cancels fn's context so a running worker batch gives its claims back.
// Nobody listens for progress here, so the service gets no notifier.
func withService(fn func(ctx context.Context, svc *downloads.Service) error) error {
	app, err := core.New()
	if err != nil {
		return err
	}
	defer app.Close()

	services, err := core.NewServicesWithNotifier(app, nil)
	if err != nil {
		return err
	}
	defer services.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, services.Downloads)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func idArg(c *cli.Context, name string) (int64, error) {
	raw := c.Args().First()
	if raw == "" {
		return 0, fmt.Errorf("missing %s argument", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func importTitle(c *cli.Context) error {
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		res, err := svc.ImportTitle(ctx, models.LibraryImportRequest{SourceID: sourceID, TitleURL: titleURL})
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func monitor(c *cli.Context) error {
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		res, err := svc.RunMonitorOnce(ctx, monitorLimit)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func worker(c *cli.Context) error {
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		res, err := svc.RunWorkerOnce(ctx, workerBatch)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func overview(c *cli.Context) error {
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		res, err := svc.GetOverview(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func tasks(c *cli.Context) error {
	filter := models.TaskFilter{Limit: taskLimit}
	if taskStatus != "" {
		status, err := models.ParseTaskStatus(strings.ToUpper(taskStatus))
		if err != nil {
			return err
		}
		filter.Status = &status
	}
	if taskTitleID > 0 {
		filter.TitleID = &taskTitleID
	}
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		list, err := svc.ListTasks(ctx, filter)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tATTEMPTS\tPAGES\tTITLE\tCHAPTER\tERROR")
		for _, t := range list {
			errText := ""
			if t.Error != nil {
				errText = *t.Error
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%d/%d\t%d/%d\t%s\t%s\t%s\n",
				t.ID, t.Status, t.Priority, t.Attempts, t.MaxAttempts,
				t.DownloadedPages, t.TotalPages, t.TitleName, t.ChapterName, errText)
		}
		return w.Flush()
	})
}

func profileUpdate() (models.DownloadProfileUpdate, bool, error) {
	var (
		update  models.DownloadProfileUpdate
		changed bool
	)
	if enableProfile && disableProfile {
		return update, false, fmt.Errorf("--enable and --disable are mutually exclusive")
	}
	if enableProfile || disableProfile {
		enabled := enableProfile
		update.Enabled = &enabled
		changed = true
	}
	if autoDownload != "" {
		v, err := strconv.ParseBool(autoDownload)
		if err != nil {
			return update, false, fmt.Errorf("invalid --auto-download %q", autoDownload)
		}
		update.AutoDownload = &v
		changed = true
	}
	if strategy != "" {
		s, err := models.ParseStrategy(strings.ToUpper(strategy))
		if err != nil {
			return update, false, err
		}
		update.Strategy = &s
		changed = true
	}
	switch startFrom {
	case "":
	case "none":
		update.StartFrom = models.Null[time.Time]()
		changed = true
	default:
		at, err := time.Parse(time.RFC3339, startFrom)
		if err != nil {
			return update, false, fmt.Errorf("invalid --start-from: %w", err)
		}
		update.StartFrom = models.NullableOf(at.UTC())
		changed = true
	}
	switch {
	case variantID == 0:
		update.PreferredVariantID = models.Null[int64]()
		changed = true
	case variantID > 0:
		update.PreferredVariantID = models.NullableOf(variantID)
		changed = true
	}
	return update, changed, nil
}

func profile(c *cli.Context) error {
	titleID, err := idArg(c, "title id")
	if err != nil {
		return err
	}
	update, changed, err := profileUpdate()
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		var p *models.DownloadProfile
		if changed {
			p, err = svc.UpdateProfile(ctx, titleID, update)
		} else {
			p, err = svc.GetProfile(ctx, titleID)
		}
		if err != nil {
			return err
		}
		return printJSON(p)
	})
}

func enqueue(c *cli.Context) error {
	chapterID, err := idArg(c, "chapter id")
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		res, err := svc.EnqueueChapter(ctx, chapterID, priority)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func enqueueMissing(c *cli.Context) error {
	titleID, err := idArg(c, "title id")
	if err != nil {
		return err
	}
	var variant *int64
	if missingVariantID > 0 {
		variant = &missingVariantID
	}
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		res, err := svc.EnqueueMissingForTitle(ctx, titleID, variant, !includeAll)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func retry(c *cli.Context) error {
	taskID, err := idArg(c, "task id")
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		task, err := svc.RetryTask(ctx, taskID)
		if err != nil {
			return err
		}
		return printJSON(task)
	})
}

func cancel(c *cli.Context) error {
	taskID, err := idArg(c, "task id")
	if err != nil {
		return err
	}
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		task, err := svc.CancelTask(ctx, taskID)
		if err != nil {
			return err
		}
		return printJSON(task)
	})
}

func reclaim(c *cli.Context) error {
	return withService(func(ctx context.Context, svc *downloads.Service) error {
		n, err := svc.ReclaimStaleTasks(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reclaimed %d stale tasks\n", n)
		return nil
	})
}
