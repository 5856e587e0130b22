package main

import (
	"log"
	"os"

	"github.com/urfave/cli"
)

func main() {
	log.SetFlags(log.LstdFlags)

	app := cli.App{
		Name:      "mangarr-cli",
		HelpName:  "mangarr-cli",
		Usage:     "operate the chapter download queue from the command line",
		UsageText: "mangarr-cli <command> [arguments...]",
		Version:   "1.0.0",
		Commands: []cli.Command{
			{
				Name:   "import",
				Usage:  "import or refresh a title from a catalog source",
				Action: importTitle,
				Flags:  importFlags,
			},
			{
				Name:   "monitor",
				Usage:  "run one monitor pass over enabled profiles",
				Action: monitor,
				Flags:  monitorFlags,
			},
			{
				Name:   "worker",
				Usage:  "process one batch of queued tasks",
				Action: worker,
				Flags:  workerFlags,
			},
			{
				Name:   "overview",
				Usage:  "show queue counters",
				Action: overview,
			},
			{
				Name:    "tasks",
				Aliases: []string{"t"},
				Usage:   "list download tasks, newest first",
				Action:  tasks,
				Flags:   taskFlags,
			},
			{
				Name:      "profile",
				Usage:     "show or update the download profile of a title",
				ArgsUsage: "<title-id>",
				Action:    profile,
				Flags:     profileFlags,
			},
			{
				Name:      "enqueue",
				Usage:     "queue a single chapter",
				ArgsUsage: "<chapter-id>",
				Action:    enqueue,
				Flags:     enqueueFlags,
			},
			{
				Name:      "enqueue-missing",
				Usage:     "queue every chapter of a title that is not downloaded",
				ArgsUsage: "<title-id>",
				Action:    enqueueMissing,
				Flags:     enqueueMissingFlags,
			},
			{
				Name:      "retry",
				Usage:     "put a failed or cancelled task back in the queue",
				ArgsUsage: "<task-id>",
				Action:    retry,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a queued or running task",
				ArgsUsage: "<task-id>",
				Action:    cancel,
			},
			{
				Name:   "reclaim",
				Usage:  "return stale DOWNLOADING claims to the queue",
				Action: reclaim,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
