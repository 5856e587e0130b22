package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vrsandeep/mangarr-go/internal/api"
	"github.com/vrsandeep/mangarr-go/internal/core"
	"github.com/vrsandeep/mangarr-go/internal/jobs"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
	log.Println("Server exiting.")
}

func run() error {
	// Initialize the core application components
	app, err := core.New()
	if err != nil {
		return fmt.Errorf("application setup: %w", err)
	}
	defer app.Close()

	services, err := core.NewServices(app)
	if err != nil {
		return err
	}
	defer services.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Claims left behind by a previous process go back to the queue.
	if n, err := services.Downloads.RecoverInterruptedTasks(ctx); err != nil {
		log.Printf("Warning: could not recover interrupted tasks: %v", err)
	} else if n > 0 {
		log.Printf("Recovered %d interrupted download tasks", n)
	}

	scheduler, err := jobs.NewScheduler(services.Store, services.Jobs(app.Config()))
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	hub := app.WsHub()
	server := api.NewServer(app, services.Downloads, scheduler)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config().Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	server.SetRunContext(gctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("Starting web server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		// Running jobs see their context cancelled and release their claims.
		scheduler.Stop()
		hub.Stop()
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
