package core

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/vrsandeep/mangarr-go/internal/config"
	"github.com/vrsandeep/mangarr-go/internal/db"
	"github.com/vrsandeep/mangarr-go/internal/websocket"
)

// App holds the core components of the application that are shared
// between the server and the CLI.
type App struct {
	config *config.Config
	db     *sql.DB
	wsHub  *websocket.Hub
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, and running migrations.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// We can't proceed without a valid database schema.
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	log.Println("Core application setup complete.")
	return NewWith(cfg, database), nil
}

// NewWith builds an App from already opened resources, used by tests.
func NewWith(cfg *config.Config, database *sql.DB) *App {
	return &App{config: cfg, db: database, wsHub: websocket.NewHub()}
}

func (a *App) Config() *config.Config { return a.config }

func (a *App) DB() *sql.DB { return a.db }

func (a *App) WsHub() *websocket.Hub { return a.wsHub }

// Close gracefully closes the application's resources, like the DB connection.
func (a *App) Close() {
	if a.DB() != nil {
		a.db.Close()
	}
}
