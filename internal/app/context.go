package app

import (
	"database/sql"
	"fmt"

	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/migrate"
)

// Context carries one workspace's open store and configuration.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
}

// Resolve opens the workspace store, applies pending migrations, and
// loads certline.yml. A missing config file falls back to defaults so
// read commands work before init has run.
func Resolve(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	return &Context{Workspace: workspace, Config: cfg, DB: conn}, nil
}

// RequireConfig resolves a workspace that must already be initialized;
// serve and other long-running commands refuse to run on defaults.
func RequireConfig(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Context{Workspace: workspace, Config: cfg, DB: conn}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}
