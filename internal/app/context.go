package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskloom/internal/backup"
	"taskloom/internal/config"
	"taskloom/internal/db"
	"taskloom/internal/engine"
	"taskloom/internal/migrate"
)

// Env bundles everything a command or server handler needs: the open
// store, the engine on top of it, and the backup manager for its file.
type Env struct {
	DB      *sql.DB
	Engine  engine.Engine
	Backups backup.Manager
	Config  *config.Config
}

// Setup opens the workspace store, applies migrations, and takes the
// daily backup when one is due. Config comes from taskloom.yml in the
// workspace, falling back to defaults.
func Setup(ctx context.Context, workspace string, inMemory bool) (*Env, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace, InMemory: inMemory})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	env := &Env{
		DB:     conn,
		Engine: engine.New(conn, cfg),
		Backups: backup.Manager{
			Dir:      db.BackupDir(workspace),
			DBPath:   db.Path(workspace),
			DB:       conn,
			InMemory: inMemory,
			Keep:     cfg.Backups.Keep,
			Now:      time.Now,
		},
		Config: cfg,
	}
	if cfg.Backups.Daily {
		if err := env.Backups.EnsureDaily(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("daily backup: %w", err)
		}
	}
	return env, nil
}

func (e *Env) Close() error {
	return e.DB.Close()
}

// Project picks the project for a command: the explicit override first,
// then the workspace config, then the only project in the store.
func (e *Env) Project(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if e.Config.Project != "" {
		return e.Config.Project, nil
	}
	projects, err := e.Engine.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	if len(projects) == 1 {
		return projects[0].Project, nil
	}
	return "", fmt.Errorf("project not specified; use --project")
}
