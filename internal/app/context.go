package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

// App bundles the open database, resolved config and engine for one
// workspace. The CLI and the server entrypoint both go through Open so
// migrations, RBAC sync and actor bootstrap happen the same way.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open prepares the workspace: opens (and migrates) the database, loads
// gateline.yml if present and falls back to the built-in default config
// otherwise. The first actor to touch a fresh workspace is granted the
// owner role so the deployment is administrable from the start.
func Open(ctx context.Context, workspace, actorID string) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("gateline")
	}
	e := engine.New(conn, cfg)
	if err := e.SyncRBAC(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sync rbac: %w", err)
	}
	if err := bootstrapActor(ctx, e, actorID); err != nil {
		conn.Close()
		return nil, err
	}
	return &App{Workspace: workspace, DB: conn, Config: cfg, Engine: e}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// bootstrapActor grants the owner role to the first actor seen in an
// otherwise empty workspace. Later actors get roles assigned explicitly.
func bootstrapActor(ctx context.Context, e engine.Engine, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	if e.Config == nil || len(e.Config.RBAC.Roles) == 0 {
		return nil
	}
	var assigned int
	row := e.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_roles`)
	if err := row.Scan(&assigned); err != nil {
		return err
	}
	if assigned > 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, actorID, "owner"); err != nil {
		return fmt.Errorf("assign owner role: %w", err)
	}
	return tx.Commit()
}
