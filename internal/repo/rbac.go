package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) ClearRolePermissions(ctx context.Context, tx *sql.Tx, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT permission_id FROM role_permissions WHERE role_id=?`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ActorHasPermission reports whether any of the actor's roles grant the permission.
func (r Repo) ActorHasPermission(ctx context.Context, actorID, permID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actor_roles ar JOIN role_permissions rp ON rp.role_id=ar.role_id WHERE ar.actor_id=? AND rp.permission_id=?`, actorID, permID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActorHasRole reports whether the actor holds one of the given roles.
func (r Repo) ActorHasRole(ctx context.Context, actorID string, roleIDs []string) (bool, error) {
	if len(roleIDs) == 0 {
		return false, nil
	}
	roles, err := r.ActorRoles(ctx, actorID)
	if err != nil {
		return false, err
	}
	allowed := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		allowed[id] = true
	}
	for _, role := range roles {
		if allowed[role] {
			return true, nil
		}
	}
	return false, nil
}

func (r Repo) WebhookCursor(ctx context.Context, hookURL string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT last_seq FROM webhook_cursors WHERE hook_url=?`, hookURL)
	var seq int64
	err := row.Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hookURL string, seq int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_url, last_seq) VALUES (?,?)
ON CONFLICT(hook_url) DO UPDATE SET last_seq=excluded.last_seq`, hookURL, seq)
	return err
}
