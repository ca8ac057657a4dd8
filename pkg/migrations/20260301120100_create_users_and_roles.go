package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE roles (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				name TEXT NOT NULL UNIQUE,
				is_system BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE permissions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				role_id INTEGER REFERENCES roles (id) ON DELETE CASCADE NOT NULL,
				resource TEXT NOT NULL,
				operation TEXT NOT NULL,
				UNIQUE (role_id, resource, operation)
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				username TEXT NOT NULL,
				email TEXT,
				password_hash TEXT NOT NULL,
				role_id INTEGER REFERENCES roles (id) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_users_username ON users (username COLLATE NOCASE)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE UNIQUE INDEX ux_users_email ON users (email COLLATE NOCASE) WHERE email IS NOT NULL`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`INSERT INTO roles (name, is_system) VALUES ('admin', TRUE), ('viewer', TRUE)`)
		if err != nil {
			return errors.WithStack(err)
		}

		grants := []struct {
			role      string
			resource  string
			operation string
		}{
			{"admin", "books", "read"},
			{"admin", "books", "write"},
			{"admin", "progress", "read"},
			{"admin", "progress", "write"},
			{"admin", "library", "read"},
			{"admin", "library", "write"},
			{"admin", "jobs", "read"},
			{"admin", "jobs", "write"},
			{"viewer", "books", "read"},
			{"viewer", "progress", "read"},
			{"viewer", "progress", "write"},
			{"viewer", "library", "read"},
			{"viewer", "jobs", "read"},
		}
		for _, g := range grants {
			_, err = db.Exec(`
				INSERT INTO permissions (role_id, resource, operation)
				SELECT id, ?, ? FROM roles WHERE name = ?
`, g.resource, g.operation, g.role)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"users", "permissions", "roles"} {
			if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
