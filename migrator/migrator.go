// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package migrator applies versioned SQL migrations to a PostgreSQL
// database. Migrations are the ".sql" files at the root of an fs.FS,
// applied in lexical order, each in its own transaction, while an
// advisory lock keeps concurrent processes from racing each other.
package migrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
)

type (
	Migrator struct {
		pg     *pg.Client
		fsys   fs.FS
		table  string
		logger *log.Logger
	}

	Option func(m *Migrator)

	Migration struct {
		Version string
		SQL     string
	}

	Migrations []*Migration
)

const (
	MigrationAdvisoryLock pg.AdvisoryLock = 0
)

// WithLogger sets the logger reporting applied migrations.
func WithLogger(l *log.Logger) Option {
	return func(m *Migrator) {
		m.logger = l.Named("migrator")
	}
}

// WithVersionTable changes the table recording applied versions
// (default "schema_versions"). Independent components sharing a
// database use distinct tables.
func WithVersionTable(name string) Option {
	return func(m *Migrator) {
		m.table = name
	}
}

func NewMigrator(client *pg.Client, fsys fs.FS, options ...Option) *Migrator {
	m := &Migrator{
		pg:     client,
		fsys:   fsys,
		table:  "schema_versions",
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

// Run applies every migration not yet recorded in the version table.
func (m *Migrator) Run(ctx context.Context) error {
	migrations, err := LoadFromFS(m.fsys)
	if err != nil {
		return fmt.Errorf("cannot load migrations: %w", err)
	}

	if len(migrations) == 0 {
		return nil
	}

	err = m.pg.WithAdvisoryLock(
		ctx,
		MigrationAdvisoryLock,
		func(conn pg.Conn) error {
			if err := m.createVersionTable(ctx, conn); err != nil {
				return fmt.Errorf("cannot create schema version table: %w", err)
			}

			applied, err := m.loadVersions(ctx, conn)
			if err != nil {
				return fmt.Errorf("cannot load schema versions: %w", err)
			}

			for _, migration := range migrations {
				if _, found := applied[migration.Version]; found {
					continue
				}

				m.logger.InfoCtx(ctx, "applying migration", log.String("version", migration.Version))

				if err := m.apply(ctx, conn, migration); err != nil {
					return fmt.Errorf("cannot apply migration %q: %w", migration.Version, err)
				}
			}

			return nil
		},
	)
	if err != nil {
		return err
	}

	if err := m.pg.RefreshTypes(ctx); err != nil {
		return fmt.Errorf("cannot refresh types: %w", err)
	}

	return nil
}

func (ms Migrations) Sort() {
	sort.Slice(
		ms,
		func(i, j int) bool {
			return ms[i].Version < ms[j].Version
		},
	)
}

// LoadFromFS reads the ".sql" files at the root of fsys. The file name
// without its extension is the migration version.
func LoadFromFS(fsys fs.FS) (Migrations, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	var ms Migrations
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		name := entry.Name()
		if path.Ext(name) != ".sql" {
			continue
		}

		code, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("cannot read migration %q: %w", name, err)
		}

		ms = append(
			ms,
			&Migration{
				Version: strings.TrimSuffix(name, ".sql"),
				SQL:     string(code),
			},
		)
	}

	ms.Sort()

	return ms, nil
}

func (m *Migrator) apply(ctx context.Context, conn pg.Conn, migration *Migration) error {
	if _, err := conn.Exec(ctx, migration.SQL); err != nil {
		return fmt.Errorf("cannot execute migration: %w", err)
	}

	q := fmt.Sprintf("INSERT INTO %s (version) VALUES ($1)", m.table)
	if _, err := conn.Exec(ctx, q, migration.Version); err != nil {
		return fmt.Errorf("cannot insert schema version: %w", err)
	}

	return nil
}

func (m *Migrator) createVersionTable(ctx context.Context, conn pg.Conn) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version VARCHAR PRIMARY KEY,
  executed_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP AT TIME ZONE 'UTC')
)
`, m.table)

	_, err := conn.Exec(ctx, q)
	return err
}

func (m *Migrator) loadVersions(ctx context.Context, conn pg.Conn) (map[string]struct{}, error) {
	q := fmt.Sprintf("SELECT version FROM %s", m.table)
	r, err := conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("cannot exec query: %w", err)
	}
	defer r.Close()

	versions := make(map[string]struct{})
	for r.Next() {
		var v string
		if err := r.Scan(&v); err != nil {
			return nil, fmt.Errorf("cannot scan row: %w", err)
		}

		versions[v] = struct{}{}
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("cannot read query: %w", err)
	}

	return versions, nil
}
