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

package ratelimit

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/migrator"
	"go.gearno.de/throttle/pg"
)

const (
	schemaVersionTable = "rate_limit_schema_versions"
)

//go:embed migrations/*.sql
var migrations embed.FS

// migrateSchema creates or upgrades the rate_limit_markers table. The
// table is UNLOGGED: markers are lost on a database crash, which only
// forgives the attempts recorded in the current windows.
func migrateSchema(ctx context.Context, client *pg.Client, logger *log.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("cannot open migrations: %w", err)
	}

	m := migrator.NewMigrator(
		client,
		fsys,
		migrator.WithLogger(logger),
		migrator.WithVersionTable(schemaVersionTable),
	)

	return m.Run(ctx)
}
