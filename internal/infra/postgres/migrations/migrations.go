// Package migrations holds the bun migrations of the quiz catalog and room snapshots.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is discovered by file name; each file registers one step.
var Migrations = migrate.NewMigrations()
