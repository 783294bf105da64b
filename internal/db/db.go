// CLAUDE:SUMMARY SQLite handle: opens the score database through hazyhaar/pkg/dbopen (modernc driver, WAL pragmas, schema applied on open)
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/pkg/dbopen"
	_ "github.com/hazyhaar/pkg/trace" // registers "sqlite-trace"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
// With traced set, every statement goes through the sqlite-trace driver.
func Open(path string, traced bool) (*DB, error) {
	opts := []dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(schema),
	}
	if traced {
		opts = append(opts, dbopen.WithTrace())
	}
	sqlDB, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &DB{sqlDB}, nil
}

// Wrap adopts an already opened handle, applying the schema.
func Wrap(sqlDB *sql.DB) (*DB, error) {
	if _, err := sqlDB.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &DB{sqlDB}, nil
}

// Healthy pings the database.
func (db *DB) Healthy(ctx context.Context) error {
	return db.PingContext(ctx)
}
