/*
Package sqlite provides the SQLite-backed ledger store.

PURPOSE:
  Single-node deployments and tests. The tables, constraints and queries
  live in store/sqlstore; this package opens the database and tells
  sqlstore how SQLite reports unique violations.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

CONNECTIONS:
  The pool is capped at one connection. SQLite serializes writers anyway,
  and ":memory:" databases exist per connection, so a second connection
  would see an empty schema.

USAGE:
  store, err := sqlite.New("./data/consignment.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := consignment.NewEngine(store)

SEE ALSO:
  - store/sqlstore: schema and queries
  - store/postgres: multi-node deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/opme/consignment-engine/store/sqlstore"
)

type dialect struct{}

func (dialect) Rebind(query string) string { return query }

// UniqueViolation returns SQLite's description of the violated columns,
// e.g. "UNIQUE constraint failed: entries.client, ..., entries.sequence".
func (dialect) UniqueViolation(err error) string {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return serr.Error()
	}
	return ""
}

// New creates a SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := sqlstore.New(db, dialect{})
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}
