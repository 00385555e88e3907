/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between the engine and the database. Different
  implementations use SQLite, PostgreSQL, or memory.

LOGICAL LAYOUT:
  entries:     append-only, keyed by (balance key, sequence)
               UNIQUE (document key, item index) - at-most-once application
               UNIQUE (balance key, sequence)    - per-key total order
  balances:    materialized projection keyed by balance key, rebuildable
  invoices:    every received representation (applied, duplicate, rejected)
               with its source XML when it arrived as XML
  divergences: anomaly records, append-only

APPEND-ONLY CONTRACT:
  Entries, invoices and divergences have no update and no delete.
  The balances table is the only mutable state and is always derivable
  from entries + divergences.

ATOMIC COMMIT:
  Commit() writes one invoice's entries, projections, divergences and its
  applied invoice record in a single transaction. Either everything is
  durable or nothing is. SaveInvoice() does the same for a duplicate or
  rejected record and its divergences.

IMPLEMENTATIONS:
  - consignment/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: default durable store
  - store/postgres/postgres.go: production store
*/
package consignment

import (
	"context"
	"time"
)

// Commit is everything one successful append writes.
type Commit struct {
	Invoice     Invoice
	Entries     []LedgerEntry
	Balances    []BalanceMaterial
	Divergences []DivergenceRecord
}

// Store handles persistence. Commit must map uniqueness violations to
// ErrDocumentApplied and ErrSequenceConflict.
type Store interface {
	// Commit persists one append atomically.
	Commit(ctx context.Context, c Commit) error

	// Balance returns the stored projection; found is false for unknown keys.
	Balance(ctx context.Context, key BalanceKey) (BalanceMaterial, bool, error)

	// Balances lists projections matching the filter, ordered by key.
	Balances(ctx context.Context, filter BalanceFilter) ([]BalanceMaterial, error)

	// Entries returns up to limit entries of key with Sequence > after,
	// ordered by Sequence.
	Entries(ctx context.Context, key BalanceKey, after int64, limit int) ([]LedgerEntry, error)

	// AppliedInvoice returns the applied representation of a document, or
	// nil when the document was never applied.
	AppliedInvoice(ctx context.Context, documentKey string) (*Invoice, error)

	// Invoices returns every stored representation of a document, oldest first.
	Invoices(ctx context.Context, documentKey string) ([]Invoice, error)

	// SaveInvoice stores a representation that is not applied (duplicate
	// or rejected) together with the divergences it raised, in one
	// transaction. Each record's kind is added to the flag set of its
	// projection.
	SaveInvoice(ctx context.Context, inv Invoice, recs []DivergenceRecord) error

	// ListInvoices returns one page of stored representations matching the
	// filter, newest issue first, and the total number of matches.
	ListInvoices(ctx context.Context, filter InvoiceFilter, page Page) ([]Invoice, int, error)

	// DocumentXML returns the source XML of a document: the applied
	// representation's when it has one, otherwise the oldest retained.
	// It returns nil when no representation kept its XML.
	DocumentXML(ctx context.Context, documentKey string) ([]byte, error)

	// CountInvoices counts stored representations with the given status.
	CountInvoices(ctx context.Context, status Status) (int, error)

	// Divergences returns records matching the filter, oldest first.
	Divergences(ctx context.Context, filter DivergenceFilter) ([]DivergenceRecord, error)

	// PutBalance overwrites a projection. Used only by projection rebuilds.
	PutBalance(ctx context.Context, b BalanceMaterial) error
}

// Summary is an overview of the whole ledger.
type Summary struct {
	Clients          int       `json:"clients"`
	Products         int       `json:"products"`
	Positions        int       `json:"positions"`
	OpenPositions    int       `json:"open_positions"`
	FlaggedPositions int       `json:"flagged_positions"`
	AppliedInvoices  int       `json:"applied_invoices"`
	GeneratedAt      time.Time `json:"generated_at"`
}
