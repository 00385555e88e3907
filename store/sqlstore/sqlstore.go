/*
Package sqlstore implements consignment.Store on database/sql.

PURPOSE:
  One implementation of the ledger tables shared by the SQLite and
  PostgreSQL stores. Drivers differ only in placeholders, connection setup
  and how they report unique violations; that is the Dialect.

KEY TABLES:
  entries:      append-only ledger, never updated or deleted
  balances:     materialized projection, rebuildable from entries
  invoices:     every received representation of a document
  divergences:  anomaly records, append-only

CONSTRAINTS:
  - idx_entries_document_item  UNIQUE(document_key, item_index)
      at-most-once application -> consignment.ErrDocumentApplied
  - idx_entries_key_sequence   UNIQUE(client, product, lot, sequence)
      per-key total order      -> consignment.ErrSequenceConflict
  - idx_invoices_applied       UNIQUE(document_key) WHERE status='applied'
      one applied representation per document

STORAGE FORMATS:
  Decimals are TEXT (decimal.String), timestamps are fixed-width UTC TEXT
  so that lexicographic order is chronological, "no lot" is ''.
  invoices.kinds is ",kind,kind," for LIKE filtering; raw_xml keeps the
  source bytes untouched and is only read by DocumentXML.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opme/consignment-engine/consignment"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Dialect adapts the shared SQL to a driver.
type Dialect interface {
	// Rebind rewrites '?' placeholders for the driver.
	Rebind(query string) string
	// UniqueViolation returns the violated constraint name, or "" when err
	// is not a unique violation.
	UniqueViolation(err error) string
}

// Store implements consignment.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	client TEXT NOT NULL,
	product TEXT NOT NULL,
	lot TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	kind TEXT NOT NULL,
	cfop TEXT NOT NULL,
	quantity TEXT NOT NULL,
	delta TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	document_key TEXT NOT NULL,
	item_index INTEGER NOT NULL,
	issued_at TEXT NOT NULL,
	applied_at TEXT NOT NULL,
	divergent BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_key_sequence
	ON entries(client, product, lot, sequence);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_document_item
	ON entries(document_key, item_index);

CREATE TABLE IF NOT EXISTS balances (
	client TEXT NOT NULL,
	product TEXT NOT NULL,
	lot TEXT NOT NULL,
	client_name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	quantity TEXT NOT NULL,
	sent TEXT NOT NULL DEFAULT '0',
	returned TEXT NOT NULL DEFAULT '0',
	used TEXT NOT NULL DEFAULT '0',
	billed TEXT NOT NULL DEFAULT '0',
	last_sequence BIGINT NOT NULL,
	last_movement_at TEXT NOT NULL DEFAULT '',
	flags TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (client, product, lot)
);

CREATE INDEX IF NOT EXISTS idx_balances_product
	ON balances(product);

CREATE TABLE IF NOT EXISTS invoices (
	record_id TEXT PRIMARY KEY,
	document_key TEXT NOT NULL,
	number TEXT NOT NULL,
	series TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	issuer_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	recipient_name TEXT NOT NULL,
	source TEXT NOT NULL,
	status TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	note TEXT NOT NULL,
	kinds TEXT NOT NULL DEFAULT '',
	items_json TEXT NOT NULL,
	failures_json TEXT NOT NULL,
	received_at TEXT NOT NULL,
	raw_xml BYTEA
);

CREATE INDEX IF NOT EXISTS idx_invoices_document
	ON invoices(document_key);

CREATE INDEX IF NOT EXISTS idx_invoices_issued
	ON invoices(issued_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_applied
	ON invoices(document_key) WHERE status = 'applied';

CREATE TABLE IF NOT EXISTS divergences (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	client TEXT NOT NULL,
	product TEXT NOT NULL,
	lot TEXT NOT NULL,
	document_key TEXT NOT NULL,
	item_index INTEGER NOT NULL,
	sequence BIGINT NOT NULL,
	detail TEXT NOT NULL,
	detected_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_divergences_key
	ON divergences(client, product, lot);
CREATE INDEX IF NOT EXISTS idx_divergences_detected
	ON divergences(detected_at)
`

// Migrate creates the schema, one statement at a time.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) exec(ctx context.Context, db execer, query string, args ...any) error {
	_, err := db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	return err
}

// mapUnique turns constraint violations into engine sentinels.
func (s *Store) mapUnique(err error) error {
	switch name := s.dialect.UniqueViolation(err); {
	case name == "":
		return err
	case strings.Contains(name, "sequence"):
		return consignment.ErrSequenceConflict
	case strings.Contains(name, "document") || strings.Contains(name, "applied"):
		return consignment.ErrDocumentApplied
	default:
		return err
	}
}

// =============================================================================
// COMMIT
// =============================================================================

func (s *Store) Commit(ctx context.Context, c consignment.Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range c.Entries {
		if err := s.insertEntry(ctx, tx, e); err != nil {
			return s.mapUnique(err)
		}
	}
	for _, b := range c.Balances {
		if err := s.upsertBalance(ctx, tx, b); err != nil {
			return fmt.Errorf("failed to write balance %s: %w", b.Key, err)
		}
	}
	for _, r := range c.Divergences {
		if err := s.insertDivergence(ctx, tx, r); err != nil {
			return fmt.Errorf("failed to write divergence: %w", err)
		}
	}
	if err := s.insertInvoice(ctx, tx, c.Invoice); err != nil {
		return s.mapUnique(err)
	}
	return tx.Commit()
}

func (s *Store) insertEntry(ctx context.Context, db execer, e consignment.LedgerEntry) error {
	return s.exec(ctx, db, `
		INSERT INTO entries
		(id, client, product, lot, sequence, kind, cfop, quantity, delta, balance_after,
		 document_key, item_index, issued_at, applied_at, divergent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), e.Key.Client, e.Key.Product, e.Key.Lot, e.Sequence,
		string(e.Kind), e.CFOP, e.Quantity.String(), e.Delta.String(), e.BalanceAfter.String(),
		e.DocumentKey, e.ItemIndex, formatTime(e.IssuedAt), formatTime(e.AppliedAt), e.Divergent,
	)
}

func (s *Store) upsertBalance(ctx context.Context, db execer, b consignment.BalanceMaterial) error {
	return s.exec(ctx, db, `
		INSERT INTO balances
		(client, product, lot, client_name, description, quantity, sent, returned, used, billed,
		 last_sequence, last_movement_at, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client, product, lot) DO UPDATE SET
			client_name = excluded.client_name,
			description = excluded.description,
			quantity = excluded.quantity,
			sent = excluded.sent,
			returned = excluded.returned,
			used = excluded.used,
			billed = excluded.billed,
			last_sequence = excluded.last_sequence,
			last_movement_at = excluded.last_movement_at,
			flags = excluded.flags`,
		b.Key.Client, b.Key.Product, b.Key.Lot, b.ClientName, b.Description, b.Quantity.String(),
		b.Sent.String(), b.Returned.String(), b.Used.String(), b.Billed.String(),
		b.LastSequence, formatTime(b.LastMovementAt), joinFlags(b.Flags),
	)
}

func (s *Store) insertDivergence(ctx context.Context, db execer, r consignment.DivergenceRecord) error {
	return s.exec(ctx, db, `
		INSERT INTO divergences
		(id, kind, client, product, lot, document_key, item_index, sequence, detail, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.Key.Client, r.Key.Product, r.Key.Lot,
		r.DocumentKey, r.ItemIndex, r.Sequence, r.Detail, formatTime(r.DetectedAt),
	)
}

func (s *Store) insertInvoice(ctx context.Context, db execer, inv consignment.Invoice) error {
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return err
	}
	failures, err := json.Marshal(inv.Failures)
	if err != nil {
		return err
	}
	return s.exec(ctx, db, `
		INSERT INTO invoices
		(record_id, document_key, number, series, issued_at, issuer_id, recipient_id,
		 recipient_name, source, status, fingerprint, note, kinds, items_json, failures_json,
		 received_at, raw_xml)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.RecordID, inv.DocumentKey, inv.Number, inv.Series, formatTime(inv.IssuedAt),
		inv.IssuerID, inv.RecipientID, inv.RecipientName, string(inv.Source), string(inv.Status),
		strconv.FormatUint(inv.Fingerprint, 10), inv.Note, joinKindsColumn(inv.Kinds()),
		string(items), string(failures), formatTime(inv.ReceivedAt), inv.XML,
	)
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `client, product, lot, client_name, description, quantity,
	sent, returned, used, billed, last_sequence, last_movement_at, flags`

func (s *Store) Balance(ctx context.Context, key consignment.BalanceKey) (consignment.BalanceMaterial, bool, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+balanceColumns+` FROM balances
		WHERE client = ? AND product = ? AND lot = ?`),
		key.Client, key.Product, key.Lot)

	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return consignment.BalanceMaterial{}, false, nil
	}
	if err != nil {
		return consignment.BalanceMaterial{}, false, err
	}
	return b, true, nil
}

func (s *Store) Balances(ctx context.Context, filter consignment.BalanceFilter) ([]consignment.BalanceMaterial, error) {
	var (
		where []string
		args  []any
	)
	if filter.Client != "" {
		where = append(where, "client = ?")
		args = append(args, filter.Client)
	}
	if filter.Product != "" {
		where = append(where, "product = ?")
		args = append(args, filter.Product)
	}
	if filter.Lot != nil {
		where = append(where, "lot = ?")
		args = append(args, *filter.Lot)
	}

	query := `SELECT ` + balanceColumns + ` FROM balances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY client, product, lot"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var result []consignment.BalanceMaterial
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) PutBalance(ctx context.Context, b consignment.BalanceMaterial) error {
	return s.upsertBalance(ctx, s.db, b)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (consignment.BalanceMaterial, error) {
	var (
		b                            consignment.BalanceMaterial
		quantity                     string
		sent, returned, used, billed string
		lastMovement                 string
		flags                        string
	)
	err := row.Scan(&b.Key.Client, &b.Key.Product, &b.Key.Lot, &b.ClientName, &b.Description,
		&quantity, &sent, &returned, &used, &billed, &b.LastSequence, &lastMovement, &flags)
	if err != nil {
		return b, err
	}
	if b.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return b, fmt.Errorf("balance %s quantity: %w", b.Key, err)
	}
	b.Sent = mustDecimal(sent)
	b.Returned = mustDecimal(returned)
	b.Used = mustDecimal(used)
	b.Billed = mustDecimal(billed)
	b.LastMovementAt = parseTime(lastMovement)
	b.Flags = splitFlags(flags)
	return b, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

func (s *Store) Entries(ctx context.Context, key consignment.BalanceKey, after int64, limit int) ([]consignment.LedgerEntry, error) {
	query := `
		SELECT id, client, product, lot, sequence, kind, cfop, quantity, delta, balance_after,
		       document_key, item_index, issued_at, applied_at, divergent
		FROM entries
		WHERE client = ? AND product = ? AND lot = ? AND sequence > ?
		ORDER BY sequence ASC`
	args := []any{key.Client, key.Product, key.Lot, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var result []consignment.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEntry(rows scanner) (consignment.LedgerEntry, error) {
	var (
		e                             consignment.LedgerEntry
		id, kind                      string
		quantity, delta, balanceAfter string
		issuedAt, appliedAt           string
	)
	err := rows.Scan(&id, &e.Key.Client, &e.Key.Product, &e.Key.Lot, &e.Sequence, &kind, &e.CFOP,
		&quantity, &delta, &balanceAfter, &e.DocumentKey, &e.ItemIndex, &issuedAt, &appliedAt, &e.Divergent)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.ID = consignment.EntryID(id)
	e.Kind = consignment.MovementKind(kind)
	e.Quantity = mustDecimal(quantity)
	e.Delta = mustDecimal(delta)
	e.BalanceAfter = mustDecimal(balanceAfter)
	e.IssuedAt = parseTime(issuedAt)
	e.AppliedAt = parseTime(appliedAt)
	return e, nil
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `record_id, document_key, number, series, issued_at, issuer_id, recipient_id,
	recipient_name, source, status, fingerprint, note, items_json, failures_json, received_at`

func (s *Store) AppliedInvoice(ctx context.Context, documentKey string) (*consignment.Invoice, error) {
	invs, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE document_key = ? AND status = ?`, documentKey, string(consignment.StatusApplied))
	if err != nil || len(invs) == 0 {
		return nil, err
	}
	return &invs[0], nil
}

func (s *Store) Invoices(ctx context.Context, documentKey string) ([]consignment.Invoice, error) {
	return s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE document_key = ? ORDER BY received_at ASC`, documentKey)
}

// SaveInvoice writes a duplicate or rejected record and its divergences
// in one transaction.
func (s *Store) SaveInvoice(ctx context.Context, inv consignment.Invoice, recs []consignment.DivergenceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertInvoice(ctx, tx, inv); err != nil {
		return s.mapUnique(err)
	}
	for _, r := range recs {
		if err := s.insertDivergence(ctx, tx, r); err != nil {
			return fmt.Errorf("failed to write divergence: %w", err)
		}
		if err := s.addFlag(ctx, tx, r.Key, r.Kind); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListInvoices(ctx context.Context, filter consignment.InvoiceFilter, page consignment.Page) ([]consignment.Invoice, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Client != "" {
		where = append(where, "recipient_id = ?")
		args = append(args, filter.Client)
	}
	if filter.Kind != "" {
		where = append(where, "kinds LIKE ?")
		args = append(args, "%,"+string(filter.Kind)+",%")
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.From != nil {
		where = append(where, "issued_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "issued_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*) FROM invoices`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count invoices: %w", err)
	}

	page = page.Normalize()
	invs, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices`+clause+`
		ORDER BY issued_at DESC, record_id ASC LIMIT ? OFFSET ?`,
		append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	return invs, total, nil
}

func (s *Store) DocumentXML(ctx context.Context, documentKey string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT status, raw_xml FROM invoices
		WHERE document_key = ? ORDER BY received_at ASC`), documentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice xml: %w", err)
	}
	defer rows.Close()

	var oldest []byte
	for rows.Next() {
		var (
			status string
			data   []byte
		)
		if err := rows.Scan(&status, &data); err != nil {
			return nil, fmt.Errorf("failed to scan invoice xml: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		if status == string(consignment.StatusApplied) {
			return data, nil
		}
		if oldest == nil {
			oldest = data
		}
	}
	return oldest, rows.Err()
}

func (s *Store) CountInvoices(ctx context.Context, status consignment.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM invoices WHERE status = ?`), string(status)).Scan(&n)
	return n, err
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]consignment.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var result []consignment.Invoice
	for rows.Next() {
		var (
			inv                         consignment.Invoice
			issuedAt, receivedAt        string
			source, status, fingerprint string
			itemsJSON, failuresJSON     string
		)
		err := rows.Scan(&inv.RecordID, &inv.DocumentKey, &inv.Number, &inv.Series, &issuedAt,
			&inv.IssuerID, &inv.RecipientID, &inv.RecipientName, &source, &status, &fingerprint,
			&inv.Note, &itemsJSON, &failuresJSON, &receivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		inv.IssuedAt = parseTime(issuedAt)
		inv.ReceivedAt = parseTime(receivedAt)
		inv.Source = consignment.Source(source)
		inv.Status = consignment.Status(status)
		inv.Fingerprint, _ = strconv.ParseUint(fingerprint, 10, 64)
		if err := json.Unmarshal([]byte(itemsJSON), &inv.Items); err != nil {
			return nil, fmt.Errorf("invoice %s items: %w", inv.RecordID, err)
		}
		if err := json.Unmarshal([]byte(failuresJSON), &inv.Failures); err != nil {
			return nil, fmt.Errorf("invoice %s failures: %w", inv.RecordID, err)
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

// =============================================================================
// DIVERGENCES
// =============================================================================

func (s *Store) addFlag(ctx context.Context, tx *sql.Tx, key consignment.BalanceKey, kind consignment.DivergenceKind) error {
	row := tx.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+balanceColumns+` FROM balances
		WHERE client = ? AND product = ? AND lot = ?`),
		key.Client, key.Product, key.Lot)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		b, err = consignment.EmptyBalance(key), nil
	}
	if err != nil {
		return err
	}
	if b.HasFlag(kind) {
		return nil
	}
	b.Flag(kind)
	return s.upsertBalance(ctx, tx, b)
}

func (s *Store) Divergences(ctx context.Context, filter consignment.DivergenceFilter) ([]consignment.DivergenceRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Client != "" {
		where = append(where, "client = ?")
		args = append(args, filter.Client)
	}
	if filter.Product != "" {
		where = append(where, "product = ?")
		args = append(args, filter.Product)
	}
	if filter.Lot != nil {
		where = append(where, "lot = ?")
		args = append(args, *filter.Lot)
	}
	if filter.DocumentKey != "" {
		where = append(where, "document_key = ?")
		args = append(args, filter.DocumentKey)
	}
	if len(filter.Kinds) > 0 {
		marks := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.From != nil {
		where = append(where, "detected_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "detected_at <= ?")
		args = append(args, formatTime(*filter.To))
	}

	query := `SELECT id, kind, client, product, lot, document_key, item_index, sequence, detail, detected_at
		FROM divergences`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query divergences: %w", err)
	}
	defer rows.Close()

	var result []consignment.DivergenceRecord
	for rows.Next() {
		var (
			r                consignment.DivergenceRecord
			kind, detectedAt string
		)
		err := rows.Scan(&r.ID, &kind, &r.Key.Client, &r.Key.Product, &r.Key.Lot,
			&r.DocumentKey, &r.ItemIndex, &r.Sequence, &r.Detail, &detectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan divergence: %w", err)
		}
		r.Kind = consignment.DivergenceKind(kind)
		r.DetectedAt = parseTime(detectedAt)
		result = append(result, r)
	}
	return result, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func joinFlags(flags []consignment.DivergenceKind) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}

func joinKindsColumn(kinds []consignment.MovementKind) string {
	if len(kinds) == 0 {
		return ""
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return "," + strings.Join(parts, ",") + ","
}

func splitFlags(s string) []consignment.DivergenceKind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	flags := make([]consignment.DivergenceKind, len(parts))
	for i, p := range parts {
		flags[i] = consignment.DivergenceKind(p)
	}
	return flags
}
