/*
Package consignment provides the consignment balance ledger engine.

PURPOSE:
  This package derives per-client, per-product, per-lot stock balances of
  consigned OPME material from a stream of fiscal invoices (NF-e). Every
  invoice line item carries a CFOP that decides whether the movement
  increases, decreases, or symbolically reverses a balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - BalanceKey: (client, product, lot-or-none), one tracked position
  - LedgerEntry: immutable, append-only movement record
  - BalanceMaterial: derived projection of the entries of one key
  - AppendResult: outcome of submitting one invoice

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, corrections are new entries
  2. Precision: quantities use decimal.Decimal
  3. Ordering: per-key sequence numbers assigned at commit time
  4. Auditability: every entry points back to (document key, item index)

DATA FLOW:
  RawDocument -> Normalizer -> Classifier (per item) -> Reconciler
  -> Ledger (append + project) -> Detector (inside the append)

SEE ALSO:
  - movement.go: CFOP table
  - ledger.go: append, projection, history
  - reconciler.go: cross-source idempotency
  - divergence.go: anomaly detection
*/
package consignment

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY
// =============================================================================

// Quantity is a decimal amount of material units.
type Quantity = decimal.Decimal

// MustQuantity parses s and panics on malformed input. Test and fixture helper.
func MustQuantity(s string) Quantity {
	return decimal.RequireFromString(s)
}

// =============================================================================
// BALANCE KEY
// =============================================================================

// NoLot marks items without lot traceability. It is a valid, distinct
// position, not an error.
const NoLot = ""

// BalanceKey identifies one tracked inventory position.
type BalanceKey struct {
	Client  string
	Product string
	Lot     string
}

func NewBalanceKey(client, product, lot string) BalanceKey {
	return BalanceKey{Client: client, Product: product, Lot: lot}
}

func (k BalanceKey) HasLot() bool { return k.Lot != NoLot }

// keyEscaper escapes the separator and the no-lot marker so that distinct
// keys never render alike.
var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, "~", `\~`)

// String renders the key for logs and lock names.
func (k BalanceKey) String() string {
	lot := "~"
	if k.HasLot() {
		lot = keyEscaper.Replace(k.Lot)
	}
	return keyEscaper.Replace(k.Client) + "|" + keyEscaper.Replace(k.Product) + "|" + lot
}

func (k BalanceKey) Less(o BalanceKey) bool {
	if k.Client != o.Client {
		return k.Client < o.Client
	}
	if k.Product != o.Product {
		return k.Product < o.Product
	}
	return k.Lot < o.Lot
}

// =============================================================================
// LEDGER ENTRY - Immutable movement record
// =============================================================================

type EntryID string

// LedgerEntry is one applied movement.
//
// INVARIANTS:
//   - Sequence is per key, starts at 1, strictly increasing, gap-free.
//   - BalanceAfter equals the prefix sum of Delta up to and including Sequence.
//   - (DocumentKey, ItemIndex) is unique across the whole ledger.
type LedgerEntry struct {
	ID           EntryID
	Key          BalanceKey
	Kind         MovementKind
	CFOP         string
	Quantity     Quantity // as reported on the item, always positive
	Delta        Quantity // Quantity * sign
	BalanceAfter Quantity
	DocumentKey  string
	ItemIndex    int
	Sequence     int64
	IssuedAt     time.Time
	AppliedAt    time.Time
	Divergent    bool
}

// =============================================================================
// BALANCE MATERIAL - Derived projection
// =============================================================================

// BalanceMaterial is the current state of one key. It is rebuildable by
// replaying the key's entries and never independently authoritative.
//
// Quantity = Sent - Returned - Used. Billed never moves it.
type BalanceMaterial struct {
	Key            BalanceKey
	ClientName     string
	Description    string
	Quantity       Quantity
	Sent           Quantity
	Returned       Quantity
	Used           Quantity
	Billed         Quantity
	LastSequence   int64
	LastMovementAt time.Time
	Flags          []DivergenceKind
}

// EmptyBalance is the projection of a key with no entries.
func EmptyBalance(key BalanceKey) BalanceMaterial {
	return BalanceMaterial{
		Key:      key,
		Quantity: decimal.Zero,
		Sent:     decimal.Zero,
		Returned: decimal.Zero,
		Used:     decimal.Zero,
		Billed:   decimal.Zero,
	}
}

func (b BalanceMaterial) HasFlag(kind DivergenceKind) bool {
	for _, f := range b.Flags {
		if f == kind {
			return true
		}
	}
	return false
}

// Flag adds kind to the flag set, keeping it sorted and unique.
func (b *BalanceMaterial) Flag(kind DivergenceKind) {
	if b.HasFlag(kind) {
		return
	}
	b.Flags = append(b.Flags, kind)
	sortKinds(b.Flags)
}

// apply advances the projection by one entry.
func (b *BalanceMaterial) apply(e LedgerEntry) {
	b.Quantity = b.Quantity.Add(e.Delta)
	switch e.Kind {
	case ConsignmentOutbound:
		b.Sent = b.Sent.Add(e.Quantity)
	case ConsignmentReturn:
		b.Returned = b.Returned.Add(e.Quantity)
	case SymbolicReturn:
		b.Used = b.Used.Add(e.Quantity)
	case UsageBilling:
		b.Billed = b.Billed.Add(e.Quantity)
	}
	b.LastSequence = e.Sequence
	b.LastMovementAt = e.AppliedAt
}

// BalanceFilter selects projections. Empty fields match everything.
type BalanceFilter struct {
	Client  string
	Product string
	Lot     *string
}

func (f BalanceFilter) Match(k BalanceKey) bool {
	if f.Client != "" && f.Client != k.Client {
		return false
	}
	if f.Product != "" && f.Product != k.Product {
		return false
	}
	if f.Lot != nil && *f.Lot != k.Lot {
		return false
	}
	return true
}

// =============================================================================
// APPEND RESULT
// =============================================================================

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// AppendResult reports what happened to one submitted invoice.
type AppendResult struct {
	Outcome     Outcome
	DocumentKey string
	Entries     []LedgerEntry
	Divergences []DivergenceRecord
	Failures    []Failure // set when Outcome is rejected
	Note        string
}

func (r AppendResult) Applied() bool   { return r.Outcome == OutcomeApplied }
func (r AppendResult) Duplicate() bool { return r.Outcome == OutcomeDuplicate }
func (r AppendResult) Rejected() bool  { return r.Outcome == OutcomeRejected }
