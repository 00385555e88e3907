/*
divergence.go - Divergence Detector

PURPOSE:
  Flags anomalies in appended entries. Divergences are data, never
  errors: ingestion always proceeds and callers query the records.

CHECKS (per appended entry, inside the append critical section):
  NegativeBalance         the key is below zero after the entry
  OrphanedSymbolicReturn  a usage billing with no unmatched symbolic
                          return before it within the lookback window

REPORTED BY THE RECONCILER:
  DuplicateDocument       a document key already applied arrived again
  ContentMismatch         ...and its content differs from the applied one

MATCHING:
  Billing-to-symbolic-return matching is advisory. A billing never
  consumes or closes a symbolic return; the detector only compares
  quantities:

    matchable = sum(symbolic returns) - sum(earlier billings)

  over prior entries of the same key issued no earlier than
  billing.IssuedAt - Lookback. Billing quantity above matchable is orphaned.
*/
package consignment

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DIVERGENCE RECORD
// =============================================================================

type DivergenceKind string

const (
	NegativeBalance        DivergenceKind = "negative_balance"
	OrphanedSymbolicReturn DivergenceKind = "orphaned_symbolic_return"
	DuplicateDocument      DivergenceKind = "duplicate_document"
	ContentMismatch        DivergenceKind = "content_mismatch"
)

func (k DivergenceKind) Valid() bool {
	switch k {
	case NegativeBalance, OrphanedSymbolicReturn, DuplicateDocument, ContentMismatch:
		return true
	}
	return false
}

type DivergenceRecord struct {
	ID          string         `json:"id"`
	Kind        DivergenceKind `json:"kind"`
	Key         BalanceKey     `json:"key"`
	DocumentKey string         `json:"document_key"`
	ItemIndex   int            `json:"item_index"`
	Sequence    int64          `json:"sequence"` // 0 when not tied to an entry
	Detail      string         `json:"detail"`
	DetectedAt  time.Time      `json:"detected_at"`
}

// DivergenceFilter selects records. Zero fields match everything.
type DivergenceFilter struct {
	Client      string
	Product     string
	Lot         *string
	DocumentKey string
	Kinds       []DivergenceKind
	From        *time.Time
	To          *time.Time
}

func (f DivergenceFilter) Match(r DivergenceRecord) bool {
	if f.Client != "" && f.Client != r.Key.Client {
		return false
	}
	if f.Product != "" && f.Product != r.Key.Product {
		return false
	}
	if f.Lot != nil && *f.Lot != r.Key.Lot {
		return false
	}
	if f.DocumentKey != "" && f.DocumentKey != r.DocumentKey {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == r.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && r.DetectedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.DetectedAt.After(*f.To) {
		return false
	}
	return true
}

func sortKinds(kinds []DivergenceKind) {
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
}

// =============================================================================
// DETECTOR
// =============================================================================

// Detector inspects entries before they are committed. Lookback of zero
// means unlimited.
type Detector struct {
	Lookback time.Duration
}

func NewDetector(lookback time.Duration) *Detector {
	return &Detector{Lookback: lookback}
}

// NeedsHistory reports whether Inspect needs prior entries for kind.
func (d *Detector) NeedsHistory(kind MovementKind) bool {
	return kind == UsageBilling
}

// Inspect returns the divergences of entry. prior holds the earlier entries
// of the same key in sequence order; it is only read for usage billings.
// DetectedAt and ID are left for the caller to stamp.
func (d *Detector) Inspect(entry LedgerEntry, prior []LedgerEntry) []DivergenceRecord {
	var recs []DivergenceRecord

	if entry.BalanceAfter.IsNegative() {
		recs = append(recs, DivergenceRecord{
			Kind:        NegativeBalance,
			Key:         entry.Key,
			DocumentKey: entry.DocumentKey,
			ItemIndex:   entry.ItemIndex,
			Sequence:    entry.Sequence,
			Detail: fmt.Sprintf("%s of %s leaves balance at %s",
				entry.Kind, entry.Quantity, entry.BalanceAfter),
		})
	}

	if entry.Kind == UsageBilling {
		matchable := d.matchable(entry, prior)
		if entry.Quantity.GreaterThan(matchable) {
			recs = append(recs, DivergenceRecord{
				Kind:        OrphanedSymbolicReturn,
				Key:         entry.Key,
				DocumentKey: entry.DocumentKey,
				ItemIndex:   entry.ItemIndex,
				Sequence:    entry.Sequence,
				Detail: fmt.Sprintf("billing of %s has only %s unmatched symbolic return",
					entry.Quantity, decimal.Max(matchable, decimal.Zero)),
			})
		}
	}

	return recs
}

func (d *Detector) matchable(entry LedgerEntry, prior []LedgerEntry) Quantity {
	var cutoff time.Time
	if d.Lookback > 0 {
		cutoff = entry.IssuedAt.Add(-d.Lookback)
	}

	total := decimal.Zero
	for _, p := range prior {
		if p.Sequence >= entry.Sequence {
			break
		}
		if !cutoff.IsZero() && p.IssuedAt.Before(cutoff) {
			continue
		}
		switch p.Kind {
		case SymbolicReturn:
			total = total.Add(p.Quantity)
		case UsageBilling:
			total = total.Sub(p.Quantity)
		}
	}
	return total
}
