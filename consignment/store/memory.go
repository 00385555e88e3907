// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/opme/consignment-engine/consignment"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	entries     map[consignment.BalanceKey][]consignment.LedgerEntry
	balances    map[consignment.BalanceKey]consignment.BalanceMaterial
	applied     map[string]bool // documentKey#itemIndex
	invoices    map[string][]consignment.Invoice
	divergences []consignment.DivergenceRecord
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[consignment.BalanceKey][]consignment.LedgerEntry),
		balances: make(map[consignment.BalanceKey]consignment.BalanceMaterial),
		applied:  make(map[string]bool),
		invoices: make(map[string][]consignment.Invoice),
	}
}

func itemRef(documentKey string, index int) string {
	return documentKey + "#" + strconv.Itoa(index)
}

// Commit checks every constraint before writing anything, so a failed
// commit leaves no trace.
func (m *Memory) Commit(_ context.Context, c consignment.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[consignment.BalanceKey]int64)
	for _, e := range c.Entries {
		if m.applied[itemRef(e.DocumentKey, e.ItemIndex)] {
			return consignment.ErrDocumentApplied
		}
		want, ok := next[e.Key]
		if !ok {
			want = int64(len(m.entries[e.Key])) + 1
		}
		if e.Sequence != want {
			return consignment.ErrSequenceConflict
		}
		next[e.Key] = want + 1
	}

	for _, e := range c.Entries {
		m.entries[e.Key] = append(m.entries[e.Key], e)
		m.applied[itemRef(e.DocumentKey, e.ItemIndex)] = true
	}
	for _, b := range c.Balances {
		m.balances[b.Key] = copyBalance(b)
	}
	m.divergences = append(m.divergences, c.Divergences...)
	m.invoices[c.Invoice.DocumentKey] = append(m.invoices[c.Invoice.DocumentKey], c.Invoice)
	return nil
}

func (m *Memory) Balance(_ context.Context, key consignment.BalanceKey) (consignment.BalanceMaterial, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[key]
	return copyBalance(b), ok, nil
}

func (m *Memory) Balances(_ context.Context, filter consignment.BalanceFilter) ([]consignment.BalanceMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []consignment.BalanceMaterial
	for k, b := range m.balances {
		if filter.Match(k) {
			result = append(result, copyBalance(b))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key.Less(result[j].Key) })
	return result, nil
}

func (m *Memory) Entries(_ context.Context, key consignment.BalanceKey, after int64, limit int) ([]consignment.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[key]
	// Sequence n lives at index n-1.
	start := int(after)
	if start >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	result := make([]consignment.LedgerEntry, end-start)
	copy(result, all[start:end])
	return result, nil
}

func (m *Memory) AppliedInvoice(_ context.Context, documentKey string) (*consignment.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.invoices[documentKey] {
		if inv.Status == consignment.StatusApplied {
			found := withoutXML(inv)
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) Invoices(_ context.Context, documentKey string) ([]consignment.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]consignment.Invoice, len(m.invoices[documentKey]))
	for i, inv := range m.invoices[documentKey] {
		result[i] = withoutXML(inv)
	}
	return result, nil
}

func (m *Memory) SaveInvoice(_ context.Context, inv consignment.Invoice, recs []consignment.DivergenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.DocumentKey] = append(m.invoices[inv.DocumentKey], inv)
	for _, r := range recs {
		m.divergences = append(m.divergences, r)
		b, ok := m.balances[r.Key]
		if !ok {
			b = consignment.EmptyBalance(r.Key)
		}
		b = copyBalance(b)
		b.Flag(r.Kind)
		m.balances[r.Key] = b
	}
	return nil
}

func (m *Memory) ListInvoices(_ context.Context, filter consignment.InvoiceFilter, page consignment.Page) ([]consignment.Invoice, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []consignment.Invoice
	for _, invs := range m.invoices {
		for _, inv := range invs {
			if filter.Match(inv) {
				matched = append(matched, withoutXML(inv))
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.IssuedAt.Equal(b.IssuedAt) {
			return a.IssuedAt.After(b.IssuedAt)
		}
		return a.RecordID < b.RecordID
	})

	page = page.Normalize()
	start := page.Offset()
	if start >= len(matched) {
		return nil, len(matched), nil
	}
	end := min(start+page.Size, len(matched))
	return matched[start:end], len(matched), nil
}

func (m *Memory) DocumentXML(_ context.Context, documentKey string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest []byte
	for _, inv := range m.invoices[documentKey] {
		if len(inv.XML) == 0 {
			continue
		}
		if inv.Status == consignment.StatusApplied {
			return append([]byte(nil), inv.XML...), nil
		}
		if oldest == nil {
			oldest = inv.XML
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return append([]byte(nil), oldest...), nil
}

func (m *Memory) CountInvoices(_ context.Context, status consignment.Status) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, invs := range m.invoices {
		for _, inv := range invs {
			if inv.Status == status {
				n++
			}
		}
	}
	return n, nil
}

func (m *Memory) Divergences(_ context.Context, filter consignment.DivergenceFilter) ([]consignment.DivergenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []consignment.DivergenceRecord
	for _, r := range m.divergences {
		if filter.Match(r) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (m *Memory) PutBalance(_ context.Context, b consignment.BalanceMaterial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.Key] = copyBalance(b)
	return nil
}

// Corrupt overwrites a projection without any checks. Test helper for
// projection rebuilds.
func (m *Memory) Corrupt(b consignment.BalanceMaterial) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.Key] = b
}

// withoutXML matches the SQL stores, which only load XML through DocumentXML.
func withoutXML(inv consignment.Invoice) consignment.Invoice {
	inv.XML = nil
	return inv
}

func copyBalance(b consignment.BalanceMaterial) consignment.BalanceMaterial {
	if b.Flags != nil {
		b.Flags = append([]consignment.DivergenceKind(nil), b.Flags...)
	}
	return b
}
