package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opme/consignment-engine/consignment"
)

var key = consignment.NewBalanceKey("C1", "P1", "L1")

func entry(doc string, item int, seq int64) consignment.LedgerEntry {
	return consignment.LedgerEntry{
		ID:          consignment.EntryID(doc),
		Key:         key,
		Kind:        consignment.ConsignmentOutbound,
		Quantity:    consignment.MustQuantity("1"),
		Delta:       consignment.MustQuantity("1"),
		DocumentKey: doc,
		ItemIndex:   item,
		Sequence:    seq,
	}
}

func commit(entries ...consignment.LedgerEntry) consignment.Commit {
	return consignment.Commit{
		Invoice: consignment.Invoice{DocumentKey: entries[0].DocumentKey, Status: consignment.StatusApplied},
		Entries: entries,
	}
}

func TestMemory_CommitConstraints(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Commit(ctx, commit(entry("NF1", 0, 1))))

	// GIVEN a committed entry
	// WHEN the same item or the same sequence is committed again
	// THEN the matching sentinel is returned and nothing is written
	assert.ErrorIs(t, m.Commit(ctx, commit(entry("NF2", 0, 2), entry("NF1", 0, 3))), consignment.ErrDocumentApplied)
	assert.ErrorIs(t, m.Commit(ctx, commit(entry("NF3", 0, 1))), consignment.ErrSequenceConflict)
	assert.ErrorIs(t, m.Commit(ctx, commit(entry("NF3", 0, 2), entry("NF3", 1, 4))), consignment.ErrSequenceConflict)

	entries, err := m.Entries(ctx, key, 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	invs, err := m.Invoices(ctx, "NF2")
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestMemory_EntriesPaging(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Commit(ctx, commit(entry("NF1", 0, 1), entry("NF1", 1, 2), entry("NF1", 2, 3))))

	page, err := m.Entries(ctx, key, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].Sequence)

	page, err = m.Entries(ctx, key, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemory_BalancesAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	dup := consignment.Invoice{DocumentKey: "NF1", Status: consignment.StatusDuplicate}
	require.NoError(t, m.SaveInvoice(ctx, dup, []consignment.DivergenceRecord{{Kind: consignment.NegativeBalance, Key: key}}))

	b, ok, err := m.Balance(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	b.Flags[0] = consignment.ContentMismatch

	again, _, err := m.Balance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []consignment.DivergenceKind{consignment.NegativeBalance}, again.Flags)

	n, err := m.CountInvoices(ctx, consignment.StatusApplied)
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := m.Divergences(ctx, consignment.DivergenceFilter{DocumentKey: "NF1"})
	require.NoError(t, err)
	assert.Empty(t, recs, "records carry their own document key")
	recs, err = m.Divergences(ctx, consignment.DivergenceFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemory_ListInvoicesNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// GIVEN: five invoices, one of them a rejected return
	for i := 0; i < 4; i++ {
		inv := consignment.Invoice{
			RecordID:    fmt.Sprintf("r%d", i),
			DocumentKey: fmt.Sprintf("NF%d", i),
			RecipientID: "C1",
			IssuedAt:    day.AddDate(0, 0, i),
			Status:      consignment.StatusApplied,
			Items:       []consignment.InvoiceItem{{Kind: consignment.ConsignmentOutbound}},
		}
		require.NoError(t, m.SaveInvoice(ctx, inv, nil))
	}
	require.NoError(t, m.SaveInvoice(ctx, consignment.Invoice{
		RecordID:    "r9",
		DocumentKey: "NF9",
		RecipientID: "C2",
		IssuedAt:    day,
		Status:      consignment.StatusRejected,
		Items:       []consignment.InvoiceItem{{Kind: consignment.ConsignmentReturn}},
	}, nil))

	// WHEN: the second page of two
	page, total, err := m.ListInvoices(ctx, consignment.InvoiceFilter{Client: "C1"}, consignment.Page{Number: 2, Size: 2})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, "NF1", page[0].DocumentKey)
	assert.Equal(t, "NF0", page[1].DocumentKey)

	returns, total, err := m.ListInvoices(ctx, consignment.InvoiceFilter{Kind: consignment.ConsignmentReturn}, consignment.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, returns, 1)
	assert.Equal(t, "NF9", returns[0].DocumentKey)

	past, total, err := m.ListInvoices(ctx, consignment.InvoiceFilter{}, consignment.Page{Number: 9})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, past)
}

func TestMemory_DocumentXMLPrefersApplied(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	data, err := m.DocumentXML(ctx, "NF1")
	require.NoError(t, err)
	assert.Nil(t, data)

	// GIVEN: a rejected copy first, then the applied one
	require.NoError(t, m.SaveInvoice(ctx, consignment.Invoice{DocumentKey: "NF1", Status: consignment.StatusRejected, XML: []byte("<first/>")}, nil))
	data, err = m.DocumentXML(ctx, "NF1")
	require.NoError(t, err)
	assert.Equal(t, "<first/>", string(data))

	applied := commit(entry("NF1", 0, 1))
	applied.Invoice.XML = []byte("<applied/>")
	require.NoError(t, m.Commit(ctx, applied))

	// THEN
	data, err = m.DocumentXML(ctx, "NF1")
	require.NoError(t, err)
	assert.Equal(t, "<applied/>", string(data))

	invs, err := m.Invoices(ctx, "NF1")
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Nil(t, invs[1].XML, "listing never loads XML")
}
